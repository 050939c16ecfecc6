package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/redis"
)

// Elector decides which producer replica polls a feed.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
}

// Compile-time interface compliance checks.
var (
	_ Elector = (*elector)(nil)
	_ Elector = (*standalone)(nil)
)

type elector struct {
	log            logrus.FieldLogger
	cfg            Config
	redis          redis.Client
	id             string
	isLeader       bool
	loggedFollower bool
	mu             sync.RWMutex
	done           chan struct{}
	wg             sync.WaitGroup
}

// NewElector creates a Redis lock based elector. The lock value is a random
// instance id, so renewal and release only ever touch a lock this instance
// holds.
func NewElector(log logrus.FieldLogger, cfg Config, redisClient redis.Client) Elector {
	return &elector{
		log:   log.WithField("component", "leader"),
		cfg:   cfg,
		redis: redisClient,
		id:    uuid.New().String(),
		done:  make(chan struct{}),
	}
}

// Start begins the leader election process.
func (e *elector) Start(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"instance_id": e.id,
		"lock_key":    e.cfg.LockKey,
	}).Info("Starting leader election")

	e.wg.Add(1)

	go e.electionLoop(ctx)

	return nil
}

// Stop stops the election loop and releases the lock if held.
func (e *elector) Stop() error {
	e.log.Info("Stopping leader election")
	close(e.done)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isLeader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := e.redis.DelIf(ctx, e.cfg.LockKey, e.id); err != nil {
			e.log.WithError(err).Warn("Failed to release leadership lock")
		}

		e.isLeader = false
	}

	return nil
}

// IsLeader returns true if this instance is the current leader.
func (e *elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader
}

func (e *elector) electionLoop(ctx context.Context) {
	defer e.wg.Done()

	e.tryAcquireLeadership(ctx)

	renewTicker := time.NewTicker(e.cfg.RenewInterval)
	defer renewTicker.Stop()

	retryTicker := time.NewTicker(e.cfg.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-renewTicker.C:
			if e.IsLeader() {
				e.renewLeadership(ctx)
			}
		case <-retryTicker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
			}
		}
	}
}

func (e *elector) tryAcquireLeadership(ctx context.Context) {
	acquired, err := e.redis.SetNX(ctx, e.cfg.LockKey, e.id, e.cfg.LockTTL)
	if err != nil {
		e.log.WithError(err).Warn("Failed to acquire leadership lock")

		return
	}

	e.mu.Lock()

	if acquired {
		e.isLeader = true
		e.loggedFollower = false
		e.mu.Unlock()

		e.log.WithField("instance_id", e.id).Info("Acquired leadership")

		return
	}

	shouldLog := !e.loggedFollower
	e.loggedFollower = true
	e.mu.Unlock()

	if shouldLog {
		currentLeader, _ := e.redis.Get(ctx, e.cfg.LockKey)
		e.log.WithFields(logrus.Fields{
			"instance_id": e.id,
			"leader_id":   currentLeader,
		}).Info("Running as follower")
	}
}

func (e *elector) renewLeadership(ctx context.Context) {
	renewed, err := e.redis.ExtendIf(ctx, e.cfg.LockKey, e.id, e.cfg.LockTTL)

	switch {
	case err != nil:
		e.log.WithError(err).Warn("Failed to renew leadership lock, stepping down")
	case !renewed:
		e.log.Warn("Lost leadership to another instance")
	default:
		e.log.Debug("Renewed leadership lock")

		return
	}

	e.mu.Lock()
	e.isLeader = false
	e.mu.Unlock()
}

// standalone is used when election is disabled: the single replica always
// leads.
type standalone struct{}

// NewStandalone returns an Elector that always reports leadership.
func NewStandalone() Elector {
	return standalone{}
}

func (standalone) Start(context.Context) error { return nil }
func (standalone) Stop() error                 { return nil }
func (standalone) IsLeader() bool              { return true }
