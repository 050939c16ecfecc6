package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/metrics"
	"github.com/ethpandaops/opendata-ingest/internal/version"
)

// StatusError is returned when a retryable status persists after the last
// attempt.
type StatusError struct {
	URL        string
	StatusCode int
	Attempts   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
}

// IsRetryableStatus reports whether code is worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Client performs HTTP requests with exponential backoff on transport
// failures and retryable statuses. Requests must not carry a body.
type Client struct {
	log        logrus.FieldLogger
	http       *http.Client
	backoff    *Backoff
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a retrying client.
func NewClient(log logrus.FieldLogger, cfg Config) *Client {
	return &Client{
		log:        log.WithField("component", "http_retry"),
		http:       &http.Client{Timeout: cfg.HTTPTimeout},
		backoff:    NewBackoff(cfg.Retry),
		maxRetries: cfg.Retry.MaxRetries,
		sleep:      sleepCtx,
	}
}

// Get issues a GET for url with retries.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	return c.Do(ctx, req)
}

// Do sends req, retrying up to MaxRetries times. Non-retryable statuses are
// returned to the caller unchanged; non-retryable transport errors are
// returned on the first attempt.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	for attempt := 0; ; attempt++ {
		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			metrics.UpstreamRequests.WithLabelValues("error").Inc()

			if !isRetryableError(err) || attempt >= c.maxRetries {
				return nil, fmt.Errorf("request %s: %w", url, err)
			}

			wait := c.backoff.Delay(attempt)

			c.log.WithError(err).WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt + 1,
				"wait":    wait,
			}).Warn("Upstream request failed, retrying")

			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

			continue
		}

		metrics.UpstreamRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		discard(resp)

		if attempt >= c.maxRetries {
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Attempts: attempt + 1}
		}

		wait := c.backoff.Delay(attempt)
		if secs, ok := retryAfter(resp); ok {
			wait = secs
		}

		c.log.WithFields(logrus.Fields{
			"url":     url,
			"status":  resp.StatusCode,
			"attempt": attempt + 1,
			"wait":    wait,
		}).Warn("Upstream returned retryable status")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// retryAfter parses an integer Retry-After header. HTTP-date values are
// ignored and fall back to the backoff.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}

	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, false
	}

	return time.Duration(secs) * time.Second, true
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// isRetryableError reports whether a transport error may succeed on retry:
// timeouts, dial and connection failures, resets and truncated responses.
// Request construction, scheme and TLS verification errors are final.
func isRetryableError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError

	return errors.As(err, &opErr)
}
