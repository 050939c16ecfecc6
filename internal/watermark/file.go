package watermark

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// Compile-time interface compliance check.
var _ Store = (*FileStore)(nil)

const (
	stateFileName  = "state.json"
	offsetFileName = "offset.txt"
)

// FileStore keeps state in <dir>/state.json, mirrored to the legacy
// <dir>/offset.txt that holds only the watermark.
type FileStore struct {
	log  logrus.FieldLogger
	dir  string
	seed *Seeder
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(log logrus.FieldLogger, dir string, seed *Seeder) *FileStore {
	return &FileStore{
		log:  log.WithField("component", "watermark_file"),
		dir:  dir,
		seed: seed,
	}
}

// StatePath returns the structured state file path.
func (f *FileStore) StatePath() string {
	return filepath.Join(f.dir, stateFileName)
}

// OffsetPath returns the legacy offset file path.
func (f *FileStore) OffsetPath() string {
	return filepath.Join(f.dir, offsetFileName)
}

// Load reads state.json, then offset.txt, then falls back to the seed.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.StatePath())

	switch {
	case err == nil:
		state, parseErr := Unmarshal(data)
		if parseErr == nil {
			return state, nil
		}

		f.log.WithError(parseErr).Warn("Corrupt state file, ignoring")
	case !errors.Is(err, fs.ErrNotExist):
		f.log.WithError(err).Warn("Unreadable state file, ignoring")
	}

	if raw, err := os.ReadFile(f.OffsetPath()); err == nil {
		ts, parseErr := feed.NormalizeTimestamp(strings.TrimSpace(string(raw)))
		if parseErr == nil {
			f.log.WithField("watermark", feed.FormatTimestamp(ts)).Info("Migrating watermark from legacy offset file")

			return State{Watermark: ts, Seen: map[string]string{}}, nil
		}

		f.log.WithError(parseErr).Warn("Corrupt offset file, ignoring")
	}

	return f.seed.Seed(ctx), nil
}

// Save writes both files through a temp file and rename, so a reader never
// observes a partial document.
func (f *FileStore) Save(_ context.Context, state State) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := writeAtomic(f.StatePath(), data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	if err := writeAtomic(f.OffsetPath(), []byte(feed.FormatTimestamp(state.Watermark))); err != nil {
		return fmt.Errorf("write offset: %w", err)
	}

	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
