//nolint:tagliatelle // superior snake-case yo.
package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// State is the persisted reconciliation cursor of one feed.
type State struct {
	// Watermark is the highest fully processed as_of timestamp.
	Watermark time.Time
	// Seen maps entity id to fingerprint for entities observed at Watermark.
	Seen map[string]string
}

// Store persists State across restarts.
type Store interface {
	// Load returns the persisted state, or the seeded default when nothing
	// usable has been persisted. Corrupt state is treated as absent.
	Load(ctx context.Context) (State, error)
	// Save replaces the persisted state atomically.
	Save(ctx context.Context, state State) error
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{Watermark: s.Watermark, Seen: make(map[string]string, len(s.Seen))}
	maps.Copy(out.Seen, s.Seen)

	return out
}

type document struct {
	Watermark string            `json:"watermark"`
	Seen      map[string]string `json:"seen_for_watermark"`

	// Keys written by the previous producer generation.
	LegacyOffset string            `json:"offset,omitempty"`
	LegacySeen   map[string]string `json:"seen_for_offset,omitempty"`
}

// Marshal encodes s as the state document.
func Marshal(s State) ([]byte, error) {
	seen := s.Seen
	if seen == nil {
		seen = map[string]string{}
	}

	return json.Marshal(document{
		Watermark: feed.FormatTimestamp(s.Watermark),
		Seen:      seen,
	})
}

// Unmarshal decodes a state document.
func Unmarshal(data []byte) (State, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, fmt.Errorf("parse state: %w", err)
	}

	raw, seen := doc.Watermark, doc.Seen
	if raw == "" {
		raw, seen = doc.LegacyOffset, doc.LegacySeen
	}

	ts, err := feed.NormalizeTimestamp(raw)
	if err != nil {
		return State{}, fmt.Errorf("parse watermark: %w", err)
	}

	state := State{Watermark: ts, Seen: make(map[string]string, len(seen))}
	maps.Copy(state.Seen, seen)

	return state, nil
}
