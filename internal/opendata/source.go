package opendata

import (
	"context"
	"time"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// Source serves reconciler pages for one resolved schema.
type Source struct {
	client   *Client
	bases    []string
	schema   Schema
	pageSize int
}

// NewSource binds client to schema.
func NewSource(client *Client, cfg Config, schema Schema) *Source {
	return &Source{
		client:   client,
		bases:    cfg.Bases,
		schema:   schema,
		pageSize: min(max(cfg.PageSize, 1), MaxPageSize),
	}
}

// Bases returns the API bases in preference order.
func (s *Source) Bases() []string {
	return s.bases
}

// PageSize returns the number of rows requested per page.
func (s *Source) PageSize() int {
	return s.pageSize
}

// TimestampField returns the field rows are mapped with.
func (s *Source) TimestampField() string {
	return s.schema.TimestampField
}

// FetchPage returns rows at or after since, starting at offset.
func (s *Source) FetchPage(ctx context.Context, base string, since time.Time, offset int) ([]feed.Row, error) {
	return s.client.FetchPage(ctx, base, PageQuery{
		Select:         s.schema.Select,
		TimestampField: s.schema.TimestampField,
		Since:          since,
		Limit:          s.pageSize,
		Offset:         offset,
	})
}
