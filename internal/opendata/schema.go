package opendata

import (
	"context"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// timestampCandidates are date-like field names seen across the portal's
// datasets, in preference order.
var timestampCandidates = []string{
	"fecha_carg",
	"update_jcd",
	"timestamp",
	"fechahora",
	"fecha",
	"updated_at",
	"date",
	"data",
	"last_update",
}

// Schema is the outcome of bootstrap discovery.
type Schema struct {
	TimestampField string
	Select         []string
	Available      []string
}

// ChooseTimestampField picks the field carrying the record timestamp:
// the configured field when the dataset has it; otherwise, if auto is on,
// the first known candidate, then the first sample value that looks like a
// date-time. Falls back to the configured field.
func ChooseTimestampField(available []string, sample feed.Row, configured string, auto bool) string {
	if slices.Contains(available, configured) || !auto {
		return configured
	}

	for _, candidate := range timestampCandidates {
		if slices.Contains(available, candidate) {
			return candidate
		}
	}

	if sample != nil {
		keys := make([]string, 0, len(sample))
		for k := range sample {
			keys = append(keys, k)
		}

		// Map order is random; sort for a stable pick.
		slices.Sort(keys)

		for _, k := range keys {
			if s, ok := sample[k].(string); ok && strings.Contains(s, "T") && strings.Contains(s, ":") {
				return k
			}
		}
	}

	return configured
}

// ComputeSelect returns the desired fields the dataset has, plus tsField.
// With no field information at all every desired field is requested.
func ComputeSelect(desired, available []string, tsField string) []string {
	var fields []string

	if len(available) == 0 {
		fields = append(fields, desired...)
	} else {
		for _, f := range desired {
			if slices.Contains(available, f) {
				fields = append(fields, f)
			}
		}
	}

	if !slices.Contains(fields, tsField) {
		fields = append(fields, tsField)
	}

	return fields
}

// Discover resolves the schema for def. Field names come from the metadata
// endpoint of the first base that answers, else from the keys of a one-row
// sample. Discovery never fails: missing information degrades to the
// configured timestamp field.
func (c *Client) Discover(ctx context.Context, cfg Config, def *feed.Definition) Schema {
	var (
		available []string
		sample    feed.Row
	)

	for _, base := range cfg.Bases {
		fields, err := c.Fields(ctx, base)
		if err != nil {
			c.log.WithError(err).WithField("base", base).Debug("Metadata lookup failed")

			continue
		}

		if len(fields) > 0 {
			available = fields

			break
		}
	}

	if len(available) == 0 {
		for _, base := range cfg.Bases {
			row, err := c.FetchSample(ctx, base)
			if err != nil {
				c.log.WithError(err).WithField("base", base).Debug("Sample fetch failed")

				continue
			}

			if row != nil {
				sample = row

				for k := range row {
					available = append(available, k)
				}

				slices.Sort(available)

				break
			}
		}
	}

	tsField := ChooseTimestampField(available, sample, cfg.TimestampField, cfg.AutoDetect())
	schema := Schema{
		TimestampField: tsField,
		Select:         ComputeSelect(def.DesiredFields, available, tsField),
		Available:      available,
	}

	c.log.WithFields(logrus.Fields{
		"timestamp_field": schema.TimestampField,
		"select":          strings.Join(schema.Select, ","),
		"available":       len(available),
	}).Info("Resolved upstream schema")

	return schema
}
