package feed

import (
	"fmt"
	"sort"

	"github.com/ethpandaops/opendata-ingest/internal/fingerprint"
)

const (
	NameAir     = "air"
	NameWeather = "weather"
)

// Definition describes one feed shape: which upstream fields to select, which
// of them define a change, and how a row becomes a Record.
type Definition struct {
	Name      string
	DatasetID string
	Topic     string
	// Table is the time-series table records are upserted into.
	Table string
	// DesiredFields are selected when the dataset exposes them. The timestamp
	// field is appended at bootstrap.
	DesiredFields []string
	// ChangeFields are the upstream fields covered by the fingerprint.
	ChangeFields []string

	measure func(row Row, rec *Record) map[string]any
}

var definitions = map[string]*Definition{
	NameAir:     airDefinition(),
	NameWeather: weatherDefinition(),
}

// Lookup returns the built-in definition for a feed name.
func Lookup(name string) (*Definition, error) {
	def, ok := definitions[name]
	if !ok {
		return nil, fmt.Errorf("unknown feed %q (known: %v)", name, Names())
	}

	return def, nil
}

// Names lists the built-in feed names.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Map normalises a raw row. It returns false when the row cannot be emitted:
// the timestamp is missing or unparseable.
func (d *Definition) Map(row Row, tsField string) (Record, bool) {
	rec := Record{
		EntityID: entityID(row),
		ObjectID: row.intField("objectid"),
		Name:     row.stringField("nombre"),
		Address:  row.stringField("direccion"),
	}

	rec.Lat, rec.Lon = ExtractLatLon(row["geo_point_2d"])

	if raw, ok := row[tsField].(string); ok {
		if ts, err := NormalizeTimestamp(raw); err == nil {
			rec.AsOf = ts
		}
	}

	changes := d.measure(row, &rec)
	rec.Fingerprint = fingerprint.Compute(changes, d.ChangeFields)

	return rec, rec.Valid()
}

func entityID(row Row) string {
	if id, ok := row["fiwareid"].(string); ok && id != "" {
		return id
	}

	if oid := row.intField("objectid"); oid != nil {
		return fmt.Sprintf("obj%d", *oid)
	}

	return "objna"
}
