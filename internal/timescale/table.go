package timescale

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// Table maps records of one feed onto a hypertable keyed by (fiwareid, ts).
type Table struct {
	Name    string
	Columns []string
	values  func(rec *feed.Record) []any
}

var measureColumns = map[string][]string{
	feed.NameAir: {
		"no2", "o3", "so2", "co", "pm10", "pm25", "air_quality_summary",
	},
	feed.NameWeather: {
		"wind_dir_deg", "wind_speed_ms", "temperature_c",
		"humidity_pct", "pressure_hpa", "precip_mm",
	},
}

// TableFor returns the table layout for def.
func TableFor(def *feed.Definition) (*Table, error) {
	measures, ok := measureColumns[def.Name]
	if !ok {
		return nil, fmt.Errorf("no table layout for feed %q", def.Name)
	}

	columns := make([]string, 0, len(measures)+4)
	columns = append(columns, "fiwareid", "ts")
	columns = append(columns, measures...)
	columns = append(columns, "lat", "lon")

	t := &Table{Name: def.Table, Columns: columns}

	switch def.Name {
	case feed.NameAir:
		t.values = airValues
	case feed.NameWeather:
		t.values = weatherValues
	}

	return t, nil
}

// UpsertSQL returns the parameterised upsert for one row. A replayed
// (fiwareid, ts) overwrites the stored measurements.
func (t *Table) UpsertSQL() string {
	placeholders := make([]string, len(t.Columns))
	for i := range t.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	updates := make([]string, 0, len(t.Columns)-2)
	for _, col := range t.Columns[2:] {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (fiwareid, ts) DO UPDATE SET %s",
		t.Name,
		strings.Join(t.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// LatestSQL returns the query for the newest stored timestamp.
func (t *Table) LatestSQL() string {
	return "SELECT max(ts) FROM " + t.Name
}

// Args returns the column values for rec, in Columns order.
func (t *Table) Args(rec *feed.Record) []any {
	args := make([]any, 0, len(t.Columns))
	args = append(args, rec.EntityID, rec.AsOf)
	args = append(args, t.values(rec)...)
	args = append(args, rec.Lat, rec.Lon)

	return args
}

func airValues(rec *feed.Record) []any {
	v := rec.AirValues
	if v == nil {
		v = &feed.AirValues{}
	}

	return []any{v.NO2, v.O3, v.SO2, v.CO, v.PM10, v.PM25, v.Summary}
}

func weatherValues(rec *feed.Record) []any {
	v := rec.WeatherValues
	if v == nil {
		v = &feed.WeatherValues{}
	}

	return []any{v.WindDirDeg, v.WindSpeedMS, v.TemperatureC, v.HumidityPct, v.PressureHPA, v.PrecipMM}
}
