//nolint:tagliatelle // superior snake-case yo.
package feed

import (
	"time"
)

// Row is one raw result object as served by the upstream records endpoint.
type Row map[string]any

// Record is a normalised station reading. It is the payload published to the
// bus and the unit upserted into the time-series store.
type Record struct {
	EntityID string    `json:"entity_id"`
	AsOf     time.Time `json:"as_of"`
	ObjectID *int64    `json:"objectid,omitempty"`
	Name     *string   `json:"name,omitempty"`
	Address  *string   `json:"address,omitempty"`
	Lat      *float64  `json:"lat"`
	Lon      *float64  `json:"lon"`

	*AirValues
	*WeatherValues

	// Fingerprint covers the change-relevant measurement fields only.
	Fingerprint string `json:"-"`
}

// AirValues holds pollutant concentrations for air-quality stations.
type AirValues struct {
	SO2     *float64 `json:"so2"`
	NO2     *float64 `json:"no2"`
	O3      *float64 `json:"o3"`
	CO      *float64 `json:"co"`
	PM10    *float64 `json:"pm10"`
	PM25    *float64 `json:"pm25"`
	Summary *string  `json:"air_quality_summary"`
}

// WeatherValues holds meteorological readings for weather stations.
type WeatherValues struct {
	WindDirDeg   *float64 `json:"wind_dir_deg"`
	WindSpeedMS  *float64 `json:"wind_speed_ms"`
	TemperatureC *float64 `json:"temperature_c"`
	HumidityPct  *float64 `json:"humidity_pct"`
	PressureHPA  *float64 `json:"pressure_hpa"`
	PrecipMM     *float64 `json:"precip_mm"`
}

// Key returns the bus message key, "<entity_id>|<as_of>".
func (r *Record) Key() string {
	return r.EntityID + "|" + FormatTimestamp(r.AsOf)
}

// Valid reports whether the record may be emitted.
func (r *Record) Valid() bool {
	return r.EntityID != "" && !r.AsOf.IsZero() && r.Fingerprint != ""
}
