package feed

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pointRx = regexp.MustCompile(`^POINT\s*\(\s*([-\d.]+)\s+([-\d.]+)\s*\)`)

// ExtractLatLon reads a geo_point_2d value. The explore API serves
// {"lat":..,"lon":..} objects; older endpoints serve "POINT (lon lat)".
func ExtractLatLon(geo any) (lat, lon *float64) {
	switch v := geo.(type) {
	case map[string]any:
		la, okLat := toFloat(v["lat"])
		lo, okLon := toFloat(v["lon"])

		if !okLat || !okLon {
			return nil, nil
		}

		return &la, &lo
	case string:
		m := pointRx.FindStringSubmatch(strings.TrimSpace(v))
		if m == nil {
			return nil, nil
		}

		lo, errLon := strconv.ParseFloat(m[1], 64)
		la, errLat := strconv.ParseFloat(m[2], 64)

		if errLon != nil || errLat != nil {
			return nil, nil
		}

		return &la, &lo
	}

	return nil, nil
}

func (r Row) floatField(key string) *float64 {
	f, ok := toFloat(r[key])
	if !ok {
		return nil
	}

	return &f
}

func (r Row) stringField(key string) *string {
	switch v := r[key].(type) {
	case nil:
		return nil
	case string:
		return &v
	default:
		s := fmt.Sprint(v)

		return &s
	}
}

func (r Row) intField(key string) *int64 {
	f, ok := toFloat(r[key])
	if !ok {
		return nil
	}

	i := int64(f)

	return &i
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	}

	return 0, false
}
