package feed

const weatherDatasetID = "estacions-atmosferiques-estaciones-atmosfericas"

func weatherDefinition() *Definition {
	return &Definition{
		Name:      NameWeather,
		DatasetID: weatherDatasetID,
		Topic:     "vlc.weather",
		Table:     "weather.hyper",
		DesiredFields: []string{
			"objectid", "nombre", "direccion",
			"viento_dir", "viento_vel", "temperatur", "humedad_re", "presion_ba", "precipitac",
			"fiwareid", "geo_point_2d",
		},
		ChangeFields: []string{"viento_dir", "viento_vel", "temperatur", "humedad_re", "presion_ba", "precipitac"},
		measure:      measureWeather,
	}
}

func measureWeather(row Row, rec *Record) map[string]any {
	v := &WeatherValues{
		WindDirDeg:   row.floatField("viento_dir"),
		WindSpeedMS:  row.floatField("viento_vel"),
		TemperatureC: row.floatField("temperatur"),
		HumidityPct:  row.floatField("humedad_re"),
		PressureHPA:  row.floatField("presion_ba"),
		PrecipMM:     row.floatField("precipitac"),
	}
	rec.WeatherValues = v

	return map[string]any{
		"viento_dir": v.WindDirDeg,
		"viento_vel": v.WindSpeedMS,
		"temperatur": v.TemperatureC,
		"humedad_re": v.HumidityPct,
		"presion_ba": v.PressureHPA,
		"precipitac": v.PrecipMM,
	}
}
