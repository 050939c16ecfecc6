package feed

const airDatasetID = "estacions-contaminacio-atmosferiques-estaciones-contaminacion-atmosfericas"

func airDefinition() *Definition {
	return &Definition{
		Name:      NameAir,
		DatasetID: airDatasetID,
		Topic:     "vlc.air",
		Table:     "air.hyper",
		DesiredFields: []string{
			"objectid", "nombre", "direccion",
			"so2", "no2", "o3", "co", "pm10", "pm25", "calidad_am",
			"fiwareid", "geo_point_2d",
		},
		ChangeFields: []string{"so2", "no2", "o3", "co", "pm10", "pm25"},
		measure:      measureAir,
	}
}

func measureAir(row Row, rec *Record) map[string]any {
	v := &AirValues{
		SO2:     row.floatField("so2"),
		NO2:     row.floatField("no2"),
		O3:      row.floatField("o3"),
		CO:      row.floatField("co"),
		PM10:    row.floatField("pm10"),
		PM25:    row.floatField("pm25"),
		Summary: row.stringField("calidad_am"),
	}
	rec.AirValues = v

	return map[string]any{
		"so2":  v.SO2,
		"no2":  v.NO2,
		"o3":   v.O3,
		"co":   v.CO,
		"pm10": v.PM10,
		"pm25": v.PM25,
	}
}
