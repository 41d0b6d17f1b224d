// Copyright 2025 The Emissia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/tools"
)

func factorData() map[string]interface{} {
	curve := []interface{}{
		map[string]interface{}{"speed_mph": 5.0, "speed_kph": 8.0, "emission_rate": 400.0},
		map[string]interface{}{"speed_mph": 25.0, "speed_kph": 40.2, "emission_rate": 250.0},
		map[string]interface{}{"speed_mph": 50.0, "speed_kph": 80.5, "emission_rate": 200.0},
		map[string]interface{}{"speed_mph": 70.0, "speed_kph": 112.7, "emission_rate": 220.0},
	}
	return map[string]interface{}{
		"query_summary": map[string]interface{}{
			"vehicle_type": "Passenger Car",
			"pollutant":    "CO2",
			"model_year":   2020.0,
		},
		"speed_curve": curve,
		"unit":        "g/mile",
		"data_source": "MOVES (Atlanta)",
		"data_points": 4.0,
	}
}

func TestExtractChartDataFromFactors(t *testing.T) {
	calls := []executedCall{{
		Name:   "query_emission_factors",
		Result: &tools.Result{Success: true, Data: factorData()},
	}}

	chart := extractChartData(calls)
	require.NotNil(t, chart)
	assert.Equal(t, "emission_factors", chart["type"])
	assert.Equal(t, "Passenger Car", chart["vehicle_type"])

	pollutants, ok := chart["pollutants"].(map[string]interface{})
	require.True(t, ok)
	co2, ok := pollutants["CO2"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "g/km", co2["unit"])

	curve, ok := co2["curve"].([]interface{})
	require.True(t, ok)
	require.Len(t, curve, 4)
	first, _ := curve[0].(map[string]interface{})
	assert.Equal(t, 8.0, first["speed_kph"])
	assert.InDelta(t, 248.5491, first["emission_rate"], 0.0001)
}

func TestFormatFactorsChartConvertsToKm(t *testing.T) {
	point := map[string]interface{}{"speed_kph": 30.0, "emission_rate": 160.934}

	// Single-pollutant shape.
	single := map[string]interface{}{
		"query_summary": map[string]interface{}{"vehicle_type": "Transit Bus", "pollutant": "NOx"},
		"speed_curve":   []interface{}{point},
		"unit":          "g/mile",
	}
	chart := formatFactorsChart(single)
	require.NotNil(t, chart)
	nox := getMap(getMap(chart, "pollutants"), "NOx")
	assert.Equal(t, "g/km", nox["unit"])
	converted, _ := nox["curve"].([]interface{})
	require.Len(t, converted, 1)
	p, _ := converted[0].(map[string]interface{})
	assert.InDelta(t, 100.0, p["emission_rate"], 0.001)
	assert.Equal(t, 30.0, p["speed_kph"])

	// Multi-pollutant shape.
	multi := map[string]interface{}{
		"vehicle_type": "Transit Bus",
		"pollutants": map[string]interface{}{
			"NOx": map[string]interface{}{
				"speed_curve": []interface{}{point},
				"unit":        "g/mile",
			},
		},
	}
	chart = formatFactorsChart(multi)
	require.NotNil(t, chart)
	nox = getMap(getMap(chart, "pollutants"), "NOx")
	assert.Equal(t, "g/km", nox["unit"])
	converted, _ = nox["curve"].([]interface{})
	require.Len(t, converted, 1)
	p, _ = converted[0].(map[string]interface{})
	assert.InDelta(t, 100.0, p["emission_rate"], 0.001)

	// A curve that is already g/km passes through untouched.
	ready := map[string]interface{}{
		"vehicle_type": "Transit Bus",
		"pollutants": map[string]interface{}{
			"NOx": map[string]interface{}{
				"curve": []interface{}{point},
				"unit":  "g/km",
			},
		},
	}
	chart = formatFactorsChart(ready)
	require.NotNil(t, chart)
	nox = getMap(getMap(chart, "pollutants"), "NOx")
	converted, _ = nox["curve"].([]interface{})
	p, _ = converted[0].(map[string]interface{})
	assert.Equal(t, 160.934, p["emission_rate"])
}

func TestExtractChartDataExplicitWins(t *testing.T) {
	explicit := map[string]interface{}{"type": "custom"}
	calls := []executedCall{{
		Name:   "query_emission_factors",
		Result: &tools.Result{Success: true, ChartData: explicit, Data: factorData()},
	}}
	assert.Equal(t, explicit, extractChartData(calls))
}

func TestExtractChartDataFailedCall(t *testing.T) {
	calls := []executedCall{{
		Name:   "query_emission_factors",
		Result: &tools.Result{Success: false, Data: factorData()},
	}}
	assert.Nil(t, extractChartData(calls))
}

func TestFactorsTablePreview(t *testing.T) {
	table := factorsTable(factorData())
	require.NotNil(t, table)

	assert.Equal(t, "query_emission_factors", table["type"])
	assert.Equal(t, []string{"速度 (km/h)", "CO2 (g/km)"}, table["columns"])
	assert.Equal(t, 4, table["total_rows"])

	rows, ok := table["preview_rows"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, rows, 4)
	assert.Equal(t, "8.0", rows[0]["速度 (km/h)"])
	// 400 g/mile, rendered in the column's g/km unit.
	assert.Equal(t, "248.5491", rows[0]["CO2 (g/km)"])
}

func TestCalculationTableMicro(t *testing.T) {
	data := map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{
				"t": 0.0, "speed_kph": 10.0, "vsp": 1.25,
				"emissions": map[string]interface{}{"CO2": 0.5},
			},
			map[string]interface{}{
				"t": 1.0, "speed_kph": 20.0, "vsp": 2.5,
				"emissions": map[string]interface{}{"CO2": 0.7},
			},
		},
		"summary": map[string]interface{}{
			"total_emissions_g": map[string]interface{}{"CO2": 1.2},
		},
	}

	table := calculationTable("calculate_micro_emission", data)
	require.NotNil(t, table)
	assert.Equal(t, []string{"t", "speed_kph", "VSP", "CO2"}, table["columns"])
	assert.Equal(t, 2, table["total_rows"])

	rows := table["preview_rows"].([]map[string]string)
	require.Len(t, rows, 2)
	assert.Equal(t, "10.0", rows[0]["speed_kph"])
	assert.Equal(t, "0.5000", rows[0]["CO2"])

	totals, ok := table["total_emissions"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1.2, totals["CO2"])
}

func TestCalculationTableMacro(t *testing.T) {
	data := map[string]interface{}{
		"query_info": map[string]interface{}{
			"pollutants": []interface{}{"CO2", "NOx"},
		},
		"results": []interface{}{
			map[string]interface{}{
				"link_id":                     "L1",
				"total_emissions_kg_per_hr":   map[string]interface{}{"CO2": 120.0, "NOx": 0.4},
				"emission_rates_g_per_veh_km": map[string]interface{}{"CO2": 60.0},
			},
		},
		"summary": map[string]interface{}{
			"total_emissions_kg_per_hr": map[string]interface{}{"CO2": 120.0},
		},
	}

	table := calculationTable("calculate_macro_emission", data)
	require.NotNil(t, table)
	assert.Equal(t, []string{"link_id", "CO2_kg_h", "CO2_g_veh_km", "NOx_kg_h"}, table["columns"])

	rows := table["preview_rows"].([]map[string]string)
	require.Len(t, rows, 1)
	assert.Equal(t, "L1", rows[0]["link_id"])
	assert.Equal(t, "120.00", rows[0]["CO2_kg_h"])
	assert.Equal(t, "0.40", rows[0]["NOx_kg_h"])
}

func TestCalculationTableSummaryOnly(t *testing.T) {
	data := map[string]interface{}{
		"summary": map[string]interface{}{
			"total_emissions_g": map[string]interface{}{"CO2": 1.23, "NOx": 0.01},
		},
	}

	table := calculationTable("calculate_micro_emission", data)
	require.NotNil(t, table)
	assert.Equal(t, []string{"指标", "数值"}, table["columns"])

	rows := table["preview_rows"].([]map[string]string)
	require.Len(t, rows, 2)
	assert.Equal(t, "CO2", rows[0]["指标"])
	assert.Equal(t, "1.23 g", rows[0]["数值"])
}

func TestExtractDownloadFile(t *testing.T) {
	// Envelope field wins.
	envelope := map[string]interface{}{"path": "/out/a.xlsx", "filename": "a.xlsx"}
	calls := []executedCall{{
		Name:   "calculate_micro_emission",
		Result: &tools.Result{Success: true, DownloadFile: envelope},
	}}
	assert.Equal(t, envelope, extractDownloadFile(calls))

	// String in the data payload is expanded to path plus filename.
	calls = []executedCall{{
		Name: "calculate_micro_emission",
		Result: &tools.Result{Success: true, Data: map[string]interface{}{
			"download_file": "/out/b.xlsx",
		}},
	}}
	df := extractDownloadFile(calls)
	require.NotNil(t, df)
	assert.Equal(t, "/out/b.xlsx", df["path"])
	assert.Equal(t, "b.xlsx", df["filename"])

	// Nested under metadata.
	calls = []executedCall{{
		Name: "calculate_macro_emission",
		Result: &tools.Result{Success: true, Data: map[string]interface{}{
			"metadata": map[string]interface{}{
				"download_file": map[string]interface{}{"filename": "c.xlsx"},
			},
		}},
	}}
	df = extractDownloadFile(calls)
	require.NotNil(t, df)
	assert.Equal(t, "c.xlsx", df["filename"])

	assert.Nil(t, extractDownloadFile([]executedCall{{
		Name:   "query_emission_factors",
		Result: &tools.Result{Success: true},
	}}))
}
