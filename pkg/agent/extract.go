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
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moveslab/emissia/pkg/moves"
)

// maxPreviewRows limits table previews sent to the frontend.
const maxPreviewRows = 4

// extractChartData finds chart data in the tool results. Tools that
// set chart_data explicitly win; otherwise a successful factor query
// is formatted into the frontend chart shape.
func extractChartData(results []executedCall) map[string]interface{} {
	for _, r := range results {
		if len(r.Result.ChartData) > 0 {
			return r.Result.ChartData
		}
		if r.Name == "query_emission_factors" && r.Result.Success && len(r.Result.Data) > 0 {
			if chart := formatFactorsChart(r.Result.Data); chart != nil {
				return chart
			}
		}
	}
	return nil
}

// formatFactorsChart renames speed_curve to curve and wraps the factor
// data in the shape the chart renderer expects. The store's mile-based
// rates are converted to g/km on the way out.
func formatFactorsChart(data map[string]interface{}) map[string]interface{} {
	if pollutants := getMap(data, "pollutants"); pollutants != nil {
		formatted := make(map[string]interface{}, len(pollutants))
		for name, raw := range pollutants {
			polData, _ := raw.(map[string]interface{})
			if curve := getSlice(polData, "curve"); len(curve) > 0 {
				// Already in the curve shape, rates are g/km.
				formatted[name] = map[string]interface{}{
					"curve": curve,
					"unit":  stringOr(polData, "unit", "g/km"),
				}
				continue
			}
			formatted[name] = map[string]interface{}{
				"curve": curveToKm(getSlice(polData, "speed_curve")),
				"unit":  "g/km",
			}
		}
		return map[string]interface{}{
			"type":         "emission_factors",
			"vehicle_type": stringOr(data, "vehicle_type", "Unknown"),
			"model_year":   data["model_year"],
			"pollutants":   formatted,
			"metadata":     data["metadata"],
		}
	}

	if _, ok := data["speed_curve"]; ok {
		qs := getMap(data, "query_summary")
		return map[string]interface{}{
			"type":         "emission_factors",
			"vehicle_type": stringOr(qs, "vehicle_type", "Unknown"),
			"model_year":   qs["model_year"],
			"pollutants": map[string]interface{}{
				stringOr(qs, "pollutant", "Unknown"): map[string]interface{}{
					"curve": curveToKm(getSlice(data, "speed_curve")),
					"unit":  "g/km",
				},
			},
			"metadata": map[string]interface{}{
				"data_source": data["data_source"],
				"speed_range": data["speed_range"],
				"data_points": data["data_points"],
			},
		}
	}

	return nil
}

// curveToKm converts a mile-based speed curve to g/km, dividing each
// emission rate by 1.60934 and keeping the point's speed_kph.
func curveToKm(points []interface{}) []interface{} {
	converted := make([]interface{}, 0, len(points))
	for _, item := range points {
		point, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		converted = append(converted, map[string]interface{}{
			"speed_kph":     floatOr(point, "speed_kph"),
			"emission_rate": round4(floatOr(point, "emission_rate") / moves.KmPerMile),
		})
	}
	return converted
}

// kmCurve returns a pollutant payload's curve in g/km, converting the
// mile-based speed_curve when that is what it carries.
func kmCurve(polData map[string]interface{}) []interface{} {
	if curve := getSlice(polData, "curve"); len(curve) > 0 {
		return curve
	}
	return curveToKm(getSlice(polData, "speed_curve"))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// extractTableData builds the preview table the frontend renders below
// the reply. Explicit tool table_data wins; factor queries and
// calculation results get deterministic previews.
func extractTableData(results []executedCall) map[string]interface{} {
	for _, r := range results {
		if len(r.Result.TableData) > 0 {
			return r.Result.TableData
		}

		if r.Name == "query_emission_factors" && r.Result.Success {
			if table := factorsTable(r.Result.Data); table != nil {
				return table
			}
		}

		if r.Name == "calculate_micro_emission" || r.Name == "calculate_macro_emission" {
			if table := calculationTable(r.Name, r.Result.Data); table != nil {
				return table
			}
		}
	}
	return nil
}

func factorsTable(data map[string]interface{}) map[string]interface{} {
	if pollutants := getMap(data, "pollutants"); pollutants != nil {
		names := make([]string, 0, len(pollutants))
		for name := range pollutants {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return nil
		}

		kmCurves := make(map[string][]interface{}, len(names))
		for _, name := range names {
			polData, _ := pollutants[name].(map[string]interface{})
			kmCurves[name] = kmCurve(polData)
		}
		curve := kmCurves[names[0]]
		if len(curve) == 0 {
			return nil
		}

		step := len(curve) / maxPreviewRows
		if step < 1 {
			step = 1
		}

		columns := []string{"速度 (km/h)"}
		for _, name := range names {
			columns = append(columns, fmt.Sprintf("%s (g/km)", name))
		}

		var previewRows []map[string]string
		for i := 0; i < len(curve) && len(previewRows) < maxPreviewRows; i += step {
			point, _ := curve[i].(map[string]interface{})
			row := map[string]string{
				"速度 (km/h)": fmt.Sprintf("%.1f", floatOr(point, "speed_kph")),
			}
			for _, name := range names {
				polCurve := kmCurves[name]
				if i < len(polCurve) {
					p, _ := polCurve[i].(map[string]interface{})
					row[fmt.Sprintf("%s (g/km)", name)] = fmt.Sprintf("%.4f", floatOr(p, "emission_rate"))
				}
			}
			previewRows = append(previewRows, row)
		}

		meta := getMap(data, "metadata")
		return map[string]interface{}{
			"type":          "query_emission_factors",
			"columns":       columns,
			"preview_rows":  previewRows,
			"total_rows":    len(curve),
			"total_columns": len(columns),
			"summary": map[string]interface{}{
				"vehicle_type": stringOr(data, "vehicle_type", "Unknown"),
				"model_year":   data["model_year"],
				"season":       stringOr(meta, "season", ""),
				"road_type":    stringOr(meta, "road_type", ""),
			},
		}
	}

	curve := curveToKm(getSlice(data, "speed_curve"))
	if len(curve) == 0 {
		return nil
	}
	pollutant := stringOr(getMap(data, "query_summary"), "pollutant", "Unknown")

	step := len(curve) / maxPreviewRows
	if step < 1 {
		step = 1
	}

	polColumn := fmt.Sprintf("%s (g/km)", pollutant)
	var previewRows []map[string]string
	for i := 0; i < len(curve) && len(previewRows) < maxPreviewRows; i += step {
		point, _ := curve[i].(map[string]interface{})
		previewRows = append(previewRows, map[string]string{
			"速度 (km/h)": fmt.Sprintf("%.1f", floatOr(point, "speed_kph")),
			polColumn:   fmt.Sprintf("%.4f", floatOr(point, "emission_rate")),
		})
	}

	return map[string]interface{}{
		"type":          "query_emission_factors",
		"columns":       []string{"速度 (km/h)", polColumn},
		"preview_rows":  previewRows,
		"total_rows":    len(curve),
		"total_columns": 2,
		"summary":       getMap(data, "query_summary"),
	}
}

func calculationTable(toolName string, data map[string]interface{}) map[string]interface{} {
	results := getSlice(data, "results")
	summary := getMap(data, "summary")

	if len(results) == 0 {
		totals := getMap(summary, "total_emissions_g")
		if totals == nil {
			totals = getMap(summary, "total_emissions")
		}
		if len(totals) == 0 {
			return nil
		}
		names := make([]string, 0, len(totals))
		for name := range totals {
			names = append(names, name)
		}
		sort.Strings(names)
		var previewRows []map[string]string
		for _, name := range names {
			previewRows = append(previewRows, map[string]string{
				"指标": name,
				"数值": fmt.Sprintf("%.2f g", floatOr(totals, name)),
			})
		}
		return map[string]interface{}{
			"type":          toolName,
			"columns":       []string{"指标", "数值"},
			"preview_rows":  previewRows,
			"total_rows":    len(totals),
			"total_columns": 2,
			"summary":       summary,
		}
	}

	var columns []string
	var previewRows []map[string]string

	if toolName == "calculate_micro_emission" {
		first, _ := results[0].(map[string]interface{})
		columns = []string{"t", "speed_kph"}
		if _, ok := first["acceleration_mps2"]; ok {
			columns = append(columns, "acceleration_mps2")
		}
		if _, ok := first["vsp"]; ok {
			columns = append(columns, "VSP")
		}
		emissions := getMap(first, "emissions")
		polNames := make([]string, 0, len(emissions))
		for name := range emissions {
			polNames = append(polNames, name)
		}
		sort.Strings(polNames)
		columns = append(columns, polNames...)

		for _, raw := range results[:minInt(len(results), maxPreviewRows)] {
			row, _ := raw.(map[string]interface{})
			rowData := map[string]string{
				"t":         fmt.Sprintf("%v", row["t"]),
				"speed_kph": fmt.Sprintf("%.1f", floatOr(row, "speed_kph")),
			}
			if _, ok := row["acceleration_mps2"]; ok {
				rowData["acceleration_mps2"] = fmt.Sprintf("%.2f", floatOr(row, "acceleration_mps2"))
			}
			if _, ok := row["vsp"]; ok {
				rowData["VSP"] = fmt.Sprintf("%.2f", floatOr(row, "vsp"))
			}
			for pol, val := range getMap(row, "emissions") {
				if f, ok := val.(float64); ok {
					rowData[pol] = fmt.Sprintf("%.4f", f)
				}
			}
			previewRows = append(previewRows, rowData)
		}
	} else {
		queryInfo := getMap(data, "query_info")
		pollutants := stringSlice(queryInfo, "pollutants")
		if len(pollutants) == 0 {
			pollutants = []string{"CO2"}
		}
		main := pollutants[0]

		columns = []string{"link_id", main + "_kg_h", main + "_g_veh_km"}
		if len(pollutants) > 1 {
			columns = append(columns, pollutants[1]+"_kg_h")
		}

		for _, raw := range results[:minInt(len(results), maxPreviewRows)] {
			row, _ := raw.(map[string]interface{})
			totals := getMap(row, "total_emissions_kg_per_hr")
			rates := getMap(row, "emission_rates_g_per_veh_km")
			rowData := map[string]string{
				"link_id":          stringOr(row, "link_id", ""),
				main + "_kg_h":     fmt.Sprintf("%.2f", floatOr(totals, main)),
				main + "_g_veh_km": fmt.Sprintf("%.2f", floatOr(rates, main)),
			}
			if len(pollutants) > 1 {
				rowData[pollutants[1]+"_kg_h"] = fmt.Sprintf("%.2f", floatOr(totals, pollutants[1]))
			}
			previewRows = append(previewRows, rowData)
		}
	}

	totals := getMap(summary, "total_emissions_g")
	if totals == nil {
		totals = getMap(summary, "total_emissions_kg_per_hr")
	}

	return map[string]interface{}{
		"type":            toolName,
		"columns":         columns,
		"preview_rows":    previewRows,
		"total_rows":      len(results),
		"total_columns":   len(columns),
		"summary":         summary,
		"total_emissions": totals,
	}
}

// extractDownloadFile finds the generated result file, checking the
// envelope first, then the data payload.
func extractDownloadFile(results []executedCall) map[string]interface{} {
	for _, r := range results {
		if df := normalizeDownload(r.Result.DownloadFile); df != nil {
			return df
		}
		if r.Result.Data != nil {
			if df := normalizeDownloadValue(r.Result.Data["download_file"]); df != nil {
				return df
			}
			if meta := getMap(r.Result.Data, "metadata"); meta != nil {
				if df := normalizeDownloadValue(meta["download_file"]); df != nil {
					return df
				}
			}
		}
	}
	return nil
}

func normalizeDownload(df map[string]interface{}) map[string]interface{} {
	if len(df) == 0 {
		return nil
	}
	return df
}

func normalizeDownloadValue(v interface{}) map[string]interface{} {
	switch df := v.(type) {
	case string:
		if df == "" {
			return nil
		}
		return map[string]interface{}{"path": df, "filename": filepath.Base(strings.ReplaceAll(df, "\\", "/"))}
	case map[string]interface{}:
		if len(df) == 0 {
			return nil
		}
		return df
	}
	return nil
}

// Generic map helpers for JSON-shaped data.

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func getSlice(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]interface{})
	return v
}

func stringOr(m map[string]interface{}, key, fallback string) string {
	if m != nil {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

func floatOr(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringSlice(m map[string]interface{}, key string) []string {
	var out []string
	for _, item := range getSlice(m, key) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
