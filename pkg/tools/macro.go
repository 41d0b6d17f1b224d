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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moveslab/emissia/pkg/excel"
	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/moves"
	"github.com/moveslab/emissia/pkg/standardizer"
)

// MacroEmissionTool calculates road link emissions.
type MacroEmissionTool struct {
	calc       *moves.MacroCalculator
	reader     *excel.Reader
	std        *standardizer.Standardizer
	outputsDir string
}

// NewMacroEmissionTool creates the macroscopic calculation tool.
func NewMacroEmissionTool(calc *moves.MacroCalculator, reader *excel.Reader, std *standardizer.Standardizer, outputsDir string) *MacroEmissionTool {
	return &MacroEmissionTool{calc: calc, reader: reader, std: std, outputsDir: outputsDir}
}

func (t *MacroEmissionTool) Name() string { return "calculate_macro_emission" }

func (t *MacroEmissionTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name: t.Name(),
		Description: `Calculate road link emissions (macroscopic emission).

Use this when:
- User has road link data (length, traffic flow, speed)
- User uploaded a road network file
- User wants to calculate emissions for a road segment or network

Input: Link data (length + flow + speed, fleet composition optional)
Output: Per-link emission details + total emission summary + downloadable Excel file`,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to road link data file.",
				},
				"links_data": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "object"},
					"description": "Road link data array. Each link should have 'link_length_km', 'traffic_flow_vph', 'avg_speed_kph'. Use this if user provides data directly.",
				},
				"pollutants": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "List of pollutants to calculate.",
				},
				"fleet_mix": map[string]interface{}{
					"type":        "object",
					"description": "Fleet composition (vehicle type percentages). Optional, uses default if not provided.",
				},
				"model_year": map[string]interface{}{
					"type":        "integer",
					"description": "Vehicle model year.",
				},
				"season": map[string]interface{}{
					"type":        "string",
					"description": "Season. Optional.",
				},
			},
			"required": []string{},
		},
	}
}

type macroParams struct {
	FilePath        string                   `json:"file_path"`
	InputFile       string                   `json:"input_file"`
	LinksData       []map[string]interface{} `json:"links_data"`
	Pollutants      []string                 `json:"pollutants"`
	FleetMix        map[string]interface{}   `json:"fleet_mix"`
	DefaultFleetMix map[string]interface{}   `json:"default_fleet_mix"`
	ModelYear       int                      `json:"model_year"`
	Season          string                   `json:"season"`
}

// linkFieldAliases maps field spellings the model commonly produces
// onto canonical link fields.
var linkFieldAliases = map[string][]string{
	"link_length_km":   {"length", "link_length", "length_km", "road_length"},
	"traffic_flow_vph": {"traffic_volume_veh_h", "traffic_flow", "flow", "volume", "traffic_volume"},
	"avg_speed_kph":    {"avg_speed_kmh", "speed", "avg_speed", "average_speed"},
	"fleet_mix":        {"vehicle_composition", "vehicle_mix", "composition", "fleet_composition"},
	"link_id":          {"id", "road_id", "segment_id"},
}

func (t *MacroEmissionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var p macroParams
	if err := decodeArgs(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	inputFile := p.InputFile
	if inputFile == "" {
		inputFile = p.FilePath
	}
	if len(p.Pollutants) == 0 {
		p.Pollutants = []string{"CO2", "NOx"}
	}
	if p.ModelYear == 0 {
		p.ModelYear = 2020
	}
	if p.Season == "" {
		p.Season = "夏季"
	}

	var links []moves.Link
	if inputFile != "" {
		read, err := t.reader.ReadLinks(inputFile)
		if err != nil {
			r := Errorf("Failed to read input file: %v", err)
			r.Data = map[string]interface{}{"input_file": inputFile}
			return r
		}
		links = read
	} else if len(p.LinksData) > 0 {
		decoded, err := t.decodeLinks(ctx, p.LinksData)
		if err != nil {
			return Errorf("invalid links_data: %v", err)
		}
		links = decoded
	} else {
		return Errorf("Missing required parameter: links_data or input_file")
	}
	if len(links) == 0 {
		return Errorf("links_data must be a non-empty list")
	}

	// A top-level fleet_mix applies to links that carry none themselves.
	globalMix := t.standardizeFleetMix(ctx, p.FleetMix)
	for i := range links {
		if len(links[i].FleetMix) == 0 && len(globalMix) > 0 {
			links[i].FleetMix = copyMix(globalMix)
		}
	}
	defaultMix := t.standardizeFleetMix(ctx, p.DefaultFleetMix)

	result, err := t.calc.Calculate(links, p.Pollutants, p.ModelYear, p.Season, defaultMix)
	if err != nil {
		r := Errorf("%v", err)
		r.Data = map[string]interface{}{
			"query_params": map[string]interface{}{
				"pollutants":  p.Pollutants,
				"model_year":  p.ModelYear,
				"season":      p.Season,
				"links_count": len(links),
			},
		}
		return r
	}

	data := toMap(result)

	if inputFile != "" {
		perLink := make([]map[string]float64, len(result.Results))
		for i, link := range result.Results {
			perLink[i] = link.TotalEmissionsKgHr
		}
		outputPath, filename, werr := excel.WriteMacroResults(inputFile, perLink, p.Pollutants, t.outputsDir)
		if werr != nil {
			slog.Warn("failed to generate download file", "error", werr)
		} else {
			data["download_file"] = map[string]interface{}{
				"path":     outputPath,
				"filename": filename,
			}
		}
	}

	return &Result{
		Success: true,
		Data:    data,
		Summary: t.buildSummary(&p, result),
	}
}

// decodeLinks converts inline link objects, repairing common field
// name mistakes and fleet_mix shapes first.
func (t *MacroEmissionTool) decodeLinks(ctx context.Context, raw []map[string]interface{}) ([]moves.Link, error) {
	links := make([]moves.Link, 0, len(raw))
	for i, item := range raw {
		fixed := fixLinkFields(item)

		var link struct {
			LinkID         string                 `json:"link_id"`
			LengthKm       float64                `json:"link_length_km"`
			TrafficFlowVph float64                `json:"traffic_flow_vph"`
			AvgSpeedKph    float64                `json:"avg_speed_kph"`
			FleetMix       map[string]interface{} `json:"fleet_mix"`
		}
		if err := decodeArgs(fixed, &link); err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}

		l := moves.Link{
			LinkID:         link.LinkID,
			LengthKm:       link.LengthKm,
			TrafficFlowVph: link.TrafficFlowVph,
			AvgSpeedKph:    link.AvgSpeedKph,
		}
		if l.LinkID == "" {
			l.LinkID = fmt.Sprintf("Link_%d", i+1)
		}
		if mix := t.standardizeFleetMix(ctx, link.FleetMix); len(mix) > 0 {
			l.FleetMix = mix
		}
		links = append(links, l)
	}
	return links, nil
}

// fixLinkFields renames aliased fields and converts array-shaped
// fleet_mix entries to the object form.
func fixLinkFields(link map[string]interface{}) map[string]interface{} {
	fixed := make(map[string]interface{}, len(link))
	for correct, aliases := range linkFieldAliases {
		if v, ok := link[correct]; ok {
			fixed[correct] = v
			continue
		}
		for _, alias := range aliases {
			if v, ok := link[alias]; ok {
				fixed[correct] = v
				slog.Info("auto-fixed link field name", "from", alias, "to", correct)
				break
			}
		}
	}

	if list, ok := fixed["fleet_mix"].([]interface{}); ok {
		mix := make(map[string]interface{})
		for _, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := m["vehicle_type"].(string)
			if name == "" {
				name, _ = m["type"].(string)
			}
			if name == "" {
				continue
			}
			if pct, ok := m["percentage"]; ok {
				mix[name] = pct
			}
		}
		if len(mix) > 0 {
			fixed["fleet_mix"] = mix
			slog.Info("auto-fixed fleet_mix format: array -> object")
		}
	}

	return fixed
}

// standardizeFleetMix resolves raw vehicle names to standard ones and
// drops shares the calculator cannot use.
func (t *MacroEmissionTool) standardizeFleetMix(ctx context.Context, mix map[string]interface{}) map[string]float64 {
	if len(mix) == 0 {
		return nil
	}
	out := make(map[string]float64)
	for rawName, rawPct := range mix {
		pct, ok := toFloat(rawPct)
		if !ok || pct <= 0 {
			continue
		}
		std := t.std.StandardizeVehicle(ctx, rawName)
		if std == "" {
			slog.Warn("unsupported vehicle in fleet_mix", "name", rawName)
			continue
		}
		if _, supported := moves.VehicleToSourceType[std]; !supported {
			slog.Warn("unsupported vehicle in fleet_mix", "name", rawName)
			continue
		}
		out[std] += pct
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimSpace(n), "%"), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func copyMix(mix map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(mix))
	for k, v := range mix {
		out[k] = v
	}
	return out
}

func (t *MacroEmissionTool) buildSummary(p *macroParams, result *moves.MacroResult) string {
	parts := []string{
		fmt.Sprintf("已完成宏观排放计算，共 %d 个路段", len(result.Results)),
		fmt.Sprintf("车型年份: %d，季节: %s，污染物: %s", p.ModelYear, p.Season, strings.Join(p.Pollutants, ", ")),
	}

	totals := result.Summary.TotalEmissionsKgHr
	if len(totals) > 0 {
		parts = append(parts, "**总排放量:**")
		allZero := true
		for _, pol := range p.Pollutants {
			if v, ok := totals[pol]; ok {
				parts = append(parts, fmt.Sprintf("  - %s: %s", pol, FormatEmissionMultiUnit(v*1000, "hour")))
				if v != 0 {
					allZero = false
				}
			}
		}
		if allZero {
			parts = append(parts, "⚠️ 所有污染物结果为 0。请检查车型映射、污染物选择或输入参数是否有效。")
		}
	}

	rates := make(map[string][]float64)
	for _, link := range result.Results {
		for pol, rate := range link.EmissionRatesGVehKm {
			rates[pol] = append(rates[pol], rate)
		}
	}
	if len(rates) > 0 {
		parts = append(parts, "**单位排放率 (平均):**")
		for _, pol := range p.Pollutants {
			values, ok := rates[pol]
			if !ok {
				continue
			}
			sum := 0.0
			for _, v := range values {
				sum += v
			}
			parts = append(parts, fmt.Sprintf("  - %s: %.2f g/(veh·km)", pol, sum/float64(len(values))))
		}
	}

	mainPollutant := "CO2"
	if len(p.Pollutants) > 0 {
		mainPollutant = p.Pollutants[0]
	}
	linkEmissions := make([]float64, 0, len(result.Results))
	for _, link := range result.Results {
		linkEmissions = append(linkEmissions, link.TotalEmissionsKgHr[mainPollutant])
	}
	if stats := CalculateStats(linkEmissions); stats != nil && stats.Count > 0 {
		parts = append(parts,
			fmt.Sprintf("**路段统计 (%s):**", mainPollutant),
			fmt.Sprintf("  - 单路段平均: %.2f kg/h", stats.Avg),
			fmt.Sprintf("  - 单路段最高: %.2f kg/h", stats.Max),
			fmt.Sprintf("  - 单路段最低: %.2f kg/h", stats.Min),
		)
	}

	return strings.Join(parts, "\n")
}
