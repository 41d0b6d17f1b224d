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
	"errors"
	"fmt"
	"strings"

	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/moves"
)

// EmissionFactorsTool queries speed-dependent emission factor curves.
type EmissionFactorsTool struct {
	store *moves.FactorStore
}

// NewEmissionFactorsTool creates the factor query tool.
func NewEmissionFactorsTool(store *moves.FactorStore) *EmissionFactorsTool {
	return &EmissionFactorsTool{store: store}
}

func (t *EmissionFactorsTool) Name() string { return "query_emission_factors" }

func (t *EmissionFactorsTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name: t.Name(),
		Description: `Query vehicle emission factor curves.

Use this when:
- User wants to know emission factors for a vehicle type
- User asks about emission characteristics at different speeds
- User wants to compare emissions at different speeds

Output: Speed-emission factor relationship chart + key data points table`,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"vehicle_type": map[string]interface{}{
					"type":        "string",
					"description": "Vehicle type. Pass user's original expression (e.g., '小汽车', '公交车', 'SUV'). System will automatically recognize it.",
				},
				"pollutant": map[string]interface{}{
					"type":        "string",
					"description": "Single pollutant name (e.g., 'CO2', 'NOx', 'PM2.5'). Use this for single pollutant query.",
				},
				"pollutants": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "List of pollutants for multi-pollutant query. Use this instead of 'pollutant' when querying multiple pollutants.",
				},
				"model_year": map[string]interface{}{
					"type":        "integer",
					"description": "Vehicle model year (e.g., 2020). Range: 1995-2025.",
				},
				"season": map[string]interface{}{
					"type":        "string",
					"description": "Season (春季/夏季/秋季/冬季). Optional, defaults to summer if not provided.",
				},
				"road_type": map[string]interface{}{
					"type":        "string",
					"description": "Road type (快速路/地面道路). Optional, defaults to expressway if not provided.",
				},
				"return_curve": map[string]interface{}{
					"type":        "boolean",
					"description": "Whether to return full curve data. Default false.",
				},
			},
			"required": []string{"vehicle_type", "model_year"},
		},
	}
}

type factorsParams struct {
	VehicleType string   `json:"vehicle_type"`
	Pollutant   string   `json:"pollutant"`
	Pollutants  []string `json:"pollutants"`
	ModelYear   int      `json:"model_year"`
	Season      string   `json:"season"`
	RoadType    string   `json:"road_type"`
	ReturnCurve bool     `json:"return_curve"`
}

func (t *EmissionFactorsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var p factorsParams
	if err := decodeArgs(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	pollutants := p.Pollutants
	if len(pollutants) == 0 && p.Pollutant != "" {
		pollutants = []string{p.Pollutant}
	}
	if len(pollutants) == 0 {
		return Errorf("Missing required parameter: pollutant or pollutants")
	}

	var missing []string
	if p.VehicleType == "" {
		missing = append(missing, "vehicle_type")
	}
	if p.ModelYear == 0 {
		missing = append(missing, "model_year")
	}
	if len(missing) > 0 {
		return Errorf("Missing required parameters: %s", strings.Join(missing, ", "))
	}

	if p.Season == "" {
		p.Season = "夏季"
	}
	if p.RoadType == "" {
		p.RoadType = "快速路"
	}

	pollutantsData := make(map[string]interface{}, len(pollutants))
	for _, pollutant := range pollutants {
		factor, curve, err := t.store.Query(p.VehicleType, pollutant, p.ModelYear, p.Season, p.RoadType, p.ReturnCurve)
		if err != nil {
			return factorQueryError(err)
		}
		data := toMap(factor)
		if curve != nil {
			data["curve"] = toMap(curve)["curve"]
			data["curve_unit"] = curve.Unit
		}
		pollutantsData[pollutant] = data
	}

	if len(pollutants) == 1 && !p.ReturnCurve {
		pollutant := pollutants[0]
		data, _ := pollutantsData[pollutant].(map[string]interface{})
		summary := fmt.Sprintf("Found %s emission data for %s (%d). Season: %s, Road type: %s.",
			pollutant, p.VehicleType, p.ModelYear, p.Season, p.RoadType)
		if curve, ok := data["speed_curve"].([]interface{}); ok {
			summary = fmt.Sprintf("Found %s emission factors for %s (%d) with %d speed points. Season: %s, Road type: %s.",
				pollutant, p.VehicleType, p.ModelYear, len(curve), p.Season, p.RoadType)
		}
		return &Result{Success: true, Data: data, Summary: summary}
	}

	summary := fmt.Sprintf("Found emission factors for %d pollutants (%s) for %s (%d). Season: %s, Road type: %s.",
		len(pollutants), strings.Join(pollutants, ", "), p.VehicleType, p.ModelYear, p.Season, p.RoadType)
	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"vehicle_type": p.VehicleType,
			"model_year":   p.ModelYear,
			"pollutants":   pollutantsData,
			"metadata": map[string]interface{}{
				"season":    p.Season,
				"road_type": p.RoadType,
			},
		},
		Summary: summary,
	}
}

func factorQueryError(err error) *Result {
	var unknownVehicle *moves.UnknownVehicleError
	if errors.As(err, &unknownVehicle) {
		r := Errorf("%s", unknownVehicle.Error())
		r.Data = map[string]interface{}{"valid_vehicle_types": unknownVehicle.Valid}
		return r
	}
	var unknownPollutant *moves.UnknownPollutantError
	if errors.As(err, &unknownPollutant) {
		r := Errorf("%s", unknownPollutant.Error())
		r.Data = map[string]interface{}{"valid_pollutants": unknownPollutant.Valid}
		return r
	}
	var noData *moves.NoDataError
	if errors.As(err, &noData) {
		r := Errorf("%s", noData.Error())
		r.Data = map[string]interface{}{
			"query":            toMap(noData.Query),
			"available_years":  noData.AvailableYears,
			"available_types":  noData.AvailableTypes,
			"available_pol_ids": noData.AvailablePols,
		}
		return r
	}
	return Errorf("Emission factor query failed: %v", err)
}
