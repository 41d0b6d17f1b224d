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
)

// MicroEmissionTool calculates second-by-second trajectory emissions.
type MicroEmissionTool struct {
	calc       *moves.MicroCalculator
	reader     *excel.Reader
	outputsDir string
}

// NewMicroEmissionTool creates the microscopic calculation tool.
func NewMicroEmissionTool(calc *moves.MicroCalculator, reader *excel.Reader, outputsDir string) *MicroEmissionTool {
	return &MicroEmissionTool{calc: calc, reader: reader, outputsDir: outputsDir}
}

func (t *MicroEmissionTool) Name() string { return "calculate_micro_emission" }

func (t *MicroEmissionTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name: t.Name(),
		Description: `Calculate detailed emissions for a single vehicle trajectory (microscopic emission).

Use this when:
- User has second-by-second trajectory data (speed over time)
- User uploaded a trajectory file
- User wants to calculate emissions for a specific trip

**IMPORTANT**: When user uploads a file, you will see the file path in the context. Use that file_path parameter to calculate emissions.

Input: Trajectory data (time + speed, acceleration and grade optional)
Output: Second-by-second emission details + total emission summary + downloadable Excel file`,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to trajectory data file. REQUIRED when user uploaded a file. You will see this path in the file context.",
				},
				"trajectory_data": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "object"},
					"description": "Trajectory data array. Each point should have 't' (time in seconds) and 'speed_kph' (speed in km/h). Use this if user provides data directly.",
				},
				"vehicle_type": map[string]interface{}{
					"type":        "string",
					"description": "Vehicle type. Pass user's original expression. REQUIRED.",
				},
				"pollutants": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "List of pollutants to calculate. Defaults to [CO2, NOx, PM2.5] if not provided.",
				},
				"model_year": map[string]interface{}{
					"type":        "integer",
					"description": "Vehicle model year. Defaults to 2020 if not provided.",
				},
				"season": map[string]interface{}{
					"type":        "string",
					"description": "Season. Optional.",
				},
			},
			"required": []string{"vehicle_type"},
		},
	}
}

type microParams struct {
	FilePath       string                   `json:"file_path"`
	InputFile      string                   `json:"input_file"`
	TrajectoryData []map[string]interface{} `json:"trajectory_data"`
	VehicleType    string                   `json:"vehicle_type"`
	Pollutants     []string                 `json:"pollutants"`
	ModelYear      int                      `json:"model_year"`
	Season         string                   `json:"season"`
}

func (t *MicroEmissionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var p microParams
	if err := decodeArgs(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	// file_path and input_file are interchangeable.
	inputFile := p.InputFile
	if inputFile == "" {
		inputFile = p.FilePath
	}

	if p.VehicleType == "" {
		return Errorf("Missing required parameter: vehicle_type")
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

	var trajectory []moves.TrajectoryPoint
	if inputFile != "" {
		points, err := t.reader.ReadTrajectory(inputFile)
		if err != nil {
			r := Errorf("Failed to read input file: %v", err)
			r.Data = map[string]interface{}{"input_file": inputFile}
			return r
		}
		trajectory = points
	} else if len(p.TrajectoryData) > 0 {
		points, err := decodeTrajectory(p.TrajectoryData)
		if err != nil {
			return Errorf("invalid trajectory_data: %v", err)
		}
		trajectory = points
	} else {
		return Errorf("Missing required parameter: trajectory_data or input_file")
	}
	if len(trajectory) == 0 {
		return Errorf("trajectory_data must be a non-empty list")
	}

	result, err := t.calc.Calculate(trajectory, p.VehicleType, p.Pollutants, p.ModelYear, p.Season)
	if err != nil {
		r := Errorf("%v", err)
		r.Data = map[string]interface{}{
			"query_params": map[string]interface{}{
				"vehicle_type":      p.VehicleType,
				"pollutants":        p.Pollutants,
				"model_year":        p.ModelYear,
				"season":            p.Season,
				"trajectory_points": len(trajectory),
			},
		}
		return r
	}

	data := toMap(result)

	if inputFile != "" {
		perSecond := make([]map[string]float64, len(result.Results))
		for i, sec := range result.Results {
			perSecond[i] = sec.Emissions
		}
		outputPath, filename, werr := excel.WriteMicroResults(inputFile, perSecond, p.Pollutants, t.outputsDir)
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

func (t *MicroEmissionTool) buildSummary(p *microParams, result *moves.MicroResult) string {
	parts := []string{
		"已完成微观排放计算",
		"**计算参数:**",
		fmt.Sprintf("  - 车型: %s (%d年)", p.VehicleType, p.ModelYear),
		fmt.Sprintf("  - 季节: %s", p.Season),
		fmt.Sprintf("  - 污染物: %s", strings.Join(p.Pollutants, ", ")),
		fmt.Sprintf("  - 轨迹数据点: %d 个", len(result.Results)),
	}

	summary := result.Summary
	if len(summary.TotalEmissionsG) > 0 {
		parts = append(parts, "**总排放量:**")
		for _, pol := range p.Pollutants {
			if v, ok := summary.TotalEmissionsG[pol]; ok {
				parts = append(parts, fmt.Sprintf("  - %s: %s", pol, FormatEmission(v, "")))
			}
		}
	}

	if summary.TotalDistanceKm > 0 {
		avgSpeed := 0.0
		if summary.TotalTimeS > 0 {
			avgSpeed = summary.TotalDistanceKm / (float64(summary.TotalTimeS) / 3600)
		}
		parts = append(parts,
			"**运行统计:**",
			fmt.Sprintf("  - 总距离: %.2f km", summary.TotalDistanceKm),
			fmt.Sprintf("  - 总时间: %d 秒 (%.1f 分钟)", summary.TotalTimeS, float64(summary.TotalTimeS)/60),
			fmt.Sprintf("  - 平均速度: %.1f km/h", avgSpeed),
		)
	}

	if len(summary.EmissionRatesGPerKm) > 0 {
		parts = append(parts, "**排放率:**")
		for _, pol := range p.Pollutants {
			if rate, ok := summary.EmissionRatesGPerKm[pol]; ok {
				parts = append(parts, fmt.Sprintf("  - %s: %.2f g/km", pol, rate))
			}
		}
	}

	return strings.Join(parts, "\n")
}

// decodeTrajectory converts inline trajectory points from the model.
func decodeTrajectory(raw []map[string]interface{}) ([]moves.TrajectoryPoint, error) {
	points := make([]moves.TrajectoryPoint, 0, len(raw))
	for i, item := range raw {
		var p struct {
			T            float64  `json:"t"`
			SpeedKph     float64  `json:"speed_kph"`
			Acceleration *float64 `json:"acceleration_mps2"`
			GradePct     float64  `json:"grade_pct"`
		}
		if err := decodeArgs(item, &p); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, moves.TrajectoryPoint{
			T:            p.T,
			SpeedKph:     p.SpeedKph,
			Acceleration: p.Acceleration,
			GradePct:     p.GradePct,
		})
	}
	return points, nil
}
