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

package moves

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SecondResult is the emission result for one second of trajectory.
type SecondResult struct {
	T         float64            `json:"t"`
	SpeedKph  float64            `json:"speed_kph"`
	SpeedMph  float64            `json:"speed_mph"`
	VSP       float64            `json:"vsp"`
	OpMode    int                `json:"opmode"`
	Emissions map[string]float64 `json:"emissions"`
}

// MicroSummary aggregates a trajectory run.
type MicroSummary struct {
	TotalDistanceKm     float64            `json:"total_distance_km"`
	TotalTimeS          int                `json:"total_time_s"`
	TotalEmissionsG     map[string]float64 `json:"total_emissions_g"`
	EmissionRatesGPerKm map[string]float64 `json:"emission_rates_g_per_km"`
}

// MicroResult is the full microscopic calculation output.
type MicroResult struct {
	QueryInfo struct {
		VehicleType      string   `json:"vehicle_type"`
		Pollutants       []string `json:"pollutants"`
		ModelYear        int      `json:"model_year"`
		Season           string   `json:"season"`
		TrajectoryPoints int      `json:"trajectory_points"`
	} `json:"query_info"`
	Summary MicroSummary   `json:"summary"`
	Results []SecondResult `json:"results"`
}

type microKey struct {
	opMode     int
	pollutant  int
	sourceType int
	ageGroup   int
}

// MicroCalculator computes second-by-second emissions by pairing VSP
// operating modes with the per-season rate matrix (g/s per opMode).
type MicroCalculator struct {
	dataDir string
	files   map[string]string
	vsp     *VSPCalculator

	mu    sync.Mutex
	cache map[string]map[microKey]float64
}

func NewMicroCalculator(dataDir string) *MicroCalculator {
	return &MicroCalculator{
		dataDir: dataDir,
		files: map[string]string{
			"winter": "atlanta_2025_1_55_65.csv",
			"spring": "atlanta_2025_4_75_65.csv",
			"summer": "atlanta_2025_7_90_70.csv",
		},
		vsp:   NewVSPCalculator(),
		cache: make(map[string]map[microKey]float64),
	}
}

// yearToAgeGroup converts a model year to the MOVES age group the rate
// tables are keyed by (relative to 2025). Age group 3 has no data and
// is skipped.
func yearToAgeGroup(modelYear int) int {
	age := 2025 - modelYear
	switch {
	case age <= 1:
		return 1
	case age <= 9:
		return 2
	case age <= 19:
		return 5
	default:
		return 9
	}
}

// Calculate runs the micro model over a trajectory.
func (c *MicroCalculator) Calculate(trajectory []TrajectoryPoint, vehicleType string, pollutants []string, modelYear int, season string) (*MicroResult, error) {
	if len(trajectory) == 0 {
		return nil, errors.New("轨迹数据不能为空")
	}

	sourceTypeID, ok := VehicleToSourceType[vehicleType]
	if !ok {
		return nil, &UnknownVehicleError{VehicleType: vehicleType, Valid: sortedKeys(VehicleToSourceType)}
	}

	annotated, err := c.vsp.CalculateTrajectory(trajectory, sourceTypeID)
	if err != nil {
		return nil, err
	}

	matrix, err := c.load(season)
	if err != nil {
		return nil, err
	}

	ageGroup := yearToAgeGroup(modelYear)

	results := make([]SecondResult, 0, len(annotated))
	for _, point := range annotated {
		emissions := make(map[string]float64, len(pollutants))
		for _, pollutant := range pollutants {
			pollutantID, ok := PollutantToID[pollutant]
			if !ok {
				continue
			}

			rate, found := matrix[microKey{opMode: point.OpMode, pollutant: pollutantID, sourceType: sourceTypeID, ageGroup: ageGroup}]
			if !found {
				// Fall back to the aggregate operating mode.
				rate = matrix[microKey{opMode: avgOpMode, pollutant: pollutantID, sourceType: sourceTypeID, ageGroup: ageGroup}]
			}
			emissions[pollutant] = round6(rate)
		}

		results = append(results, SecondResult{
			T:         point.T,
			SpeedKph:  point.SpeedKph,
			SpeedMph:  point.SpeedMph,
			VSP:       point.VSP,
			OpMode:    point.OpMode,
			Emissions: emissions,
		})
	}

	result := &MicroResult{
		Summary: c.summarize(results, trajectory),
		Results: results,
	}
	result.QueryInfo.VehicleType = vehicleType
	result.QueryInfo.Pollutants = pollutants
	result.QueryInfo.ModelYear = modelYear
	result.QueryInfo.Season = season
	result.QueryInfo.TrajectoryPoints = len(trajectory)

	return result, nil
}

func (c *MicroCalculator) summarize(results []SecondResult, trajectory []TrajectoryPoint) MicroSummary {
	var totalDistanceKm float64
	for i := 1; i < len(trajectory); i++ {
		dt := trajectory[i].T - trajectory[i-1].T
		totalDistanceKm += trajectory[i].SpeedKph * dt / 3600
	}

	totalEmissions := make(map[string]float64)
	for _, r := range results {
		for pollutant, emission := range r.Emissions {
			totalEmissions[pollutant] += emission
		}
	}

	rates := make(map[string]float64)
	if totalDistanceKm > 0 {
		for pollutant, total := range totalEmissions {
			rates[pollutant] = round4(total / totalDistanceKm)
		}
	}
	for pollutant, total := range totalEmissions {
		totalEmissions[pollutant] = round4(total)
	}

	return MicroSummary{
		TotalDistanceKm:     round3(totalDistanceKm),
		TotalTimeS:          len(results),
		TotalEmissionsG:     totalEmissions,
		EmissionRatesGPerKm: rates,
	}
}

func (c *MicroCalculator) load(season string) (map[microKey]float64, error) {
	key := seasonKey(season)

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.cache[key]; ok {
		return m, nil
	}

	path := filepath.Join(c.dataDir, c.files[key])
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("数据文件不存在: %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rate matrix %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("rate matrix %s is empty", path)
	}

	idx := map[string]int{}
	for i, name := range records[0] {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range []string{"opModeID", "pollutantID", "SourceType", "ModelYear", "EmissionQuant"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("rate matrix %s missing column %s", path, col)
		}
	}

	matrix := make(map[microKey]float64)
	for _, rec := range records[1:] {
		opMode, err1 := strconv.Atoi(strings.TrimSpace(rec[idx["opModeID"]]))
		pol, err2 := strconv.Atoi(strings.TrimSpace(rec[idx["pollutantID"]]))
		st, err3 := strconv.Atoi(strings.TrimSpace(rec[idx["SourceType"]]))
		year, err4 := strconv.Atoi(strings.TrimSpace(rec[idx["ModelYear"]]))
		em, err5 := strconv.ParseFloat(strings.TrimSpace(rec[idx["EmissionQuant"]]), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		k := microKey{opMode: opMode, pollutant: pol, sourceType: st, ageGroup: year}
		if _, exists := matrix[k]; !exists {
			matrix[k] = em
		}
	}

	c.cache[key] = matrix
	return matrix, nil
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
