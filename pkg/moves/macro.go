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

// avgOpMode is the aggregate operating mode used for macro queries.
const avgOpMode = 300

// DefaultFleetMix is used when the caller provides no fleet composition.
var DefaultFleetMix = map[string]float64{
	"Passenger Car":               70.0,
	"Passenger Truck":             20.0,
	"Light Commercial Truck":      5.0,
	"Transit Bus":                 3.0,
	"Combination Long-haul Truck": 2.0,
}

// Link is one road segment.
type Link struct {
	LinkID         string             `json:"link_id"`
	LengthKm       float64            `json:"link_length_km"`
	TrafficFlowVph float64            `json:"traffic_flow_vph"`
	AvgSpeedKph    float64            `json:"avg_speed_kph"`
	FleetMix       map[string]float64 `json:"fleet_mix,omitempty"`
}

// FleetShare is the resolved composition for one vehicle type on a link.
type FleetShare struct {
	SourceTypeID    int     `json:"source_type_id"`
	Percentage      float64 `json:"percentage"`
	VehiclesPerHour float64 `json:"vehicles_per_hour"`
}

// LinkResult is the emission result for one link.
type LinkResult struct {
	LinkID              string                        `json:"link_id"`
	LengthKm            float64                       `json:"link_length_km"`
	TrafficFlowVph      float64                       `json:"traffic_flow_vph"`
	AvgSpeedKph         float64                       `json:"avg_speed_kph"`
	FleetComposition    map[string]FleetShare         `json:"fleet_composition"`
	EmissionsByVehicle  map[string]map[string]float64 `json:"emissions_by_vehicle"`
	TotalEmissionsKgHr  map[string]float64            `json:"total_emissions_kg_per_hr"`
	EmissionRatesGVehKm map[string]float64            `json:"emission_rates_g_per_veh_km"`
}

// MacroSummary aggregates over all links.
type MacroSummary struct {
	TotalLinks         int                `json:"total_links"`
	TotalEmissionsKgHr map[string]float64 `json:"total_emissions_kg_per_hr"`
}

// MacroResult is the full macroscopic calculation output.
type MacroResult struct {
	QueryInfo struct {
		ModelYear  int      `json:"model_year"`
		Pollutants []string `json:"pollutants"`
		Season     string   `json:"season"`
		LinksCount int      `json:"links_count"`
	} `json:"query_info"`
	Results []LinkResult `json:"results"`
	Summary MacroSummary `json:"summary"`
}

type matrixKey struct {
	sourceType int
	pollutant  int
	modelYear  int
}

// MacroCalculator computes link emissions from the per-season rate matrix.
// Matrix rows are headerless: opModeID,pollutantID,sourceTypeID,modelYearID,em.
// Rates at opMode 300 carry g/hr per vehicle.
type MacroCalculator struct {
	dataDir string
	files   map[string]string

	mu    sync.Mutex
	cache map[string]map[matrixKey]float64
}

func NewMacroCalculator(dataDir string) *MacroCalculator {
	return &MacroCalculator{
		dataDir: dataDir,
		files: map[string]string{
			"winter": "atlanta_2025_1_35_60.csv",
			"spring": "atlanta_2025_4_75_65.csv",
			"summer": "atlanta_2025_7_80_60.csv",
		},
		cache: make(map[string]map[matrixKey]float64),
	}
}

// Calculate runs the macro model over links. A nil defaultFleetMix falls
// back to DefaultFleetMix. Fleet percentages that do not sum to 100 are
// normalized before use.
func (c *MacroCalculator) Calculate(links []Link, pollutants []string, modelYear int, season string, defaultFleetMix map[string]float64) (*MacroResult, error) {
	if len(links) == 0 {
		return nil, errors.New("路段数据不能为空")
	}
	for _, link := range links {
		if link.AvgSpeedKph <= 0 {
			id := link.LinkID
			if id == "" {
				id = "unknown"
			}
			return nil, fmt.Errorf("路段 %s 平均速度无效，必须大于0", id)
		}
	}

	matrix, err := c.load(season)
	if err != nil {
		return nil, err
	}

	if defaultFleetMix == nil {
		defaultFleetMix = DefaultFleetMix
	}

	result := &MacroResult{}
	result.QueryInfo.ModelYear = modelYear
	result.QueryInfo.Pollutants = pollutants
	result.QueryInfo.Season = season
	result.QueryInfo.LinksCount = len(links)

	for _, link := range links {
		result.Results = append(result.Results, c.calculateLink(link, pollutants, modelYear, matrix, defaultFleetMix))
	}

	summary := MacroSummary{
		TotalLinks:         len(result.Results),
		TotalEmissionsKgHr: make(map[string]float64, len(pollutants)),
	}
	for _, p := range pollutants {
		var total float64
		for _, lr := range result.Results {
			total += lr.TotalEmissionsKgHr[p]
		}
		summary.TotalEmissionsKgHr[p] = round4(total)
	}
	result.Summary = summary

	return result, nil
}

func (c *MacroCalculator) calculateLink(link Link, pollutants []string, modelYear int, matrix map[matrixKey]float64, defaultFleetMix map[string]float64) LinkResult {
	fleetMix := link.FleetMix
	if len(fleetMix) == 0 {
		fleetMix = defaultFleetMix
	}
	fleetMix = normalizeFleetMix(fleetMix)

	linkID := link.LinkID
	if linkID == "" {
		linkID = "unknown"
	}

	lr := LinkResult{
		LinkID:              linkID,
		LengthKm:            link.LengthKm,
		TrafficFlowVph:      link.TrafficFlowVph,
		AvgSpeedKph:         link.AvgSpeedKph,
		FleetComposition:    make(map[string]FleetShare),
		EmissionsByVehicle:  make(map[string]map[string]float64),
		TotalEmissionsKgHr:  make(map[string]float64),
		EmissionRatesGVehKm: make(map[string]float64),
	}
	for _, p := range pollutants {
		lr.TotalEmissionsKgHr[p] = 0
	}

	for vehicleName, percentage := range fleetMix {
		sourceTypeID, ok := VehicleToSourceType[vehicleName]
		if !ok {
			continue
		}

		vehiclesPerHour := link.TrafficFlowVph * percentage / 100

		lr.FleetComposition[vehicleName] = FleetShare{
			SourceTypeID:    sourceTypeID,
			Percentage:      percentage,
			VehiclesPerHour: round2(vehiclesPerHour),
		}

		vehicleEmissions := make(map[string]float64)
		for _, pollutant := range pollutants {
			pollutantID, ok := PollutantToID[pollutant]
			if !ok {
				continue
			}

			rate := matrix[matrixKey{sourceType: sourceTypeID, pollutant: pollutantID, modelYear: modelYear}]

			// rate is g/hr per vehicle; integrate over the travel time on
			// the link, then scale by the hourly vehicle count.
			rateGPerSec := rate / 3600
			travelTimeSec := (link.LengthKm / link.AvgSpeedKph) * 3600
			gPerVehicle := rateGPerSec * travelTimeSec
			kgPerHr := gPerVehicle * vehiclesPerHour / 1000

			lr.TotalEmissionsKgHr[pollutant] += kgPerHr
			vehicleEmissions[pollutant] = round4(kgPerHr)
		}
		lr.EmissionsByVehicle[vehicleName] = vehicleEmissions
	}

	for _, pollutant := range pollutants {
		if link.TrafficFlowVph > 0 && link.LengthKm > 0 {
			rate := lr.TotalEmissionsKgHr[pollutant] * 1000 / link.LengthKm / link.TrafficFlowVph
			lr.EmissionRatesGVehKm[pollutant] = round4(rate)
		}
	}
	for pollutant, total := range lr.TotalEmissionsKgHr {
		lr.TotalEmissionsKgHr[pollutant] = round4(total)
	}

	return lr
}

func normalizeFleetMix(mix map[string]float64) map[string]float64 {
	var total float64
	for _, pct := range mix {
		total += pct
	}

	normalized := make(map[string]float64, len(mix))
	if total > 0 && math.Abs(total-100.0) > 0.01 {
		for name, pct := range mix {
			normalized[name] = pct / total * 100.0
		}
		return normalized
	}
	for name, pct := range mix {
		normalized[name] = pct
	}
	return normalized
}

func (c *MacroCalculator) load(season string) (map[matrixKey]float64, error) {
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

	matrix := make(map[matrixKey]float64)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rate matrix %s: %w", path, err)
	}

	for _, rec := range records {
		if len(rec) < 5 {
			continue
		}
		opMode, err1 := strconv.Atoi(strings.TrimSpace(rec[0]))
		pol, err2 := strconv.Atoi(strings.TrimSpace(rec[1]))
		st, err3 := strconv.Atoi(strings.TrimSpace(rec[2]))
		year, err4 := strconv.Atoi(strings.TrimSpace(rec[3]))
		em, err5 := strconv.ParseFloat(strings.TrimSpace(rec[4]), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		if opMode != avgOpMode {
			continue
		}
		k := matrixKey{sourceType: st, pollutant: pol, modelYear: year}
		if _, exists := matrix[k]; !exists {
			matrix[k] = em
		}
	}

	c.cache[key] = matrix
	return matrix, nil
}
