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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FactorPoint is one point of a speed curve in the classic g/mile shape.
type FactorPoint struct {
	SpeedMph     int     `json:"speed_mph"`
	SpeedKph     float64 `json:"speed_kph"`
	EmissionRate float64 `json:"emission_rate"`
	Unit         string  `json:"unit"`
}

// TypicalValue is the curve point closest to a reference speed.
type TypicalValue struct {
	Label string `json:"label"`
	FactorPoint
}

// CurvePoint is one point of a speed curve converted to g/km.
type CurvePoint struct {
	SpeedKph     float64 `json:"speed_kph"`
	EmissionRate float64 `json:"emission_rate"`
}

// FactorQuerySummary echoes the resolved query parameters.
type FactorQuerySummary struct {
	VehicleType string `json:"vehicle_type"`
	Pollutant   string `json:"pollutant"`
	ModelYear   int    `json:"model_year"`
	Season      string `json:"season"`
	RoadType    string `json:"road_type"`
}

// FactorResult is the classic emission-factor response (g/mile).
type FactorResult struct {
	QuerySummary  FactorQuerySummary     `json:"query_summary"`
	SpeedCurve    []FactorPoint          `json:"speed_curve"`
	TypicalValues []TypicalValue         `json:"typical_values"`
	SpeedRange    map[string]float64     `json:"speed_range"`
	DataPoints    int                    `json:"data_points"`
	Unit          string                 `json:"unit"`
	DataSource    string                 `json:"data_source"`
}

// CurveResult is the g/km curve response returned for return_curve queries.
type CurveResult struct {
	Curve      []CurvePoint       `json:"curve"`
	Unit       string             `json:"unit"`
	SpeedRange map[string]float64 `json:"speed_range"`
	DataPoints int                `json:"data_points"`
}

// UnknownVehicleError reports a vehicle name absent from the source-type map.
type UnknownVehicleError struct {
	VehicleType string
	Valid       []string
}

func (e *UnknownVehicleError) Error() string {
	return fmt.Sprintf("未知车型: %s", e.VehicleType)
}

// UnknownPollutantError reports a pollutant name absent from the pollutant map.
type UnknownPollutantError struct {
	Pollutant string
	Valid     []string
}

func (e *UnknownPollutantError) Error() string {
	return fmt.Sprintf("未知污染物: %s", e.Pollutant)
}

// NoDataError reports an empty result set, with the coordinates that were
// queried and what the table actually contains.
type NoDataError struct {
	Query          FactorQuerySummary
	AvailableYears []int
	AvailableTypes []int
	AvailablePols  []int
}

func (e *NoDataError) Error() string { return "未找到匹配数据" }

type factorRow struct {
	speedCode  int
	sourceType int
	pollutant  int
	modelYear  int
	emission   float64
}

// FactorStore loads and caches the per-season emission-factor tables.
// The Speed column encodes {mph}0{roadType}, e.g. 504 = 5 mph on road type 4.
type FactorStore struct {
	dataDir string
	files   map[string]string

	mu    sync.Mutex
	cache map[string][]factorRow
}

// NewFactorStore creates a store over dataDir. The default file layout
// matches the Atlanta MOVES export shipped with the service.
func NewFactorStore(dataDir string) *FactorStore {
	return &FactorStore{
		dataDir: dataDir,
		files: map[string]string{
			"winter": "atlanta_2025_1_55_65.csv",
			"spring": "atlanta_2025_4_75_65.csv",
			"summer": "atlanta_2025_7_90_70.csv",
		},
		cache: make(map[string][]factorRow),
	}
}

func seasonKey(season string) string {
	code, ok := SeasonCodes[season]
	if !ok {
		code = 7
	}
	switch code {
	case 1:
		return "winter"
	case 4:
		return "spring"
	default:
		return "summer"
	}
}

// Query filters the seasonal table down to one (vehicle, pollutant, year,
// road type) curve. Exactly one of the two result pointers is non-nil on
// success, depending on returnCurve.
func (s *FactorStore) Query(vehicleType, pollutant string, modelYear int, season, roadType string, returnCurve bool) (*FactorResult, *CurveResult, error) {
	sourceTypeID, ok := VehicleToSourceType[vehicleType]
	if !ok {
		return nil, nil, &UnknownVehicleError{VehicleType: vehicleType, Valid: sortedKeys(VehicleToSourceType)}
	}
	pollutantID, ok := PollutantToID[pollutant]
	if !ok {
		return nil, nil, &UnknownPollutantError{Pollutant: pollutant, Valid: sortedKeys(PollutantToID)}
	}

	rows, err := s.load(season)
	if err != nil {
		return nil, nil, err
	}

	roadTypeID, ok := RoadTypeMapping[roadType]
	if !ok {
		roadTypeID = 4
	}

	type speedPoint struct {
		speedMph int
		rate     float64
	}
	var points []speedPoint
	for _, row := range rows {
		if row.sourceType != sourceTypeID || row.pollutant != pollutantID || row.modelYear != modelYear {
			continue
		}
		code := strconv.Itoa(row.speedCode)
		if len(code) < 2 {
			continue
		}
		rt, err := strconv.Atoi(code[len(code)-1:])
		if err != nil || rt != roadTypeID {
			continue
		}
		mph, err := strconv.Atoi(code[:len(code)-2])
		if err != nil {
			continue
		}
		points = append(points, speedPoint{speedMph: mph, rate: row.emission})
	}

	if len(points) == 0 {
		return nil, nil, s.noDataError(rows, FactorQuerySummary{
			VehicleType: vehicleType,
			Pollutant:   pollutant,
			ModelYear:   modelYear,
			Season:      season,
			RoadType:    roadType,
		})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].speedMph < points[j].speedMph })

	if returnCurve {
		curve := make([]CurvePoint, 0, len(points))
		for _, p := range points {
			curve = append(curve, CurvePoint{
				SpeedKph:     round1(float64(p.speedMph) * KmPerMile),
				EmissionRate: round4(p.rate / KmPerMile),
			})
		}
		return nil, &CurveResult{
			Curve: curve,
			Unit:  "g/km",
			SpeedRange: map[string]float64{
				"min_kph": curve[0].SpeedKph,
				"max_kph": curve[len(curve)-1].SpeedKph,
			},
			DataPoints: len(curve),
		}, nil
	}

	speedCurve := make([]FactorPoint, 0, len(points))
	for _, p := range points {
		speedCurve = append(speedCurve, FactorPoint{
			SpeedMph:     p.speedMph,
			SpeedKph:     round1(float64(p.speedMph) * KmPerMile),
			EmissionRate: round4(p.rate),
			Unit:         "g/mile",
		})
	}

	var typical []TypicalValue
	for _, target := range []int{25, 50, 70} {
		closest := speedCurve[0]
		for _, p := range speedCurve[1:] {
			if abs(p.SpeedMph-target) < abs(closest.SpeedMph-target) {
				closest = p
			}
		}
		typical = append(typical, TypicalValue{
			Label:       fmt.Sprintf("%d mph (%.1f kph)", closest.SpeedMph, closest.SpeedKph),
			FactorPoint: closest,
		})
	}

	return &FactorResult{
		QuerySummary: FactorQuerySummary{
			VehicleType: vehicleType,
			Pollutant:   pollutant,
			ModelYear:   modelYear,
			Season:      season,
			RoadType:    roadType,
		},
		SpeedCurve:    speedCurve,
		TypicalValues: typical,
		SpeedRange: map[string]float64{
			"min_mph": float64(speedCurve[0].SpeedMph),
			"max_mph": float64(speedCurve[len(speedCurve)-1].SpeedMph),
			"min_kph": speedCurve[0].SpeedKph,
			"max_kph": speedCurve[len(speedCurve)-1].SpeedKph,
		},
		DataPoints: len(speedCurve),
		Unit:       "g/mile",
		DataSource: "MOVES (Atlanta)",
	}, nil, nil
}

func (s *FactorStore) noDataError(rows []factorRow, query FactorQuerySummary) error {
	years := map[int]struct{}{}
	types := map[int]struct{}{}
	pols := map[int]struct{}{}
	for _, r := range rows {
		years[r.modelYear] = struct{}{}
		types[r.sourceType] = struct{}{}
		pols[r.pollutant] = struct{}{}
	}
	return &NoDataError{
		Query:          query,
		AvailableYears: sortedInts(years),
		AvailableTypes: sortedInts(types),
		AvailablePols:  sortedInts(pols),
	}
}

func (s *FactorStore) load(season string) ([]factorRow, error) {
	key := seasonKey(season)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rows, ok := s.cache[key]; ok {
		return rows, nil
	}

	path := filepath.Join(s.dataDir, s.files[key])
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("数据文件不存在: %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read factor table %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("factor table %s is empty", path)
	}

	// Header row gives column positions.
	idx := map[string]int{}
	for i, name := range records[0] {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range []string{"Speed", "SourceType", "pollutantID", "ModelYear", "EmissionQuant"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("factor table %s missing column %s", path, col)
		}
	}

	rows := make([]factorRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		speed, err1 := strconv.ParseFloat(rec[idx["Speed"]], 64)
		st, err2 := strconv.Atoi(strings.TrimSpace(rec[idx["SourceType"]]))
		pol, err3 := strconv.Atoi(strings.TrimSpace(rec[idx["pollutantID"]]))
		year, err4 := strconv.Atoi(strings.TrimSpace(rec[idx["ModelYear"]]))
		em, err5 := strconv.ParseFloat(rec[idx["EmissionQuant"]], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		rows = append(rows, factorRow{
			speedCode:  int(speed),
			sourceType: st,
			pollutant:  pol,
			modelYear:  year,
			emission:   em,
		})
	}

	s.cache[key] = rows
	return rows, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInts(m map[int]struct{}) []int {
	vals := make([]int, 0, len(m))
	for v := range m {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	return vals
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
