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

// Package moves carries the MOVES model constants and calculators:
// source-type ids, pollutant ids, VSP parameters and bins, the
// emission-factor tables and the macroscopic link calculator.
package moves

import "math"

// VehicleToSourceType maps standard vehicle names to MOVES source-type ids.
var VehicleToSourceType = map[string]int{
	"Motorcycle":                   11,
	"Passenger Car":                21,
	"Passenger Truck":              31,
	"Light Commercial Truck":       32,
	"Intercity Bus":                41,
	"Transit Bus":                  42,
	"School Bus":                   43,
	"Refuse Truck":                 51,
	"Single Unit Short-haul Truck": 52,
	"Single Unit Long-haul Truck":  53,
	"Motor Home":                   54,
	"Combination Short-haul Truck": 61,
	"Combination Long-haul Truck":  62,
}

// PollutantToID maps standard pollutant names to MOVES pollutant ids.
var PollutantToID = map[string]int{
	"THC":    1,
	"CO":     2,
	"NOx":    3,
	"VOC":    5,
	"SO2":    30,
	"NH3":    35,
	"NMHC":   79,
	"CO2":    90,
	"Energy": 91,
	"PM10":   100,
	"PM2.5":  110,
}

// SeasonCodes maps Chinese season names to MOVES month codes.
// Autumn shares the spring tables.
var SeasonCodes = map[string]int{
	"春季": 4,
	"夏季": 7,
	"秋季": 4,
	"冬季": 1,
}

// RoadTypeMapping collapses user-facing road types onto the two
// road-type ids present in the factor tables: 4 (restricted access)
// and 5 (unrestricted access).
var RoadTypeMapping = map[string]int{
	"快速路":   4,
	"高速公路":  4,
	"城市道路":  4,
	"地面道路":  5,
	"居民区道路": 5,
}

// VSPParams holds the road-load coefficients and masses for one source type.
// A is rolling resistance (kW·s/m), B rotating resistance (kW·s²/m²),
// C aerodynamic drag (kW·s³/m³), M fixed mass (t), m source mass (t).
type VSPParams struct {
	A    float64
	B    float64
	C    float64
	M    float64
	Mass float64
}

// VSPParameters per MOVES source-type id (Atlanta 2014+).
var VSPParameters = map[int]VSPParams{
	11: {A: 0.0251, B: 0.0, C: 0.000315, M: 0.285, Mass: 0.285},
	21: {A: 0.156461, B: 0.002001, C: 0.000492, M: 1.4788, Mass: 1.4788},
	31: {A: 0.22112, B: 0.002837, C: 0.000698, M: 1.86686, Mass: 1.8668},
	32: {A: 0.235008, B: 0.003038, C: 0.000747, M: 2.05979, Mass: 2.0597},
	41: {A: 1.23039, B: 0.0, C: 0.003714, M: 17.1, Mass: 19.593},
	42: {A: 1.03968, B: 0.0, C: 0.003587, M: 17.1, Mass: 16.556},
	43: {A: 0.709382, B: 0.0, C: 0.002175, M: 17.1, Mass: 9.0698},
	51: {A: 1.50429, B: 0.0, C: 0.003572, M: 17.1, Mass: 23.113},
	52: {A: 0.596526, B: 0.0, C: 0.001603, M: 17.1, Mass: 8.5389},
	53: {A: 0.529399, B: 0.0, C: 0.001473, M: 17.1, Mass: 6.9844},
	54: {A: 0.655376, B: 0.0, C: 0.002105, M: 17.1, Mass: 7.5257},
	61: {A: 1.43052, B: 0.0, C: 0.003792, M: 17.1, Mass: 22.828},
	62: {A: 1.47389, B: 0.0, C: 0.003681, M: 17.1, Mass: 24.419},
}

// VSPBin is a half-open interval (Lower, Upper].
type VSPBin struct {
	Lower float64
	Upper float64
}

// VSPBins 1-14 in kW/ton.
var VSPBins = map[int]VSPBin{
	1:  {math.Inf(-1), -2},
	2:  {-2, 0},
	3:  {0, 1},
	4:  {1, 4},
	5:  {4, 7},
	6:  {7, 10},
	7:  {10, 13},
	8:  {13, 16},
	9:  {16, 19},
	10: {19, 23},
	11: {23, 28},
	12: {28, 33},
	13: {33, 39},
	14: {39, math.Inf(1)},
}

const (
	// MilesPerKm converts km based units to mile based units.
	MilesPerKm = 0.621371
	// KmPerMile converts mile based units to km based units.
	KmPerMile = 1.60934
)
