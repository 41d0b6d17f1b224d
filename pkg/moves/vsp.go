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
	"fmt"
	"math"
)

const gravity = 9.81 // m/s²

// TrajectoryPoint is one second of a vehicle trajectory.
// Acceleration and grade are optional; acceleration is derived from
// speed deltas when absent, grade defaults to 0.
type TrajectoryPoint struct {
	T            float64  `json:"t"`
	SpeedKph     float64  `json:"speed_kph"`
	Acceleration *float64 `json:"acceleration_mps2,omitempty"`
	GradePct     float64  `json:"grade_pct,omitempty"`
}

// VSPPoint is a trajectory point annotated with VSP and operating mode.
type VSPPoint struct {
	TrajectoryPoint
	SpeedMps float64 `json:"speed_mps"`
	SpeedMph float64 `json:"speed_mph"`
	VSP      float64 `json:"vsp"`
	VSPBin   int     `json:"vsp_bin"`
	OpMode   int     `json:"opmode"`
}

// VSPCalculator computes vehicle specific power per the MOVES model.
type VSPCalculator struct {
	params map[int]VSPParams
}

func NewVSPCalculator() *VSPCalculator {
	return &VSPCalculator{params: VSPParameters}
}

// Calculate returns VSP in kW/ton, rounded to 3 decimals.
//
// VSP = (A·v + B·v² + C·v³ + M·v·a + M·v·g·grade/100) / m
func (c *VSPCalculator) Calculate(speedMps, acc, gradePct float64, sourceTypeID int) (float64, error) {
	p, ok := c.params[sourceTypeID]
	if !ok {
		return 0, fmt.Errorf("unsupported source type id: %d", sourceTypeID)
	}

	v := speedMps
	vsp := (p.A*v +
		p.B*v*v +
		p.C*v*v*v +
		p.M*v*acc +
		p.M*v*gravity*(gradePct/100.0)) / p.Mass

	return round3(vsp), nil
}

// ToBin maps a VSP value to a bin id (1-14).
func (c *VSPCalculator) ToBin(vsp float64) int {
	for bin := 1; bin <= 14; bin++ {
		b := VSPBins[bin]
		if vsp > b.Lower && vsp <= b.Upper {
			return bin
		}
	}
	return 14
}

// ToOpMode maps speed and VSP to a MOVES operating mode (0-40).
// 0 is idle, 11-16 below 25 mph, 21-30 below 50 mph, 33-40 above.
func (c *VSPCalculator) ToOpMode(speedMph, vsp float64) int {
	switch {
	case speedMph < 1:
		return 0

	case speedMph < 25:
		switch {
		case vsp < 0:
			return 11
		case vsp < 3:
			return 12
		case vsp < 6:
			return 13
		case vsp < 9:
			return 14
		case vsp < 12:
			return 15
		default:
			return 16
		}

	case speedMph < 50:
		switch {
		case vsp < 0:
			return 21
		case vsp < 3:
			return 22
		case vsp < 6:
			return 23
		case vsp < 9:
			return 24
		case vsp < 12:
			return 25
		case vsp < 15:
			return 26
		case vsp < 18:
			return 27
		case vsp < 21:
			return 28
		case vsp < 24:
			return 29
		default:
			return 30
		}

	default:
		switch {
		case vsp < 3:
			return 33
		case vsp < 9:
			return 35
		case vsp < 15:
			return 37
		case vsp < 24:
			return 38
		case vsp < 30:
			return 39
		default:
			return 40
		}
	}
}

// CalculateTrajectory annotates every point of a trajectory with
// speed conversions, VSP, bin and operating mode.
func (c *VSPCalculator) CalculateTrajectory(trajectory []TrajectoryPoint, sourceTypeID int) ([]VSPPoint, error) {
	results := make([]VSPPoint, 0, len(trajectory))

	for i, point := range trajectory {
		speedMps := point.SpeedKph / 3.6
		speedMph := point.SpeedKph * MilesPerKm

		var acc float64
		if point.Acceleration != nil {
			acc = *point.Acceleration
		} else if i > 0 {
			prev := trajectory[i-1]
			dt := point.T - prev.T
			if dt > 0 {
				acc = (point.SpeedKph - prev.SpeedKph) / (3.6 * dt)
			}
		}

		vsp, err := c.Calculate(speedMps, acc, point.GradePct, sourceTypeID)
		if err != nil {
			return nil, err
		}

		results = append(results, VSPPoint{
			TrajectoryPoint: point,
			SpeedMps:        round2(speedMps),
			SpeedMph:        round2(speedMph),
			VSP:             vsp,
			VSPBin:          c.ToBin(vsp),
			OpMode:          c.ToOpMode(speedMph, vsp),
		})
	}

	return results, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
