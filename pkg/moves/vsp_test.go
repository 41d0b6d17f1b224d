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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVSPCalculate(t *testing.T) {
	calc := NewVSPCalculator()

	// Standing still produces zero VSP.
	vsp, err := calc.Calculate(0, 0, 0, 21)
	require.NoError(t, err)
	assert.Equal(t, 0.0, vsp)

	// Cruising at constant speed on flat ground is road load only.
	p := VSPParameters[21]
	v := 15.0 // m/s
	want := (p.A*v + p.B*v*v + p.C*v*v*v) / p.Mass
	vsp, err = calc.Calculate(v, 0, 0, 21)
	require.NoError(t, err)
	assert.InDelta(t, want, vsp, 0.001)

	// Acceleration and grade both increase VSP.
	accel, err := calc.Calculate(v, 1.0, 0, 21)
	require.NoError(t, err)
	assert.Greater(t, accel, vsp)

	uphill, err := calc.Calculate(v, 0, 5.0, 21)
	require.NoError(t, err)
	assert.Greater(t, uphill, vsp)

	_, err = calc.Calculate(v, 0, 0, 999)
	assert.Error(t, err)
}

func TestVSPToBin(t *testing.T) {
	calc := NewVSPCalculator()

	tests := []struct {
		vsp  float64
		want int
	}{
		{-10, 1},
		{-2, 1},
		{-1, 2},
		{0, 2},
		{0.5, 3},
		{3, 4},
		{5, 5},
		{22, 10},
		{100, 14},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calc.ToBin(tt.vsp), "vsp %v", tt.vsp)
	}
}

func TestVSPToOpMode(t *testing.T) {
	calc := NewVSPCalculator()

	assert.Equal(t, 0, calc.ToOpMode(0.5, 10))
	assert.Equal(t, 11, calc.ToOpMode(20, -1))
	assert.Equal(t, 12, calc.ToOpMode(20, 2))
	assert.Equal(t, 16, calc.ToOpMode(20, 15))
	assert.Equal(t, 21, calc.ToOpMode(40, -1))
	assert.Equal(t, 30, calc.ToOpMode(40, 25))
	assert.Equal(t, 33, calc.ToOpMode(60, 2))
	assert.Equal(t, 40, calc.ToOpMode(60, 35))
}

func TestCalculateTrajectoryDerivesAcceleration(t *testing.T) {
	calc := NewVSPCalculator()

	trajectory := []TrajectoryPoint{
		{T: 0, SpeedKph: 0},
		{T: 1, SpeedKph: 18},
		{T: 2, SpeedKph: 36},
	}
	points, err := calc.CalculateTrajectory(trajectory, 21)
	require.NoError(t, err)
	require.Len(t, points, 3)

	// 18 km/h over one second is 5 m/s².
	assert.Equal(t, 0, points[0].OpMode)
	assert.InDelta(t, 5.0, points[1].SpeedMps, 0.01)
	assert.Greater(t, points[1].VSP, 0.0)
	assert.Greater(t, points[1].OpMode, 0)
}
