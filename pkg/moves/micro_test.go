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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ModelYear column holds the age group; 2020 maps to group 2.
const microFixture = `opModeID,pollutantID,SourceType,ModelYear,EmissionQuant
0,90,21,2,0.1
300,90,21,2,0.5
300,3,21,2,0.001
`

func newMicroCalculator(t *testing.T) *MicroCalculator {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "atlanta_2025_7_90_70.csv"), []byte(microFixture), 0o644))
	return NewMicroCalculator(dir)
}

func TestMicroCalculate(t *testing.T) {
	calc := newMicroCalculator(t)

	trajectory := []TrajectoryPoint{
		{T: 0, SpeedKph: 0},
		{T: 1, SpeedKph: 18},
		{T: 2, SpeedKph: 36},
	}
	result, err := calc.Calculate(trajectory, "Passenger Car", []string{"CO2"}, 2020, "夏季")
	require.NoError(t, err)

	assert.Equal(t, "Passenger Car", result.QueryInfo.VehicleType)
	assert.Equal(t, 3, result.QueryInfo.TrajectoryPoints)
	require.Len(t, result.Results, 3)

	// Idle second uses the opMode 0 rate, moving seconds fall back to
	// the aggregate opMode 300 rate.
	assert.Equal(t, 0.1, result.Results[0].Emissions["CO2"])
	assert.Equal(t, 0.5, result.Results[1].Emissions["CO2"])
	assert.Equal(t, 0.5, result.Results[2].Emissions["CO2"])

	assert.InDelta(t, 1.1, result.Summary.TotalEmissionsG["CO2"], 0.0001)
	assert.Equal(t, 3, result.Summary.TotalTimeS)
	// Distance: (18 + 36) km/h over one second each.
	assert.InDelta(t, 0.015, result.Summary.TotalDistanceKm, 0.0001)
	assert.InDelta(t, 1.1/0.015, result.Summary.EmissionRatesGPerKm["CO2"], 0.01)
}

func TestMicroCalculateMultiplePollutants(t *testing.T) {
	calc := newMicroCalculator(t)

	trajectory := []TrajectoryPoint{{T: 0, SpeedKph: 30}, {T: 1, SpeedKph: 30}}
	result, err := calc.Calculate(trajectory, "Passenger Car", []string{"CO2", "NOx", "O3"}, 2020, "夏季")
	require.NoError(t, err)

	for _, sec := range result.Results {
		assert.Contains(t, sec.Emissions, "CO2")
		assert.Contains(t, sec.Emissions, "NOx")
		// Unknown pollutants are silently skipped.
		assert.NotContains(t, sec.Emissions, "O3")
	}
}

func TestMicroCalculateErrors(t *testing.T) {
	calc := newMicroCalculator(t)

	_, err := calc.Calculate(nil, "Passenger Car", []string{"CO2"}, 2020, "夏季")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "轨迹数据不能为空")

	trajectory := []TrajectoryPoint{{T: 0, SpeedKph: 30}}
	_, err = calc.Calculate(trajectory, "Spaceship", []string{"CO2"}, 2020, "夏季")
	var unknown *UnknownVehicleError
	require.ErrorAs(t, err, &unknown)
}

func TestYearToAgeGroup(t *testing.T) {
	tests := []struct {
		year int
		want int
	}{
		{2025, 1},
		{2024, 1},
		{2020, 2},
		{2016, 2},
		{2010, 5},
		{2006, 5},
		{2000, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, yearToAgeGroup(tt.year), "year %d", tt.year)
	}
}
