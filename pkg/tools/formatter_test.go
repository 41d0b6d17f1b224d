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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatEmission(t *testing.T) {
	assert.Equal(t, "12.50 g/km", FormatEmission(12.5, "/km"))
	assert.Equal(t, "1.50 kg/km (1500.00 g/km)", FormatEmission(1500, "/km"))
	assert.Equal(t, "2.50 吨 (2500.00 kg)", FormatEmission(2_500_000, ""))
}

func TestFormatEmissionMultiUnit(t *testing.T) {
	got := FormatEmissionMultiUnit(1000, "hour")
	assert.Equal(t, "1.00 kg (1000.00 g)/小时 (24.00 kg (24000.00 g)/天)", got)

	// Any other context renders the plain value.
	assert.Equal(t, "500.00 g", FormatEmissionMultiUnit(500, "total"))
}

func TestCalculateStats(t *testing.T) {
	assert.Nil(t, CalculateStats(nil))

	s := CalculateStats([]float64{2, 8, 5})
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 5.0, s.Avg)
	assert.Equal(t, 8.0, s.Max)
	assert.Equal(t, 2.0, s.Min)

	single := CalculateStats([]float64{-1.5})
	assert.Equal(t, -1.5, single.Avg)
	assert.Equal(t, -1.5, single.Max)
	assert.Equal(t, -1.5, single.Min)
}
