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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mappingsFixture = `
vehicle_types:
  - standard_name: Passenger Car
    display_name_zh: 乘用车
    aliases: [小汽车, 轿车]
  - standard_name: Transit Bus
    display_name_zh: 公交车
    aliases: [公交]
pollutants:
  - standard_name: CO2
    display_name_zh: 二氧化碳
    aliases: [碳排放]
seasons:
  夏: 夏季
  summer: 夏季
column_patterns:
  micro_emission:
    speed:
      standard: speed_kph
      required: true
      patterns: [speed_kph, speed, 速度]
`

func writeMappingsFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(mappingsFixture), 0o644))
	return path
}

func TestLoadMappings(t *testing.T) {
	m, err := LoadMappings(writeMappingsFixture(t))
	require.NoError(t, err)

	require.Len(t, m.VehicleTypes, 2)
	assert.Equal(t, "Passenger Car", m.VehicleTypes[0].StandardName)
	assert.Equal(t, "乘用车", m.VehicleTypes[0].DisplayNameZh)
	assert.Contains(t, m.VehicleTypes[0].Aliases, "小汽车")

	require.Len(t, m.Pollutants, 1)
	assert.Equal(t, "夏季", m.Seasons["summer"])

	speed, ok := m.ColumnPatterns["micro_emission"]["speed"]
	require.True(t, ok)
	assert.True(t, speed.Required)
	assert.Contains(t, speed.Patterns, "速度")
}

func TestLoadMappingsMissingFile(t *testing.T) {
	_, err := LoadMappings(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMappingsStoreGet(t *testing.T) {
	store, err := NewMappingsStore(writeMappingsFixture(t))
	require.NoError(t, err)

	m := store.Get()
	require.NotNil(t, m)
	assert.Len(t, m.VehicleTypes, 2)

	// Get returns the same snapshot until a reload happens.
	assert.Same(t, m, store.Get())
}
