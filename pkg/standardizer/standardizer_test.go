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

package standardizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/config"
)

const testMappings = `
vehicle_types:
  - standard_name: Passenger Car
    display_name_zh: 乘用车
    aliases: [小汽车, 轿车, 私家车, SUV]
  - standard_name: Transit Bus
    display_name_zh: 公交车
    aliases: [城市公交, 公交]
  - standard_name: Combination Long-haul Truck
    display_name_zh: 重型货车
    aliases: [重卡, 大货车]
pollutants:
  - standard_name: CO2
    display_name_zh: 二氧化碳
    aliases: [碳排放]
  - standard_name: NOx
    display_name_zh: 氮氧化物
    aliases: [氮氧]
  - standard_name: PM2.5
    display_name_zh: 细颗粒物
    aliases: [颗粒物]
seasons:
  夏: 夏季
  summer: 夏季
  冬: 冬季
  winter: 冬季
column_patterns:
  micro_emission:
    time:
      standard: t
      required: false
      patterns: [t, time, 时间]
    speed:
      standard: speed_kph
      required: true
      patterns: [speed_kph, speed, 车速, 速度]
    acceleration:
      standard: acceleration_mps2
      required: false
      patterns: [acceleration, acc, 加速度]
    grade:
      standard: grade_pct
      required: false
      patterns: [grade_pct, grade, 坡度]
  macro_emission:
    link_id:
      standard: link_id
      required: false
      patterns: [link_id, 路段编号, 名称, name]
    length:
      standard: link_length_km
      required: true
      patterns: [link_length_km, length, 路段长度, 长度]
    flow:
      standard: traffic_flow_vph
      required: true
      patterns: [traffic_flow_vph, flow, 交通流量, 流量]
    speed:
      standard: avg_speed_kph
      required: true
      patterns: [avg_speed_kph, speed, 平均速度, 速度]
`

func newTestStandardizer(t *testing.T, local LocalModel) *Standardizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testMappings), 0o644))
	store, err := config.NewMappingsStore(path)
	require.NoError(t, err)
	return New(store, local)
}

func TestStandardizeVehicle(t *testing.T) {
	std := newTestStandardizer(t, nil)
	ctx := context.Background()

	tests := []struct {
		input string
		want  string
	}{
		{"小汽车", "Passenger Car"},
		{"轿车", "Passenger Car"},
		{"suv", "Passenger Car"},
		{"Passenger Car", "Passenger Car"},
		{"passenger car", "Passenger Car"},
		{"公交", "Transit Bus"},
		{"公交车", "Transit Bus"},
		{"重卡", "Combination Long-haul Truck"},
		{"", ""},
		{"飞机", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, std.StandardizeVehicle(ctx, tt.input), "input %q", tt.input)
	}
}

func TestLookupVehicleFuzzy(t *testing.T) {
	std := newTestStandardizer(t, nil)

	// A small typo still resolves via edit distance.
	assert.Equal(t, "Transit Bus", std.LookupVehicle("transit bas"))
	assert.Equal(t, "", std.LookupVehicle("completely unrelated"))
}

func TestStandardizePollutant(t *testing.T) {
	std := newTestStandardizer(t, nil)
	ctx := context.Background()

	assert.Equal(t, "CO2", std.StandardizePollutant(ctx, "co2"))
	assert.Equal(t, "CO2", std.StandardizePollutant(ctx, "二氧化碳"))
	assert.Equal(t, "CO2", std.StandardizePollutant(ctx, "碳排放"))
	assert.Equal(t, "NOx", std.StandardizePollutant(ctx, "nox"))
	assert.Equal(t, "PM2.5", std.StandardizePollutant(ctx, "颗粒物"))
	assert.Equal(t, "", std.StandardizePollutant(ctx, "氧气"))
}

func TestStandardizeSeason(t *testing.T) {
	std := newTestStandardizer(t, nil)

	assert.Equal(t, "夏季", std.StandardizeSeason("夏"))
	assert.Equal(t, "夏季", std.StandardizeSeason("summer"))
	assert.Equal(t, "冬季", std.StandardizeSeason("Winter"))
	// Unrecognized input passes through unchanged.
	assert.Equal(t, "雨季", std.StandardizeSeason("雨季"))
	assert.Equal(t, "", std.StandardizeSeason(""))
}

func TestSuggestions(t *testing.T) {
	std := newTestStandardizer(t, nil)

	vehicles := std.VehicleSuggestions()
	assert.Contains(t, vehicles, "乘用车 (Passenger Car)")
	assert.Contains(t, vehicles, "公交车 (Transit Bus)")

	pollutants := std.PollutantSuggestions()
	assert.Equal(t, []string{"CO2", "NOx", "PM2.5"}, pollutants)
}

type fakeLocalModel struct {
	name       string
	confidence float64
	err        error
	calls      int
}

func (f *fakeLocalModel) StandardizeVehicle(ctx context.Context, raw string) (string, float64, error) {
	f.calls++
	return f.name, f.confidence, f.err
}

func (f *fakeLocalModel) StandardizePollutant(ctx context.Context, raw string) (string, float64, error) {
	f.calls++
	return f.name, f.confidence, f.err
}

func TestLocalModelFallback(t *testing.T) {
	ctx := context.Background()

	confident := &fakeLocalModel{name: "Transit Bus", confidence: 0.95}
	std := newTestStandardizer(t, confident)
	assert.Equal(t, "Transit Bus", std.StandardizeVehicle(ctx, "那种大车"))
	assert.Equal(t, 1, confident.calls)

	// Table hits never reach the local model.
	assert.Equal(t, "Passenger Car", std.StandardizeVehicle(ctx, "小汽车"))
	assert.Equal(t, 1, confident.calls)

	hesitant := &fakeLocalModel{name: "Transit Bus", confidence: 0.5}
	std = newTestStandardizer(t, hesitant)
	assert.Equal(t, "", std.StandardizeVehicle(ctx, "那种大车"))

	failing := &fakeLocalModel{err: errors.New("connection refused")}
	std = newTestStandardizer(t, failing)
	assert.Equal(t, "", std.StandardizeVehicle(ctx, "那种大车"))
}
