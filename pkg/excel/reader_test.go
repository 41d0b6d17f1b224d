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

package excel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/config"
	"github.com/moveslab/emissia/pkg/standardizer"
)

const readerMappings = `
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
      patterns: [link_id, 路段编号, name]
    length:
      standard: link_length_km
      required: true
      patterns: [link_length_km, length, 路段长度]
    flow:
      standard: traffic_flow_vph
      required: true
      patterns: [traffic_flow_vph, flow, 交通流量]
    speed:
      standard: avg_speed_kph
      required: true
      patterns: [avg_speed_kph, speed, 平均速度]
`

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(readerMappings), 0o644))
	store, err := config.NewMappingsStore(path)
	require.NoError(t, err)
	return NewReader(standardizer.New(store, nil))
}
