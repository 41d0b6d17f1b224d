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

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpdateExtractsFacts(t *testing.T) {
	m := NewMemory("s1", "")

	m.Update("查一下小汽车的CO2排放", "好的", []ToolCallRecord{{
		Name:    "query_emission_factors",
		Success: true,
		Arguments: map[string]interface{}{
			"vehicle_type": "Passenger Car",
			"pollutant":    "CO2",
			"model_year":   float64(2020),
		},
	}}, "", nil)

	facts := m.FactMemory()
	assert.Equal(t, "Passenger Car", facts.RecentVehicle)
	assert.Equal(t, []string{"CO2"}, facts.RecentPollutants)
	assert.Equal(t, 2020, facts.RecentYear)
}

func TestMemoryIgnoresFailedCalls(t *testing.T) {
	m := NewMemory("s1", "")

	m.Update("查一下飞机的排放", "抱歉", []ToolCallRecord{{
		Name:      "query_emission_factors",
		Success:   false,
		Arguments: map[string]interface{}{"vehicle_type": "飞机"},
	}}, "", nil)

	assert.Empty(t, m.FactMemory().RecentVehicle)
}

func TestMemoryPollutantList(t *testing.T) {
	m := NewMemory("s1", "")

	for _, p := range []string{"CO2", "NOx", "PM2.5", "CO", "THC", "SO2"} {
		m.Update("q", "a", []ToolCallRecord{{
			Name:      "query_emission_factors",
			Success:   true,
			Arguments: map[string]interface{}{"pollutant": p},
		}}, "", nil)
	}

	facts := m.FactMemory()
	// Newest first, capped at five.
	assert.Equal(t, []string{"SO2", "THC", "CO", "PM2.5", "NOx"}, facts.RecentPollutants)

	// Re-mentioning moves it to the front without duplicating.
	m.Update("q", "a", []ToolCallRecord{{
		Name:      "query_emission_factors",
		Success:   true,
		Arguments: map[string]interface{}{"pollutants": []interface{}{"NOx"}},
	}}, "", nil)
	assert.Equal(t, []string{"NOx", "SO2", "THC", "CO", "PM2.5"}, m.FactMemory().RecentPollutants)
}

func TestMemoryCorrectionDetection(t *testing.T) {
	m := NewMemory("s1", "")

	m.Update("查小汽车", "好的", []ToolCallRecord{{
		Name:      "query_emission_factors",
		Success:   true,
		Arguments: map[string]interface{}{"vehicle_type": "Passenger Car"},
	}}, "", nil)
	require.Equal(t, "Passenger Car", m.FactMemory().RecentVehicle)

	m.Update("不对，我说的是公交车", "明白了", nil, "", nil)
	assert.Equal(t, "公交车", m.FactMemory().RecentVehicle)
}

func TestMemoryCompression(t *testing.T) {
	m := NewMemory("s1", "")

	for i := 0; i < 11; i++ {
		m.Update(fmt.Sprintf("question %d", i), "answer", []ToolCallRecord{{
			Name:      "query_emission_factors",
			Success:   true,
			Arguments: map[string]interface{}{"model_year": i},
		}}, "", nil)
	}

	assert.Len(t, m.WorkingMemory(), maxWorkingMemoryTurns)
	assert.Contains(t, m.compressed, "- Called query_emission_factors")
}

func TestMemoryPersistence(t *testing.T) {
	dir := t.TempDir()

	m := NewMemory("s1", dir)
	m.Update("查小汽车CO2", "好的", []ToolCallRecord{{
		Name:    "query_emission_factors",
		Success: true,
		Arguments: map[string]interface{}{
			"vehicle_type": "Passenger Car",
			"pollutant":    "CO2",
		},
	}}, "/tmp/input.xlsx", map[string]interface{}{"task_type": "trajectory"})

	_, err := os.Stat(filepath.Join(dir, "memory", "s1.json"))
	require.NoError(t, err)

	loaded := NewMemory("s1", dir)
	facts := loaded.FactMemory()
	assert.Equal(t, "Passenger Car", facts.RecentVehicle)
	assert.Equal(t, "/tmp/input.xlsx", facts.ActiveFile)
	assert.Equal(t, "trajectory", facts.FileAnalysis["task_type"])
	assert.Len(t, loaded.WorkingMemory(), 1)

	// Sessions are isolated by id.
	other := NewMemory("s2", dir)
	assert.Empty(t, other.FactMemory().RecentVehicle)
}

func TestMemoryClearTopic(t *testing.T) {
	m := NewMemory("s1", "")
	m.Update("分析这个文件", "好的", nil, "/tmp/a.xlsx", nil)
	require.Equal(t, "/tmp/a.xlsx", m.FactMemory().ActiveFile)

	m.ClearTopic()
	assert.Empty(t, m.FactMemory().ActiveFile)
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 2020, toInt(2020))
	assert.Equal(t, 2020, toInt(int64(2020)))
	assert.Equal(t, 2020, toInt(float64(2020)))
	assert.Equal(t, 2020, toInt("2020"))
	assert.Equal(t, 0, toInt("soon"))
	assert.Equal(t, 0, toInt(nil))
}
