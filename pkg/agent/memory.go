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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	maxWorkingMemoryTurns = 5
	maxRecentPollutants   = 5
	maxPersistedTurns     = 10
)

// Turn is one complete conversation exchange.
type Turn struct {
	User      string           `json:"user"`
	Assistant string           `json:"assistant"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ToolCallRecord summarizes one tool invocation within a turn.
type ToolCallRecord struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Success   bool                   `json:"success"`
}

// Facts is the structured fact layer: parameters the user already
// supplied, carried across turns so they never repeat themselves.
type Facts struct {
	RecentVehicle    string                 `json:"recent_vehicle,omitempty"`
	RecentPollutants []string               `json:"recent_pollutants,omitempty"`
	RecentYear       int                    `json:"recent_year,omitempty"`
	ActiveFile       string                 `json:"active_file,omitempty"`
	FileAnalysis     map[string]interface{} `json:"file_analysis,omitempty"`
}

// Memory is the three-layer conversation memory: a working window of
// recent turns, extracted facts, and a compressed trace of older tool
// activity. State persists as JSON under the sessions history dir.
type Memory struct {
	sessionID string
	dir       string

	mu         sync.Mutex
	turns      []Turn
	facts      Facts
	compressed string
}

type memoryFile struct {
	SessionID  string `json:"session_id"`
	Facts      Facts  `json:"fact_memory"`
	Compressed string `json:"compressed_memory,omitempty"`
	Turns      []Turn `json:"working_memory"`
}

// NewMemory creates a memory for one session, loading any persisted
// state. dir is the sessions history directory; empty disables
// persistence.
func NewMemory(sessionID, dir string) *Memory {
	m := &Memory{sessionID: sessionID, dir: dir}
	m.load()
	return m
}

// WorkingMemory returns the recent turns, oldest first.
func (m *Memory) WorkingMemory() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if len(m.turns) > maxWorkingMemoryTurns {
		start = len(m.turns) - maxWorkingMemoryTurns
	}
	return append([]Turn(nil), m.turns[start:]...)
}

// FactMemory returns a copy of the fact layer.
func (m *Memory) FactMemory() Facts {
	m.mu.Lock()
	defer m.mu.Unlock()
	facts := m.facts
	facts.RecentPollutants = append([]string(nil), m.facts.RecentPollutants...)
	return facts
}

// Update records a completed conversation turn: working memory, fact
// extraction from successful tool calls, correction detection, then
// compression and persistence.
func (m *Memory) Update(userMessage, assistantResponse string, toolCalls []ToolCallRecord, filePath string, fileAnalysis map[string]interface{}) {
	m.mu.Lock()

	m.turns = append(m.turns, Turn{
		User:      userMessage,
		Assistant: assistantResponse,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
	})

	for _, call := range toolCalls {
		m.extractFactsLocked(call)
	}

	if filePath != "" {
		m.facts.ActiveFile = filePath
		if fileAnalysis != nil {
			m.facts.FileAnalysis = fileAnalysis
		}
	}

	m.detectCorrectionLocked(userMessage)

	if len(m.turns) > maxWorkingMemoryTurns*2 {
		m.compressLocked()
	}

	m.mu.Unlock()
	m.save()
}

// ClearTopic forgets the active file when the conversation moves on.
func (m *Memory) ClearTopic() {
	m.mu.Lock()
	m.facts.ActiveFile = ""
	m.mu.Unlock()
	m.save()
}

// extractFactsLocked pulls parameters out of a successful tool call.
// Failed calls prove nothing about the parameters and are skipped.
func (m *Memory) extractFactsLocked(call ToolCallRecord) {
	if !call.Success {
		return
	}
	args := call.Arguments

	if v, ok := args["vehicle_type"].(string); ok && v != "" {
		m.facts.RecentVehicle = v
	}
	if v, ok := args["pollutant"].(string); ok && v != "" {
		m.rememberPollutantLocked(v)
	}
	if list, ok := args["pollutants"].([]interface{}); ok {
		for _, item := range list {
			if p, ok := item.(string); ok && p != "" {
				m.rememberPollutantLocked(p)
			}
		}
	}
	if v, ok := args["model_year"]; ok {
		if year := toInt(v); year > 0 {
			m.facts.RecentYear = year
		}
	}
}

// rememberPollutantLocked inserts at the front, deduplicated, capped.
func (m *Memory) rememberPollutantLocked(p string) {
	out := []string{p}
	for _, existing := range m.facts.RecentPollutants {
		if existing != p {
			out = append(out, existing)
		}
	}
	if len(out) > maxRecentPollutants {
		out = out[:maxRecentPollutants]
	}
	m.facts.RecentPollutants = out
}

var (
	correctionPhrases = []string{"不对", "不是", "应该是", "我说的是", "换成", "改成"}
	vehicleKeywords   = []string{"小汽车", "公交车", "货车", "轿车", "客车"}
)

// detectCorrectionLocked handles "不对，我说的是公交车" style messages
// by overwriting the remembered vehicle.
func (m *Memory) detectCorrectionLocked(message string) {
	corrected := false
	for _, phrase := range correctionPhrases {
		if strings.Contains(message, phrase) {
			corrected = true
			break
		}
	}
	if !corrected {
		return
	}
	for _, keyword := range vehicleKeywords {
		if strings.Contains(message, keyword) {
			m.facts.RecentVehicle = keyword
			slog.Info("detected correction", "vehicle", keyword)
			return
		}
	}
}

// compressLocked folds old turns into one-line tool call summaries.
func (m *Memory) compressLocked() {
	old := m.turns[:len(m.turns)-maxWorkingMemoryTurns]

	var lines []string
	if m.compressed != "" {
		lines = append(lines, m.compressed)
	}
	for _, turn := range old {
		for _, call := range turn.ToolCalls {
			lines = append(lines, fmt.Sprintf("- Called %s with %v", call.Name, call.Arguments))
		}
	}
	m.compressed = strings.Join(lines, "\n")
	m.turns = append([]Turn(nil), m.turns[len(m.turns)-maxWorkingMemoryTurns:]...)
	slog.Info("compressed memory", "kept_turns", len(m.turns))
}

func (m *Memory) path() string {
	return filepath.Join(m.dir, "memory", m.sessionID+".json")
}

func (m *Memory) save() {
	if m.dir == "" {
		return
	}

	m.mu.Lock()
	turns := m.turns
	if len(turns) > maxPersistedTurns {
		turns = turns[len(turns)-maxPersistedTurns:]
	}
	data := memoryFile{
		SessionID:  m.sessionID,
		Facts:      m.facts,
		Compressed: m.compressed,
		Turns:      append([]Turn(nil), turns...),
	}
	m.mu.Unlock()

	path := m.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("failed to create memory dir", "error", err)
		return
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("failed to marshal memory", "error", err)
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Error("failed to save memory", "error", err)
	}
}

func (m *Memory) load() {
	if m.dir == "" {
		return
	}
	raw, err := os.ReadFile(m.path())
	if err != nil {
		return
	}
	var data memoryFile
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("failed to load memory", "session", m.sessionID, "error", err)
		return
	}
	m.turns = data.Turns
	m.facts = data.Facts
	m.compressed = data.Compressed
	slog.Info("loaded memory", "session", m.sessionID, "turns", len(m.turns))
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var year int
		if _, err := fmt.Sscanf(n, "%d", &year); err == nil {
			return year
		}
	}
	return 0
}
