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

// Package standardizer normalizes user vocabulary (vehicle types,
// pollutants, file column names) onto the canonical names the
// calculators understand. Configuration table first, optional local
// model second, fail gracefully. All of it is invisible to the LLM.
package standardizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/moveslab/emissia/pkg/config"
)

const (
	vehicleFuzzyThreshold   = 70
	pollutantFuzzyThreshold = 80
	localModelMinConfidence = 0.9
)

// LocalModel is an optional fine-tuned standardization model.
type LocalModel interface {
	StandardizeVehicle(ctx context.Context, raw string) (name string, confidence float64, err error)
	StandardizePollutant(ctx context.Context, raw string) (name string, confidence float64, err error)
}

// Standardizer resolves raw inputs against the mappings configuration.
type Standardizer struct {
	store *config.MappingsStore
	local LocalModel

	mu       sync.Mutex
	builtFor *config.Mappings
	tables   *lookupTables
}

type lookupTables struct {
	vehicles   map[string]*config.VehicleType
	pollutants map[string]*config.Pollutant
}

// New creates a standardizer over a mappings store. local may be nil.
func New(store *config.MappingsStore, local LocalModel) *Standardizer {
	return &Standardizer{store: store, local: local}
}

// lookup returns the tables for the current mappings, rebuilding them
// after a hot reload.
func (s *Standardizer) lookup() *lookupTables {
	m := s.store.Get()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.builtFor == m && s.tables != nil {
		return s.tables
	}

	t := &lookupTables{
		vehicles:   make(map[string]*config.VehicleType),
		pollutants: make(map[string]*config.Pollutant),
	}
	for i := range m.VehicleTypes {
		v := &m.VehicleTypes[i]
		t.vehicles[strings.ToLower(v.StandardName)] = v
		t.vehicles[v.DisplayNameZh] = v
		for _, alias := range v.Aliases {
			t.vehicles[strings.ToLower(alias)] = v
		}
	}
	for i := range m.Pollutants {
		p := &m.Pollutants[i]
		t.pollutants[strings.ToLower(p.StandardName)] = p
		t.pollutants[p.DisplayNameZh] = p
		for _, alias := range p.Aliases {
			t.pollutants[strings.ToLower(alias)] = p
		}
	}

	s.builtFor = m
	s.tables = t
	slog.Debug("built standardizer lookup tables",
		"vehicles", len(t.vehicles), "pollutants", len(t.pollutants))
	return t
}

// fuzzyRatio is a 0-100 similarity score based on edit distance.
func fuzzyRatio(a, b string) int {
	if a == b {
		return 100
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (longest - dist) * 100 / longest
}

// LookupVehicle resolves a raw vehicle expression against the tables
// only, no model fallback and no warning on a miss. Used for header
// detection where most inputs are not vehicles at all.
func (s *Standardizer) LookupVehicle(raw string) string {
	if raw == "" {
		return ""
	}
	t := s.lookup()
	rawLower := strings.ToLower(strings.TrimSpace(raw))

	if v, ok := t.vehicles[rawLower]; ok {
		return v.StandardName
	}

	var best *config.VehicleType
	bestScore := 0
	for key, v := range t.vehicles {
		score := fuzzyRatio(rawLower, strings.ToLower(key))
		if score > bestScore && score >= vehicleFuzzyThreshold {
			bestScore = score
			best = v
		}
	}
	if best != nil {
		slog.Debug("vehicle fuzzy match", "input", raw, "result", best.StandardName, "score", bestScore)
		return best.StandardName
	}
	return ""
}

// StandardizeVehicle resolves a raw vehicle expression to its standard
// name. Returns "" when the input cannot be recognized.
func (s *Standardizer) StandardizeVehicle(ctx context.Context, raw string) string {
	if raw == "" {
		return ""
	}
	if name := s.LookupVehicle(raw); name != "" {
		return name
	}

	if s.local != nil {
		name, confidence, err := s.local.StandardizeVehicle(ctx, raw)
		if err != nil {
			slog.Warn("local model failed for vehicle", "input", raw, "error", err)
		} else if name != "" && confidence > localModelMinConfidence {
			slog.Info("vehicle local model match", "input", raw, "result", name, "confidence", confidence)
			return name
		}
	}

	slog.Warn("cannot standardize vehicle", "input", raw)
	return ""
}

// StandardizePollutant resolves a raw pollutant expression to its
// standard name. Returns "" when the input cannot be recognized.
func (s *Standardizer) StandardizePollutant(ctx context.Context, raw string) string {
	if raw == "" {
		return ""
	}
	t := s.lookup()
	rawLower := strings.ToLower(strings.TrimSpace(raw))

	if p, ok := t.pollutants[rawLower]; ok {
		return p.StandardName
	}

	// Stricter threshold than vehicles: pollutant names are short.
	var best *config.Pollutant
	bestScore := 0
	for key, p := range t.pollutants {
		score := fuzzyRatio(rawLower, strings.ToLower(key))
		if score > bestScore && score >= pollutantFuzzyThreshold {
			bestScore = score
			best = p
		}
	}
	if best != nil {
		slog.Debug("pollutant fuzzy match", "input", raw, "result", best.StandardName, "score", bestScore)
		return best.StandardName
	}

	if s.local != nil {
		name, confidence, err := s.local.StandardizePollutant(ctx, raw)
		if err != nil {
			slog.Warn("local model failed for pollutant", "input", raw, "error", err)
		} else if name != "" && confidence > localModelMinConfidence {
			return name
		}
	}

	slog.Warn("cannot standardize pollutant", "input", raw)
	return ""
}

// VehicleSuggestions returns the most common vehicle types for user
// selection, formatted as "中文名 (Standard Name)".
func (s *Standardizer) VehicleSuggestions() []string {
	m := s.store.Get()
	common := []string{
		"Passenger Car",
		"Transit Bus",
		"Light Commercial Truck",
		"Combination Long-haul Truck",
		"Passenger Truck",
		"Intercity Bus",
	}

	var suggestions []string
	for _, std := range common {
		for _, v := range m.VehicleTypes {
			if v.StandardName == std {
				suggestions = append(suggestions, fmt.Sprintf("%s (%s)", v.DisplayNameZh, std))
				break
			}
		}
	}
	return suggestions
}

// PollutantSuggestions returns all standard pollutant names.
func (s *Standardizer) PollutantSuggestions() []string {
	m := s.store.Get()
	names := make([]string, 0, len(m.Pollutants))
	for _, p := range m.Pollutants {
		names = append(names, p.StandardName)
	}
	return names
}

// StandardizeSeason normalizes a season expression ("夏", "summer") to
// the canonical form. Unrecognized input passes through unchanged.
func (s *Standardizer) StandardizeSeason(raw string) string {
	if raw == "" {
		return raw
	}
	m := s.store.Get()
	key := strings.ToLower(strings.TrimSpace(raw))
	if std, ok := m.Seasons[key]; ok {
		return std
	}
	return raw
}
