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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// VehicleType is one canonical vehicle with its recognized spellings.
type VehicleType struct {
	StandardName  string   `yaml:"standard_name"`
	DisplayNameZh string   `yaml:"display_name_zh"`
	Aliases       []string `yaml:"aliases"`
}

// Pollutant is one canonical pollutant with its recognized spellings.
type Pollutant struct {
	StandardName  string   `yaml:"standard_name"`
	DisplayNameZh string   `yaml:"display_name_zh"`
	Aliases       []string `yaml:"aliases"`
}

// ColumnField describes one logical column of an input file.
type ColumnField struct {
	Standard string   `yaml:"standard"`
	Patterns []string `yaml:"patterns"`
	Required bool     `yaml:"required"`
}

// Mappings is the unified standardization configuration.
type Mappings struct {
	VehicleTypes   []VehicleType                     `yaml:"vehicle_types"`
	Pollutants     []Pollutant                       `yaml:"pollutants"`
	Seasons        map[string]string                 `yaml:"seasons"`
	ColumnPatterns map[string]map[string]ColumnField `yaml:"column_patterns"`
}

// LoadMappings reads the unified mappings file.
func LoadMappings(path string) (*Mappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings %s: %w", path, err)
	}
	m := &Mappings{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse mappings %s: %w", path, err)
	}
	if len(m.VehicleTypes) == 0 || len(m.Pollutants) == 0 {
		return nil, fmt.Errorf("mappings %s: vehicle_types and pollutants must not be empty", path)
	}
	return m, nil
}

// MappingsStore holds the current mappings and supports hot reload.
type MappingsStore struct {
	path string

	mu      sync.RWMutex
	current *Mappings
}

// NewMappingsStore loads path and returns a store over it.
func NewMappingsStore(path string) (*MappingsStore, error) {
	m, err := LoadMappings(path)
	if err != nil {
		return nil, err
	}
	return &MappingsStore{path: path, current: m}, nil
}

// Get returns the current mappings.
func (s *MappingsStore) Get() *Mappings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch reloads the mappings whenever the file changes, until ctx is done.
// A reload that fails to parse keeps the previous mappings.
func (s *MappingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mappings watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file atomically.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("mappings watcher add: %w", err)
	}

	target := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m, err := LoadMappings(s.path)
			if err != nil {
				slog.Warn("mappings reload failed, keeping previous", "error", err)
				continue
			}
			s.mu.Lock()
			s.current = m
			s.mu.Unlock()
			slog.Info("mappings reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("mappings watcher error", "error", err)
		}
	}
}
