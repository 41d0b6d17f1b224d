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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts holds the prompt templates used by the conversation loop.
type Prompts struct {
	SystemPrompt    string `yaml:"system_prompt"`
	SynthesisPrompt string `yaml:"synthesis_prompt"`
	RefinerPrompt   string `yaml:"refiner_prompt"`
}

// LoadPrompts reads the prompt templates file.
func LoadPrompts(path string) (*Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts %s: %w", path, err)
	}
	p := &Prompts{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("prompts %s: system_prompt is required", path)
	}
	return p, nil
}
