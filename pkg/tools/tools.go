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

// Package tools implements the callable tools exposed to the language
// model: emission factor queries, micro and macro emission calculation,
// file analysis and knowledge retrieval. Tools receive standardized
// arguments from the executor and return a uniform result envelope.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/moveslab/emissia/pkg/llms"
)

// Result is the uniform tool result envelope.
type Result struct {
	Success      bool                   `json:"success"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorType    string                 `json:"error_type,omitempty"`
	Suggestions  []string               `json:"suggestions,omitempty"`
	Summary      string                 `json:"summary,omitempty"`
	ChartData    map[string]interface{} `json:"chart_data,omitempty"`
	TableData    map[string]interface{} `json:"table_data,omitempty"`
	DownloadFile map[string]interface{} `json:"download_file,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Errorf builds a failed result.
func Errorf(format string, args ...interface{}) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{Success: false, Error: msg, Message: msg}
}

// Tool is one callable tool.
type Tool interface {
	Name() string
	Definition() llms.ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("[ToolRegistry:Register] tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions returns the function definitions of all tools.
func (r *Registry) Definitions() []llms.ToolDefinition {
	list := r.List()
	defs := make([]llms.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, t.Definition())
	}
	return defs
}

// decodeArgs maps loosely typed LLM arguments onto a parameter struct.
// Weak typing tolerates the model sending numbers as floats or strings.
func decodeArgs(args map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(args)
}

// toMap converts a typed result to the generic map shape the envelope
// carries, so downstream extraction can treat all tools alike.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
