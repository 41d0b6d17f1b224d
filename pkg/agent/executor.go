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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/moveslab/emissia/pkg/metrics"
	"github.com/moveslab/emissia/pkg/standardizer"
	"github.com/moveslab/emissia/pkg/tools"
)

// Executor runs tool calls with transparent argument standardization.
// The model passes the user's original vocabulary; the executor maps it
// onto canonical names before the tool ever sees it.
type Executor struct {
	registry *tools.Registry
	std      *standardizer.Standardizer
}

// NewExecutor creates an executor over a tool registry.
func NewExecutor(registry *tools.Registry, std *standardizer.Standardizer) *Executor {
	return &Executor{registry: registry, std: std}
}

// Execute standardizes the arguments, injects the active file when the
// model omitted it, and runs the tool. It never returns an error: every
// failure becomes a failed result envelope the loop can show the model.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, filePath string) *tools.Result {
	tool, ok := e.registry.Get(name)
	if !ok {
		return tools.Errorf("Unknown tool: %s", name)
	}

	slog.Info("executing tool", "tool", name, "args", args)

	standardized, failure := e.standardizeArguments(ctx, args)
	if failure != nil {
		slog.Error("standardization failed", "tool", name, "error", failure.Error)
		return failure
	}

	if filePath != "" {
		if _, present := standardized["file_path"]; !present {
			standardized["file_path"] = filePath
			slog.Info("auto-injected file_path", "tool", name, "file_path", filePath)
		}
	}

	start := time.Now()
	result := tool.Execute(ctx, standardized)
	if result == nil {
		result = tools.Errorf("Execution failed: tool %s returned no result", name)
	}
	metrics.ObserveTool(name, start, result.Success)
	if !result.Success {
		slog.Error("tool failed", "tool", name, "error", result.Error)
	}
	if result.Message == "" {
		if result.Error != "" {
			result.Message = result.Error
		} else {
			result.Message = result.Summary
		}
	}
	return result
}

// standardizeArguments maps user vocabulary onto canonical names. A
// vehicle or single pollutant that cannot be recognized fails the call
// with suggestions; unknown entries in a pollutant list pass through
// with a warning so one typo does not sink the whole query.
func (e *Executor) standardizeArguments(ctx context.Context, args map[string]interface{}) (map[string]interface{}, *tools.Result) {
	standardized := make(map[string]interface{}, len(args))

	for key, value := range args {
		switch key {
		case "vehicle_type":
			raw, _ := value.(string)
			if raw == "" {
				standardized[key] = value
				continue
			}
			std := e.std.StandardizeVehicle(ctx, raw)
			if std == "" {
				r := tools.Errorf("Cannot recognize vehicle type: '%s'", raw)
				r.ErrorType = "standardization"
				r.Suggestions = e.std.VehicleSuggestions()
				return nil, r
			}
			standardized[key] = std

		case "pollutant":
			raw, _ := value.(string)
			if raw == "" {
				standardized[key] = value
				continue
			}
			std := e.std.StandardizePollutant(ctx, raw)
			if std == "" {
				r := tools.Errorf("Cannot recognize pollutant: '%s'", raw)
				r.ErrorType = "standardization"
				r.Suggestions = e.std.PollutantSuggestions()
				return nil, r
			}
			standardized[key] = std

		case "pollutants":
			list, ok := value.([]interface{})
			if !ok {
				standardized[key] = value
				continue
			}
			stdList := make([]interface{}, 0, len(list))
			for _, item := range list {
				raw := fmt.Sprintf("%v", item)
				if std := e.std.StandardizePollutant(ctx, raw); std != "" {
					stdList = append(stdList, std)
				} else {
					stdList = append(stdList, item)
					slog.Warn("could not standardize pollutant", "input", raw)
				}
			}
			standardized[key] = stdList

		case "season":
			raw, _ := value.(string)
			if raw != "" {
				standardized[key] = e.std.StandardizeSeason(raw)
			} else {
				standardized[key] = value
			}

		default:
			standardized[key] = value
		}
	}

	return standardized, nil
}
