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
	"strings"

	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/utils"
)

const (
	// maxContextTokens is a conservative budget for the assembled
	// context, leaving room for the completion.
	maxContextTokens = 6000

	// maxAssistantResponseChars truncates long assistant responses in
	// working memory to prevent pattern bias.
	maxAssistantResponseChars = 300

	// toolDefinitionTokens is a flat estimate for the tool schemas.
	toolDefinitionTokens = 400
)

// AssembledContext is everything a completion request needs.
type AssembledContext struct {
	SystemPrompt    string
	Tools           []llms.ToolDefinition
	Messages        []llms.Message
	EstimatedTokens int
}

// Assembler builds the LLM context under a token budget. It makes no
// decisions, it only assembles: core prompt, tool definitions, fact
// memory, working memory, file context, in that priority order.
type Assembler struct {
	systemPrompt string
	tools        []llms.ToolDefinition
	counter      *utils.TokenCounter
}

// NewAssembler creates an assembler with a fixed prompt and tool set.
func NewAssembler(systemPrompt string, tools []llms.ToolDefinition, counter *utils.TokenCounter) *Assembler {
	if counter == nil {
		counter = utils.NewTokenCounter("")
	}
	return &Assembler{systemPrompt: systemPrompt, tools: tools, counter: counter}
}

// Assemble builds the context for one user message. fileContext is the
// cached analysis of an uploaded file, nil when no file is active.
func (a *Assembler) Assemble(userMessage string, workingMemory []Turn, facts Facts, fileContext map[string]interface{}) *AssembledContext {
	used := a.counter.Count(a.systemPrompt) + toolDefinitionTokens

	var messages []llms.Message

	if factSummary := formatFactMemory(facts); factSummary != "" {
		messages = append(messages, llms.Message{
			Role:    "system",
			Content: "[Context from previous conversations]\n" + factSummary,
		})
		used += a.counter.Count(factSummary)
	}

	remaining := maxContextTokens - used - 500
	history := a.formatWorkingMemory(workingMemory, remaining, 3)
	messages = append(messages, history...)
	for _, msg := range history {
		used += a.counter.Count(msg.Content)
	}

	if fileContext != nil {
		userMessage = formatFileContext(fileContext) + "\n\n" + userMessage
	}
	messages = append(messages, llms.Message{Role: "user", Content: userMessage})
	used += a.counter.Count(userMessage)

	slog.Info("assembled context",
		"estimated_tokens", used,
		"messages", len(messages),
		"has_file", fileContext != nil,
		"working_memory_turns", len(workingMemory))

	return &AssembledContext{
		SystemPrompt:    a.systemPrompt,
		Tools:           a.tools,
		Messages:        messages,
		EstimatedTokens: used,
	}
}

func formatFactMemory(facts Facts) string {
	var lines []string
	if facts.RecentVehicle != "" {
		lines = append(lines, fmt.Sprintf("Recent vehicle type: %s", facts.RecentVehicle))
	}
	if len(facts.RecentPollutants) > 0 {
		lines = append(lines, fmt.Sprintf("Recent pollutants: %s", strings.Join(facts.RecentPollutants, ", ")))
	}
	if facts.RecentYear > 0 {
		lines = append(lines, fmt.Sprintf("Recent model year: %d", facts.RecentYear))
	}
	if facts.ActiveFile != "" {
		lines = append(lines, fmt.Sprintf("Active file: %s", facts.ActiveFile))
	}
	return strings.Join(lines, "\n")
}

// formatWorkingMemory keeps the last maxTurns complete turns,
// truncating long assistant responses. Over budget it drops to the
// most recent turn only.
func (a *Assembler) formatWorkingMemory(turns []Turn, maxTokens, maxTurns int) []llms.Message {
	if len(turns) == 0 {
		return nil
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	build := func(turns []Turn) ([]llms.Message, int) {
		var msgs []llms.Message
		total := 0
		for _, turn := range turns {
			assistant := turn.Assistant
			if len([]rune(assistant)) > maxAssistantResponseChars {
				assistant = string([]rune(assistant)[:maxAssistantResponseChars]) + "...(truncated)"
			}
			msgs = append(msgs,
				llms.Message{Role: "user", Content: turn.User},
				llms.Message{Role: "assistant", Content: assistant},
			)
			total += a.counter.Count(turn.User) + a.counter.Count(assistant)
		}
		return msgs, total
	}

	msgs, total := build(turns)
	if total > maxTokens && len(turns) > 1 {
		msgs, _ = build(turns[len(turns)-1:])
	}
	return msgs
}

// formatFileContext renders the cached file analysis for the model,
// with the detected task type stated prominently.
func formatFileContext(fileContext map[string]interface{}) string {
	lines := []string{
		fmt.Sprintf("Filename: %v", valueOr(fileContext, "filename", "unknown")),
		fmt.Sprintf("File path: %v", valueOr(fileContext, "file_path", "unknown")),
	}

	taskType := fileContext["task_type"]
	if taskType == nil || taskType == "" {
		taskType = valueOr(fileContext, "detected_type", "unknown")
	}
	lines = append(lines, fmt.Sprintf("task_type: %v", taskType))

	lines = append(lines, fmt.Sprintf("Rows: %v", valueOr(fileContext, "row_count", "unknown")))

	var columns []string
	switch cols := fileContext["columns"].(type) {
	case []string:
		columns = cols
	case []interface{}:
		for _, c := range cols {
			columns = append(columns, fmt.Sprintf("%v", c))
		}
	}
	lines = append(lines, fmt.Sprintf("Columns: %s", strings.Join(columns, ", ")))

	if samples, ok := fileContext["sample_rows"]; ok && samples != nil {
		if raw, err := json.Marshal(samples); err == nil {
			lines = append(lines, fmt.Sprintf("Sample (first 2 rows): %s", raw))
		}
	}

	return strings.Join(lines, "\n")
}

func valueOr(m map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := m[key]; ok && v != nil && v != "" {
		return v
	}
	return fallback
}
