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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moveslab/emissia/pkg/llms"
)

func newTestAssembler() *Assembler {
	tools := []llms.ToolDefinition{{Name: "query_emission_factors"}}
	return NewAssembler("You are an emission assistant.", tools, nil)
}

func TestAssembleBasic(t *testing.T) {
	a := newTestAssembler()

	ctx := a.Assemble("你好", nil, Facts{}, nil)
	require.Len(t, ctx.Messages, 1)
	assert.Equal(t, "user", ctx.Messages[0].Role)
	assert.Equal(t, "你好", ctx.Messages[0].Content)
	assert.Equal(t, "You are an emission assistant.", ctx.SystemPrompt)
	require.Len(t, ctx.Tools, 1)
	assert.Greater(t, ctx.EstimatedTokens, toolDefinitionTokens)
}

func TestAssembleFactBlock(t *testing.T) {
	a := newTestAssembler()

	facts := Facts{
		RecentVehicle:    "Passenger Car",
		RecentPollutants: []string{"CO2", "NOx"},
		RecentYear:       2020,
		ActiveFile:       "/tmp/trip.xlsx",
	}
	ctx := a.Assemble("继续", nil, facts, nil)
	require.Len(t, ctx.Messages, 2)

	system := ctx.Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.True(t, strings.HasPrefix(system.Content, "[Context from previous conversations]\n"))
	assert.Contains(t, system.Content, "Recent vehicle type: Passenger Car")
	assert.Contains(t, system.Content, "Recent pollutants: CO2, NOx")
	assert.Contains(t, system.Content, "Recent model year: 2020")
	assert.Contains(t, system.Content, "Active file: /tmp/trip.xlsx")
}

func TestAssembleWorkingMemory(t *testing.T) {
	a := newTestAssembler()

	turns := []Turn{
		{User: "q1", Assistant: "a1"},
		{User: "q2", Assistant: "a2"},
		{User: "q3", Assistant: "a3"},
		{User: "q4", Assistant: "a4"},
	}
	ctx := a.Assemble("q5", turns, Facts{}, nil)

	// Only the last three turns survive, then the new user message.
	require.Len(t, ctx.Messages, 7)
	assert.Equal(t, "q2", ctx.Messages[0].Content)
	assert.Equal(t, "a4", ctx.Messages[5].Content)
	assert.Equal(t, "q5", ctx.Messages[6].Content)
}

func TestAssembleTruncatesLongAssistant(t *testing.T) {
	a := newTestAssembler()

	long := strings.Repeat("数", maxAssistantResponseChars+50)
	ctx := a.Assemble("next", []Turn{{User: "q", Assistant: long}}, Facts{}, nil)

	assistant := ctx.Messages[1].Content
	assert.True(t, strings.HasSuffix(assistant, "...(truncated)"))
	assert.Len(t, []rune(assistant), maxAssistantResponseChars+len([]rune("...(truncated)")))
}

func TestFormatWorkingMemoryBudget(t *testing.T) {
	a := newTestAssembler()

	turns := []Turn{
		{User: strings.Repeat("x", 2000), Assistant: strings.Repeat("y", 200)},
		{User: strings.Repeat("x", 2000), Assistant: strings.Repeat("y", 200)},
		{User: "latest question", Assistant: "latest answer"},
	}
	msgs := a.formatWorkingMemory(turns, 100, 3)

	// Over budget only the most recent turn is kept.
	require.Len(t, msgs, 2)
	assert.Equal(t, "latest question", msgs[0].Content)
	assert.Equal(t, "latest answer", msgs[1].Content)
}

func TestAssembleFileContext(t *testing.T) {
	a := newTestAssembler()

	fileContext := map[string]interface{}{
		"filename":  "trip.xlsx",
		"file_path": "/tmp/trip.xlsx",
		"task_type": "micro_emission",
		"row_count": 120,
		"columns":   []interface{}{"时间", "速度"},
		"sample_rows": []map[string]interface{}{
			{"时间": "0", "速度": "10"},
		},
	}
	ctx := a.Assemble("算一下排放", nil, Facts{}, fileContext)

	user := ctx.Messages[len(ctx.Messages)-1].Content
	assert.Contains(t, user, "Filename: trip.xlsx")
	assert.Contains(t, user, "task_type: micro_emission")
	assert.Contains(t, user, "Columns: 时间, 速度")
	assert.Contains(t, user, "Sample (first 2 rows):")
	assert.True(t, strings.HasSuffix(user, "算一下排放"))
}

func TestFormatFileContextFallsBackToDetectedType(t *testing.T) {
	out := formatFileContext(map[string]interface{}{
		"filename":      "links.csv",
		"detected_type": "links",
	})
	assert.Contains(t, out, "task_type: links")
}
