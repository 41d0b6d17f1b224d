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

package tools

import (
	"context"

	"github.com/moveslab/emissia/pkg/knowledge"
	"github.com/moveslab/emissia/pkg/llms"
)

// KnowledgeTool answers domain questions from the knowledge base.
type KnowledgeTool struct {
	service *knowledge.Service
	topK    int
}

// NewKnowledgeTool creates the knowledge query tool.
func NewKnowledgeTool(service *knowledge.Service, topK int) *KnowledgeTool {
	if topK <= 0 {
		topK = 5
	}
	return &KnowledgeTool{service: service, topK: topK}
}

func (t *KnowledgeTool) Name() string { return "query_knowledge" }

func (t *KnowledgeTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name: t.Name(),
		Description: `Query the emission domain knowledge base.

Use this when:
- User asks conceptual questions (what is VSP, what does OpMode mean)
- User asks about the MOVES model, emission standards or policy
- User asks how the calculation methodology works

Output: A refined answer with numbered source references`,
		Parameters: schemaFor(&knowledgeParams{}),
	}
}

type knowledgeParams struct {
	Query string `json:"query" jsonschema:"description=The question to look up in the user's own words"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=Number of knowledge chunks to retrieve (default 5)"`
}

func (t *KnowledgeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var p knowledgeParams
	if err := decodeArgs(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if p.Query == "" {
		return Errorf("Missing required parameter: query")
	}
	if p.TopK <= 0 {
		p.TopK = t.topK
	}

	answer, err := t.service.Query(ctx, p.Query, p.TopK)
	if err != nil {
		return Errorf("Knowledge query failed: %v", err)
	}

	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"query":   answer.Query,
			"results": toMap(answer)["results"],
			"answer":  answer.Text,
			"sources": answer.Sources,
		},
		Summary: answer.Text,
	}
}
