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

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moveslab/emissia/pkg/llms"
)

// Answer is the refined response for a knowledge query.
type Answer struct {
	Query   string     `json:"query"`
	Text    string     `json:"answer"`
	Results []Document `json:"results"`
	Sources []string   `json:"sources"`
}

// Service wires retrieval, reranking and refinement into one query path.
type Service struct {
	retriever     *Retriever
	reranker      *Reranker
	refiner       *llms.Client
	refinerPrompt string
}

// NewService assembles the knowledge query pipeline. refiner may be
// nil, in which case answers fall back to extractive bullets.
func NewService(retriever *Retriever, reranker *Reranker, refiner *llms.Client, refinerPrompt string) *Service {
	return &Service{
		retriever:     retriever,
		reranker:      reranker,
		refiner:       refiner,
		refinerPrompt: refinerPrompt,
	}
}

// Query retrieves, reranks and refines an answer for the query.
func (s *Service) Query(ctx context.Context, query string, topK int) (*Answer, error) {
	docs, err := s.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	docs = s.reranker.Rerank(ctx, query, docs)

	answer := &Answer{Query: query, Results: docs}
	if len(docs) == 0 {
		answer.Text = "未找到相关知识，请尝试其他问法。"
		return answer, nil
	}

	answer.Text = s.refine(ctx, query, docs)
	answer.Sources = collectSources(docs)
	if len(answer.Sources) > 0 {
		var refs []string
		for i, src := range answer.Sources {
			refs = append(refs, fmt.Sprintf("%d. %s", i+1, src))
		}
		answer.Text += "\n\n**参考文档**：\n" + strings.Join(refs, "\n")
	}
	return answer, nil
}

// refine asks the refiner model to compose an answer from the top
// results; a failure degrades to extractive bullets.
func (s *Service) refine(ctx context.Context, query string, docs []Document) string {
	top := docs
	if len(top) > 3 {
		top = top[:3]
	}

	if s.refiner != nil && s.refinerPrompt != "" {
		var chunks []string
		for i, doc := range top {
			chunks = append(chunks, fmt.Sprintf("[来源%d]\n%s", i+1, doc.Content))
		}
		prompt := strings.ReplaceAll(s.refinerPrompt, "{query}", query)
		prompt = strings.ReplaceAll(prompt, "{context}", strings.Join(chunks, "\n\n"))

		resp, err := s.refiner.Chat(ctx, []llms.Message{{Role: "user", Content: prompt}}, "", nil)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil {
			slog.Warn("knowledge refiner failed, using extractive answer", "error", err)
		}
	}

	lines := []string{fmt.Sprintf("检索到%d条相关信息：", len(docs))}
	for _, doc := range top {
		content := []rune(strings.TrimSpace(doc.Content))
		if len(content) > 100 {
			content = content[:100]
		}
		lines = append(lines, fmt.Sprintf("- %s", string(content)))
	}
	return strings.Join(lines, "\n")
}

// collectSources deduplicates source names, normalizing whitespace.
func collectSources(docs []Document) []string {
	seen := make(map[string]struct{})
	var sources []string
	for _, doc := range docs {
		name := strings.Join(strings.Fields(doc.Source), " ")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, name)
	}
	return sources
}
