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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Chinese function words excluded from keyword overlap scoring.
var rerankStopwords = map[string]struct{}{
	"的": {}, "了": {}, "是": {}, "在": {}, "有": {}, "和": {}, "与": {},
	"或": {}, "等": {}, "及": {}, "以": {}, "为": {}, "对": {}, "从": {}, "到": {},
}

// Reranker reorders retrieved documents by relevance to the query.
// Mode "api" calls an external rerank endpoint and falls back to the
// local keyword reranker on failure; "none" truncates to topN as-is.
type Reranker struct {
	mode   string
	model  string
	url    string
	apiKey string
	topN   int
	client *http.Client
}

// NewReranker builds a reranker from the knowledge configuration.
func NewReranker(mode, model, url, apiKey string, topN int) *Reranker {
	return &Reranker{
		mode:   mode,
		model:  model,
		url:    url,
		apiKey: apiKey,
		topN:   topN,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Rerank returns the topN most relevant documents for the query.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []Document) []Document {
	if len(docs) == 0 {
		return docs
	}
	switch r.mode {
	case "api":
		ranked, err := r.rerankAPI(ctx, query, docs)
		if err != nil {
			slog.Warn("rerank API failed, using local reranker", "error", err)
			return r.rerankLocal(query, docs)
		}
		return ranked
	case "none":
		return r.truncate(docs)
	default:
		return r.rerankLocal(query, docs)
	}
}

type rerankRequest struct {
	Model      string                 `json:"model"`
	Input      rerankInput            `json:"input"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type rerankInput struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Output struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	} `json:"output"`
}

func (r *Reranker) rerankAPI(ctx context.Context, query string, docs []Document) ([]Document, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	body, err := json.Marshal(rerankRequest{
		Model: r.model,
		Input: rerankInput{Query: query, Documents: texts},
		Parameters: map[string]interface{}{
			"top_n":            r.topN,
			"return_documents": false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse rerank response: %w", err)
	}
	if len(parsed.Output.Results) == 0 {
		return nil, fmt.Errorf("rerank API returned no results")
	}

	ranked := make([]Document, 0, len(parsed.Output.Results))
	for _, res := range parsed.Output.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		doc := docs[res.Index]
		doc.Score = res.RelevanceScore
		ranked = append(ranked, doc)
	}
	return r.truncate(ranked), nil
}

// rerankLocal blends the vector score with keyword overlap between the
// query and the document content.
func (r *Reranker) rerankLocal(query string, docs []Document) []Document {
	queryWords := keywords(query)

	ranked := make([]Document, len(docs))
	copy(ranked, docs)
	for i := range ranked {
		overlap := keywordOverlap(queryWords, ranked[i].Content)
		ranked[i].Score = 0.6*ranked[i].Score + 0.4*overlap
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return r.truncate(ranked)
}

func (r *Reranker) truncate(docs []Document) []Document {
	if r.topN > 0 && len(docs) > r.topN {
		return docs[:r.topN]
	}
	return docs
}

func keywords(text string) []string {
	fields := strings.FieldsFunc(text, func(c rune) bool {
		return c == ' ' || c == '，' || c == '。' || c == '、' || c == ',' || c == '.' || c == '?' || c == '？' || c == '!' || c == '！'
	})
	var words []string
	for _, f := range fields {
		if len([]rune(f)) <= 1 {
			continue
		}
		if _, stop := rerankStopwords[f]; stop {
			continue
		}
		words = append(words, f)
	}
	return words
}

func keywordOverlap(queryWords []string, content string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, w := range queryWords {
		if strings.Contains(lower, strings.ToLower(w)) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}
