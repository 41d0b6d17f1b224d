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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankNone(t *testing.T) {
	r := NewReranker("none", "", "", "", 2)

	docs := []Document{
		{Content: "first", Score: 0.1},
		{Content: "second", Score: 0.9},
		{Content: "third", Score: 0.5},
	}
	out := r.Rerank(context.Background(), "query", docs)

	// "none" truncates without reordering.
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Content)
	assert.Equal(t, "second", out[1].Content)
}

func TestRerankLocal(t *testing.T) {
	r := NewReranker("local", "", "", "", 5)

	docs := []Document{
		{Content: "与排放无关的内容", Score: 0.5},
		{Content: "汽车 尾气排放 标准介绍", Score: 0.5},
	}
	out := r.Rerank(context.Background(), "尾气排放 标准", docs)

	// Equal vector scores: keyword overlap decides.
	require.Len(t, out, 2)
	assert.Equal(t, "汽车 尾气排放 标准介绍", out[0].Content)
	assert.Greater(t, out[0].Score, out[1].Score)
}

func TestRerankEmpty(t *testing.T) {
	r := NewReranker("api", "", "", "", 5)
	assert.Empty(t, r.Rerank(context.Background(), "query", nil))
}

func TestRerankAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))

		var parsed rerankRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&parsed))
		assert.Equal(t, "gte-rerank-v2", parsed.Model)
		assert.Len(t, parsed.Input.Documents, 2)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"output": map[string]interface{}{
				"results": []map[string]interface{}{
					{"index": 1, "relevance_score": 0.95},
					{"index": 0, "relevance_score": 0.20},
				},
			},
		})
	}))
	defer srv.Close()

	r := NewReranker("api", "gte-rerank-v2", srv.URL, "test-key", 5)
	docs := []Document{
		{Content: "low relevance", Score: 0.8},
		{Content: "high relevance", Score: 0.3},
	}
	out := r.Rerank(context.Background(), "query", docs)

	require.Len(t, out, 2)
	assert.Equal(t, "high relevance", out[0].Content)
	assert.Equal(t, 0.95, out[0].Score)
}

func TestRerankAPIFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewReranker("api", "gte-rerank-v2", srv.URL, "", 1)
	docs := []Document{
		{Content: "something else", Score: 0.2},
		{Content: "matching document", Score: 0.9},
	}
	out := r.Rerank(context.Background(), "matching", docs)

	require.Len(t, out, 1)
	assert.Equal(t, "matching document", out[0].Content)
}

func TestKeywords(t *testing.T) {
	words := keywords("尾气排放 的 标准, a emission limits")
	assert.Equal(t, []string{"尾气排放", "标准", "emission", "limits"}, words)
}

func TestKeywordOverlap(t *testing.T) {
	assert.Equal(t, 0.0, keywordOverlap(nil, "anything"))
	assert.Equal(t, 1.0, keywordOverlap([]string{"Emission"}, "vehicle emission data"))
	assert.Equal(t, 0.5, keywordOverlap([]string{"排放", "噪声"}, "排放标准"))
}
