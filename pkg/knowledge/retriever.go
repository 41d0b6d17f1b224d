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

// Package knowledge implements the retrieval stack behind the
// query_knowledge tool: vector search over a Qdrant collection,
// reranking, and answer refinement.
package knowledge

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/moveslab/emissia/pkg/config"
	"github.com/moveslab/emissia/pkg/llms"
)

// Document is one retrieved knowledge chunk.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Retriever embeds a query and searches the vector collection.
type Retriever struct {
	client     *qdrant.Client
	embedder   *llms.Client
	collection string
	model      string
}

// NewRetriever connects to Qdrant and binds the embedding client.
func NewRetriever(cfg config.KnowledgeConfig, embedder *llms.Client) (*Retriever, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.QdrantHost,
		Port: cfg.QdrantPort,
	})
	if err != nil {
		return nil, fmt.Errorf("[Retriever:New] connect qdrant %s:%d: %w", cfg.QdrantHost, cfg.QdrantPort, err)
	}
	return &Retriever{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		model:      cfg.EmbeddingModel,
	}, nil
}

// Retrieve embeds the query and returns the topK nearest chunks.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	vector, err := r.embedder.Embed(ctx, r.model, query)
	if err != nil {
		return nil, fmt.Errorf("[Retriever:Retrieve] embed query: %w", err)
	}

	points, err := r.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: r.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("[Retriever:Retrieve] search %s: %w", r.collection, err)
	}

	docs := make([]Document, 0, len(points.Result))
	for _, point := range points.Result {
		docs = append(docs, Document{
			ID:       pointID(point.Id),
			Content:  payloadString(point.Payload, "content"),
			Score:    float64(point.Score),
			Source:   payloadString(point.Payload, "source"),
			Metadata: payloadMap(point.Payload),
		})
	}
	return docs, nil
}

// Close releases the gRPC connection.
func (r *Retriever) Close() error {
	return r.client.Close()
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadMap(payload map[string]*qdrant.Value) map[string]interface{} {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		switch v := value.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = v.BoolValue
		}
	}
	return out
}
