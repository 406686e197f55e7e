// Package retrieval queries a tenant's document partition for passages
// relevant to a user message.
package retrieval

import "context"

// Query is scoped to one tenant partition.
type Query struct {
	Partition   string `json:"partition"`
	Text        string `json:"query"`
	TopK        int    `json:"top_k"`
	Rerank      bool   `json:"rerank"`
	RecencyBias bool   `json:"recency_bias"`
}

// Chunk is one scored passage.
type Chunk struct {
	DocumentID       string         `json:"document_id"`
	DocumentName     string         `json:"document_name"`
	DocumentMetadata map[string]any `json:"document_metadata,omitempty"`
	Score            float64        `json:"score"`
	Text             string         `json:"text"`
}

type Result struct {
	ScoredChunks []Chunk `json:"scored_chunks"`
}

// Retriever is implemented by the hosted retrieval service client and by
// the local directory backend.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) (*Result, error)
}
