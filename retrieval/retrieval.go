// Package retrieval defines the knowledge-base search contract used by the
// rag node: independent keyword and vector retrievers, reciprocal-rank
// fusion of their result lists, optional reranking, and token-budget
// truncation of the fused context.
package retrieval

import (
	"context"
	"sort"

	"github.com/pkoukk/tiktoken-go"
)

// Document is one retrieved passage with its source metadata.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever returns the top-k passages for a query against one knowledge
// base. Implementations wrap a vector index or a keyword index.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

// KnowledgeSource resolves the retrievers backing a knowledge base id.
// Either retriever may be nil when the base has only one index.
type KnowledgeSource interface {
	Retrievers(ctx context.Context, knowledgeID string) (vector, keyword Retriever, err error)
}

// Reranker reorders fused candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Document, error)
}

// rrfK is the standard reciprocal-rank-fusion smoothing constant.
const rrfK = 60

// FuseRRF merges ranked lists with weighted reciprocal-rank fusion. A
// document appearing in several lists accumulates score from each; ties
// break on document id for a stable order.
func FuseRRF(lists [][]Document, weights []float64) []Document {
	scores := make(map[string]float64)
	byID := make(map[string]Document)
	for li, list := range lists {
		w := 1.0
		if li < len(weights) {
			w = weights[li]
		}
		for rank, doc := range list {
			scores[doc.ID] += w / float64(rrfK+rank+1)
			if _, seen := byID[doc.ID]; !seen {
				byID[doc.ID] = doc
			}
		}
	}
	fused := make([]Document, 0, len(byID))
	for id, doc := range byID {
		doc.Score = scores[id]
		fused = append(fused, doc)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// encodingName must be valid at init; cl100k_base ships with the tokenizer.
const encodingName = "cl100k_base"

// TruncateByBudget keeps the top documents whose combined token count fits
// the budget. A document that would overflow is dropped entirely, never
// split mid-passage.
func TruncateByBudget(docs []Document, budget int) ([]Document, error) {
	if budget <= 0 {
		return nil, nil
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	var kept []Document
	used := 0
	for _, doc := range docs {
		n := len(enc.Encode(doc.Content, nil, nil))
		if used+n > budget {
			break
		}
		used += n
		kept = append(kept, doc)
	}
	return kept, nil
}
