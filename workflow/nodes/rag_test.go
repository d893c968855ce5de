package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/retrieval"
	"github.com/BaSui01/flowrun/workflow"
)

type fixedRetriever struct {
	docs []retrieval.Document
}

func (f *fixedRetriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Document, error) {
	return f.docs, nil
}

type fixedSource struct {
	vector, keyword retrieval.Retriever
}

func (f *fixedSource) Retrievers(ctx context.Context, knowledgeID string) (retrieval.Retriever, retrieval.Retriever, error) {
	return f.vector, f.keyword, nil
}

func ragNode(extra map[string]any) *workflow.Node {
	params := map[string]any{
		"knowledge_id": "kb-1",
		"query":        "about {start.topic}",
	}
	for k, v := range extra {
		params[k] = v
	}
	return &workflow.Node{ID: "rag", Type: workflow.TypeRAG, Params: params}
}

func TestRAGFusesBothIndexes(t *testing.T) {
	clients := &Clients{Knowledge: &fixedSource{
		vector: &fixedRetriever{docs: []retrieval.Document{
			{ID: "d1", Content: "vector one"},
			{ID: "d2", Content: "shared"},
		}},
		keyword: &fixedRetriever{docs: []retrieval.Document{
			{ID: "d2", Content: "shared"},
			{ID: "d3", Content: "keyword one"},
		}},
	}}
	pool := workflow.NewPool()
	pool.Set("start", "topic", "fusion")
	node := ragNode(nil)
	runner := NewRAG(clients, zap.NewNop())
	require.NoError(t, runner.Validate(node))

	result, err := runner.Run(context.Background(), testRC(node, pool, nil, clients))
	require.NoError(t, err)

	docs := result.Outputs["documents"].([]any)
	require.Len(t, docs, 3)
	// d2 appears in both lists so fusion ranks it first.
	assert.Equal(t, "d2", docs[0].(retrieval.Document).ID)
	assert.Contains(t, result.Outputs["retrieved_result"].(string), "shared")
}

func TestRAGEmptyResultIsNormalOutput(t *testing.T) {
	clients := &Clients{Knowledge: &fixedSource{}}
	pool := workflow.NewPool()
	pool.Set("start", "topic", "void")

	result, err := NewRAG(clients, zap.NewNop()).Run(context.Background(), testRC(ragNode(nil), pool, nil, clients))
	require.NoError(t, err)
	assert.Empty(t, result.Outputs["documents"])
	assert.Equal(t, "", result.Outputs["retrieved_result"])
}

func TestRAGCharBudget(t *testing.T) {
	clients := &Clients{Knowledge: &fixedSource{
		vector: &fixedRetriever{docs: []retrieval.Document{
			{ID: "d1", Content: "0123456789"},
			{ID: "d2", Content: "0123456789"},
		}},
	}}
	pool := workflow.NewPool()
	pool.Set("start", "topic", "budget")
	node := ragNode(map[string]any{"max_chunk_size": float64(15)})

	result, err := NewRAG(clients, zap.NewNop()).Run(context.Background(), testRC(node, pool, nil, clients))
	require.NoError(t, err)
	assert.Len(t, result.Outputs["documents"], 1)
}

func TestFuseRRFWeights(t *testing.T) {
	heavy := []retrieval.Document{{ID: "a"}, {ID: "b"}}
	light := []retrieval.Document{{ID: "b"}, {ID: "c"}}
	fused := retrieval.FuseRRF([][]retrieval.Document{heavy, light}, []float64{1.0, 0.1})
	require.Len(t, fused, 3)
	// b accumulates score from both lists and outranks a.
	assert.Equal(t, "b", fused[0].ID)
	assert.Equal(t, "a", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
}
