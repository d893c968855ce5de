package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/retrieval"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

const (
	defaultTopK         = 5
	defaultVectorWeight = 0.7
)

// RAG queries the keyword and vector indexes of a knowledge base, fuses the
// result lists, optionally reranks, and truncates to a character budget.
// Either index may be absent; an empty result is a normal output, not a
// failure.
type RAG struct {
	base
	clients *Clients
}

// NewRAG builds the rag node runner.
func NewRAG(clients *Clients, logger *zap.Logger) *RAG {
	return &RAG{base{kind: workflow.TypeRAG, logger: logger}, clients}
}

// Validate implements Runner.
func (n *RAG) Validate(def *workflow.Node) error {
	if def.StringParam("knowledge_id") == "" {
		return types.NewError(types.ErrValidation, "rag node requires a knowledge_id").WithNode(def.ID)
	}
	if def.StringParam("query") == "" {
		return types.NewError(types.ErrValidation, "rag node requires a query").WithNode(def.ID)
	}
	return nil
}

// Refs adds the references inside the query template.
func (n *RAG) Refs(def *workflow.Node) []string {
	return append(n.base.Refs(def), workflow.ExtractRefs(def.StringParam("query"))...)
}

// Run implements Runner.
func (n *RAG) Run(ctx context.Context, rc *RunContext) (Result, error) {
	query, missing := rc.Pool.Substitute(rc.Def.StringParam("query"))
	if len(missing) > 0 {
		return Result{}, types.NewError(types.ErrVariableUnresolved,
			"query references unresolved variables: "+strings.Join(missing, ", ")).WithNode(rc.NodeID)
	}

	vector, keyword, err := rc.Clients.Knowledge.Retrievers(ctx, rc.Def.StringParam("knowledge_id"))
	if err != nil {
		return Result{}, types.NewError(types.ErrExternalService, "resolve knowledge base").
			WithCause(err).WithNode(rc.NodeID)
	}

	topK := int(rc.Def.FloatParam("top_k"))
	if topK <= 0 {
		topK = defaultTopK
	}

	var lists [][]retrieval.Document
	var weights []float64
	vectorWeight := rc.Def.FloatParam("vector_weight")
	if vectorWeight == 0 {
		vectorWeight = defaultVectorWeight
	}
	if vector != nil {
		docs, err := vector.Retrieve(ctx, query, topK)
		if err != nil {
			return Result{}, types.NewError(types.ErrExternalService, "vector retrieve failed").
				WithCause(err).WithNode(rc.NodeID)
		}
		lists = append(lists, docs)
		weights = append(weights, vectorWeight)
	}
	if keyword != nil {
		docs, err := keyword.Retrieve(ctx, query, topK)
		if err != nil {
			return Result{}, types.NewError(types.ErrExternalService, "keyword retrieve failed").
				WithCause(err).WithNode(rc.NodeID)
		}
		lists = append(lists, docs)
		weights = append(weights, 1-vectorWeight)
	}

	fused := retrieval.FuseRRF(lists, weights)
	if rc.Def.BoolParam("rerank") && rc.Clients.Reranker != nil && len(fused) > 0 {
		fused, err = rc.Clients.Reranker.Rerank(ctx, query, fused)
		if err != nil {
			return Result{}, types.NewError(types.ErrExternalService, "rerank failed").
				WithCause(err).WithNode(rc.NodeID)
		}
	}
	if budget := int(rc.Def.FloatParam("max_tokens")); budget > 0 {
		fused, err = retrieval.TruncateByBudget(fused, budget)
		if err != nil {
			return Result{}, types.NewError(types.ErrNodeExecution, "token truncation failed").
				WithCause(err).WithNode(rc.NodeID)
		}
	}
	fused = truncateByChars(fused, int(rc.Def.FloatParam("max_chunk_size")))

	contents := make([]string, 0, len(fused))
	docs := make([]any, 0, len(fused))
	for _, d := range fused {
		contents = append(contents, d.Content)
		docs = append(docs, d)
	}
	return Outputs(map[string]any{
		"documents":        docs,
		"retrieved_result": strings.Join(contents, "\n\n"),
	}), nil
}

// truncateByChars keeps leading documents within a character budget. Zero
// budget means unlimited.
func truncateByChars(docs []retrieval.Document, budget int) []retrieval.Document {
	if budget <= 0 {
		return docs
	}
	used := 0
	for i, d := range docs {
		used += len(d.Content)
		if used > budget {
			return docs[:i]
		}
	}
	return docs
}
