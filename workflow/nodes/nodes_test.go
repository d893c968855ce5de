package nodes

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/workflow"
)

// recorder captures emitted events in order.
type recorder struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (r *recorder) OnEvent(ctx context.Context, ev workflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []workflow.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// scriptedProvider returns canned responses, one per call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     []llm.Request
}

func (p *scriptedProvider) next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return ""
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp
}

func (p *scriptedProvider) record(req llm.Request) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.record(req)
	return p.next(), nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.record(req)
	resp := p.next()
	ch := make(chan llm.Chunk, len(resp)+1)
	for _, r := range resp {
		ch <- llm.Chunk{Delta: string(r)}
	}
	ch <- llm.Chunk{Done: true, Final: resp}
	close(ch)
	return ch, nil
}

func testRC(def *workflow.Node, pool *workflow.Pool, cb workflow.Callback, clients *Clients) *RunContext {
	if pool == nil {
		pool = workflow.NewPool()
	}
	if cb == nil {
		cb = workflow.NopCallback
	}
	if clients == nil {
		clients = &Clients{}
	}
	return &RunContext{
		SessionID:  "test-session",
		NodeID:     def.ID,
		UniqueID:   "u-1",
		Def:        def,
		Pool:       pool,
		Callback:   cb,
		Clients:    clients,
		Logger:     zap.NewNop(),
		BatchIndex: -1,
	}
}
