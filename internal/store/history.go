package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/flowrun/workflow/nodes"
)

const historyEncoding = "cl100k_base"

// History keeps the per-session conversation turns fed to llm nodes: a
// sliding window of the last maxTurns exchanges, further trimmed to a token
// budget so a few huge turns cannot blow the prompt.
type History struct {
	store    *Store
	maxTurns int
	budget   int
}

// NewHistory builds a history view over the session store. maxTurns <= 0
// disables the window; budget <= 0 disables token trimming.
func NewHistory(store *Store, maxTurns, budget int) *History {
	return &History{store: store, maxTurns: maxTurns, budget: budget}
}

// Append records one turn.
func (h *History) Append(ctx context.Context, sessionID string, turn nodes.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	pipe := h.store.redis.Pipeline()
	pipe.LPush(ctx, key(sessionID, "history"), data)
	if h.maxTurns > 0 {
		pipe.LTrim(ctx, key(sessionID, "history"), 0, int64(h.maxTurns-1))
	}
	pipe.Expire(ctx, key(sessionID, "history"), h.store.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Window returns the retained turns oldest-first, trimmed to the token
// budget from the newest end: old turns fall off first.
func (h *History) Window(ctx context.Context, sessionID string) ([]nodes.Turn, error) {
	raw, err := h.store.redis.LRange(ctx, key(sessionID, "history"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	// LPush order is newest-first.
	turns := make([]nodes.Turn, 0, len(raw))
	for _, item := range raw {
		var turn nodes.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if h.budget > 0 {
		turns, err = trimToBudget(turns, h.budget)
		if err != nil {
			return nil, err
		}
	}
	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// trimToBudget keeps newest-first turns while their cumulative token count
// fits the budget.
func trimToBudget(turns []nodes.Turn, budget int) ([]nodes.Turn, error) {
	enc, err := tiktoken.GetEncoding(historyEncoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	used := 0
	for i, turn := range turns {
		used += len(enc.Encode(turn.Content, nil, nil))
		if used > budget {
			return turns[:i], nil
		}
	}
	return turns, nil
}
