package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("start.answer")
	require.NoError(t, err)
	assert.Equal(t, "start", ref.NodeID)
	assert.Equal(t, "answer", ref.Key)
	assert.Nil(t, ref.Index)

	ref, err = ParseRef("llm.items#2")
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Index)

	ref, err = ParseRef("llm.items#name")
	require.NoError(t, err)
	assert.Equal(t, "name", ref.Index)

	_, err = ParseRef("noseparator")
	assert.Error(t, err)
	_, err = ParseRef(`"a.b"`)
	assert.Error(t, err)
	_, err = ParseRef("a b.c")
	assert.Error(t, err)
}

func TestPoolResolve(t *testing.T) {
	pool := NewPool()
	pool.Set("start", "answer", "hello")
	pool.Set("rag", "docs", []any{"a", "b", "c"})
	pool.Set("tool", "result", map[string]any{"status": float64(200)})

	v, ok := pool.ResolveString("start.answer")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	v, ok = pool.ResolveString("rag.docs#1")
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = pool.ResolveString("tool.result#status")
	require.True(t, ok)
	assert.Equal(t, float64(200), v)

	_, ok = pool.ResolveString("rag.docs#9")
	assert.False(t, ok)
	_, ok = pool.ResolveString("missing.key")
	assert.False(t, ok)
}

func TestPoolSubstitute(t *testing.T) {
	pool := NewPool()
	pool.Set("input", "answer", "hello")

	out, missing := pool.Substitute("echo {input.answer}")
	assert.Equal(t, "echo hello", out)
	assert.Empty(t, missing)

	out, missing = pool.Substitute("echo {nope.answer}")
	assert.Equal(t, "echo {nope.answer}", out)
	assert.Equal(t, []string{"nope.answer"}, missing)
}

func TestPoolSubstituteKeepsLiteralBraces(t *testing.T) {
	pool := NewPool()
	pool.Set("input", "answer", "hello")

	out, missing := pool.Substitute(`reply with JSON like {"x": 1} for {input.answer}`)
	assert.Equal(t, `reply with JSON like {"x": 1} for hello`, out)
	assert.Empty(t, missing)

	out, missing = pool.Substitute("set {} and {not a ref}")
	assert.Equal(t, "set {} and {not a ref}", out)
	assert.Empty(t, missing)

	// A quoted JSON key with a dot is not a reference either.
	out, missing = pool.Substitute(`{"a.b": 1}`)
	assert.Equal(t, `{"a.b": 1}`, out)
	assert.Empty(t, missing)
}

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs("answer {a.x} with {b.y#0} and {not a ref}")
	assert.Equal(t, []string{"a.x", "b.y#0"}, refs)
	assert.Empty(t, ExtractRefs("plain text"))
}

func TestPoolSnapshotRestore(t *testing.T) {
	pool := NewPool()
	pool.Set("n", "k", "before")
	snap := pool.Snapshot()

	pool.Set("n", "k", "during")
	pool.Set("other", "x", 1)
	pool.Restore(snap)

	v, ok := pool.Get("n", "k")
	require.True(t, ok)
	assert.Equal(t, "before", v)
	_, ok = pool.Get("other", "x")
	assert.False(t, ok)
}

func TestPoolJSONRoundTrip(t *testing.T) {
	pool := NewPool()
	pool.Set("start", "list", []any{"x", "y"})
	data, err := json.Marshal(pool)
	require.NoError(t, err)

	restored := NewPool()
	require.NoError(t, json.Unmarshal(data, restored))
	v, ok := restored.ResolveString("start.list#1")
	require.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
}

func TestRefGrammarRoundTrip(t *testing.T) {
	part := rapid.StringMatching(`[A-Za-z0-9_-]{1,12}`)
	rapid.Check(t, func(t *rapid.T) {
		ref := Ref{
			NodeID: part.Draw(t, "node"),
			Key:    part.Draw(t, "key"),
		}
		switch rapid.IntRange(0, 2).Draw(t, "idxKind") {
		case 1:
			ref.Index = rapid.IntRange(0, 999).Draw(t, "intIdx")
		case 2:
			// A leading letter keeps the index from parsing back as an int.
			ref.Index = rapid.StringMatching(`[a-z_][A-Za-z0-9_-]{0,9}`).Draw(t, "strIdx")
		}

		parsed, err := ParseRef(ref.String())
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", ref.String(), err)
		}
		if parsed != ref {
			t.Fatalf("round trip changed %q into %+v", ref.String(), parsed)
		}
	})
}

func TestSubstituteResolvesGeneratedRefs(t *testing.T) {
	part := rapid.StringMatching(`[A-Za-z0-9_-]{1,12}`)
	text := rapid.StringMatching(`[A-Za-z0-9 .,]{0,20}`)
	rapid.Check(t, func(t *rapid.T) {
		node := part.Draw(t, "node")
		key := part.Draw(t, "key")
		value := rapid.StringMatching(`[A-Za-z0-9 ]{0,20}`).Draw(t, "value")

		pool := NewPool()
		pool.Set(node, key, value)

		prefix := text.Draw(t, "prefix")
		suffix := text.Draw(t, "suffix")
		out, missing := pool.Substitute(prefix + "{" + node + "." + key + "}" + suffix)
		if len(missing) != 0 {
			t.Fatalf("unexpected missing refs %v", missing)
		}
		if out != prefix+value+suffix {
			t.Fatalf("got %q, want %q", out, prefix+value+suffix)
		}
	})
}
