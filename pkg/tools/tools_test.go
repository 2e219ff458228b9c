package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/llm"
)

func namedTool(name, description string) Tool {
	return &Func{
		Def: llm.ToolDef{Name: name, Description: description},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return name + " result", nil
		},
	}
}

func TestMatchAllowlist(t *testing.T) {
	patterns := []string{"get_current_time", "http_*"}

	assert.True(t, MatchAllowlist("get_current_time", patterns))
	assert.True(t, MatchAllowlist("http_get", patterns))
	assert.True(t, MatchAllowlist("http_post", patterns))
	assert.False(t, MatchAllowlist("get_tool_output", patterns))
	assert.False(t, MatchAllowlist("shttp_get", patterns))
	assert.False(t, MatchAllowlist("anything", nil))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(namedTool("a", "")))
	assert.Error(t, r.Register(namedTool("a", "")))
}

func TestRegistryFilterSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(namedTool("zeta", ""), namedTool("alpha", ""), namedTool("http_get", ""))

	got := r.Filter([]string{"zeta", "alpha"})
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name())
	assert.Equal(t, "zeta", got[1].Name())

	assert.Empty(t, r.Filter(nil))
}

func TestRegistrySearch(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		namedTool("http_get", "Fetch a URL over HTTP"),
		namedTool("read_file", "Read a file from disk"),
		namedTool("write_file", "Write a file to disk"),
	)

	hits := r.Search("file")
	require.Len(t, hits, 2)
	assert.Equal(t, "read_file", hits[0].Name)
	assert.Equal(t, "write_file", hits[1].Name)

	byDesc := r.Search("url")
	require.Len(t, byDesc, 1)
	assert.Equal(t, "http_get", byDesc[0].Name)

	assert.Empty(t, r.Search("nonexistent"))
}

func TestRegistrySearchCapped(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < SearchLimit+5; i++ {
		r.MustRegister(namedTool(fmt.Sprintf("tool_%02d", i), "matches query"))
	}
	assert.Len(t, r.Search("query"), SearchLimit)
}

func TestBinderBindsAllowlistSubset(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(namedTool("a", ""), namedTool("b", ""), namedTool("c", ""))

	b := NewBinder(r, []string{"a", "c"})
	assert.True(t, b.Has("a"))
	assert.False(t, b.Has("b"))

	defs := b.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "c", defs[1].Name)
}

func TestBinderLoadBumpsVersion(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(namedTool("a", ""), namedTool("b", ""))
	b := NewBinder(r, []string{"a"})

	v0 := b.Version()
	added := b.Load([]string{"b", "b", "unknown"})
	assert.Equal(t, 1, added)
	assert.Greater(t, b.Version(), v0)
	assert.True(t, b.Has("b"))

	// No-op loads leave the version alone.
	v1 := b.Version()
	assert.Zero(t, b.Load([]string{"b", "unknown"}))
	assert.Equal(t, v1, b.Version())
}

func TestBinderInvokeUnknown(t *testing.T) {
	b := NewBinder(NewRegistry(), nil)
	_, err := b.Invoke(context.Background(), "ghost", nil)
	assert.Error(t, err)
}

func TestStringArg(t *testing.T) {
	args := map[string]any{"s": "value", "n": 42}

	got, err := StringArg(args, "s")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	_, err = StringArg(args, "missing")
	assert.Error(t, err)
	_, err = StringArg(args, "n")
	assert.Error(t, err)

	assert.Equal(t, "value", OptionalStringArg(args, "s"))
	assert.Empty(t, OptionalStringArg(args, "missing"))
	assert.Empty(t, OptionalStringArg(args, "n"))
}

func TestParseSearchResult(t *testing.T) {
	result := `{"tools":[{"name":"a","description":"x"},{"name":"b","description":"y"},{"name":"","description":"skipme"}]}`
	assert.Equal(t, []string{"a", "b"}, ParseSearchResult(result))
	assert.Nil(t, ParseSearchResult("not json"))
}
