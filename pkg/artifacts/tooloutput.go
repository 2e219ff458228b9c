package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Tool-output sizing defaults.
const (
	// DefaultInlineLimit is the largest tool output embedded directly in a
	// tool message; anything bigger is offloaded and replaced by a marker.
	DefaultInlineLimit = 4096
	// headBytes is how much of an offloaded output stays visible inline and
	// how much leads a truncated fetch.
	headBytes = 1024
	// DefaultFetchBudget bounds get_tool_output responses: 1KB head plus the
	// remaining budget from the tail, middle elided.
	DefaultFetchBudget = 16384
)

var markerRe = regexp.MustCompile(`\[TOOL_OUTPUT:artifactId=([0-9a-fA-F-]+),bytes=(\d+)\]`)

// ToolOutputStore offloads large tool outputs out of the LLM context,
// addressed by generated artifact ids.
type ToolOutputStore struct {
	base        string
	InlineLimit int
}

// NewToolOutputStore creates the backing directory if needed.
func NewToolOutputStore(base string) (*ToolOutputStore, error) {
	dir := filepath.Join(base, "tool-output")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tool-output dir: %w", err)
	}
	return &ToolOutputStore{base: dir, InlineLimit: DefaultInlineLimit}, nil
}

// Save stores content and returns its artifact id.
func (s *ToolOutputStore) Save(content []byte) (string, error) {
	id := uuid.New().String()
	p := filepath.Join(s.base, id)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write tool output: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("publish tool output: %w", err)
	}
	return id, nil
}

// Get returns the full stored content for an artifact id.
func (s *ToolOutputStore) Get(artifactID string) ([]byte, error) {
	if _, err := uuid.Parse(artifactID); err != nil {
		return nil, fmt.Errorf("invalid artifact id %q: %w", artifactID, err)
	}
	content, err := os.ReadFile(filepath.Join(s.base, artifactID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read tool output: %w", err)
	}
	return content, nil
}

// WrapIfLarge offloads content exceeding InlineLimit, returning the marker
// form with a head and tail preview. Small content passes through unchanged.
func (s *ToolOutputStore) WrapIfLarge(content string) (string, error) {
	limit := s.InlineLimit
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	if len(content) <= limit {
		return content, nil
	}
	id, err := s.Save([]byte(content))
	if err != nil {
		return "", err
	}
	// Small limits can push the whole content inside the head window; clamp
	// so the head and tail never overlap or run past the content.
	head := headBytes
	if head > len(content) {
		head = len(content)
	}
	tailStart := len(content) - headBytes
	if tailStart < head {
		tailStart = head
	}
	return fmt.Sprintf("[TOOL_OUTPUT:artifactId=%s,bytes=%d]\n%s\n...\n%s",
		id, len(content), content[:head], content[tailStart:]), nil
}

// FetchTruncated returns at most budget bytes of an artifact: a 1KB head,
// then the tail filling the remaining budget, middle elided with a byte
// count. Budget <= 0 uses DefaultFetchBudget.
func (s *ToolOutputStore) FetchTruncated(artifactID string, budget int) (string, error) {
	content, err := s.Get(artifactID)
	if err != nil {
		return "", err
	}
	if budget <= 0 {
		budget = DefaultFetchBudget
	}
	if len(content) <= budget {
		return string(content), nil
	}
	head := headBytes
	if head > budget {
		head = budget
	}
	tail := budget - head
	elided := len(content) - head - tail
	var b strings.Builder
	b.Write(content[:head])
	fmt.Fprintf(&b, "\n... [%d bytes elided] ...\n", elided)
	if tail > 0 {
		b.Write(content[len(content)-tail:])
	}
	return b.String(), nil
}

// MarkerRef is a parsed [TOOL_OUTPUT:...] marker.
type MarkerRef struct {
	ArtifactID string
	Bytes      int
}

// FindMarkers extracts every tool-output marker embedded in text.
func FindMarkers(text string) []MarkerRef {
	matches := markerRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]MarkerRef, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		refs = append(refs, MarkerRef{ArtifactID: m[1], Bytes: n})
	}
	return refs
}
