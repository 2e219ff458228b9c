package queue

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
)

// summaryConcurrency gates background summary calls so a burst of worker
// completions cannot saturate the upstream API.
const summaryConcurrency = 3

// summaryThreshold is the result size below which the text is its own
// summary and no model call is made.
const summaryThreshold = 600

const summarySystemPrompt = `Summarize the following worker output in at most three sentences.
Keep concrete values (numbers, hostnames, error strings) intact. Reply with the summary only.`

// Summarizer produces short summaries of worker results for barrier caching
// and inbox display.
type Summarizer struct {
	client llm.Client
	model  string
	sem    *semaphore.Weighted
}

func NewSummarizer(client llm.Client, model string) *Summarizer {
	return &Summarizer{client: client, model: model, sem: semaphore.NewWeighted(summaryConcurrency)}
}

// Summarize returns a short summary of text. Short inputs pass through
// unchanged without a model call.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if len(text) <= summaryThreshold {
		return strings.TrimSpace(text), nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire summary slot: %w", err)
	}
	defer s.sem.Release(1)

	resp, err := s.client.Chat(ctx, llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: summarySystemPrompt},
			{Role: models.RoleUser, Content: text},
		},
		ToolChoice: llm.ToolChoiceNone,
		MaxTokens:  512,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summary model call: %w", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
