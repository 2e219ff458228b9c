package engine

import (
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/models"
)

// trimMessages drops the oldest user-turn segments until the list fits within
// maxUserTurns and maxChars. A segment is a user message plus everything that
// follows it up to the next user message. Leading system messages are never
// trimmed, and the newest segment always survives. Deterministic: the same
// input always trims to the same output.
func trimMessages(msgs []llm.Message, maxUserTurns, maxChars int) []llm.Message {
	if maxUserTurns <= 0 && maxChars <= 0 {
		return msgs
	}

	// Split into the system prefix and user-turn segments.
	prefixEnd := 0
	for prefixEnd < len(msgs) && msgs[prefixEnd].Role == models.RoleSystem {
		prefixEnd++
	}
	type segment struct{ start, end int }
	var segments []segment
	for i := prefixEnd; i < len(msgs); i++ {
		if msgs[i].Role == models.RoleUser || len(segments) == 0 {
			segments = append(segments, segment{start: i, end: i + 1})
		} else {
			segments[len(segments)-1].end = i + 1
		}
	}
	if len(segments) <= 1 {
		return msgs
	}

	charCount := func(start int) int {
		total := 0
		for i := 0; i < prefixEnd; i++ {
			total += len(msgs[i].Content)
		}
		for i := segments[start].start; i < len(msgs); i++ {
			total += len(msgs[i].Content)
		}
		return total
	}

	drop := 0
	for drop < len(segments)-1 {
		turns := 0
		for _, seg := range segments[drop:] {
			if msgs[seg.start].Role == models.RoleUser {
				turns++
			}
		}
		overTurns := maxUserTurns > 0 && turns > maxUserTurns
		overChars := maxChars > 0 && charCount(drop) > maxChars
		if !overTurns && !overChars {
			break
		}
		drop++
	}
	if drop == 0 {
		return msgs
	}

	trimmed := make([]llm.Message, 0, prefixEnd+len(msgs)-segments[drop].start)
	trimmed = append(trimmed, msgs[:prefixEnd]...)
	trimmed = append(trimmed, msgs[segments[drop].start:]...)
	return trimmed
}
