package llm

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/types"
)

const (
	// DefaultSystemPrompt is attached when a request carries none.
	DefaultSystemPrompt = "You are a helpful personal assistant. Answer concisely and conversationally."

	// MaxTokens caps every answer.
	MaxTokens = 1024

	// MaxQuestionLength is the longest accepted question, in characters.
	MaxQuestionLength = 10000

	// DefaultTimeout bounds one dialogue call, streaming included.
	DefaultTimeout = 60 * time.Second

	// StreamBuffer is the fragment channel capacity used by vendors.
	StreamBuffer = 32
)

// AskRequest carries one question to a dialogue provider.
type AskRequest struct {
	// History is the prior conversation, oldest first. It is forwarded
	// verbatim before Question.
	History []types.Turn

	// Question is the new user message.
	Question string

	// SystemPrompt is injected ahead of the history. Empty selects
	// [DefaultSystemPrompt].
	SystemPrompt string
}

// Validate checks req without touching the network.
func (r AskRequest) Validate() error {
	const op = "llm.validate"
	n := utf8.RuneCountInString(r.Question)
	if strings.TrimSpace(r.Question) == "" {
		return fault.InvalidInput(op, "question must not be empty")
	}
	if n > MaxQuestionLength {
		return fault.InvalidInput(op, "question is %d characters, maximum is %d", n, MaxQuestionLength)
	}
	if err := types.ValidateHistory(r.History); err != nil {
		return fault.InvalidInput(op, "%s", err.Error())
	}
	return nil
}

// Prompt returns the effective system prompt.
func (r AskRequest) Prompt() string {
	if r.SystemPrompt == "" {
		return DefaultSystemPrompt
	}
	return r.SystemPrompt
}

// Turns returns History followed by Question as a user turn.
func (r AskRequest) Turns() []types.Turn {
	turns := make([]types.Turn, 0, len(r.History)+1)
	turns = append(turns, r.History...)
	return append(turns, types.Turn{Role: types.RoleUser, Content: r.Question})
}

// Fragment is one piece of a streamed answer. A Fragment with Err set is
// always the last one on its channel.
type Fragment struct {
	Text string
	Err  error
}

// Collect drains fragments and returns the concatenated answer, or the first
// error seen.
func Collect(ctx context.Context, fragments <-chan Fragment) (string, error) {
	var sb strings.Builder
	for {
		select {
		case f, ok := <-fragments:
			if !ok {
				return sb.String(), nil
			}
			if f.Err != nil {
				return sb.String(), f.Err
			}
			sb.WriteString(f.Text)
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		}
	}
}
