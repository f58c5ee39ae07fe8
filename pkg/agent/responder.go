package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/pitchline/pkg/agent/prompts"
	"github.com/vango-go/pitchline/pkg/core"
)

// GenerationRequest is one model call: a system prompt, the bounded
// conversation window, and the current utterance.
type GenerationRequest struct {
	SystemPrompt string
	History      []Message
	Utterance    string
}

// GenerationResult carries the reply and the total tokens the call
// consumed across prompt and completion.
type GenerationResult struct {
	Text       string
	TokensUsed int64
}

// Generator produces assistant replies. Implementations must report
// token usage; a zero TokensUsed on success means the turn is free.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// Responder is stage 3: it builds the session-type prompt and calls
// the generator with bounded retries. A turn that already carries a
// response (the scripted greeting) is passed through untouched.
type Responder struct {
	Model Generator

	MaxAttempts  uint64
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// Run executes the stage for one turn. On persistent generator
// failure it returns a generation error and leaves the turn uncharged.
func (r *Responder) Run(ctx context.Context, st TurnState) (TurnState, error) {
	if st.Response != "" {
		return st, nil
	}

	req := GenerationRequest{
		SystemPrompt: prompts.ForSession(string(st.SessionType), st.PromptContext),
		History:      st.History,
		Utterance:    st.Utterance,
	}

	attempts := r.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	backoff := r.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var res GenerationResult
	attempt := 0
	err := retry.Do(ctx, retry.WithMaxRetries(attempts-1, retry.NewExponential(backoff)), func(ctx context.Context) error {
		attempt++
		var err error
		res, err = r.Model.Generate(ctx, req)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("generation attempt failed", "session_id", st.SessionID, "attempt", attempt, "error", err)
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return st, core.NewGenerationError("response generation failed", err)
	}

	st.Response = res.Text
	st.TokenDelta = res.TokensUsed
	return st, nil
}
