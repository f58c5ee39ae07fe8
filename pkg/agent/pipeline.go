package agent

import (
	"context"
	"log/slog"

	"github.com/vango-go/pitchline/pkg/quota"
)

// Pipeline runs the five stages in their fixed order for one turn.
// Identity failure aborts before any model call; generation failure
// aborts before any write, so a failed turn never charges tokens.
type Pipeline struct {
	Identity  *IdentityNode
	Retriever *MemoryRetriever
	Responder *Responder
	Extractor *ProfileExtractor
	Writer    *MemoryWriter
	Logger    *slog.Logger
}

// RunTurn executes one turn end to end. The caller holds the session's
// turn lock; the pipeline itself does not serialize.
func (p *Pipeline) RunTurn(ctx context.Context, st TurnState, meter *quota.Meter) (TurnState, error) {
	st, err := p.Identity.Run(ctx, st)
	if err != nil {
		return st, err
	}

	st = p.Retriever.Run(ctx, st)

	st, err = p.Responder.Run(ctx, st)
	if err != nil {
		return st, err
	}

	st = p.Extractor.Run(ctx, st)

	st, err = p.Writer.Run(ctx, st, meter)
	if err != nil {
		return st, err
	}

	if p.Logger != nil {
		p.Logger.Debug("turn complete",
			"session_id", st.SessionID,
			"turn_index", st.TurnIndex,
			"token_delta", st.TokenDelta,
			"tokens_used", st.Usage.TokensUsed,
			"exhausted", st.Usage.Exhausted())
	}
	return st, nil
}
