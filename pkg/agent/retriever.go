package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/pitchline/pkg/agent/prompts"
	"github.com/vango-go/pitchline/pkg/memory"
)

// ContextStore is the durable-tier read surface for the retriever.
type ContextStore interface {
	UserContext(ctx context.Context, userID uuid.UUID, insightLimit, sessionLimit int) (memory.UserContext, error)
}

// TurnBuffer is the cache-tier read surface for recent turns.
type TurnBuffer interface {
	RecentTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]memory.CachedTurn, error)
}

// MemoryRetriever is stage 2: it loads the user profile, recent
// insights, and a bounded conversation window, then shapes the prompt
// context for the session type. Read-only; an empty result is a valid
// state (new user), and a storage failure degrades to empty context
// after bounded retries rather than failing the turn.
type MemoryRetriever struct {
	Store ContextStore
	Cache TurnBuffer

	HistoryWindow int
	InsightLimit  int
	SessionLimit  int
	ReadRetries   uint64
	RetryBackoff  time.Duration

	Logger *slog.Logger
}

func (r *MemoryRetriever) retries() uint64 {
	if r.ReadRetries == 0 {
		return 2
	}
	return r.ReadRetries
}

func (r *MemoryRetriever) backoff() time.Duration {
	if r.RetryBackoff <= 0 {
		return 200 * time.Millisecond
	}
	return r.RetryBackoff
}

// Run executes the stage for one turn.
func (r *MemoryRetriever) Run(ctx context.Context, st TurnState) TurnState {
	insightLimit := r.InsightLimit
	if insightLimit <= 0 {
		insightLimit = 20
	}
	sessionLimit := r.SessionLimit
	if sessionLimit <= 0 {
		sessionLimit = 5
	}

	var uc memory.UserContext
	err := retry.Do(ctx, retry.WithMaxRetries(r.retries(), retry.NewConstant(r.backoff())), func(ctx context.Context) error {
		var err error
		uc, err = r.Store.UserContext(ctx, st.UserID, insightLimit, sessionLimit)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Absence of context degrades the reply, not the turn.
		if r.Logger != nil {
			r.Logger.Warn("memory retrieval degraded to empty context", "session_id", st.SessionID, "error", err)
		}
		uc = memory.UserContext{}
	}
	st.Context = uc

	window := r.HistoryWindow
	if window <= 0 {
		window = 20
	}
	if r.Cache != nil {
		turns, err := r.Cache.RecentTurns(ctx, st.SessionID, window)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("turn buffer read failed", "session_id", st.SessionID, "error", err)
			}
		} else {
			st.History = make([]Message, 0, len(turns))
			for _, t := range turns {
				st.History = append(st.History, Message{Role: t.Role, Content: t.Content})
			}
		}
	}

	st.PromptContext = shapeContext(st.SessionType, uc)
	return st
}

// shapeContext builds the session-type-specific prompt context:
// discovery needs little beyond whether the customer is returning,
// pitch needs spending data and computed insights, objection handling
// needs the full profile and pain-point history.
func shapeContext(sessionType memory.SessionType, uc memory.UserContext) prompts.Context {
	pc := prompts.Context{
		Name:       uc.User.Name,
		Location:   uc.User.Location,
		WorkStatus: uc.User.WorkStatus,
	}

	priorSessions := make([]prompts.SessionSummary, 0, len(uc.RecentSessions))
	for _, s := range uc.RecentSessions {
		priorSessions = append(priorSessions, prompts.SessionSummary{
			Type:    string(s.Type),
			Date:    s.StartedAt.Format("2006-01-02"),
			Summary: s.Summary,
			Outcome: s.Outcome,
		})
	}
	pc.IsReturning = len(priorSessions) > 0

	insights := make(map[string]string, len(uc.Insights))
	for _, in := range uc.Insights {
		if in.NumericValue != nil {
			insights[in.Key] = fmt.Sprintf("%v", *in.NumericValue)
			continue
		}
		insights[in.Key] = in.Value
	}

	switch sessionType {
	case memory.SessionPitch:
		if uc.Profile != nil {
			pc.SpendingPatterns = uc.Profile.SpendingPatterns
			pc.FoodHabits = uc.Profile.FoodHabits
			pc.FinancialGoals = uc.Profile.FinancialGoals
			pc.CurrentCards = uc.Profile.CurrentCards
		}
		pc.Insights = insights
		for _, s := range uc.RecentSessions {
			if s.Type == memory.SessionDiscovery && s.Summary != "" {
				pc.DiscoverySummary = s.Summary
				break
			}
		}
	case memory.SessionObjection:
		if uc.Profile != nil {
			pc.SpendingPatterns = uc.Profile.SpendingPatterns
			pc.FoodHabits = uc.Profile.FoodHabits
			pc.FinancialGoals = uc.Profile.FinancialGoals
			pc.CurrentCards = uc.Profile.CurrentCards
			pc.PainPoints = uc.Profile.PainPoints
		}
		pc.Insights = insights
		if len(priorSessions) > 3 {
			priorSessions = priorSessions[:3]
		}
		pc.PreviousSessions = priorSessions
	default: // discovery
		if len(priorSessions) > 2 {
			priorSessions = priorSessions[:2]
		}
		pc.PreviousSessions = priorSessions
	}
	return pc
}
