package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-go/pitchline/pkg/agent/prompts"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/quota"
)

// ExchangeStore is the durable-tier write surface for the writer.
type ExchangeStore interface {
	AppendExchange(ctx context.Context, sessionID uuid.UUID, records []memory.TurnRecord, tokenDelta int64) (int, int64, error)
	UpdateUser(ctx context.Context, userID uuid.UUID, fields memory.UserFields) error
	MergeProfile(ctx context.Context, userID uuid.UUID, update memory.ProfileUpdate) error
	GetProfile(ctx context.Context, userID uuid.UUID) (memory.UserProfile, bool, error)
	UpsertInsight(ctx context.Context, userID uuid.UUID, update memory.InsightUpdate, sessionID *uuid.UUID) error
}

// TurnSink is the cache-tier write surface for the writer.
type TurnSink interface {
	PutState(ctx context.Context, state memory.SessionState) error
	AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...memory.CachedTurn) error
}

// MemoryWriter is stage 5: it appends the exchange and the token
// charge to durable storage in one transaction, reconciles the meter
// against the committed count, then persists profile deltas, derived
// insights, and the cache tier. The turn append is the only write that
// can fail the stage; everything after it is best-effort and logged.
type MemoryWriter struct {
	Store  ExchangeStore
	Cache  TurnSink
	Logger *slog.Logger
}

// Run executes the stage for one turn. The returned state carries the
// post-charge usage snapshot and the assigned turn index.
func (w *MemoryWriter) Run(ctx context.Context, st TurnState, meter *quota.Meter) (TurnState, error) {
	records := exchangeRecords(st)
	if len(records) == 0 {
		return st, nil
	}

	firstIndex, committed, err := w.Store.AppendExchange(ctx, st.SessionID, records, st.TokenDelta)
	if err != nil {
		return st, err
	}
	st.TurnIndex = firstIndex

	// The committed count is authoritative for the quota.
	st.Usage, st.ExhaustedNow = meter.ReconcileTo(committed)

	if st.Extraction != nil {
		w.persistExtraction(ctx, st)
	}
	w.writeCache(ctx, st, records)

	return st, nil
}

func exchangeRecords(st TurnState) []memory.TurnRecord {
	var records []memory.TurnRecord
	if st.Utterance != "" {
		rec := memory.TurnRecord{Role: memory.RoleUser, Content: st.Utterance}
		if st.Extraction != nil {
			rec.ExtractedEntities = st.Extraction.Entities
		}
		records = append(records, rec)
	}
	if st.Response != "" {
		records = append(records, memory.TurnRecord{Role: memory.RoleAssistant, Content: st.Response})
	}
	return records
}

func (w *MemoryWriter) persistExtraction(ctx context.Context, st TurnState) {
	ex := st.Extraction

	if !ex.User.Empty() {
		if err := w.Store.UpdateUser(ctx, st.UserID, ex.User); err != nil {
			w.warn("user update failed", st, err)
		}
	}
	if !ex.Profile.Empty() {
		if err := w.Store.MergeProfile(ctx, st.UserID, ex.Profile); err != nil {
			w.warn("profile merge failed", st, err)
		}
	}

	w.storeInsights(ctx, st)
}

// storeInsights recomputes the derived spending insights from the
// merged profile plus this turn's extraction, then upserts them keyed
// on (user, type, key) so repeats overwrite.
func (w *MemoryWriter) storeInsights(ctx context.Context, st TurnState) {
	ex := st.Extraction
	sessionID := st.SessionID

	var spending map[string]any
	if profile, ok, err := w.Store.GetProfile(ctx, st.UserID); err != nil {
		w.warn("profile read for insights failed", st, err)
	} else if ok {
		spending = profile.SpendingPatterns
	}

	frequency := asString(ex.Entities["swiggy_frequency"])
	if frequency == "" && spending != nil {
		frequency = asString(spending["swiggy_frequency"])
	}
	weeklyOrders, haveFreq := parseFrequencyToWeekly(frequency)

	if haveFreq {
		w.upsertInsight(ctx, st, memory.InsightUpdate{
			Type:         "spending",
			Key:          "weekly_orders",
			Value:        formatNumber(weeklyOrders),
			NumericValue: &weeklyOrders,
			Confidence:   0.8,
		}, &sessionID)
	}

	avgAmount, haveAmount := asNumber(ex.Entities["swiggy_amount_per_order"])
	if !haveAmount && spending != nil {
		avgAmount, haveAmount = asNumber(spending["avg_order_amount"])
	}
	if haveAmount {
		w.upsertInsight(ctx, st, memory.InsightUpdate{
			Type:         "spending",
			Key:          "avg_order_amount",
			Value:        formatNumber(avgAmount),
			NumericValue: &avgAmount,
			Confidence:   0.8,
		}, &sessionID)
	}

	if haveFreq && haveAmount {
		savings := prompts.ProjectSavings(weeklyOrders, avgAmount)
		for key, value := range map[string]float64{
			"monthly_orders":         savings.MonthlyOrders,
			"monthly_spend":          savings.MonthlySpend,
			"monthly_cashback":       savings.MonthlyCashback,
			"monthly_delivery_saved": savings.MonthlyDeliverySaved,
			"monthly_total":          savings.MonthlyTotal,
			"yearly_total":           savings.YearlyTotal,
		} {
			v := value
			w.upsertInsight(ctx, st, memory.InsightUpdate{
				Type:         "computed_savings",
				Key:          key,
				Value:        formatNumber(v),
				NumericValue: &v,
				Confidence:   0.7,
			}, &sessionID)
		}
	}
}

func (w *MemoryWriter) upsertInsight(ctx context.Context, st TurnState, update memory.InsightUpdate, sessionID *uuid.UUID) {
	if err := w.Store.UpsertInsight(ctx, st.UserID, update, sessionID); err != nil {
		w.warn("insight upsert failed", st, err)
	}
}

func (w *MemoryWriter) writeCache(ctx context.Context, st TurnState, records []memory.TurnRecord) {
	if w.Cache == nil {
		return
	}

	turns := make([]memory.CachedTurn, len(records))
	for i, rec := range records {
		turns[i] = memory.CachedTurn{Role: rec.Role, Content: rec.Content}
	}
	if err := w.Cache.AppendTurns(ctx, st.SessionID, turns...); err != nil {
		w.warn("cached turn append failed", st, err)
	}

	state := memory.SessionState{
		SessionID:     st.SessionID,
		UserID:        st.UserID,
		SessionType:   st.SessionType,
		TokensUsed:    st.Usage.TokensUsed,
		LastTurnIndex: st.TurnIndex + len(records) - 1,
		Exhausted:     st.Usage.Exhausted(),
	}
	if err := w.Cache.PutState(ctx, state); err != nil {
		w.warn("cached state update failed", st, err)
	}
}

func (w *MemoryWriter) warn(msg string, st TurnState, err error) {
	if w.Logger != nil {
		w.Logger.Warn(msg, "session_id", st.SessionID, "user_id", st.UserID, "error", err)
	}
}

var freqNumRangeRe = regexp.MustCompile(`(\d+)\s*(?:to|-)\s*(\d+)`)
var freqNumRe = regexp.MustCompile(`(\d+)`)

// parseFrequencyToWeekly turns a frequency phrase into an approximate
// weekly order count. "3-4 times per week" averages to 3.5, "daily"
// means 7, "occasionally" counts as half an order.
func parseFrequencyToWeekly(frequency string) (float64, bool) {
	if frequency == "" {
		return 0, false
	}
	lower := strings.ToLower(frequency)

	if m := freqNumRangeRe.FindStringSubmatch(lower); m != nil {
		low, _ := strconv.Atoi(m[1])
		high, _ := strconv.Atoi(m[2])
		return float64(low+high) / 2, true
	}
	if m := freqNumRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch {
		case strings.Contains(lower, "week"):
			return float64(n), true
		case strings.Contains(lower, "month"):
			return float64(n) / 4.33, true
		case strings.Contains(lower, "day"):
			return float64(n) * 7, true
		}
		return float64(n), true
	}

	switch {
	case strings.Contains(lower, "daily"), strings.Contains(lower, "every day"):
		return 7, true
	case strings.Contains(lower, "twice") && strings.Contains(lower, "week"):
		return 2, true
	case strings.Contains(lower, "once") && strings.Contains(lower, "week"):
		return 1, true
	case strings.Contains(lower, "occasionally"), strings.Contains(lower, "rarely"):
		return 0.5, true
	}
	return 0, false
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%.2f", v)
}
