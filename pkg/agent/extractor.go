package agent

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ExtractionModel performs semantic extraction of profile facts from a
// single utterance. The returned map uses the extraction field names
// (name, location, swiggy_frequency, existing_cards, ...).
type ExtractionModel interface {
	Extract(ctx context.Context, utterance string) (map[string]any, error)
}

// ProfileExtractor is stage 4: it mines the user's utterance for
// profile facts, combining regex rules with an optional model pass.
// Extraction never fails the turn; on model error the rule results
// stand alone.
type ProfileExtractor struct {
	Model  ExtractionModel
	Logger *slog.Logger
}

// Run executes the stage for one turn.
func (e *ProfileExtractor) Run(ctx context.Context, st TurnState) TurnState {
	if st.Utterance == "" {
		return st
	}

	entities := extractWithRules(st.Utterance)

	if e.Model != nil {
		semantic, err := e.Model.Extract(ctx, st.Utterance)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Warn("semantic extraction failed, keeping rule results", "session_id", st.SessionID, "error", err)
			}
		} else {
			// Semantic extraction wins on overlap.
			for k, v := range semantic {
				entities[k] = v
			}
		}
	}

	if len(entities) == 0 {
		return st
	}

	ex := buildExtraction(entities)
	ex.Entities = entities
	st.Extraction = &ex
	return st
}

var (
	freqRangeRe   = regexp.MustCompile(`(\d+)\s*(?:to|-)\s*(\d+)\s*times?\s*(?:a|per)\s*week`)
	freqCountRe   = regexp.MustCompile(`(\d+)\s*times?\s*(?:a|per)\s*week`)
	freqDailyRe   = regexp.MustCompile(`daily|every\s*day`)
	freqOnceRe    = regexp.MustCompile(`once\s*(?:a|per)\s*week`)
	freqTwiceRe   = regexp.MustCompile(`twice\s*(?:a|per)\s*week`)
	freqSeldomRe  = regexp.MustCompile(`rarely|occasionally|sometimes`)
	amountRupeeRe = []*regexp.Regexp{
		regexp.MustCompile(`(?:rs\.?|₹|rupees?)\s*(\d+(?:,\d+)?)`),
		regexp.MustCompile(`(\d+(?:,\d+)?)\s*(?:rs\.?|₹|rupees?)`),
		regexp.MustCompile(`around\s*(\d+(?:,\d+)?)`),
		regexp.MustCompile(`about\s*(\d+(?:,\d+)?)`),
		regexp.MustCompile(`(\d{3,})`),
	}
	knownCardRe = regexp.MustCompile(`(hdfc|icici|sbi|axis|kotak|citi|amex|american express)\s*(?:credit)?\s*card`)
	haveCardRe  = regexp.MustCompile(`have\s*(?:a|an)?\s*(\w+)\s*card`)
)

var budgetPhrases = []string{
	"budget", "careful with", "save money", "saving", "tight",
	"can't afford", "expensive", "costly", "watching my spend",
}

var objectionKeywords = map[string]string{
	"too many cards": "too_many_cards",
	"annual fee":     "annual_fee_concern",
	"fee":            "fee_concern",
	"overspend":      "overspending_worry",
	"spend too much": "overspending_worry",
	"not interested": "not_interested",
	"think about it": "needs_time",
	"let me think":   "needs_time",
	"complicated":    "complexity_concern",
	"confusing":      "complexity_concern",
}

// extractWithRules mines an utterance with regex patterns for ordering
// frequency, rupee amounts, budget signals, existing cards, and
// objection phrases.
func extractWithRules(text string) map[string]any {
	out := map[string]any{}
	lower := strings.ToLower(text)

	switch {
	case freqRangeRe.MatchString(lower):
		m := freqRangeRe.FindStringSubmatch(lower)
		out["swiggy_frequency"] = m[1] + "-" + m[2] + " times per week"
	case freqCountRe.MatchString(lower):
		m := freqCountRe.FindStringSubmatch(lower)
		out["swiggy_frequency"] = m[1] + " times per week"
	case freqDailyRe.MatchString(lower):
		out["swiggy_frequency"] = "daily"
	case freqOnceRe.MatchString(lower):
		out["swiggy_frequency"] = "once per week"
	case freqTwiceRe.MatchString(lower):
		out["swiggy_frequency"] = "twice per week"
	case freqSeldomRe.MatchString(lower):
		out["swiggy_frequency"] = "occasionally"
	}

	for _, re := range amountRupeeRe {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			continue
		}
		// 100-2000 reads as a per-order amount, above that up to
		// 50000 as a monthly spend. Outside both, keep looking.
		if n >= 100 && n <= 2000 {
			out["swiggy_amount_per_order"] = n
			break
		}
		if n > 2000 && n <= 50000 {
			out["monthly_food_spend"] = n
			break
		}
	}

	for _, phrase := range budgetPhrases {
		if strings.Contains(lower, phrase) {
			out["budget_conscious"] = true
			break
		}
	}

	seen := map[string]bool{}
	var cards []string
	for _, m := range knownCardRe.FindAllStringSubmatch(lower, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			cards = append(cards, m[1])
		}
	}
	for _, m := range haveCardRe.FindAllStringSubmatch(lower, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			cards = append(cards, m[1])
		}
	}
	if len(cards) > 0 {
		out["existing_cards"] = cards
	}

	var objections []string
	for phrase, kind := range objectionKeywords {
		if strings.Contains(lower, phrase) {
			objections = append(objections, kind)
		}
	}
	if len(objections) > 0 {
		sort.Strings(objections)
		out["objections_raised"] = objections
	}

	return out
}

// buildExtraction maps raw extraction fields onto the user row and
// profile mapping deltas the memory writer persists.
func buildExtraction(entities map[string]any) Extraction {
	var ex Extraction

	if v := asString(entities["name"]); v != "" {
		ex.User.Name = &v
	}
	if v := asString(entities["location"]); v != "" {
		ex.User.Location = &v
	}
	if v := asString(entities["work_status"]); v != "" {
		ex.User.WorkStatus = &v
	}

	spending := map[string]any{}
	if v := asString(entities["swiggy_frequency"]); v != "" {
		spending["swiggy_frequency"] = v
	}
	if v, ok := asNumber(entities["swiggy_amount_per_order"]); ok {
		spending["avg_order_amount"] = v
	}
	if v, ok := asNumber(entities["monthly_food_spend"]); ok {
		spending["monthly_food_spend"] = v
	}
	if len(spending) > 0 {
		ex.Profile.SpendingPatterns = spending
	}

	goals := map[string]any{}
	if b, ok := entities["budget_conscious"].(bool); ok && b {
		goals["budget_conscious"] = true
	}
	if b, ok := entities["savings_focused"].(bool); ok && b {
		goals["savings_focused"] = true
	}
	if concerns := asStrings(entities["financial_concerns"]); len(concerns) > 0 {
		goals["concerns"] = concerns
	}
	if len(goals) > 0 {
		ex.Profile.FinancialGoals = goals
	}

	cards := map[string]any{}
	if list := asStrings(entities["existing_cards"]); len(list) > 0 {
		cards["cards"] = list
	}
	if v := asString(entities["card_satisfaction"]); v != "" {
		cards["satisfaction"] = v
	}
	if list := asStrings(entities["card_pain_points"]); len(list) > 0 {
		cards["pain_points"] = list
	}
	if len(cards) > 0 {
		ex.Profile.CurrentCards = cards
	}

	if objections := asStrings(entities["objections_raised"]); len(objections) > 0 {
		ex.Profile.PainPoints = objections
	}

	return ex
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(list); s != "" {
			return []string{s}
		}
		return nil
	default:
		return nil
	}
}
