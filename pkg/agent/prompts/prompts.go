package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// SessionSummary is a prior session's outline for prompt injection.
type SessionSummary struct {
	Type    string
	Date    string
	Summary string
	Outcome string
}

// Context carries the retrieved user context, already shaped for the
// session type by the memory retriever.
type Context struct {
	Name       string
	Location   string
	WorkStatus string

	IsReturning      bool
	PreviousSessions []SessionSummary
	DiscoverySummary string

	SpendingPatterns map[string]any
	FoodHabits       map[string]any
	FinancialGoals   map[string]any
	CurrentCards     map[string]any
	Insights         map[string]string
	PainPoints       []string
}

func (c Context) contextBlock() string {
	var parts []string
	if c.Name != "" {
		parts = append(parts, "Customer Name: "+c.Name)
	}
	if c.Location != "" {
		parts = append(parts, "Location: "+c.Location)
	}
	if c.WorkStatus != "" {
		parts = append(parts, "Work Status: "+c.WorkStatus)
	}
	if len(c.SpendingPatterns) > 0 {
		parts = append(parts, "Spending Patterns: "+formatMapping(c.SpendingPatterns))
	}
	if len(c.FoodHabits) > 0 {
		parts = append(parts, "Food Habits: "+formatMapping(c.FoodHabits))
	}
	if len(c.FinancialGoals) > 0 {
		parts = append(parts, "Financial Goals: "+formatMapping(c.FinancialGoals))
	}
	if len(c.CurrentCards) > 0 {
		parts = append(parts, "Current Cards: "+formatMapping(c.CurrentCards))
	}
	if len(c.PainPoints) > 0 {
		parts = append(parts, "Pain Points: "+strings.Join(c.PainPoints, ", "))
	}
	if len(c.Insights) > 0 {
		keys := make([]string, 0, len(c.Insights))
		for k := range c.Insights {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("Computed Insights:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  - %s: %s", k, c.Insights[k])
		}
		parts = append(parts, b.String())
	}
	if c.DiscoverySummary != "" {
		parts = append(parts, "Discovery Call Summary: "+c.DiscoverySummary)
	}
	if len(c.PreviousSessions) > 0 {
		var b strings.Builder
		b.WriteString("Previous Conversations:")
		for _, s := range c.PreviousSessions {
			summary := s.Summary
			if summary == "" {
				summary = "no summary"
			}
			fmt.Fprintf(&b, "\n  - %s on %s: %s", s.Type, s.Date, summary)
			if s.Outcome != "" {
				fmt.Fprintf(&b, " (outcome: %s)", s.Outcome)
			}
		}
		parts = append(parts, b.String())
	}
	if len(parts) == 0 {
		return "No previous context available."
	}
	return strings.Join(parts, "\n")
}

func formatMapping(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(pairs, ", ")
}

const rolePreamble = `You are a friendly and professional relationship manager from the bank's
co-branded food-delivery credit card programme. This is an OUTBOUND
sales call - you initiated contact. Keep responses concise (2-3
sentences), conversational, and natural for speech. Never read out a
script, never give long monologues, and never mention that you are
collecting data or building a profile.`

// Discovery builds the session-1 prompt: build rapport, learn habits,
// no hard sell, no numbers yet.
func Discovery(ctx Context) string {
	var b strings.Builder
	b.WriteString(rolePreamble)
	b.WriteString("\n\n")
	b.WriteString(CardBenefits())
	b.WriteString(`

YOUR ROLE IN THIS SESSION (Discovery Call):
Understand the customer. Weave these into natural conversation: where
they are based, what they do, how often they order food delivery, their
typical order amount, which cards they hold and how they feel about
them, and whether they want to save on regular expenses. Do not ask
more than two questions in a row without responding to their answers.

DO NOT:
- Quote numbers or make savings calculations yet (save for the pitch)
- Push for a decision or signup
- Pressure a customer who says they are busy; offer to call back`)
	if ctx.IsReturning {
		b.WriteString("\n\nRETURNING CUSTOMER:\nGreet them warmly and acknowledge the previous interaction.\n")
		b.WriteString(ctx.contextBlock())
	}
	return b.String()
}

// Pitch builds the session-2 prompt: personalized benefit math from
// the discovery data.
func Pitch(ctx Context) string {
	var b strings.Builder
	b.WriteString(rolePreamble)
	b.WriteString("\n\n")
	b.WriteString(CardBenefits())
	b.WriteString(`

YOUR ROLE IN THIS SESSION (Pitch Call):
Present a personalized case built on what you already know about this
customer. Use their own ordering frequency and typical spend to walk
through concrete monthly savings. Anchor on the computed insights below
when quoting numbers; do not invent figures. Close by proposing the
next step, but accept a "let me think" gracefully.

CUSTOMER CONTEXT:
`)
	b.WriteString(ctx.contextBlock())
	return b.String()
}

// Objection builds the session-3 prompt: address concerns using the
// full profile and pain-point history.
func Objection(ctx Context) string {
	var b strings.Builder
	b.WriteString(rolePreamble)
	b.WriteString("\n\n")
	b.WriteString(CardBenefits())
	b.WriteString(`

YOUR ROLE IN THIS SESSION (Objection Handling):
The customer has heard the pitch and raised concerns. Acknowledge each
objection honestly before countering it with their own numbers. The fee
objection is usually answered by the waiver threshold and the monthly
savings already computed. Never argue; if the answer is genuinely no,
thank them and leave the door open.

CUSTOMER CONTEXT (including known objections):
`)
	b.WriteString(ctx.contextBlock())
	return b.String()
}

// ForSession selects the prompt builder for a session type, falling
// back to discovery for anything unrecognized.
func ForSession(sessionType string, ctx Context) string {
	switch sessionType {
	case "pitch":
		return Pitch(ctx)
	case "objection":
		return Objection(ctx)
	default:
		return Discovery(ctx)
	}
}
