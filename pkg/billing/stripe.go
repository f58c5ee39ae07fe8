// Package billing reports final session token usage to Stripe as
// billing meter events. Reporting is fire-and-forget from the session
// manager's point of view; a Stripe outage never blocks session close.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/billing/meterevent"

	"github.com/vango-go/pitchline/pkg/memory"
)

const meterEventName = "pitchline_session_tokens"

// StripeReporter emits one meter event per ended session, keyed on the
// session id so retried reports deduplicate on Stripe's side.
type StripeReporter struct {
	logger *slog.Logger
}

// NewStripeReporter configures the global Stripe client key and
// returns a reporter. An empty key is a configuration error; callers
// that run without billing should not construct a reporter at all.
func NewStripeReporter(apiKey string, logger *slog.Logger) (*StripeReporter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	stripe.Key = apiKey
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeReporter{logger: logger}, nil
}

// ReportSession implements session.UsageReporter.
func (r *StripeReporter) ReportSession(ctx context.Context, s memory.Session) error {
	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(meterEventName),
		Identifier: stripe.String(s.ID.String()),
		Payload: map[string]string{
			"stripe_customer_id": s.UserID.String(),
			"value":              strconv.FormatInt(s.TokenCount, 10),
			"session_type":       string(s.Type),
		},
	}
	params.Context = ctx

	event, err := meterevent.New(params)
	if err != nil {
		return fmt.Errorf("create meter event: %w", err)
	}

	r.logger.Info("session usage reported",
		"session_id", s.ID,
		"token_count", s.TokenCount,
		"event", event.EventName)
	return nil
}
