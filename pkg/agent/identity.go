package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/memory"
)

// UserDirectory resolves phone identities to durable users.
type UserDirectory interface {
	GetOrCreateUser(ctx context.Context, phone, name string) (memory.User, bool, error)
}

// IdentityNode is stage 1: it resolves the caller to a User, creating
// one on first sight of a hashed identity key. A missing or malformed
// signal is fatal for the turn: no downstream stage runs, no tokens
// are charged, nothing is logged.
type IdentityNode struct {
	Users  UserDirectory
	Logger *slog.Logger
}

// ResolvedIdentity is the outcome of identity resolution.
type ResolvedIdentity struct {
	User    memory.User
	NewUser bool
}

// Resolve turns an identity signal into a durable user. Idempotent:
// the same signal always lands on the same user row.
func (n *IdentityNode) Resolve(ctx context.Context, signal IdentitySignal) (ResolvedIdentity, error) {
	if signal.Empty() {
		return ResolvedIdentity{}, core.NewIdentityError("missing identity signal")
	}

	phone := signal.Phone
	name := signal.Name
	if signal.Token != "" {
		claims, err := decodeClaims(signal.Token)
		if err != nil {
			return ResolvedIdentity{}, err
		}
		if claims.Phone != "" {
			phone = claims.Phone
		}
		if name == "" {
			name = claims.Name
		}
	}

	normalized := memory.NormalizePhone(phone)
	if len(normalized) < 10 {
		return ResolvedIdentity{}, core.NewIdentityError("identity signal carries no usable phone identifier")
	}
	// Country prefixes vary per transport; the trailing ten digits are
	// the stable identity.
	normalized = normalized[len(normalized)-10:]

	user, created, err := n.Users.GetOrCreateUser(ctx, normalized, name)
	if err != nil {
		return ResolvedIdentity{}, err
	}
	if n.Logger != nil {
		n.Logger.Info("identity resolved", "user_id", user.ID, "new_user", created, "phone_last_four", user.PhoneLastFour)
	}
	return ResolvedIdentity{User: user, NewUser: created}, nil
}

// Run executes the stage for one turn. Sessions carry the resolved
// user forward, so after the opening turn this only validates that the
// resolution happened.
func (n *IdentityNode) Run(ctx context.Context, st TurnState) (TurnState, error) {
	if st.UserID != uuid.Nil {
		return st, nil
	}
	resolved, err := n.Resolve(ctx, st.Identity)
	if err != nil {
		return st, err
	}
	st.UserID = resolved.User.ID
	st.NewUser = resolved.NewUser

	// The opening turn has no utterance to answer; the node produces
	// the scripted greeting itself, with no generation cost.
	if st.Utterance == "" && st.Response == "" {
		st.Response = Greeting(resolved)
	}
	return st, nil
}

// Greeting is the scripted opening line for a resolved caller. It is
// produced without a model call and charges nothing.
func Greeting(r ResolvedIdentity) string {
	if r.NewUser {
		return fmt.Sprintf(
			"Thank you! I've noted your number ending in %s. I'm excited to tell you about our food-delivery credit card. To start, may I know your name?",
			r.User.PhoneLastFour)
	}
	name := r.User.Name
	if name == "" {
		name = "customer ending in " + r.User.PhoneLastFour
	}
	return fmt.Sprintf(
		"Welcome back, %s! Great to speak with you again. I'm following up on our conversation about the food-delivery credit card. How have you been?",
		name)
}

type identityClaims struct {
	Phone string
	Name  string
}

// decodeClaims extracts the claim set from an upstream-verified token.
// Signature and expiry were checked before the signal reached the
// pipeline, so only the claim payload is read here.
func decodeClaims(token string) (identityClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return identityClaims{}, core.NewIdentityError("malformed identity token")
	}

	out := identityClaims{}
	for _, key := range []string{"phone_number", "phone", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			out.Phone = v
			break
		}
	}
	if v, ok := claims["name"].(string); ok {
		out.Name = v
	}
	if out.Phone == "" {
		return identityClaims{}, core.NewIdentityError("identity token carries no subject")
	}
	return out, nil
}
