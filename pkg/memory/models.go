// Package memory implements the two storage tiers: a durable Postgres
// store for users, profiles, sessions, turns, and insights, and a
// Redis cache for in-flight session state. The durable tier is the
// system of record for billing and history; the cache is a
// rebuildable accelerator.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// SessionType is the closed enum of conversation kinds.
type SessionType string

const (
	SessionDiscovery SessionType = "discovery"
	SessionPitch     SessionType = "pitch"
	SessionObjection SessionType = "objection"
)

// Valid reports whether s is a known session type.
func (s SessionType) Valid() bool {
	switch s {
	case SessionDiscovery, SessionPitch, SessionObjection:
		return true
	}
	return false
}

// Role is the closed enum of turn authors.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// User is a durable identity, keyed by hashed phone number.
type User struct {
	ID            uuid.UUID
	PhoneHash     string
	PhoneLastFour string
	Name          string
	Location      string
	WorkStatus    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserProfile is the one-to-one structured profile for a user.
// Mapping fields are merged field-by-field, never overwritten wholesale.
type UserProfile struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	SpendingPatterns map[string]any
	FoodHabits       map[string]any
	FinancialGoals   map[string]any
	CurrentCards     map[string]any
	Preferences      map[string]any
	PainPoints       []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is one conversation instance. Immutable once EndedAt is set.
type Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Type       SessionType
	StartedAt  time.Time
	EndedAt    *time.Time
	Summary    string
	TokenCount int64
	Outcome    string
}

// Ended reports whether the session has been closed.
func (s Session) Ended() bool {
	return s.EndedAt != nil
}

// ConversationTurn is an append-only log entry, ordered by TurnIndex
// which is strictly increasing within its session.
type ConversationTurn struct {
	ID                uuid.UUID
	SessionID         uuid.UUID
	TurnIndex         int
	Role              Role
	Content           string
	ExtractedEntities map[string]any
	CreatedAt         time.Time
}

// ComputedInsight is a derived fact about a user, unique per
// (user, insight_type, insight_key), upserted last-write-wins.
type ComputedInsight struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	Type                 string
	Key                  string
	Value                string
	NumericValue         *float64
	Confidence           float64
	DerivedFromSessionID *uuid.UUID
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UserFields is a partial update to the user row. Nil means untouched.
type UserFields struct {
	Name       *string
	Location   *string
	WorkStatus *string
}

// Empty reports whether no field is set.
func (f UserFields) Empty() bool {
	return f.Name == nil && f.Location == nil && f.WorkStatus == nil
}

// ProfileUpdate is a field-level profile delta. Map entries are merged
// key-by-key into the stored mapping; pain points are appended with
// duplicates dropped.
type ProfileUpdate struct {
	SpendingPatterns map[string]any
	FoodHabits       map[string]any
	FinancialGoals   map[string]any
	CurrentCards     map[string]any
	Preferences      map[string]any
	PainPoints       []string
}

// Empty reports whether the update carries no changes.
func (u ProfileUpdate) Empty() bool {
	return len(u.SpendingPatterns) == 0 &&
		len(u.FoodHabits) == 0 &&
		len(u.FinancialGoals) == 0 &&
		len(u.CurrentCards) == 0 &&
		len(u.Preferences) == 0 &&
		len(u.PainPoints) == 0
}

// InsightUpdate is one insight candidate for last-write-wins upsert.
type InsightUpdate struct {
	Type         string
	Key          string
	Value        string
	NumericValue *float64
	Confidence   float64
}

// TurnRecord is the payload for one appended turn.
type TurnRecord struct {
	Role              Role
	Content           string
	ExtractedEntities map[string]any
}

// UserContext bundles everything the retriever loads for a turn.
type UserContext struct {
	User           User
	Profile        *UserProfile
	Insights       []ComputedInsight
	RecentSessions []Session
}
