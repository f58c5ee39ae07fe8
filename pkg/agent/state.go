// Package agent implements the per-turn conversation pipeline: a fixed
// five-stage sequence (identity, memory retrieval, response generation,
// profile extraction, memory write) threaded over an explicit turn
// state, one execution at a time per session.
package agent

import (
	"github.com/google/uuid"

	"github.com/vango-go/pitchline/pkg/agent/prompts"
	"github.com/vango-go/pitchline/pkg/memory"
	"github.com/vango-go/pitchline/pkg/quota"
)

// Message is one conversation message in the generation window.
type Message struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
}

// IdentitySignal is the raw caller identity handed to the pipeline.
// Token is a claim set already verified upstream; Phone is a direct
// phone identifier for transports without token claims.
type IdentitySignal struct {
	Token string
	Phone string
	Name  string
}

// Empty reports whether no identity signal is present.
func (s IdentitySignal) Empty() bool {
	return s.Token == "" && s.Phone == ""
}

// Extraction is the profile-extractor stage's output: field-level
// deltas only, never whole-record overwrites.
type Extraction struct {
	User     memory.UserFields
	Profile  memory.ProfileUpdate
	Entities map[string]any
}

// Empty reports whether the extraction carries nothing to persist.
func (e *Extraction) Empty() bool {
	return e == nil || (e.User.Empty() && e.Profile.Empty() && len(e.Entities) == 0)
}

// TurnState is the record passed forward through the pipeline stages.
// Each stage returns an updated copy; no stage mutates shared state.
type TurnState struct {
	SessionID   uuid.UUID
	SessionType memory.SessionType

	// Set by the identity stage.
	Identity IdentitySignal
	UserID   uuid.UUID
	NewUser  bool

	// The inbound utterance. Empty on the opening turn, where the
	// identity stage produces a scripted greeting without generation.
	Utterance string

	// Set by the retriever stage.
	Context       memory.UserContext
	PromptContext prompts.Context
	History       []Message

	// Set by the generation stage (or the identity greeting).
	Response   string
	TokenDelta int64

	// Set by the extraction stage.
	Extraction *Extraction

	// Set by the writer stage after the durable commit.
	TurnIndex    int
	Usage        quota.Usage
	ExhaustedNow bool
}
