package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/pitchline/pkg/core"
)

// Postgres is the durable memory tier, backed by a bounded pgx pool
// shared by all sessions.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to the durable store and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks the durable store is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashPhone produces the stable identity key for a phone number.
func HashPhone(phone string) string {
	sum := sha256.Sum256([]byte(NormalizePhone(phone)))
	return hex.EncodeToString(sum[:])
}

// PhoneLastFour returns the trailing digits used for display.
func PhoneLastFour(phone string) string {
	normalized := NormalizePhone(phone)
	if len(normalized) >= 4 {
		return normalized[len(normalized)-4:]
	}
	return normalized
}

const userColumns = "id, phone_number_hash, phone_last_four, name, location, work_status, created_at, updated_at"

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PhoneHash, &u.PhoneLastFour, &u.Name, &u.Location, &u.WorkStatus, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// FindUserByPhone looks up a user by raw phone number.
func (p *Postgres) FindUserByPhone(ctx context.Context, phone string) (User, bool, error) {
	u, err := scanUser(p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE phone_number_hash = $1",
		HashPhone(phone)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, core.NewPersistenceError("find user", err)
	}
	return u, true, nil
}

// GetOrCreateUser resolves a phone number to a user, creating the row
// and its empty profile on first sight. Idempotent: the hashed-phone
// uniqueness constraint makes concurrent creation converge on one row.
func (p *Postgres) GetOrCreateUser(ctx context.Context, phone, name string) (User, bool, error) {
	if u, ok, err := p.FindUserByPhone(ctx, phone); err != nil || ok {
		return u, false, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return User{}, false, core.NewPersistenceError("begin create user", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	tag, err := tx.Exec(ctx,
		`INSERT INTO users (id, phone_number_hash, phone_last_four, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (phone_number_hash) DO NOTHING`,
		id, HashPhone(phone), PhoneLastFour(phone), name)
	if err != nil {
		return User{}, false, core.NewPersistenceError("create user", err)
	}
	created := tag.RowsAffected() == 1
	if created {
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_profiles (id, user_id) VALUES ($1, $2)",
			uuid.New(), id); err != nil {
			return User{}, false, core.NewPersistenceError("create profile", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, false, core.NewPersistenceError("commit create user", err)
	}

	u, ok, err := p.FindUserByPhone(ctx, phone)
	if err != nil {
		return User{}, false, err
	}
	if !ok {
		return User{}, false, core.NewPersistenceError("user vanished after create", nil)
	}
	if created {
		p.logger.Info("created user", "user_id", u.ID, "phone_last_four", u.PhoneLastFour)
	}
	return u, created, nil
}

// UpdateUser applies a partial update to the user row.
func (p *Postgres) UpdateUser(ctx context.Context, userID uuid.UUID, fields UserFields) error {
	if fields.Empty() {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE users SET
		   name = COALESCE($2, name),
		   location = COALESCE($3, location),
		   work_status = COALESCE($4, work_status),
		   updated_at = now()
		 WHERE id = $1`,
		userID, fields.Name, fields.Location, fields.WorkStatus)
	if err != nil {
		return core.NewPersistenceError("update user", err)
	}
	return nil
}

const profileColumns = "id, user_id, spending_patterns, food_habits, financial_goals, current_cards, preferences, pain_points, created_at, updated_at"

func scanProfile(row pgx.Row) (UserProfile, error) {
	var pr UserProfile
	err := row.Scan(&pr.ID, &pr.UserID, &pr.SpendingPatterns, &pr.FoodHabits, &pr.FinancialGoals,
		&pr.CurrentCards, &pr.Preferences, &pr.PainPoints, &pr.CreatedAt, &pr.UpdatedAt)
	return pr, err
}

// GetProfile loads the user's profile, if one exists.
func (p *Postgres) GetProfile(ctx context.Context, userID uuid.UUID) (UserProfile, bool, error) {
	pr, err := scanProfile(p.pool.QueryRow(ctx,
		"SELECT "+profileColumns+" FROM user_profiles WHERE user_id = $1", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return UserProfile{}, false, nil
	}
	if err != nil {
		return UserProfile{}, false, core.NewPersistenceError("get profile", err)
	}
	return pr, true, nil
}

func mergeMapping(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mergeList(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

// MergeProfile folds an update into the stored profile field by field.
// Mapping keys are overlaid; untouched mappings are left as they are.
func (p *Postgres) MergeProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) error {
	if update.Empty() {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return core.NewPersistenceError("begin merge profile", err)
	}
	defer tx.Rollback(ctx)

	pr, err := scanProfile(tx.QueryRow(ctx,
		"SELECT "+profileColumns+" FROM user_profiles WHERE user_id = $1 FOR UPDATE", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		pr = UserProfile{ID: uuid.New(), UserID: userID}
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_profiles (id, user_id) VALUES ($1, $2)", pr.ID, pr.UserID); err != nil {
			return core.NewPersistenceError("create profile", err)
		}
	} else if err != nil {
		return core.NewPersistenceError("lock profile", err)
	}

	pr.SpendingPatterns = mergeMapping(pr.SpendingPatterns, update.SpendingPatterns)
	pr.FoodHabits = mergeMapping(pr.FoodHabits, update.FoodHabits)
	pr.FinancialGoals = mergeMapping(pr.FinancialGoals, update.FinancialGoals)
	pr.CurrentCards = mergeMapping(pr.CurrentCards, update.CurrentCards)
	pr.Preferences = mergeMapping(pr.Preferences, update.Preferences)
	pr.PainPoints = mergeList(pr.PainPoints, update.PainPoints)

	if _, err := tx.Exec(ctx,
		`UPDATE user_profiles SET
		   spending_patterns = $2, food_habits = $3, financial_goals = $4,
		   current_cards = $5, preferences = $6, pain_points = $7, updated_at = now()
		 WHERE id = $1`,
		pr.ID, pr.SpendingPatterns, pr.FoodHabits, pr.FinancialGoals,
		pr.CurrentCards, pr.Preferences, pr.PainPoints); err != nil {
		return core.NewPersistenceError("merge profile", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.NewPersistenceError("commit merge profile", err)
	}
	return nil
}

const sessionColumns = "id, user_id, session_type, started_at, ended_at, summary, token_count, outcome"

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.Type, &s.StartedAt, &s.EndedAt, &s.Summary, &s.TokenCount, &s.Outcome)
	return s, err
}

// CreateSession opens a durable session row.
func (p *Postgres) CreateSession(ctx context.Context, userID uuid.UUID, sessionType SessionType) (Session, error) {
	if !sessionType.Valid() {
		return Session{}, core.NewInvalidRequestError(fmt.Sprintf("unknown session type %q", sessionType))
	}
	s, err := scanSession(p.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, session_type) VALUES ($1, $2, $3)
		 RETURNING `+sessionColumns,
		uuid.New(), userID, sessionType))
	if err != nil {
		return Session{}, core.NewPersistenceError("create session", err)
	}
	p.logger.Info("created session", "session_id", s.ID, "session_type", s.Type, "user_id", s.UserID)
	return s, nil
}

// GetSession loads one session row.
func (p *Postgres) GetSession(ctx context.Context, sessionID uuid.UUID) (Session, bool, error) {
	s, err := scanSession(p.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, core.NewPersistenceError("get session", err)
	}
	return s, true, nil
}

// EndSession closes a session. Idempotent: a session already ended is
// left untouched and reported via the returned Session.
func (p *Postgres) EndSession(ctx context.Context, sessionID uuid.UUID, summary, outcome string, tokenCount int64) (Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx,
		`UPDATE sessions SET
		   ended_at = COALESCE(ended_at, now()),
		   summary = CASE WHEN ended_at IS NULL THEN $2 ELSE summary END,
		   outcome = CASE WHEN ended_at IS NULL THEN $3 ELSE outcome END,
		   token_count = CASE WHEN ended_at IS NULL THEN GREATEST(token_count, $4) ELSE token_count END
		 WHERE id = $1
		 RETURNING `+sessionColumns,
		sessionID, summary, outcome, tokenCount))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, core.NewSessionEndedError(sessionID.String())
	}
	if err != nil {
		return Session{}, core.NewPersistenceError("end session", err)
	}
	return s, nil
}

// UserSessions returns the user's most recent sessions, newest first.
func (p *Postgres) UserSessions(ctx context.Context, userID uuid.UUID, sessionType SessionType, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	query := "SELECT " + sessionColumns + " FROM sessions WHERE user_id = $1"
	args := []any{userID}
	if sessionType != "" {
		query += " AND session_type = $2"
		args = append(args, sessionType)
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.NewPersistenceError("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, core.NewPersistenceError("scan session", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("list sessions", err)
	}
	return out, nil
}

// AppendExchange atomically appends the turn's records and charges the
// token delta against the session row. The turn index is assigned under
// the session row lock, so indices are strictly increasing with no
// duplicates, and a turn is never logged without its charge nor charged
// without its log. Returns the first assigned index and the session's
// new cumulative token count.
//
// An ended session rejects the write outright: a late-completing
// generation whose session closed mid-flight is discarded here.
func (p *Postgres) AppendExchange(ctx context.Context, sessionID uuid.UUID, records []TurnRecord, tokenDelta int64) (int, int64, error) {
	if len(records) == 0 {
		return 0, 0, core.NewInvalidRequestError("exchange needs at least one turn record")
	}
	if tokenDelta < 0 {
		return 0, 0, core.NewInvalidRequestError("token delta must be non-negative")
	}
	for _, r := range records {
		if !r.Role.Valid() {
			return 0, 0, core.NewInvalidRequestError(fmt.Sprintf("unknown role %q", r.Role))
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, 0, core.NewPersistenceError("begin exchange", err)
	}
	defer tx.Rollback(ctx)

	var endedAt *time.Time
	var tokenCount int64
	err = tx.QueryRow(ctx,
		"SELECT ended_at, token_count FROM sessions WHERE id = $1 FOR UPDATE", sessionID).
		Scan(&endedAt, &tokenCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, core.NewSessionEndedError(sessionID.String())
	}
	if err != nil {
		return 0, 0, core.NewPersistenceError("lock session", err)
	}
	if endedAt != nil {
		return 0, 0, core.NewSessionEndedError(sessionID.String())
	}

	var firstIndex int
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(turn_index), 0) + 1 FROM conversation_turns WHERE session_id = $1",
		sessionID).Scan(&firstIndex)
	if err != nil {
		return 0, 0, core.NewPersistenceError("next turn index", err)
	}

	for i, r := range records {
		entities := r.ExtractedEntities
		if entities == nil {
			entities = map[string]any{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_turns (id, session_id, turn_index, role, content, extracted_entities)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), sessionID, firstIndex+i, r.Role, r.Content, entities); err != nil {
			return 0, 0, core.NewPersistenceError("append turn", err)
		}
	}

	newCount := tokenCount + tokenDelta
	if _, err := tx.Exec(ctx,
		"UPDATE sessions SET token_count = $2 WHERE id = $1", sessionID, newCount); err != nil {
		return 0, 0, core.NewPersistenceError("charge tokens", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, core.NewPersistenceError("commit exchange", err)
	}
	return firstIndex, newCount, nil
}

// SessionTurns returns a session's turn log in index order. A positive
// limit returns only the most recent turns.
func (p *Postgres) SessionTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]ConversationTurn, error) {
	query := `SELECT id, session_id, turn_index, role, content, extracted_entities, created_at
		FROM conversation_turns WHERE session_id = $1 ORDER BY turn_index`
	if limit > 0 {
		query = fmt.Sprintf(`SELECT * FROM (%s DESC LIMIT %d) recent ORDER BY turn_index`, query, limit)
	}

	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, core.NewPersistenceError("list turns", err)
	}
	defer rows.Close()

	var out []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &t.Role, &t.Content, &t.ExtractedEntities, &t.CreatedAt); err != nil {
			return nil, core.NewPersistenceError("scan turn", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("list turns", err)
	}
	return out, nil
}

// UpsertInsight stores a derived fact, last-write-wins per
// (user, insight_type, insight_key).
func (p *Postgres) UpsertInsight(ctx context.Context, userID uuid.UUID, update InsightUpdate, sessionID *uuid.UUID) error {
	if update.Confidence < 0 || update.Confidence > 1 {
		return core.NewInvalidRequestError(fmt.Sprintf("confidence must be in [0,1], got %v", update.Confidence))
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO computed_insights
		   (id, user_id, insight_type, insight_key, insight_value, numeric_value, confidence, derived_from_session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, insight_type, insight_key) DO UPDATE SET
		   insight_value = EXCLUDED.insight_value,
		   numeric_value = EXCLUDED.numeric_value,
		   confidence = EXCLUDED.confidence,
		   derived_from_session_id = EXCLUDED.derived_from_session_id,
		   updated_at = now()`,
		uuid.New(), userID, update.Type, update.Key, update.Value, update.NumericValue, update.Confidence, sessionID)
	if err != nil {
		return core.NewPersistenceError("upsert insight", err)
	}
	return nil
}

// UserInsights returns the user's insights, most recently updated first.
func (p *Postgres) UserInsights(ctx context.Context, userID uuid.UUID, limit int) ([]ComputedInsight, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, insight_type, insight_key, insight_value, numeric_value, confidence,
		   derived_from_session_id, created_at, updated_at
		 FROM computed_insights WHERE user_id = $1
		 ORDER BY updated_at DESC LIMIT %d`, limit),
		userID)
	if err != nil {
		return nil, core.NewPersistenceError("list insights", err)
	}
	defer rows.Close()

	var out []ComputedInsight
	for rows.Next() {
		var in ComputedInsight
		if err := rows.Scan(&in.ID, &in.UserID, &in.Type, &in.Key, &in.Value, &in.NumericValue,
			&in.Confidence, &in.DerivedFromSessionID, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, core.NewPersistenceError("scan insight", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("list insights", err)
	}
	return out, nil
}

// UserContext assembles everything a turn's retriever stage needs.
func (p *Postgres) UserContext(ctx context.Context, userID uuid.UUID, insightLimit, sessionLimit int) (UserContext, error) {
	u, err := scanUser(p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return UserContext{}, core.NewPersistenceError("user not found", err)
	}
	if err != nil {
		return UserContext{}, core.NewPersistenceError("get user", err)
	}

	out := UserContext{User: u}
	if pr, ok, err := p.GetProfile(ctx, userID); err != nil {
		return UserContext{}, err
	} else if ok {
		out.Profile = &pr
	}
	if out.Insights, err = p.UserInsights(ctx, userID, insightLimit); err != nil {
		return UserContext{}, err
	}
	if out.RecentSessions, err = p.UserSessions(ctx, userID, "", sessionLimit); err != nil {
		return UserContext{}, err
	}
	return out, nil
}
