package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feynmed/teachback/internal/lifecycle"
)

// PostgresStore persists session data in PostgreSQL. The teach-back
// tables live in their own namespace; no other feature reads or writes
// them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS teachback_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			input_mode TEXT NOT NULL,
			output_mode TEXT NOT NULL,
			state TEXT NOT NULL,
			plan TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_teachback_sessions_plan_created ON teachback_sessions (plan, created_at);`,
		`CREATE TABLE IF NOT EXISTS teachback_transcript (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_teachback_transcript_session ON teachback_transcript (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS teachback_errors (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			severity TEXT NOT NULL,
			correction TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_teachback_errors_session ON teachback_errors (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS teachback_exam_qa (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			score INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_teachback_exam_qa_session ON teachback_exam_qa (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS teachback_summaries (
			session_id TEXT PRIMARY KEY,
			errors JSONB NOT NULL,
			missed_concepts JSONB NOT NULL,
			strong_areas JSONB NOT NULL,
			recommendations JSONB NOT NULL,
			overall_score INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS teachback_transitions (
			session_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS teachback_usage (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			text_sessions INT NOT NULL DEFAULT 0,
			voice_sessions INT NOT NULL DEFAULT 0,
			units_used INT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teachback_sessions (id, user_id, topic, input_mode, output_mode, state, plan, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.Topic, sess.InputMode, sess.OutputMode, sess.State, sess.Plan, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, topic, input_mode, output_mode, state, plan, created_at, updated_at
		 FROM teachback_sessions WHERE id=$1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Topic, &sess.InputMode, &sess.OutputMode, &sess.State, &sess.Plan, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, id string, state lifecycle.State) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE teachback_sessions SET state=$2, updated_at=now() WHERE id=$1`, id, state)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSessionModes(ctx context.Context, id string, input InputMode, output OutputMode) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE teachback_sessions SET input_mode=$2, output_mode=$3, updated_at=now() WHERE id=$1`,
		id, input, output)
	if err != nil {
		return fmt.Errorf("update session modes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSessionsBefore(ctx context.Context, plan string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH expired AS (
			DELETE FROM teachback_sessions WHERE plan=$1 AND created_at < $2 RETURNING id
		),
		t AS (DELETE FROM teachback_transcript WHERE session_id IN (SELECT id FROM expired)),
		e AS (DELETE FROM teachback_errors WHERE session_id IN (SELECT id FROM expired)),
		q AS (DELETE FROM teachback_exam_qa WHERE session_id IN (SELECT id FROM expired)),
		m AS (DELETE FROM teachback_summaries WHERE session_id IN (SELECT id FROM expired))
		SELECT count(*) FROM expired`, plan, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, e TranscriptEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teachback_transcript (id, session_id, speaker, text, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, e.Speaker, e.Text, e.Source, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, speaker, text, source, created_at
		 FROM teachback_transcript WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Speaker, &e.Text, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) AppendDetectedError(ctx context.Context, e DetectedError) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teachback_errors (id, session_id, description, severity, correction, topic, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SessionID, e.Description, e.Severity, e.Correction, e.Topic, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append detected error: %w", err)
	}
	return nil
}

func (s *PostgresStore) DetectedErrors(ctx context.Context, sessionID string) ([]DetectedError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, description, severity, correction, topic, created_at
		 FROM teachback_errors WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query detected errors: %w", err)
	}
	defer rows.Close()

	var out []DetectedError
	for rows.Next() {
		var e DetectedError
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Description, &e.Severity, &e.Correction, &e.Topic, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detected error row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detected error rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendExamQA(ctx context.Context, qa ExaminationQA) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teachback_exam_qa (id, session_id, question, answer, score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		qa.ID, qa.SessionID, qa.Question, qa.Answer, qa.Score, qa.CreatedAt)
	if err != nil {
		return fmt.Errorf("append exam qa: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExamQAs(ctx context.Context, sessionID string) ([]ExaminationQA, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, question, answer, score, created_at
		 FROM teachback_exam_qa WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query exam qa: %w", err)
	}
	defer rows.Close()

	var out []ExaminationQA
	for rows.Next() {
		var qa ExaminationQA
		if err := rows.Scan(&qa.ID, &qa.SessionID, &qa.Question, &qa.Answer, &qa.Score, &qa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exam qa row: %w", err)
		}
		out = append(out, qa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exam qa rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, sum SessionSummary) error {
	errsJSON, err := json.Marshal(sum.Errors)
	if err != nil {
		return fmt.Errorf("marshal summary errors: %w", err)
	}
	missedJSON, err := json.Marshal(sum.MissedConcepts)
	if err != nil {
		return fmt.Errorf("marshal missed concepts: %w", err)
	}
	strongJSON, err := json.Marshal(sum.StrongAreas)
	if err != nil {
		return fmt.Errorf("marshal strong areas: %w", err)
	}
	recsJSON, err := json.Marshal(sum.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}

	// ON CONFLICT DO NOTHING keeps the first summary; completion is
	// idempotent and never regenerates.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO teachback_summaries (session_id, errors, missed_concepts, strong_areas, recommendations, overall_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		sum.SessionID, errsJSON, missedJSON, strongJSON, recsJSON, sum.OverallScore, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	var (
		sum                                      SessionSummary
		errsJSON, missedJSON, strongJSON, recsJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, errors, missed_concepts, strong_areas, recommendations, overall_score, created_at
		 FROM teachback_summaries WHERE session_id=$1`, sessionID,
	).Scan(&sum.SessionID, &errsJSON, &missedJSON, &strongJSON, &recsJSON, &sum.OverallScore, &sum.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionSummary{}, ErrNotFound
		}
		return SessionSummary{}, fmt.Errorf("get summary: %w", err)
	}
	if err := json.Unmarshal(errsJSON, &sum.Errors); err != nil {
		return SessionSummary{}, fmt.Errorf("unmarshal summary errors: %w", err)
	}
	if err := json.Unmarshal(missedJSON, &sum.MissedConcepts); err != nil {
		return SessionSummary{}, fmt.Errorf("unmarshal missed concepts: %w", err)
	}
	if err := json.Unmarshal(strongJSON, &sum.StrongAreas); err != nil {
		return SessionSummary{}, fmt.Errorf("unmarshal strong areas: %w", err)
	}
	if err := json.Unmarshal(recsJSON, &sum.Recommendations); err != nil {
		return SessionSummary{}, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) AppendTransition(ctx context.Context, t lifecycle.Transition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teachback_transitions (session_id, from_state, to_state, at) VALUES ($1, $2, $3, $4)`,
		t.SessionID, t.From, t.To, t.At)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReserveUsage(ctx context.Context, userID, day string, mode InputMode, units, limitUnits int) (UsageRecord, bool, error) {
	textInc := 0
	voiceInc := 0
	if mode == InputText {
		textInc = 1
	} else {
		voiceInc = 1
	}

	// Single conditional upsert so two concurrent creations cannot both
	// slip past the same quota boundary.
	var rec UsageRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO teachback_usage (user_id, day, text_sessions, voice_sessions, units_used)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, day) DO UPDATE
		SET text_sessions = teachback_usage.text_sessions + $3,
		    voice_sessions = teachback_usage.voice_sessions + $4,
		    units_used = teachback_usage.units_used + $5
		WHERE teachback_usage.units_used + $5 <= $6
		RETURNING user_id, day, text_sessions, voice_sessions, units_used`,
		userID, day, textInc, voiceInc, units, limitUnits,
	).Scan(&rec.UserID, &rec.Day, &rec.TextSessions, &rec.VoiceSessions, &rec.UnitsUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conditional update matched nothing: over budget.
			current, usageErr := s.UsageOn(ctx, userID, day)
			if usageErr != nil {
				return UsageRecord{}, false, usageErr
			}
			return current, false, nil
		}
		return UsageRecord{}, false, fmt.Errorf("reserve usage: %w", err)
	}
	if units > 0 && rec.UnitsUsed > limitUnits {
		// Insert path bypasses the conditional clause; roll back the
		// reservation for a first-of-day request that already exceeds
		// the budget (limit smaller than a single session cost).
		_, rbErr := s.pool.Exec(ctx, `
			UPDATE teachback_usage
			SET text_sessions = text_sessions - $3,
			    voice_sessions = voice_sessions - $4,
			    units_used = units_used - $5
			WHERE user_id=$1 AND day=$2`,
			userID, day, textInc, voiceInc, units)
		if rbErr != nil {
			return UsageRecord{}, false, fmt.Errorf("rollback over-budget reservation: %w", rbErr)
		}
		rec.TextSessions -= textInc
		rec.VoiceSessions -= voiceInc
		rec.UnitsUsed -= units
		return rec, false, nil
	}
	return rec, true, nil
}

func (s *PostgresStore) UsageOn(ctx context.Context, userID, day string) (UsageRecord, error) {
	var rec UsageRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, day, text_sessions, voice_sessions, units_used
		 FROM teachback_usage WHERE user_id=$1 AND day=$2`, userID, day,
	).Scan(&rec.UserID, &rec.Day, &rec.TextSessions, &rec.VoiceSessions, &rec.UnitsUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageRecord{UserID: userID, Day: day}, nil
		}
		return UsageRecord{}, fmt.Errorf("query usage: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
