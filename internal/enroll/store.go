package enroll

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/heuristics"
)

const schema = `
CREATE TABLE IF NOT EXISTS enrollments (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	snapshot_key TEXT NOT NULL,
	face_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_enrollments_user ON enrollments(user_id);

CREATE TABLE IF NOT EXISTS violations (
	id          BIGSERIAL PRIMARY KEY,
	attempt_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	details     JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_violations_attempt ON violations(attempt_id, occurred_at);
`

// Enrollment is one stored face sample.
type Enrollment struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	SnapshotKey    string    `db:"snapshot_key"`
	FaceConfidence float64   `db:"face_confidence"`
	CreatedAt      time.Time `db:"created_at"`
}

// Store persists enrollments and the local violation audit trail in
// Postgres.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore opens the database and applies the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("enroll: open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("enroll: database unreachable: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("enroll: apply schema: %w", err)
	}

	return &Store{db: db, logger: zap.L().Named("enroll-store")}, nil
}

// InsertEnrollment records one captured face sample.
func (s *Store) InsertEnrollment(ctx context.Context, e Enrollment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (id, user_id, snapshot_key, face_confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.SnapshotKey, e.FaceConfidence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("enroll: insert enrollment: %w", err)
	}
	return nil
}

// EnrollmentsFor lists a user's stored samples, newest first.
func (s *Store) EnrollmentsFor(ctx context.Context, userID string) ([]Enrollment, error) {
	var out []Enrollment
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, user_id, snapshot_key, face_confidence, created_at
		 FROM enrollments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("enroll: query enrollments: %w", err)
	}
	return out, nil
}

// InsertViolation implements report.AuditStore.
func (s *Store) InsertViolation(ctx context.Context, attemptID string, kind string, occurredAt time.Time, details heuristics.Details) error {
	blob, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("enroll: marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO violations (attempt_id, kind, occurred_at, details)
		 VALUES ($1, $2, $3, $4)`,
		attemptID, kind, occurredAt, blob)
	if err != nil {
		return fmt.Errorf("enroll: insert violation: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
