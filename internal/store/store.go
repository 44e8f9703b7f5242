package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps the history of detection sessions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// SessionRecord is one row of detection_sessions.
type SessionRecord struct {
	ID          string
	Source      string
	Fingerprint string
	Model       string
	Status      string
	Message     string
	Frames      int
	Detections  int
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// DetectionRecord is one reported label of one frame.
type DetectionRecord struct {
	FrameIndex int
	Label      string
	Confidence float64
}

// New opens a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS detection_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			thresholds JSONB,
			status TEXT NOT NULL DEFAULT 'RUNNING',
			message TEXT NOT NULL DEFAULT '',
			frames INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS frame_detections (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES detection_sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			label TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS frame_detections_session_id_idx ON frame_detections (session_id, frame_index);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// StartSession registers a session. Starting an existing id again clears its previous detections.
func (s *Store) StartSession(ctx context.Context, id string, req *types.DetectRequest) error {
	return s.StartSessionWithFingerprint(ctx, id, req, "")
}

// StartSessionWithFingerprint also stores a content fingerprint of the source.
func (s *Store) StartSessionWithFingerprint(ctx context.Context, id string, req *types.DetectRequest, fingerprint string) error {
	th := req.EffectiveThresholds()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM frame_detections WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("clear detections: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO detection_sessions (id, source, fingerprint, model, thresholds, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'RUNNING', NOW())
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source, fingerprint = EXCLUDED.fingerprint, model = EXCLUDED.model,
			thresholds = EXCLUDED.thresholds, status = 'RUNNING', message = '', frames = 0,
			started_at = NOW(), finished_at = NULL
	`, id, req.Source, fingerprint, req.Model, th)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit(ctx)
}

// RecordFrame saves the reported labels of one frame.
func (s *Store) RecordFrame(ctx context.Context, id string, fr *types.FrameResult) error {
	if len(fr.Labels) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range fr.Labels {
		batch.Queue(`
			INSERT INTO frame_detections (session_id, frame_index, label, confidence)
			VALUES ($1, $2, $3, $4)
		`, id, fr.Index, l.Name, l.Confidence)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert detections for frame %d: %w", fr.Index, err)
	}
	return nil
}

// FinishSession stores the terminal status of a session.
func (s *Store) FinishSession(ctx context.Context, id string, st types.Status, frames int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_sessions SET status = $2, message = $3, frames = $4, finished_at = NOW()
		WHERE id = $1
	`, id, st.Code.String(), st.Message, frames)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish session %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.source, s.fingerprint, s.model, s.status, s.message, s.frames,
			(SELECT COUNT(*) FROM frame_detections d WHERE d.session_id = s.id),
			s.started_at, s.finished_at
		FROM detection_sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Source, &r.Fingerprint, &r.Model, &r.Status, &r.Message,
			&r.Frames, &r.Detections, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrSessionNotFound is returned for an id with no recorded session.
var ErrSessionNotFound = errors.New("session not found")

// SessionDetections returns every recorded label of a session in frame order.
func (s *Store) SessionDetections(ctx context.Context, id string) ([]DetectionRecord, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM detection_sessions WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT frame_index, label, confidence FROM frame_detections
		WHERE session_id = $1
		ORDER BY frame_index, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		if err := rows.Scan(&d.FrameIndex, &d.Label, &d.Confidence); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next New call recreates them.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS frame_detections CASCADE;
		DROP TABLE IF EXISTS detection_sessions CASCADE;
	`)
	return err
}
