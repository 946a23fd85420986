package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/checkpoint"

// SQLiteStore persists snapshots as JSON in the checkpoints table.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
	loadCounter metric.Int64Counter
}

// NewSQLiteStore creates a snapshot store on top of an opened database.
func NewSQLiteStore(db *store.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SQLiteStore{
		db:     db.Conn(),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *SQLiteStore) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"devflow.checkpoint.saves_total",
		metric.WithDescription("Total number of snapshots saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"devflow.checkpoint.loads_total",
		metric.WithDescription("Total number of snapshots loaded"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}
}

// Save upserts the snapshot and stamps UpdatedAt.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", snap.ThreadID))

	if snap.ThreadID == "" {
		return errors.New("snapshot thread id is required")
	}

	snap.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.ThreadID, string(payload), snap.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save checkpoint %s: %w", snap.ThreadID, err)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	return nil
}

// Load returns the snapshot for threadID, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", threadID, err)
	}

	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}
	return &snap, nil
}

// Delete removes the snapshot for threadID. Deleting a missing thread is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.delete")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", threadID))

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}
