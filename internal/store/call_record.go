package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallRecord is the archived summary of one finished call.
type CallRecord struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	SessionID     string       `db:"session_id" json:"session_id"`
	CallSID       string       `db:"call_sid" json:"call_sid"`
	StreamSID     string       `db:"stream_sid" json:"stream_sid"`
	FirstName     string       `db:"first_name" json:"first_name,omitempty"`
	AgentID       string       `db:"agent_id" json:"agent_id,omitempty"`
	FinalStatus   string       `db:"final_status" json:"final_status"`
	Interruptions int          `db:"interruptions" json:"interruptions"`
	StartedAt     time.Time    `db:"started_at" json:"started_at"`
	EndedAt       time.Time    `db:"ended_at" json:"ended_at"`
	Turns         []TurnRecord `db:"-" json:"turns,omitempty"`
}

// TurnRecord is one message of an archived conversation.
type TurnRecord struct {
	CallID   uuid.UUID `db:"call_id" json:"-"`
	Position int       `db:"position" json:"position"`
	Role     string    `db:"role" json:"role"`
	Name     string    `db:"name" json:"name,omitempty"`
	Content  string    `db:"content" json:"content"`
	SpokenAt time.Time `db:"spoken_at" json:"spoken_at"`
}

const sqlInsertCallRecord = `
INSERT INTO call_records (id, session_id, call_sid, stream_sid, first_name, agent_id, final_status, interruptions, started_at, ended_at)
VALUES (:id, :session_id, :call_sid, :stream_sid, :first_name, :agent_id, :final_status, :interruptions, :started_at, :ended_at)
ON CONFLICT (session_id) DO NOTHING`

const sqlInsertCallTurn = `
INSERT INTO call_turns (call_id, position, role, name, content, spoken_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// SaveCallRecord stores the record and its turns in one transaction. Saving
// a session that is already archived is a no-op.
func (s *Store) SaveCallRecord(ctx context.Context, record CallRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.Error(ctx, "failed to begin call record transaction", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.NamedExecContext(ctx, sqlInsertCallRecord, record)
	if err != nil {
		s.logger.Error(ctx, "failed to insert call record", err)
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Info(ctx, "call record already archived")
		return nil
	}

	for i, turn := range record.Turns {
		if _, err := tx.ExecContext(ctx, sqlInsertCallTurn,
			record.ID, i, turn.Role, turn.Name, turn.Content, turn.SpokenAt); err != nil {
			s.logger.Error(ctx, "failed to insert call turn", err)
			return fmt.Errorf("failed to insert call turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error(ctx, "failed to commit call record", err)
		return fmt.Errorf("failed to commit call record: %w", err)
	}
	return nil
}

const sqlGetCallRecordByCallSID = `
SELECT id, session_id, call_sid, stream_sid, first_name, agent_id, final_status, interruptions, started_at, ended_at
FROM call_records WHERE call_sid = $1 ORDER BY started_at DESC LIMIT 1`

const sqlGetCallTurnsByCallID = `
SELECT call_id, position, role, name, content, spoken_at
FROM call_turns WHERE call_id = $1 ORDER BY position ASC`

// GetCallRecordByCallSID returns the latest archived record for a call,
// turns included.
func (s *Store) GetCallRecordByCallSID(ctx context.Context, callSID string) (*CallRecord, error) {
	var record CallRecord
	err := s.db.GetContext(ctx, &record, sqlGetCallRecordByCallSID, callSID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Error(ctx, "failed to get call record by call sid", err)
		return nil, fmt.Errorf("failed to get call record by call sid: %w", err)
	}

	if err := s.db.SelectContext(ctx, &record.Turns, sqlGetCallTurnsByCallID, record.ID); err != nil {
		s.logger.Error(ctx, "failed to get call turns", err)
		return nil, fmt.Errorf("failed to get call turns: %w", err)
	}
	return &record, nil
}

const sqlListRecentCallRecords = `
SELECT id, session_id, call_sid, stream_sid, first_name, agent_id, final_status, interruptions, started_at, ended_at
FROM call_records ORDER BY started_at DESC LIMIT $1`

// ListRecentCallRecords returns the newest records without their turns.
func (s *Store) ListRecentCallRecords(ctx context.Context, limit int) ([]CallRecord, error) {
	records := []CallRecord{}
	if err := s.db.SelectContext(ctx, &records, sqlListRecentCallRecords, limit); err != nil {
		s.logger.Error(ctx, "failed to list call records", err)
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}

// CallRecordProcessor persists archived calls for the archive worker pool.
type CallRecordProcessor struct {
	store *Store
}

func NewCallRecordProcessor(store *Store) *CallRecordProcessor {
	return &CallRecordProcessor{store: store}
}

func (p *CallRecordProcessor) Name() string { return "call_record_store" }

func (p *CallRecordProcessor) Process(ctx context.Context, record CallRecord) error {
	return p.store.SaveCallRecord(ctx, record)
}
