package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyRecord is returned when a history record is missing required fields.
var ErrEmptyRecord = errors.New("history record missing session id or event type")

// HistoryRecord is one durable entry in a session's event history.
type HistoryRecord struct {
	ID         uuid.UUID
	SessionID  string
	EventType  string
	SourceID   string
	Payload    []byte
	RecordedAt time.Time
}

// HistoryRepository provides durable session history persistence.
type HistoryRepository struct {
	db *pgxpool.Pool
}

// NewHistoryRepository creates a HistoryRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewHistoryRepository(db *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts a single history record.
//
// Precondition: rec.SessionID and rec.EventType must be non-empty.
// Postcondition: The record is durably stored with a server-assigned ID
// and timestamp if rec left them zero.
func (r *HistoryRepository) Append(ctx context.Context, rec HistoryRecord) error {
	if rec.SessionID == "" || rec.EventType == "" {
		return ErrEmptyRecord
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("{}")
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO session_history (id, session_id, event_type, source_id, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SessionID, rec.EventType, rec.SourceID, rec.Payload, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}
	return nil
}

// AppendBatch inserts multiple history records in a single round trip.
//
// Precondition: Every record must have a non-empty SessionID and EventType.
// Postcondition: Either all records are stored or an error is returned on
// the first failed insert; earlier inserts in the batch are not rolled back.
func (r *HistoryRepository) AppendBatch(ctx context.Context, recs []HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range recs {
		rec := recs[i]
		if rec.SessionID == "" || rec.EventType == "" {
			return ErrEmptyRecord
		}
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = time.Now().UTC()
		}
		if len(rec.Payload) == 0 {
			rec.Payload = []byte("{}")
		}
		batch.Queue(
			`INSERT INTO session_history (id, session_id, event_type, source_id, payload, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.SessionID, rec.EventType, rec.SourceID, rec.Payload, rec.RecordedAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range recs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting history batch: %w", err)
		}
	}
	return nil
}

// ListBySession returns a session's history in recording order, oldest first.
//
// Precondition: sessionID must be non-empty; limit <= 0 means no limit.
// Postcondition: Returns records ordered by recorded_at ascending; an empty
// slice when the session has no history.
func (r *HistoryRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]HistoryRecord, error) {
	query := `SELECT id, session_id, event_type, source_id, payload, recorded_at
		 FROM session_history
		 WHERE session_id = $1
		 ORDER BY recorded_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	var recs []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EventType, &rec.SourceID, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return recs, nil
}

// CountBySession returns the number of stored records for a session.
func (r *HistoryRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_history WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting history records: %w", err)
	}
	return count, nil
}

// PruneBefore deletes records older than the cutoff and reports how many went.
//
// Postcondition: All records with recorded_at before cutoff are removed.
func (r *HistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM session_history WHERE recorded_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning history records: %w", err)
	}
	return tag.RowsAffected(), nil
}
