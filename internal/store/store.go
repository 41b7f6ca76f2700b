// Package store persists the event delivery journal and the subscriber
// dedup ledger in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobline/internal/domain"
)

// tsLayout is fixed width so that timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// RecordDelivery appends one publication outcome to the journal.
func (s *Store) RecordDelivery(ctx context.Context, d domain.Delivery) error {
	ts := d.TS
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO event_deliveries(event_id,event_type,aggregate_id,status,attempts,error,ts) VALUES (?,?,?,?,?,?,?)`,
		d.EventID, d.EventType, nullable(d.AggregateID), d.Status, d.Attempts, nullable(d.Error), ts.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// DeliveryFilter narrows ListDeliveries. Zero values match everything.
type DeliveryFilter struct {
	EventType string
	Status    string
	Limit     int
}

// ListDeliveries returns journal entries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id,event_id,event_type,aggregate_id,status,attempts,error,ts FROM event_deliveries WHERE 1=1`
	var args []any
	if f.EventType != "" {
		q += ` AND event_type=?`
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Delivery
	for rows.Next() {
		var (
			d       domain.Delivery
			agg, e  sql.NullString
			tsValue string
		)
		if err := rows.Scan(&d.ID, &d.EventID, &d.EventType, &agg, &d.Status, &d.Attempts, &e, &tsValue); err != nil {
			return nil, err
		}
		d.AggregateID = agg.String
		d.Error = e.String
		if ts, err := time.Parse(tsLayout, tsValue); err == nil {
			d.TS = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Seen reports whether eventID was handled before.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id=?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkSeen records eventID as handled. Marking twice is a no-op.
func (s *Store) MarkSeen(ctx context.Context, eventID, eventType string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO processed_events(event_id,event_type,processed_at) VALUES (?,?,?) ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventType, s.now().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	return nil
}

// PruneSeen forgets ledger entries older than cutoff and returns how many
// were removed.
func (s *Store) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
