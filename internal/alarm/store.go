package alarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Store keeps alarms in the shared SQLite database so a process in one
// domain can schedule work that a process in the other domain claims.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Schedule(ctx context.Context, a Alarm) error {
	if a.Type == "" {
		return fmt.Errorf("alarm type is empty")
	}
	if a.Payload == nil {
		a.Payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alarms(domain, type, request_code, payload, due_at, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(domain, type, request_code) DO UPDATE SET
  payload = excluded.payload,
  due_at = excluded.due_at,
  created_at = excluded.created_at;
`, a.Domain.String(), string(a.Type), a.RequestCode, a.Payload, a.DueAt.UnixNano(), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("schedule alarm: %w", err)
	}
	return nil
}

func (s *Store) IsScheduled(ctx context.Context, ref Ref) (bool, error) {
	_, err := s.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Get(ctx context.Context, ref Ref) (Alarm, error) {
	var (
		payload []byte
		dueAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT payload, due_at FROM alarms
WHERE domain = ? AND type = ? AND request_code = ?;
`, ref.Domain.String(), string(ref.Type), ref.RequestCode).Scan(&payload, &dueAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Alarm{}, ErrNotFound
	}
	if err != nil {
		return Alarm{}, fmt.Errorf("get alarm: %w", err)
	}
	return Alarm{Ref: ref, Payload: payload, DueAt: time.Unix(0, dueAt)}, nil
}

// Cancel removes the alarm if present. Cancelling an absent alarm is not an error.
func (s *Store) Cancel(ctx context.Context, ref Ref) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM alarms WHERE domain = ? AND type = ? AND request_code = ?;
`, ref.Domain.String(), string(ref.Type), ref.RequestCode)
	if err != nil {
		return fmt.Errorf("cancel alarm: %w", err)
	}
	return nil
}

// ClaimDue deletes and returns every alarm for domain due at or before now,
// oldest first. A claimed alarm is never returned to another caller.
func (s *Store) ClaimDue(ctx context.Context, domain component.Domain, now time.Time) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `
DELETE FROM alarms
WHERE domain = ? AND due_at <= ?
RETURNING type, request_code, payload, due_at;
`, domain.String(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("claim alarms: %w", err)
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		var (
			typ     string
			code    int64
			payload []byte
			dueAt   int64
		)
		if err := rows.Scan(&typ, &code, &payload, &dueAt); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		out = append(out, Alarm{
			Ref:     Ref{Domain: domain, Type: Type(typ), RequestCode: code},
			Payload: payload,
			DueAt:   time.Unix(0, dueAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarms: %w", err)
	}
	sortByDue(out)
	return out, nil
}

func sortByDue(as []Alarm) {
	sort.SliceStable(as, func(i, j int) bool { return as[i].DueAt.Before(as[j].DueAt) })
}
