package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// SQLiteEventLog stores session events in SQLite.
type SQLiteEventLog struct {
	db *sql.DB
}

// Ensure SQLiteEventLog implements the interfaces.
var _ EventLog = (*SQLiteEventLog)(nil)

func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	s := &SQLiteEventLog{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventLog) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			data BLOB,
			PRIMARY KEY (session_id, sequence)
		);
	`)
	return err
}

func (s *SQLiteEventLog) AppendEvent(ctx context.Context, ev api.Event) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	data, err := EncodeValue(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, sequence, type, occurred_at, data)
		VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID,
		ev.Sequence,
		string(ev.Type),
		at.UnixNano(),
		data,
	)
	return err
}

func (s *SQLiteEventLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, type, occurred_at, data
		FROM session_events
		WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev   api.Event
			typ  string
			atN  int64
			data []byte
		)
		if err := rows.Scan(&ev.SessionID, &ev.Sequence, &typ, &atN, &data); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.Timestamp = fromNanos(atN)
		if ev.Data, err = DecodeValue[map[string]any](data); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteEventLog) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
