package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/reviewflow/pkg/api"
)

// SQLiteStore implements every store interface on SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. The
// caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be opened with db.SetMaxOpenConns(1) so that
// every query sees the same database.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ SessionStore  = (*SQLiteStore)(nil)
	_ ApprovalStore = (*SQLiteStore)(nil)
	_ AuditLog      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle using s for sessions, approvals and audit,
// and a SQLiteEventLog on the same database for events.
func (s *SQLiteStore) Persistence() (Persistence, error) {
	events, err := NewSQLiteEventLog(s.db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Sessions: s, Approvals: s, Audit: s, Events: events}, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			session_type TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at);

		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_requests_pending
			ON approval_requests(session_id) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata BLOB,
			occurred_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, seq);
	`)
	return err
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *api.Session) error {
	data, err := EncodeValue(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, workflow_type, session_type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			workflow_type = excluded.workflow_type,
			session_type = excluded.session_type,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		sess.ID,
		string(sess.Status),
		sess.WorkflowType,
		string(sess.SessionType),
		data,
		nanos(sess.CreatedAt),
		nanos(sess.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.Session](data)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	query := `SELECT data FROM sessions`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.SessionType != "" {
		clauses = append(clauses, "session_type = ?")
		args = append(args, string(filter.SessionType))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) ListRecoverable(ctx context.Context) ([]*api.Session, error) {
	return s.querySessions(ctx, `
		SELECT data FROM sessions
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		string(api.StatusRunning), string(api.StatusPausedForApproval),
	)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*api.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*api.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sess, err := DecodeValue[*api.Session](data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), sessionID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), sessionID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionLocked
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`,
		sessionID, owner,
	)
	return err
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	data, err := EncodeValue(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, session_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, string(req.Status), nanos(req.CreatedAt), data,
	)
	if isSQLiteUnique(err) {
		return api.ErrApprovalPending
	}
	return err
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM approval_requests WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.ApprovalRequest](data)
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error) {
	query := `SELECT data FROM approval_requests`
	var args []any
	var clauses []string
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ApprovalRequest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		req, err := DecodeValue[*api.ApprovalRequest](data)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, res api.Resolution) error {
	req, err := s.GetApproval(ctx, res.RequestID)
	if err != nil {
		return err
	}
	if req.Status != api.ApprovalPending {
		return api.ErrApprovalConflict
	}
	res.Apply(req)
	data, err := EncodeValue(req)
	if err != nil {
		return err
	}

	// The status predicate makes the update a compare-and-swap: only one
	// resolver can move the row out of pending.
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, data = ?
		WHERE id = ? AND status = 'pending'`,
		string(req.Status), data, req.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrApprovalConflict
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev api.AuditEvent) error {
	newAuditID(&ev)
	meta, err := EncodeValue(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, session_id, actor, action, resource, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Actor, ev.Action, ev.Resource, meta, ev.Timestamp.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error) {
	query := `SELECT id, session_id, actor, action, resource, metadata, occurred_at FROM audit_events`
	var args []any
	var clauses []string
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, filter.Actor)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.AuditEvent
	for rows.Next() {
		var (
			ev   api.AuditEvent
			meta []byte
			at   int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Actor, &ev.Action, &ev.Resource, &meta, &at); err != nil {
			return nil, err
		}
		if ev.Metadata, err = DecodeValue[map[string]any](meta); err != nil {
			return nil, err
		}
		ev.Timestamp = fromNanos(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
