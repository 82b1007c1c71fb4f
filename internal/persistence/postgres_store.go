package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/reviewflow/pkg/api"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements the session, approval and audit stores plus the
// event log on PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is responsible
// for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
//
// audit_events is range-partitioned by month on occurred_at. Partitions are
// created on demand by EnsureAuditPartition; rows outside every monthly
// partition land in audit_events_default.
type PostgresStore struct {
	db         *sql.DB
	partitions sync.Map // "2006_01" -> struct{}
}

// Ensure PostgresStore implements the interfaces.
var (
	_ SessionStore  = (*PostgresStore)(nil)
	_ ApprovalStore = (*PostgresStore)(nil)
	_ AuditLog      = (*PostgresStore)(nil)
	_ EventLog      = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle using s for every store.
func (s *PostgresStore) Persistence() Persistence {
	return Persistence{Sessions: s, Approvals: s, Audit: s, Events: s}
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			session_type TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			data BYTEA NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_requests_pending
			ON approval_requests(session_id) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq BIGSERIAL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, occurred_at)
		) PARTITION BY RANGE (occurred_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events_default PARTITION OF audit_events DEFAULT`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			type TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			data BYTEA,
			PRIMARY KEY (session_id, sequence)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// EnsureAuditPartition creates the monthly audit partition covering t if
// it does not exist yet.
func (s *PostgresStore) EnsureAuditPartition(ctx context.Context, t time.Time) error {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	key := from.Format("2006_01")
	if _, ok := s.partitions.Load(key); ok {
		return nil
	}
	to := from.AddDate(0, 1, 0)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS audit_events_%s PARTITION OF audit_events FOR VALUES FROM ('%s') TO ('%s')`,
		key, from.Format(time.RFC3339), to.Format(time.RFC3339),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create audit partition %s: %w", key, err)
	}
	s.partitions.Store(key, struct{}{})
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *api.Session) error {
	data, err := EncodeValue(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, workflow_type, session_type, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			workflow_type = EXCLUDED.workflow_type,
			session_type  = EXCLUDED.session_type,
			data          = EXCLUDED.data,
			updated_at    = EXCLUDED.updated_at
	`,
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

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.Session](data)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	query := `SELECT data FROM sessions`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		clauses = append(clauses, fmt.Sprintf("workflow_type = $%d", len(args)+1))
		args = append(args, filter.WorkflowType)
	}
	if filter.SessionType != "" {
		clauses = append(clauses, fmt.Sprintf("session_type = $%d", len(args)+1))
		args = append(args, string(filter.SessionType))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}
	return s.querySessions(ctx, query, args...)
}

func (s *PostgresStore) ListRecoverable(ctx context.Context) ([]*api.Session, error) {
	return s.querySessions(ctx, `
		SELECT data FROM sessions
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC, id ASC`,
		string(api.StatusRunning), string(api.StatusPausedForApproval),
	)
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*api.Session, error) {
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

func (s *PostgresStore) TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $5
		)`,
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

func (s *PostgresStore) RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
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

func (s *PostgresStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND (lease_owner = '' OR lease_owner = $2)`,
		sessionID, owner,
	)
	return err
}

func (s *PostgresStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	data, err := EncodeValue(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, session_id, status, created_at, data)
		VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.SessionID, string(req.Status), nanos(req.CreatedAt), data,
	)
	if isPgUnique(err) {
		return api.ErrApprovalPending
	}
	return err
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM approval_requests WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.ApprovalRequest](data)
}

func (s *PostgresStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error) {
	query := `SELECT data FROM approval_requests`
	var args []any
	var clauses []string
	if filter.SessionID != "" {
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
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

func (s *PostgresStore) ResolveApproval(ctx context.Context, res api.Resolution) error {
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
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, data = $2
		WHERE id = $3 AND status = 'pending'`,
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

func (s *PostgresStore) AppendAudit(ctx context.Context, ev api.AuditEvent) error {
	newAuditID(&ev)
	if err := s.EnsureAuditPartition(ctx, ev.Timestamp); err != nil {
		return err
	}
	var meta any
	if len(ev.Metadata) > 0 {
		raw, err := EncodeValue(ev.Metadata)
		if err != nil {
			return err
		}
		meta = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, session_id, actor, action, resource, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SessionID, ev.Actor, ev.Action, ev.Resource, meta, ev.Timestamp.UTC(),
	)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error) {
	query := `SELECT id, session_id, actor, action, resource, metadata, occurred_at FROM audit_events`
	var args []any
	var clauses []string
	if filter.SessionID != "" {
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.Action != "" {
		clauses = append(clauses, fmt.Sprintf("action = $%d", len(args)+1))
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		clauses = append(clauses, fmt.Sprintf("actor = $%d", len(args)+1))
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
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Actor, &ev.Action, &ev.Resource, &meta, &ev.Timestamp); err != nil {
			return nil, err
		}
		if ev.Metadata, err = DecodeValue[map[string]any](meta); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev api.Event) error {
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
		VALUES ($1, $2, $3, $4, $5)`,
		ev.SessionID, ev.Sequence, string(ev.Type), at.UnixNano(), data,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, type, occurred_at, data
		FROM session_events
		WHERE session_id = $1 AND sequence > $2
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

func (s *PostgresStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM session_events WHERE session_id = $1`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
