package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/reviewflow/pkg/api"
)

// RedisStore implements every store interface on Redis.
// It uses a simple key structure:
//
//	<prefix>sess:<id>                => JSON session
//	<prefix>idx:sessions             => ZSET of session IDs scored by created_at
//	<prefix>idx:status:<status>      => SET of session IDs for a given status
//	<prefix>lease:<id>               => lease owner, expiring with the lease
//	<prefix>appr:<id>                => JSON approval request
//	<prefix>appr:pending:<session>   => ID of the session's pending request
//	<prefix>idx:approvals            => ZSET of request IDs scored by created_at
//	<prefix>audit                    => LIST of JSON audit events
//	<prefix>audit:sess:<session>     => LIST of JSON audit events per session
//	<prefix>events:<session>         => LIST of JSON session events
//
// Approval creation and resolution run as Lua scripts so the pending check
// and the write are atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ SessionStore  = (*RedisStore)(nil)
	_ ApprovalStore = (*RedisStore)(nil)
	_ AuditLog      = (*RedisStore)(nil)
	_ EventLog      = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "reviewflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "reviewflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Persistence returns a bundle using s for every store.
func (s *RedisStore) Persistence() Persistence {
	return Persistence{Sessions: s, Approvals: s, Audit: s, Events: s}
}

func (s *RedisStore) keySession(id string) string       { return s.prefix + "sess:" + id }
func (s *RedisStore) keySessions() string               { return s.prefix + "idx:sessions" }
func (s *RedisStore) keyLease(id string) string         { return s.prefix + "lease:" + id }
func (s *RedisStore) keyApproval(id string) string      { return s.prefix + "appr:" + id }
func (s *RedisStore) keyPending(sid string) string      { return s.prefix + "appr:pending:" + sid }
func (s *RedisStore) keyApprovals() string              { return s.prefix + "idx:approvals" }
func (s *RedisStore) keyAudit() string                  { return s.prefix + "audit" }
func (s *RedisStore) keySessionAudit(sid string) string { return s.prefix + "audit:sess:" + sid }
func (s *RedisStore) keyEvents(sid string) string       { return s.prefix + "events:" + sid }

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

var allStatuses = []api.Status{
	api.StatusPending,
	api.StatusRunning,
	api.StatusPausedForApproval,
	api.StatusCompleted,
	api.StatusFailed,
	api.StatusInterrupted,
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *api.Session) error {
	data, err := EncodeValue(sess)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySession(sess.ID), data, 0)
	pipe.ZAdd(ctx, s.keySessions(), redis.Z{Score: float64(nanos(sess.CreatedAt)), Member: sess.ID})
	for _, st := range allStatuses {
		if st != sess.Status {
			pipe.SRem(ctx, s.keyStatus(st), sess.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(sess.Status), sess.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	data, err := s.client.Get(ctx, s.keySession(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.Session](data)
}

func (s *RedisStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	ids, err := s.client.ZRange(ctx, s.keySessions(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if filter.Status != "" {
		members, err := s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
		if err != nil {
			return nil, err
		}
		allowed := make(map[string]struct{}, len(members))
		for _, m := range members {
			allowed[m] = struct{}{}
		}
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := allowed[id]; ok {
				kept = append(kept, id)
			}
		}
		ids = kept
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}
	var result []*api.Session
	for _, sess := range sessions {
		if !filter.matches(sess) {
			continue
		}
		result = append(result, sess)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) loadSessions(ctx context.Context, ids []string) ([]*api.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keySession(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var sessions []*api.Session
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		sess, err := DecodeValue[*api.Session](data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *RedisStore) ListRecoverable(ctx context.Context) ([]*api.Session, error) {
	var result []*api.Session
	for _, st := range []api.Status{api.StatusRunning, api.StatusPausedForApproval} {
		batch, err := s.ListSessions(ctx, SessionFilter{Status: st})
		if err != nil {
			return nil, err
		}
		result = append(result, batch...)
	}
	return result, nil
}

const (
	// Lua script for acquiring a lease. Returns 1 if acquired, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Missing leases count as released.
	redisLeaseReleaseLua = `
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`

	// Lua script for creating an approval request. Returns 0 when the
	// session already has a pending request.
	redisApprovalCreateLua = `
if ARGV[3] == 'pending' then
	if not redis.call('SET', KEYS[2], ARGV[1], 'NX') then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`

	// Lua script for resolving an approval request. Returns -1 if missing,
	// 0 if already resolved and 1 on success.
	redisApprovalResolveLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
	return -1
end
local cur = cjson.decode(raw)
if cur['status'] ~= 'pending' then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`
)

func (s *RedisStore) TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	exists, err := s.client.Exists(ctx, s.keySession(sessionID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrSessionNotFound
	}
	res, err := s.client.Eval(ctx, redisLeaseAcquireLua, []string{s.keyLease(sessionID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := s.client.Eval(ctx, redisLeaseRenewLua, []string{s.keyLease(sessionID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrSessionLocked
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	return s.client.Eval(ctx, redisLeaseReleaseLua, []string{s.keyLease(sessionID)}, owner).Err()
}

func (s *RedisStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	data, err := EncodeValue(req)
	if err != nil {
		return err
	}
	res, err := s.client.Eval(ctx, redisApprovalCreateLua,
		[]string{s.keyApproval(req.ID), s.keyPending(req.SessionID), s.keyApprovals()},
		req.ID, data, string(req.Status), nanos(req.CreatedAt),
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return api.ErrApprovalPending
	}
	return nil
}

func (s *RedisStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	data, err := s.client.Get(ctx, s.keyApproval(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.ApprovalRequest](data)
}

func (s *RedisStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error) {
	ids, err := s.client.ZRange(ctx, s.keyApprovals(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyApproval(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var result []*api.ApprovalRequest
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		req, err := DecodeValue[*api.ApprovalRequest](data)
		if err != nil {
			return nil, err
		}
		if filter.matches(req) {
			result = append(result, req)
		}
	}
	return result, nil
}

func (s *RedisStore) ResolveApproval(ctx context.Context, res api.Resolution) error {
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
	n, err := s.client.Eval(ctx, redisApprovalResolveLua,
		[]string{s.keyApproval(req.ID), s.keyPending(req.SessionID)},
		data,
	).Int64()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return ErrApprovalNotFound
	case 0:
		return api.ErrApprovalConflict
	}
	return nil
}

func (s *RedisStore) AppendAudit(ctx context.Context, ev api.AuditEvent) error {
	newAuditID(&ev)
	data, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.keyAudit(), data)
	pipe.RPush(ctx, s.keySessionAudit(ev.SessionID), data)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error) {
	key := s.keyAudit()
	if filter.SessionID != "" {
		key = s.keySessionAudit(filter.SessionID)
	}
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []api.AuditEvent
	for _, r := range raw {
		ev, err := DecodeValue[api.AuditEvent]([]byte(r))
		if err != nil {
			return nil, err
		}
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev api.Event) error {
	data, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyEvents(ev.SessionID), data).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	// Sequences start at 1 and are gap-free, so sequence n sits at index n-1.
	raw, err := s.client.LRange(ctx, s.keyEvents(sessionID), afterSeq, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []api.Event
	for _, r := range raw {
		ev, err := DecodeValue[api.Event]([]byte(r))
		if err != nil {
			return nil, err
		}
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *RedisStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	raw, err := s.client.LIndex(ctx, s.keyEvents(sessionID), -1).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	ev, err := DecodeValue[api.Event](raw)
	if err != nil {
		return 0, err
	}
	return ev.Sequence, nil
}
