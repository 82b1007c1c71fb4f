package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

type memoryLease struct {
	owner   string
	expires time.Time
}

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps. Values are copied on the way in and out.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*api.Session
	leases    map[string]memoryLease
	approvals map[string]*api.ApprovalRequest
	audit     []api.AuditEvent
	events    map[string][]api.Event
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*api.Session),
		leases:    make(map[string]memoryLease),
		approvals: make(map[string]*api.ApprovalRequest),
		events:    make(map[string][]api.Event),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ SessionStore  = (*InMemoryStore)(nil)
	_ ApprovalStore = (*InMemoryStore)(nil)
	_ AuditLog      = (*InMemoryStore)(nil)
	_ EventLog      = (*InMemoryStore)(nil)
)

// Persistence returns a bundle using s for every store.
func (s *InMemoryStore) Persistence() Persistence {
	return Persistence{Sessions: s, Approvals: s, Audit: s, Events: s}
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess *api.Session) error {
	cp, err := roundTrip(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cp
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Session
	for _, sess := range s.sessions {
		if filter.matches(sess) {
			result = append(result, sess.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) ListRecoverable(ctx context.Context) ([]*api.Session, error) {
	all, err := s.ListSessions(ctx, SessionFilter{})
	if err != nil {
		return nil, err
	}
	var result []*api.Session
	for _, sess := range all {
		if sess.Status.Recoverable() {
			result = append(result, sess)
		}
	}
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false, ErrSessionNotFound
	}
	now := time.Now()
	cur, ok := s.leases[sessionID]
	if ok && cur.owner != owner && cur.expires.After(now) {
		return false, nil
	}
	s.leases[sessionID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[sessionID]
	if !ok || cur.owner != owner {
		return ErrSessionLocked
	}
	s.leases[sessionID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[sessionID]; ok && cur.owner == owner {
		delete(s.leases, sessionID)
	}
	return nil
}

func (s *InMemoryStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	cp, err := roundTrip(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status == api.ApprovalPending {
		for _, other := range s.approvals {
			if other.SessionID == req.SessionID && other.Status == api.ApprovalPending {
				return api.ErrApprovalPending
			}
		}
	}
	s.approvals[req.ID] = cp
	return nil
}

func (s *InMemoryStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	req, ok := s.approvals[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return roundTrip(req)
}

func (s *InMemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	var matched []*api.ApprovalRequest
	for _, req := range s.approvals {
		if filter.matches(req) {
			matched = append(matched, req)
		}
	}
	s.mu.RUnlock()

	result := make([]*api.ApprovalRequest, 0, len(matched))
	for _, req := range matched {
		cp, err := roundTrip(req)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ResolveApproval(ctx context.Context, res api.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[res.RequestID]
	if !ok {
		return ErrApprovalNotFound
	}
	if req.Status != api.ApprovalPending {
		return api.ErrApprovalConflict
	}
	res.Apply(req)
	return nil
}

func (s *InMemoryStore) AppendAudit(ctx context.Context, ev api.AuditEvent) error {
	newAuditID(&ev)
	cp, err := roundTrip(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, cp)
	return nil
}

func (s *InMemoryStore) ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.AuditEvent
	for _, ev := range s.audit {
		if filter.matches(ev) {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.Event) error {
	cp, err := roundTrip(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], cp)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Event
	for _, ev := range s.events[sessionID] {
		if ev.Sequence > afterSeq {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *InMemoryStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[sessionID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}
