package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/reviewflow/pkg/api"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore implements every store interface on MongoDB using four
// collections: sessions, approval_requests, audit_events and
// session_events.
type MongoStore struct {
	sessions  *mongo.Collection
	approvals *mongo.Collection
	audit     *mongo.Collection
	events    *mongo.Collection
}

var (
	_ SessionStore  = (*MongoStore)(nil)
	_ ApprovalStore = (*MongoStore)(nil)
	_ AuditLog      = (*MongoStore)(nil)
	_ EventLog      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "reviewflow" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "reviewflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		sessions:  db.Collection("sessions"),
		approvals: db.Collection("approval_requests"),
		audit:     db.Collection("audit_events"),
		events:    db.Collection("session_events"),
	}
	if err := s.initIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle using s for every store.
func (s *MongoStore) Persistence() Persistence {
	return Persistence{Sessions: s, Approvals: s, Audit: s, Events: s}
}

func (s *MongoStore) initIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("sessions index: %w", err)
	}
	if _, err := s.approvals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": string(api.ApprovalPending)}),
	}); err != nil {
		return fmt.Errorf("approval_requests index: %w", err)
	}
	if _, err := s.audit.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "occurred_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("audit_events index: %w", err)
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("session_events index: %w", err)
	}
	return nil
}

type mongoSessionDoc struct {
	ID             string `bson:"_id"`
	Status         string `bson:"status"`
	WorkflowType   string `bson:"workflow_type"`
	SessionType    string `bson:"session_type"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	Data           []byte `bson:"data"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

type mongoApprovalDoc struct {
	ID        string `bson:"_id"`
	SessionID string `bson:"session_id"`
	Status    string `bson:"status"`
	CreatedAt int64  `bson:"created_at"`
	Data      []byte `bson:"data"`
}

type mongoAuditDoc struct {
	ID         string `bson:"_id"`
	SessionID  string `bson:"session_id"`
	Actor      string `bson:"actor"`
	Action     string `bson:"action"`
	Resource   string `bson:"resource"`
	Metadata   []byte `bson:"metadata,omitempty"`
	OccurredAt int64  `bson:"occurred_at"`
}

type mongoEventDoc struct {
	ID         string `bson:"_id"`
	SessionID  string `bson:"session_id"`
	Sequence   int64  `bson:"sequence"`
	Type       string `bson:"type"`
	OccurredAt int64  `bson:"occurred_at"`
	Data       []byte `bson:"data,omitempty"`
}

func (s *MongoStore) SaveSession(ctx context.Context, sess *api.Session) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	data, err := EncodeValue(sess)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"status":        string(sess.Status),
			"workflow_type": sess.WorkflowType,
			"session_type":  string(sess.SessionType),
			"created_at":    nanos(sess.CreatedAt),
			"updated_at":    nanos(sess.UpdatedAt),
			"data":          data,
		},
		"$setOnInsert": bson.M{
			"lease_owner":      "",
			"lease_expires_at": int64(0),
		},
	}
	_, err = s.sessions.UpdateByID(ctx, sess.ID, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoSessionDoc
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.Session](doc.Data)
}

func (s *MongoStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	bfilter := bson.M{}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}
	if filter.WorkflowType != "" {
		bfilter["workflow_type"] = filter.WorkflowType
	}
	if filter.SessionType != "" {
		bfilter["session_type"] = string(filter.SessionType)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return s.findSessions(ctx, bfilter, opts)
}

func (s *MongoStore) ListRecoverable(ctx context.Context) ([]*api.Session, error) {
	bfilter := bson.M{"status": bson.M{"$in": []string{
		string(api.StatusRunning),
		string(api.StatusPausedForApproval),
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.findSessions(ctx, bfilter, opts)
}

func (s *MongoStore) findSessions(ctx context.Context, bfilter bson.M, opts *options.FindOptions) ([]*api.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.sessions.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.Session
	for cur.Next(ctx) {
		var doc mongoSessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		sess, err := DecodeValue[*api.Session](doc.Data)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, cur.Err()
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	now := time.Now()
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{
			"_id": sessionID,
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
				bson.M{"lease_owner": owner},
			},
		},
		bson.M{"$set": bson.M{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(ttl).UnixNano(),
		}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": sessionID})
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, ErrSessionNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSessionLocked
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}

func (s *MongoStore) CreateApproval(ctx context.Context, req *api.ApprovalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	data, err := EncodeValue(req)
	if err != nil {
		return err
	}
	_, err = s.approvals.InsertOne(ctx, mongoApprovalDoc{
		ID:        req.ID,
		SessionID: req.SessionID,
		Status:    string(req.Status),
		CreatedAt: nanos(req.CreatedAt),
		Data:      data,
	})
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrApprovalPending
	}
	return err
}

func (s *MongoStore) GetApproval(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoApprovalDoc
	if err := s.approvals.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return DecodeValue[*api.ApprovalRequest](doc.Data)
}

func (s *MongoStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*api.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.SessionID != "" {
		bfilter["session_id"] = filter.SessionID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}
	cur, err := s.approvals.Find(ctx, bfilter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.ApprovalRequest
	for cur.Next(ctx) {
		var doc mongoApprovalDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		req, err := DecodeValue[*api.ApprovalRequest](doc.Data)
		if err != nil {
			return nil, err
		}
		results = append(results, req)
	}
	return results, cur.Err()
}

func (s *MongoStore) ResolveApproval(ctx context.Context, res api.Resolution) error {
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

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	result, err := s.approvals.UpdateOne(ctx,
		bson.M{"_id": req.ID, "status": string(api.ApprovalPending)},
		bson.M{"$set": bson.M{"status": string(req.Status), "data": data}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return api.ErrApprovalConflict
	}
	return nil
}

func (s *MongoStore) AppendAudit(ctx context.Context, ev api.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	newAuditID(&ev)
	meta, err := EncodeValue(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.audit.InsertOne(ctx, mongoAuditDoc{
		ID:         ev.ID,
		SessionID:  ev.SessionID,
		Actor:      ev.Actor,
		Action:     ev.Action,
		Resource:   ev.Resource,
		Metadata:   meta,
		OccurredAt: ev.Timestamp.UnixNano(),
	})
	return err
}

func (s *MongoStore) ListAudit(ctx context.Context, filter AuditFilter) ([]api.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.SessionID != "" {
		bfilter["session_id"] = filter.SessionID
	}
	if filter.Action != "" {
		bfilter["action"] = filter.Action
	}
	if filter.Actor != "" {
		bfilter["actor"] = filter.Actor
	}
	cur, err := s.audit.Find(ctx, bfilter,
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.AuditEvent
	for cur.Next(ctx) {
		var doc mongoAuditDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		meta, err := DecodeValue[map[string]any](doc.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, api.AuditEvent{
			ID:        doc.ID,
			SessionID: doc.SessionID,
			Actor:     doc.Actor,
			Action:    doc.Action,
			Resource:  doc.Resource,
			Metadata:  meta,
			Timestamp: fromNanos(doc.OccurredAt),
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.Event) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	data, err := EncodeValue(ev.Data)
	if err != nil {
		return err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.events.InsertOne(ctx, mongoEventDoc{
		ID:         fmt.Sprintf("%s:%d", ev.SessionID, ev.Sequence),
		SessionID:  ev.SessionID,
		Sequence:   ev.Sequence,
		Type:       string(ev.Type),
		OccurredAt: at.UnixNano(),
		Data:       data,
	})
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]api.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.events.Find(ctx,
		bson.M{"session_id": sessionID, "sequence": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		data, err := DecodeValue[map[string]any](doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			SessionID: doc.SessionID,
			Sequence:  doc.Sequence,
			Type:      api.EventType(doc.Type),
			Timestamp: fromNanos(doc.OccurredAt),
			Data:      data,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoEventDoc
	err := s.events.FindOne(ctx,
		bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Sequence, nil
}
