package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/events"
	"github.com/petrijr/reviewflow/internal/orchestrator"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/registry"
	"github.com/petrijr/reviewflow/pkg/api"
)

type fixture struct {
	store  *persistence.InMemoryStore
	orch   *orchestrator.Orchestrator
	broker *events.Broker
	gate   *approval.Gate
	srv    *httptest.Server
}

func newFixture(t *testing.T, actions ...api.ProposedAction) *fixture {
	t.Helper()
	store := persistence.NewInMemoryStore()
	reg := registry.New()
	ok := func(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
		r.Stream(ctx, "working on "+in.Step)
		return api.TaskOutput{Data: in.Step}, nil
	}
	require.NoError(t, reg.RegisterFunc("collect", ok))
	require.NoError(t, reg.RegisterFunc("synthesize", func(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
		return api.TaskOutput{Data: "done", ProposedActions: actions}, nil
	}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "review",
		Steps: []api.StepDefinition{{Name: "collect"}, {Name: "synthesize"}},
	}))

	gate := approval.NewGate(store, store)
	broker := events.NewBroker(store)
	orch, err := orchestrator.New(store.Persistence(), reg, gate, broker, orchestrator.Config{})
	require.NoError(t, err)

	srv := httptest.NewServer(New(orch, gate, broker, WithKeepAlive(50*time.Millisecond)).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{store: store, orch: orch, broker: broker, gate: gate, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	var resp startResponse
	code := f.do(t, http.MethodPost, "/v1/workflows", map[string]any{
		"subject_ids":   []string{"acct-1"},
		"workflow_type": "review",
	}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

type frame struct {
	id    string
	event string
	data  api.Event
}

// sseStream reads frames from one open event stream.
type sseStream struct {
	resp *http.Response
	sc   *bufio.Scanner
}

// frames reads until the stream ends or stop returns true.
func (s *sseStream) frames(t *testing.T, stop func(frame) bool) []frame {
	t.Helper()
	var (
		out []frame
		cur frame
	)
	for s.sc.Scan() {
		line := s.sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
				if stop != nil && stop(cur) {
					return out
				}
			}
			cur = frame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		}
	}
	return out
}

func (f *fixture) stream(t *testing.T, sessionID string, header map[string]string, query string) *sseStream {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/sessions/"+sessionID+"/events"+query, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return &sseStream{resp: resp, sc: bufio.NewScanner(resp.Body)}
}

func (f *fixture) waitDone(t *testing.T, id string) *api.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStartWorkflow_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		body  any
		field string
	}{
		{name: "no subjects", body: map[string]any{"workflow_type": "review"}, field: "subject_ids"},
		{name: "unknown workflow", body: map[string]any{"subject_ids": []string{"a"}, "workflow_type": "nope"}, field: "workflow_type"},
		{name: "bad session type", body: map[string]any{"subject_ids": []string{"a"}, "workflow_type": "review", "session_type": "weekly"}, field: "session_type"},
		{name: "recovery reserved", body: map[string]any{"subject_ids": []string{"a"}, "workflow_type": "review", "session_type": "recovery"}, field: "session_type"},
		{name: "unknown field", body: map[string]any{"subjects": []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/workflows", tt.body, &body))
			assert.Equal(t, tt.field, body.Field)
			assert.NotEmpty(t, body.Error)
		})
	}
	sessions, err := f.orch.Sessions(context.Background(), persistence.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions, "rejected requests create no session")
}

func TestStreamEvents_CompletedPipeline(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	frames := f.stream(t, id, nil, "").frames(t, nil)
	require.NotEmpty(t, frames)
	assert.Equal(t, string(api.EventWorkflowStarted), frames[0].event)
	last := frames[len(frames)-1]
	assert.Equal(t, string(api.EventWorkflowCompleted), last.event)
	assert.Equal(t, "completed", last.data.Data["status"])
	for i, fr := range frames {
		assert.Equal(t, strconv.Itoa(i+1), fr.id)
		assert.EqualValues(t, i+1, fr.data.Sequence)
		assert.Equal(t, id, fr.data.SessionID)
		assert.Equal(t, fr.event, string(fr.data.Type))
	}
}

func TestStreamEvents_Resume(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.waitDone(t, id)

	all := f.stream(t, id, nil, "").frames(t, nil)
	require.Greater(t, len(all), 3)

	resumed := f.stream(t, id, map[string]string{"Last-Event-ID": "2"}, "").frames(t, nil)
	require.Len(t, resumed, len(all)-2)
	assert.Equal(t, "3", resumed[0].id)

	byQuery := f.stream(t, id, nil, "?after=3").frames(t, nil)
	assert.Len(t, byQuery, len(all)-3)

	caughtUp := f.stream(t, id, nil, "?after="+all[len(all)-1].id)
	assert.Equal(t, http.StatusOK, caughtUp.resp.StatusCode)
	assert.Empty(t, caughtUp.frames(t, nil))

	bad := f.stream(t, id, nil, "?after=x")
	assert.Equal(t, http.StatusBadRequest, bad.resp.StatusCode)

	missing := f.stream(t, "no-such-session", nil, "")
	assert.Equal(t, http.StatusNotFound, missing.resp.StatusCode)
}

func TestApprovalOverHTTP(t *testing.T) {
	f := newFixture(t, api.ProposedAction{Type: "flag_account", SubjectID: "acct-1", Confidence: 0.7})
	id := f.start(t)

	sse := f.stream(t, id, nil, "")
	frames := sse.frames(t, func(fr frame) bool { return fr.event == string(api.EventApprovalRequired) })
	required := frames[len(frames)-1]
	require.Equal(t, string(api.EventApprovalRequired), required.event)
	requestID := required.data.Data["approval_request_id"].(string)

	var pending []api.ApprovalRequest
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/approvals?status=pending&session_id="+id, nil, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, requestID, pending[0].ID)

	var res api.Resolution
	code := f.do(t, http.MethodPost, "/v1/approvals/"+requestID, map[string]any{
		"session_id": id,
		"decision":   "approve",
		"payload":    map[string]any{"reason": "looks right"},
	}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, api.ApprovalApproved, res.Status)
	assert.Equal(t, AnonymousActor, res.ResolvedBy)

	var conflict errorBody
	code = f.do(t, http.MethodPost, "/v1/approvals/"+requestID, map[string]any{
		"session_id": id,
		"decision":   "reject",
		"actor":      "bob",
	}, &conflict)
	assert.Equal(t, http.StatusConflict, code)

	rest := sse.frames(t, nil)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, string(api.EventWorkflowCompleted), last.event)
	assert.Equal(t, "approved", last.data.Data["status"])

	var stored api.ApprovalRequest
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/approvals/"+requestID, nil, &stored))
	assert.Equal(t, AnonymousActor, stored.ResolvedBy)
}

func TestResolveApproval_Rejections(t *testing.T) {
	f := newFixture(t, api.ProposedAction{Type: "flag_account", Confidence: 0.5})
	id := f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var requestID string
	require.Eventually(t, func() bool {
		reqs, err := f.gate.ListPending(ctx, approval.WithSessionID(id))
		if err != nil || len(reqs) == 0 {
			return false
		}
		requestID = reqs[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
	}{
		{name: "unknown request", path: "/v1/approvals/missing", body: map[string]any{"session_id": id, "decision": "approve"}, status: http.StatusNotFound},
		{name: "bad decision", path: "/v1/approvals/" + requestID, body: map[string]any{"session_id": id, "decision": "maybe"}, status: http.StatusBadRequest},
		{name: "session mismatch", path: "/v1/approvals/" + requestID, body: map[string]any{"session_id": "other", "decision": "approve"}, status: http.StatusBadRequest},
		{name: "missing session", path: "/v1/approvals/" + requestID, body: map[string]any{"decision": "approve"}, status: http.StatusBadRequest},
		{name: "system actor", path: "/v1/approvals/" + requestID, body: map[string]any{"session_id": id, "decision": "approve", "actor": "system:timeout"}, status: http.StatusBadRequest},
		{name: "modify without actions", path: "/v1/approvals/" + requestID, body: map[string]any{"session_id": id, "decision": "modify"}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, f.do(t, http.MethodPost, tt.path, tt.body, nil))
		})
	}

	stored, err := f.gate.Get(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, api.ApprovalPending, stored.Status)
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t, api.ProposedAction{Type: "flag_account", Confidence: 0.5})
	id := f.start(t)
	f.stream(t, id, nil, "").frames(t, func(fr frame) bool { return fr.event == string(api.EventApprovalRequired) })

	var s api.Session
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, &s))
	assert.Equal(t, api.StatusInterrupted, s.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/sessions/missing/cancel", nil, nil))
}

func TestSessionReads(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.waitDone(t, id)

	var s api.Session
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sessions/"+id, nil, &s))
	assert.Equal(t, api.StatusCompleted, s.Status)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/sessions/missing", nil, nil))

	var list []api.Session
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sessions?status=completed", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sessions?status=running", nil, &list))
	assert.Empty(t, list)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/sessions?limit=-1", nil, nil))

	var trail []api.AuditEvent
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/sessions/"+id+"/audit", nil, &trail))
	require.NotEmpty(t, trail)
	for _, ev := range trail {
		assert.Equal(t, id, ev.SessionID)
	}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/sessions/missing/audit", nil, nil))
}

func TestWriteFrame_DropMarkerHasNoID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, api.Event{Type: api.EventsDropped, Data: map[string]any{"dropped": 3}}))
	assert.True(t, strings.HasPrefix(buf.String(), "event: events_dropped\n"))

	buf.Reset()
	require.NoError(t, writeFrame(&buf, api.Event{Sequence: 7, Type: api.EventAgentStream}))
	assert.True(t, strings.HasPrefix(buf.String(), "id: 7\nevent: agent_stream\ndata: {"))
}
