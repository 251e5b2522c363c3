package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/gateway"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pool"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/workflow"
)

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const gatewayTestAuthToken = "gateway-test-token"

type fakeWorkflow struct {
	mu      sync.Mutex
	ready   atomic.Bool
	skills  map[string]persistence.Skill
	active  map[string]bool
	calls   []string
	rerunAt int
}

func newFakeWorkflow() *fakeWorkflow {
	f := &fakeWorkflow{skills: map[string]persistence.Skill{}, active: map[string]bool{}}
	f.ready.Store(true)
	return f
}

func (f *fakeWorkflow) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeWorkflow) Ready() bool { return f.ready.Load() }

func (f *fakeWorkflow) Create(_ context.Context, name, typ string) (persistence.Skill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.skills[name]; ok {
		return persistence.Skill{}, workflow.ErrSkillExists
	}
	sk := persistence.NewSkill(name, typ, 3)
	f.skills[name] = sk
	return sk, nil
}

func (f *fakeWorkflow) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.skills[name]; !ok {
		return fmt.Errorf("%s: %w", name, workflow.ErrSkillNotFound)
	}
	delete(f.skills, name)
	return nil
}

func (f *fakeWorkflow) Start(_ context.Context, skill string) (persistence.Session, error) {
	f.record("start:" + skill)
	if !f.ready.Load() {
		return persistence.Session{}, workflow.ErrNotReady
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[skill] {
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, workflow.ErrSessionActive)
	}
	f.active[skill] = true
	return persistence.Session{ID: "sess-" + skill, SkillName: skill, Status: persistence.SessionRunning}, nil
}

func (f *fakeWorkflow) Resume(_ context.Context, skill string) (persistence.Session, error) {
	f.record("resume:" + skill)
	return persistence.Session{ID: "sess-" + skill, SkillName: skill, Status: persistence.SessionRunning}, nil
}

func (f *fakeWorkflow) Retry(_ context.Context, skill string) (persistence.Session, error) {
	f.record("retry:" + skill)
	return persistence.Session{}, &pool.SpawnError{Reason: pool.ReasonCeilingReached, Key: skill}
}

func (f *fakeWorkflow) RerunFrom(_ context.Context, skill string, step int) (persistence.Skill, error) {
	f.record("rerun:" + skill)
	f.mu.Lock()
	f.rerunAt = step
	f.mu.Unlock()
	return persistence.NewSkill(skill, "", 3), nil
}

func (f *fakeWorkflow) Cancel(_ context.Context, skill string) error {
	f.record("cancel:" + skill)
	return nil
}

func (f *fakeWorkflow) Status(_ context.Context, skill string) (workflow.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sk, ok := f.skills[skill]
	if !ok {
		return workflow.Status{}, fmt.Errorf("%s: %w", skill, workflow.ErrSkillNotFound)
	}
	return workflow.Status{Skill: sk, Running: f.active[skill]}, nil
}

type fakeStore struct {
	wf   *fakeWorkflow
	runs map[string]runs.Run
}

func (s *fakeStore) ListSkills(context.Context) ([]persistence.Skill, error) {
	s.wf.mu.Lock()
	defer s.wf.mu.Unlock()
	var out []persistence.Skill
	for _, sk := range s.wf.skills {
		out = append(out, sk)
	}
	return out, nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (runs.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return runs.Run{}, fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
	}
	return r, nil
}

type fakeRuns struct {
	live []runs.Run
}

func (f fakeRuns) Snapshot(id string) (runs.Run, bool) {
	for _, r := range f.live {
		if r.ID == id {
			return r, true
		}
	}
	return runs.Run{}, false
}

func (f fakeRuns) Live() []runs.Run { return f.live }

type testEnv struct {
	wf  *fakeWorkflow
	bus *bus.Bus
	url string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	wf := newFakeWorkflow()
	b := bus.New()
	store := &fakeStore{wf: wf, runs: map[string]runs.Run{
		"run-old": {ID: "run-old", SkillName: "alpha", Status: runs.StatusCompleted},
	}}
	srv := gateway.New(gateway.Config{
		Workflow:  wf,
		Store:     store,
		Runs:      fakeRuns{live: []runs.Run{{ID: "run-live", SkillName: "alpha", Status: runs.StatusRunning}}},
		Bus:       b,
		AuthToken: gatewayTestAuthToken,
		Version:   "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{wf: wf, bus: b, url: ts.URL}
}

func connectWS(t *testing.T, serverURL string, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(serverURL, "http")+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcResp {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		var resp rpcResp
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if resp.Method != "" {
			continue // notification
		}
		return resp
	}
}

func hello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if resp := call(t, conn, 0, "system.hello", nil); resp.Error != nil {
		t.Fatalf("hello: %+v", resp.Error)
	}
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.url + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGateway_Healthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.url + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["reconciled"] != true {
		t.Fatalf("unexpected health payload: %v", body)
	}

	env.wf.ready.Store(false)
	resp2, err := http.Get(env.url + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before reconciliation, got %d", resp2.StatusCode)
	}
}

func TestGateway_MutationRequiresHello(t *testing.T) {
	env := newTestEnv(t)
	conn := connectWS(t, env.url, gatewayTestAuthToken)

	resp := call(t, conn, 1, "workflow.start", map[string]any{"skill": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected handshake error, got %+v", resp)
	}
	env.wf.mu.Lock()
	defer env.wf.mu.Unlock()
	if len(env.wf.calls) != 0 {
		t.Fatalf("workflow must not be called before hello, got %v", env.wf.calls)
	}
}

func TestGateway_SkillLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn := connectWS(t, env.url, gatewayTestAuthToken)
	hello(t, conn)

	if resp := call(t, conn, 1, "skill.create", map[string]any{"name": "alpha", "type": "tool"}); resp.Error != nil {
		t.Fatalf("create: %+v", resp.Error)
	}
	resp := call(t, conn, 2, "skill.create", map[string]any{"name": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected duplicate create to fail, got %+v", resp)
	}

	resp = call(t, conn, 3, "skill.list", nil)
	var list struct {
		Skills []persistence.Skill `json:"skills"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Skills) != 1 || list.Skills[0].Name != "alpha" || list.Skills[0].Type != "tool" {
		t.Fatalf("unexpected skill list %+v", list.Skills)
	}

	resp = call(t, conn, 4, "workflow.status", map[string]any{"skill": "alpha"})
	if resp.Error != nil {
		t.Fatalf("status: %+v", resp.Error)
	}

	if resp := call(t, conn, 5, "skill.delete", map[string]any{"skill": "alpha"}); resp.Error != nil {
		t.Fatalf("delete: %+v", resp.Error)
	}
	resp = call(t, conn, 6, "workflow.status", map[string]any{"skill": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("expected not found after delete, got %+v", resp)
	}
}

func TestGateway_WorkflowErrorsMapToCodes(t *testing.T) {
	env := newTestEnv(t)
	conn := connectWS(t, env.url, gatewayTestAuthToken)
	hello(t, conn)

	if resp := call(t, conn, 1, "workflow.start", map[string]any{"skill": "alpha"}); resp.Error != nil {
		t.Fatalf("start: %+v", resp.Error)
	}
	resp := call(t, conn, 2, "workflow.start", map[string]any{"skill": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeSessionActive {
		t.Fatalf("expected session active, got %+v", resp)
	}
	resp = call(t, conn, 3, "workflow.retry", map[string]any{"skill": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected spawn error to map to invalid, got %+v", resp)
	}
	resp = call(t, conn, 4, "workflow.rerun", map[string]any{"skill": "alpha"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected rerun without step to be rejected, got %+v", resp)
	}
	if resp := call(t, conn, 5, "workflow.rerun", map[string]any{"skill": "alpha", "step": 0}); resp.Error != nil {
		t.Fatalf("rerun: %+v", resp.Error)
	}
	env.wf.mu.Lock()
	rerunAt := env.wf.rerunAt
	env.wf.mu.Unlock()
	if rerunAt != 0 {
		t.Fatalf("expected rerun from step 0, got %d", rerunAt)
	}
	resp = call(t, conn, 6, "nope.nope", nil)
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}

	env.wf.ready.Store(false)
	resp = call(t, conn, 7, "workflow.start", map[string]any{"skill": "beta"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeNotReady {
		t.Fatalf("expected not ready, got %+v", resp)
	}
}

func TestGateway_RunGetPrefersLiveSnapshot(t *testing.T) {
	env := newTestEnv(t)
	conn := connectWS(t, env.url, gatewayTestAuthToken)

	for _, tc := range []struct {
		id     string
		status runs.Status
	}{
		{"run-live", runs.StatusRunning},
		{"run-old", runs.StatusCompleted},
	} {
		resp := call(t, conn, 1, "run.get", map[string]any{"run_id": tc.id})
		if resp.Error != nil {
			t.Fatalf("run.get %s: %+v", tc.id, resp.Error)
		}
		var r runs.Run
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			t.Fatalf("decode run: %v", err)
		}
		if r.Status != tc.status {
			t.Fatalf("run %s: expected %s, got %s", tc.id, tc.status, r.Status)
		}
	}
	resp := call(t, conn, 2, "run.get", map[string]any{"run_id": "missing"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("expected not found, got %+v", resp)
	}
}

func TestGateway_RunsSubscribeForwardsMatchingSkill(t *testing.T) {
	env := newTestEnv(t)
	conn := connectWS(t, env.url, gatewayTestAuthToken)

	resp := call(t, conn, 1, "runs.subscribe", map[string]any{"skill": "alpha"})
	if resp.Error != nil {
		t.Fatalf("subscribe: %+v", resp.Error)
	}
	var sub struct {
		Live []runs.Run `json:"live"`
	}
	if err := json.Unmarshal(resp.Result, &sub); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if len(sub.Live) != 1 || sub.Live[0].ID != "run-live" {
		t.Fatalf("expected the live run in the subscribe reply, got %+v", sub.Live)
	}

	env.bus.Publish(bus.TopicRunUpdated, runs.Run{ID: "run-other", SkillName: "beta", NumTurns: 9})
	env.bus.Publish(bus.TopicRunUpdated, runs.Run{ID: "run-live", SkillName: "alpha", NumTurns: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var note rpcResp
	if err := wsjson.Read(ctx, conn, &note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.Method != "run.updated" {
		t.Fatalf("expected run.updated, got %+v", note)
	}
	var r runs.Run
	if err := json.Unmarshal(note.Params, &r); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if r.ID != "run-live" || r.NumTurns != 2 {
		t.Fatalf("expected only the subscribed skill's run, got %+v", r)
	}
}
