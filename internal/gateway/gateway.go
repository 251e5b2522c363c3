// Package gateway exposes workflow control and live run telemetry over a
// JSON-RPC 2.0 WebSocket endpoint, plus health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pool"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/workflow"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid       = 1000
	ErrCodeNotFound      = 4040
	ErrCodeSessionActive = 4090
	ErrCodeNotReady      = 5030
)

// Workflow is the control surface the gateway drives. *workflow.Machine
// satisfies it.
type Workflow interface {
	Ready() bool
	Create(ctx context.Context, name, typ string) (persistence.Skill, error)
	Delete(ctx context.Context, name string) error
	Start(ctx context.Context, skill string) (persistence.Session, error)
	Resume(ctx context.Context, skill string) (persistence.Session, error)
	Retry(ctx context.Context, skill string) (persistence.Session, error)
	RerunFrom(ctx context.Context, skill string, step int) (persistence.Skill, error)
	Cancel(ctx context.Context, skill string) error
	Status(ctx context.Context, skill string) (workflow.Status, error)
}

type Store interface {
	ListSkills(ctx context.Context) ([]persistence.Skill, error)
	GetRun(ctx context.Context, runID string) (runs.Run, error)
}

// RunReader serves live snapshots. *runs.Aggregator satisfies it.
type RunReader interface {
	Snapshot(runID string) (runs.Run, bool)
	Live() []runs.Run
}

// PoolStatus reports process pool occupancy. *pool.Pool satisfies it.
type PoolStatus interface {
	Active() int
	Limits() pool.Limits
}

type Config struct {
	Workflow Workflow
	Store    Store
	Runs     RunReader
	Pool     PoolStatus
	Bus      *bus.Bus

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only".
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string
	Version           string

	Telemetry *otel.Provider
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	start  time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	subs      map[string]bool // skill name, "" for all
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		start:   time.Now(),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListSkills(r.Context()); err != nil {
		dbOK = false
	}
	ready := s.cfg.Workflow.Ready()
	payload := map[string]any{
		"healthy":    dbOK && ready,
		"db_ok":      dbOK,
		"reconciled": ready,
		"uptime_s":   int64(time.Since(s.start).Seconds()),
	}
	if s.cfg.Pool != nil {
		payload["active_processes"] = s.cfg.Pool.Active()
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK || !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Telemetry == nil || s.cfg.Telemetry.Reader == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.cfg.Telemetry.WriteText(r.Context(), w); err != nil {
		s.logger.Error("write metrics", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "skill.create", "skill.delete",
		"workflow.start", "workflow.resume", "workflow.retry", "workflow.rerun", "workflow.cancel":
		return true
	default:
		return false
	}
}

type skillParams struct {
	Skill string `json:"skill"`
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc."+req.Method, otel.AttrMethod.String(req.Method))
	result, rpcErr := s.dispatch(ctx, c, req)
	var spanErr error
	if rpcErr != nil {
		spanErr = errors.New(rpcErr.Message)
	}
	otel.EndSpan(span, spanErr)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCRequests.Add(ctx, 1, metric.WithAttributes(otel.AttrMethod.String(req.Method)))
	}
	s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID), "error", spanErr)

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol":      "skillforge",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}, nil

	case "system.status":
		st := map[string]any{
			"ready":              s.cfg.Workflow.Ready(),
			"version":            s.cfg.Version,
			"config_fingerprint": s.cfg.ConfigFingerprint,
			"uptime_s":           int64(time.Since(s.start).Seconds()),
		}
		if s.cfg.Pool != nil {
			st["active_processes"] = s.cfg.Pool.Active()
			st["max_concurrent"] = s.cfg.Pool.Limits().MaxConcurrent
		}
		return st, nil

	case "skill.list":
		skills, err := s.cfg.Store.ListSkills(ctx)
		if err != nil {
			return nil, toRPCError(err)
		}
		if skills == nil {
			skills = []persistence.Skill{}
		}
		return map[string]any{"skills": skills}, nil

	case "skill.create":
		var p struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: name required"}
		}
		sk, err := s.cfg.Workflow.Create(ctx, p.Name, p.Type)
		if err != nil {
			return nil, toRPCError(err)
		}
		return sk, nil

	case "skill.delete":
		p, perr := decodeSkill(req.Params)
		if perr != nil {
			return nil, perr
		}
		if err := s.cfg.Workflow.Delete(ctx, p.Skill); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"deleted": p.Skill}, nil

	case "workflow.start", "workflow.resume", "workflow.retry":
		p, perr := decodeSkill(req.Params)
		if perr != nil {
			return nil, perr
		}
		op := s.cfg.Workflow.Start
		switch req.Method {
		case "workflow.resume":
			op = s.cfg.Workflow.Resume
		case "workflow.retry":
			op = s.cfg.Workflow.Retry
		}
		sess, err := op(ctx, p.Skill)
		if err != nil {
			return nil, toRPCError(err)
		}
		return sess, nil

	case "workflow.rerun":
		var p struct {
			Skill string `json:"skill"`
			Step  *int   `json:"step"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Skill == "" || p.Step == nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: skill and step required"}
		}
		sk, err := s.cfg.Workflow.RerunFrom(ctx, p.Skill, *p.Step)
		if err != nil {
			return nil, toRPCError(err)
		}
		return sk, nil

	case "workflow.cancel":
		p, perr := decodeSkill(req.Params)
		if perr != nil {
			return nil, perr
		}
		if err := s.cfg.Workflow.Cancel(ctx, p.Skill); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"cancelled": p.Skill}, nil

	case "workflow.status":
		p, perr := decodeSkill(req.Params)
		if perr != nil {
			return nil, perr
		}
		st, err := s.cfg.Workflow.Status(ctx, p.Skill)
		if err != nil {
			return nil, toRPCError(err)
		}
		return st, nil

	case "run.get":
		var p struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: run_id required"}
		}
		if s.cfg.Runs != nil {
			if r, ok := s.cfg.Runs.Snapshot(p.RunID); ok {
				return r, nil
			}
		}
		r, err := s.cfg.Store.GetRun(ctx, p.RunID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return r, nil

	case "runs.subscribe":
		var p skillParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			}
		}
		if s.cfg.Bus == nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus not configured"}
		}
		s.subscribe(c, p.Skill)
		live := []runs.Run{}
		if s.cfg.Runs != nil {
			for _, r := range s.cfg.Runs.Live() {
				if p.Skill == "" || r.SkillName == p.Skill {
					live = append(live, r)
				}
			}
		}
		return map[string]any{"subscribed": true, "skill": p.Skill, "live": live}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
}

func decodeSkill(raw json.RawMessage) (skillParams, *rpcError) {
	var p skillParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Skill == "" {
		return p, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: skill required"}
	}
	return p, nil
}

func toRPCError(err error) *rpcError {
	var se *pool.SpawnError
	switch {
	case errors.Is(err, workflow.ErrNotReady):
		return &rpcError{Code: ErrCodeNotReady, Message: err.Error()}
	case errors.Is(err, workflow.ErrSessionActive):
		return &rpcError{Code: ErrCodeSessionActive, Message: err.Error()}
	case errors.Is(err, workflow.ErrSkillNotFound), errors.Is(err, persistence.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrSkillExists),
		errors.Is(err, workflow.ErrNoActiveSession),
		errors.Is(err, workflow.ErrPipelineComplete),
		errors.Is(err, workflow.ErrStepFailed),
		errors.As(err, &se):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}
