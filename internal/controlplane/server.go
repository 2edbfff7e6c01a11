// ABOUTME: WebSocket-and-HTTP control plane for the gateway
// ABOUTME: Hello handshake, req:/res:/evt: dispatch, and the /healthz and /metrics HTTP side channels

// Package controlplane is the WebSocket-and-HTTP front door: one JSON
// envelope protocol at /ws for operator clients and agent frontends, plus
// the two HTTP side channels (/healthz, /metrics) that never go through the
// socket protocol at all.
//
// The server holds no domain state of its own. Every request is served by
// calling straight into a *gateway.Gateway; this package's only job is
// framing, authentication, and translating gateway responses and bus events
// into wire envelopes.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilnlabs/agentgw/internal/auth"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gateway"
	"github.com/kilnlabs/agentgw/internal/gatewayerr"
	"github.com/kilnlabs/agentgw/internal/metrics"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
)

// Version is overridden at build time via -ldflags, matching the instance
// version reported in res:hello.
var Version = "dev"

// Config carries the control plane's own tunables, distinct from the
// gateway's.
type Config struct {
	InstanceID   string
	APIKeys      []string
	PingInterval time.Duration
	PingTimeout  time.Duration
	HelloTimeout time.Duration
}

// DefaultConfig returns the control plane's default tunables.
func DefaultConfig() Config {
	return Config{
		InstanceID:   "gateway-1",
		PingInterval: 20 * time.Second,
		PingTimeout:  60 * time.Second,
		HelloTimeout: 10 * time.Second,
	}
}

// Server owns the HTTP mux serving /ws, /healthz, and /metrics.
type Server struct {
	gw      *gateway.Gateway
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tokens  *auth.JWTVerifier
	conns   *ratelimit.Limiter
}

// New constructs a Server. tokens and m may be nil: without tokens, hello
// responses omit a session token; without m, /metrics serves an empty
// registry.
func New(gw *gateway.Gateway, cfg Config, logger *slog.Logger, m *metrics.Metrics, tokens *auth.JWTVerifier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gw:      gw,
		cfg:     cfg,
		logger:  logger.With("component", "controlplane"),
		metrics: m,
		tokens:  tokens,
		conns:   ratelimit.New(1, 5),
	}
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.gw.HealthCheck(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// envelope is the wire shape every frame (request, response, or event) uses.
// SessionToken is set by the client on req: frames that fall under
// protectedRequestTypes, carrying the session token issued in res:hello.
type envelope struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Ts           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Error        *wireError      `json:"error,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func okTrue() *bool  { v := true; return &v }
func okFalse() *bool { v := false; return &v }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var writeMu sync.Mutex

	principal, err := s.handshake(ctx, conn, &writeMu)
	if err != nil {
		s.logger.Info("handshake failed", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	s.logger.Info("client connected", "principal_id", principal)

	sub, handle, watermark := s.gw.SubscribeWithWatermark(eventbus.Filter{})
	defer s.gw.Unsubscribe(handle)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx = auth.WithPrincipal(connCtx, domain.Principal{PrincipalID: principal})

	go s.pumpEvents(connCtx, conn, &writeMu, sub)
	go s.pingLoop(connCtx, conn)

	for {
		var env envelope
		if err := wsjson.Read(connCtx, conn, &env); err != nil {
			s.logger.Debug("read error, closing", "error", err)
			return
		}
		resp := s.dispatch(connCtx, conn, &writeMu, watermark, env)
		if resp == nil {
			continue
		}
		if err := s.write(ctx, conn, &writeMu, *resp); err != nil {
			s.logger.Debug("write error, closing", "error", err)
			return
		}
	}
}

// handshake blocks for the first frame, requiring req:hello within
// HelloTimeout, and returns the authenticated principal's client key.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) (string, error) {
	hctx, hcancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	defer hcancel()

	var env envelope
	if err := wsjson.Read(hctx, conn, &env); err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if env.Type != "req:hello" {
		s.writeErr(ctx, conn, writeMu, "res:hello", env.ID, gatewayerr.KindInvalidRequest, "expected req:hello")
		return "", errors.New("first frame was not req:hello")
	}

	var req struct {
		ClientKey string `json:"client_key"`
	}
	_ = json.Unmarshal(env.Payload, &req)

	if !s.validKey(req.ClientKey) {
		s.writeErr(ctx, conn, writeMu, "res:hello", env.ID, gatewayerr.KindUnauthenticated, "invalid client key")
		return "", errors.New("invalid client key")
	}
	if allowed, retryAfter := s.conns.Allow(req.ClientKey, 1); !allowed {
		s.writeErr(ctx, conn, writeMu, "res:hello", env.ID, gatewayerr.KindRateLimited, fmt.Sprintf("retry after %s", retryAfter))
		return "", errors.New("rate limited at handshake")
	}

	payload := map[string]any{
		"server":      "agentgw",
		"version":     Version,
		"instance_id": s.cfg.InstanceID,
		"features":    []string{"runs", "approvals", "doctor"},
	}
	if s.tokens != nil {
		if tok, err := s.tokens.Generate(req.ClientKey, auth.SessionTTL); err == nil {
			payload["session_token"] = tok
		}
	}
	_ = s.write(ctx, conn, writeMu, s.respond("res:hello", env.ID, payload, nil))
	return req.ClientKey, nil
}

// validKey checks the presented key against every configured Argon2id
// hash. On no match it still runs one dummy hash so rejecting an unknown
// key costs the same time as rejecting a near-miss of a real one.
func (s *Server) validKey(key string) bool {
	if key == "" {
		return false
	}
	matched := false
	for _, stored := range s.cfg.APIKeys {
		if auth.VerifyAPIKey(stored, key) {
			matched = true
		}
	}
	if !matched {
		auth.DummyVerify(key)
	}
	return matched
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed, closing", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// pumpEvents serializes every bus event this connection is subscribed to
// onto the socket, sharing writeMu with the request/response path.
func (s *Server) pumpEvents(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, sub <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			env := eventEnvelope(evt)
			if err := s.write(ctx, conn, writeMu, env); err != nil {
				return
			}
		}
	}
}

func eventEnvelope(evt domain.Event) envelope {
	payload := map[string]any{"seq": evt.Seq}
	for k, v := range evt.Payload {
		payload[k] = v
	}
	if evt.RunID != "" {
		payload["run_id"] = evt.RunID
	}
	if evt.ChannelID != "" {
		payload["channel_id"] = evt.ChannelID
	}
	raw, _ := json.Marshal(payload)
	return envelope{
		Type:    "evt:" + string(evt.Type),
		ID:      fmt.Sprintf("evt_%d", evt.Seq),
		Ts:      evt.Ts,
		Payload: raw,
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, env envelope) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return wsjson.Write(ctx, conn, env)
}

func (s *Server) writeErr(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, typ, id string, kind gatewayerr.Kind, msg string) {
	_ = s.write(ctx, conn, writeMu, s.respond(typ, id, nil, &wireError{Kind: string(kind), Message: msg}))
}

func (s *Server) respond(typ, id string, payload any, werr *wireError) envelope {
	env := envelope{Type: typ, ID: id, Ts: time.Now()}
	if werr != nil {
		env.OK = okFalse()
		env.Error = werr
		return env
	}
	env.OK = okTrue()
	if payload != nil {
		raw, _ := json.Marshal(payload)
		env.Payload = raw
	}
	return env
}

func (s *Server) errorResponse(typ, id string, err error) *envelope {
	kind := gatewayerr.KindOf(err)
	env := s.respond(typ, id, nil, &wireError{Kind: string(kind), Message: err.Error()})
	return &env
}

// protectedRequestTypes names the state-mutating req: frames that require a
// verified session token when the control plane has JWT verification
// configured (New was given a non-nil tokens). Read-only requests never
// need one.
var protectedRequestTypes = map[string]bool{
	"req:agent.run":      true,
	"req:runs.cancel":    true,
	"req:approval.grant": true,
	"req:approval.deny":  true,
	"req:config.set":     true,
}

// authenticateRequest verifies env's session token against the principal
// already bound to the connection at handshake. It is a no-op when the
// server was constructed without a JWTVerifier.
func (s *Server) authenticateRequest(ctx context.Context, token string) error {
	if s.tokens == nil {
		return nil
	}
	if token == "" {
		return errors.New("session_token required")
	}
	sub, err := s.tokens.Verify(token)
	if err != nil {
		return err
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal.PrincipalID != sub {
		return errors.New("session_token does not match connection principal")
	}
	return nil
}

// dispatch routes one req: frame to its handler, returning the res: frame
// to send back (nil for frame types that get no synchronous response).
// conn and writeMu are only needed by handlers that write extra evt: frames
// ahead of their res: reply (runs.tail's historical replay); every other
// handler ignores them.
func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, watermark uint64, env envelope) *envelope {
	resType := "res:" + trimPrefix(env.Type, "req:")

	if protectedRequestTypes[env.Type] {
		if err := s.authenticateRequest(ctx, env.SessionToken); err != nil {
			resp := s.respond(resType, env.ID, nil, &wireError{Kind: string(gatewayerr.KindUnauthenticated), Message: err.Error()})
			return &resp
		}
	}

	switch env.Type {
	case "req:channels.list":
		return s.handleChannelsList(ctx, resType, env.ID)
	case "req:chat.list":
		return s.handleChatList(ctx, resType, env.ID, env.Payload)
	case "req:chat.messages":
		return s.handleChatMessages(ctx, resType, env.ID, env.Payload)
	case "req:agent.run":
		return s.handleAgentRun(ctx, resType, env.ID, env.Payload)
	case "req:runs.tail":
		return s.handleRunsTail(ctx, conn, writeMu, watermark, resType, env.ID, env.Payload)
	case "req:runs.cancel":
		return s.handleRunsCancel(resType, env.ID, env.Payload)
	case "req:config.get":
		return s.handleConfigGet(resType, env.ID)
	case "req:config.set":
		return s.handleConfigSet(ctx, resType, env.ID, env.Payload)
	case "req:approval.grant":
		return s.handleApprovalGrant(ctx, resType, env.ID, env.Payload)
	case "req:approval.deny":
		return s.handleApprovalDeny(resType, env.ID, env.Payload)
	case "req:doctor.audit":
		return s.handleDoctorAudit(ctx, resType, env.ID)
	default:
		env := s.respond(resType, env.ID, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "unknown request type: " + env.Type})
		return &env
	}
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func (s *Server) handleChannelsList(ctx context.Context, resType, id string) *envelope {
	chans, err := s.gw.ListChannels(ctx)
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	out := make([]map[string]any, 0, len(chans))
	for _, c := range chans {
		out = append(out, map[string]any{"id": c.ChannelID, "kind": string(c.Kind), "status": string(c.Status), "last_seen": c.LastSeen})
	}
	env := s.respond(resType, id, map[string]any{"channels": out}, nil)
	return &env
}

func (s *Server) handleChatList(ctx context.Context, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	_ = json.Unmarshal(payload, &req)

	chats, err := s.gw.ListChats(ctx, req.ChannelID)
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"chats": chats}, nil)
	return &env
}

func (s *Server) handleChatMessages(ctx context.Context, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		ChatID string `json:"chat_id"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "chat_id required"})
		return &env
	}

	msgs, err := s.gw.ListMessages(ctx, req.ChatID, req.Limit)
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"messages": msgs}, nil)
	return &env
}

func (s *Server) handleAgentRun(ctx context.Context, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		ChatID      string `json:"chat_id"`
		ChannelID   string `json:"channel_id"`
		RequestedBy string `json:"requested_by"`
		Prompt      string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" || req.Prompt == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "chat_id and prompt are required"})
		return &env
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = auth.MustPrincipalFromContext(ctx).PrincipalID
	}

	if allowed, retryAfter := s.gw.AllowRun(requestedBy); !allowed {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindRateLimited), Message: fmt.Sprintf("retry after %s", retryAfter)})
		return &env
	}

	runID, err := s.gw.StartRun(ctx, req.ChatID, req.ChannelID, requestedBy, req.Prompt)
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"run_id": runID}, nil)
	return &env
}

func (s *Server) handleRunsTail(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, watermark uint64, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		RunID    string `json:"run_id"`
		AfterSeq uint64 `json:"after_seq"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.RunID == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "run_id required"})
		return &env
	}

	// watermark was captured when this connection subscribed to the bus,
	// before any req:runs.tail could arrive. Replaying everything up to it
	// and then leaning on the already-open live subscription for the rest
	// can't gap or duplicate: live delivery only ever carries events with
	// seq > watermark.
	events, err := s.gw.TailEvents(ctx, req.RunID, req.AfterSeq, 500)
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	replayed := 0
	for _, evt := range events {
		if evt.Seq > watermark {
			break
		}
		if err := s.write(ctx, conn, writeMu, eventEnvelope(evt)); err != nil {
			return nil
		}
		replayed++
	}
	env := s.respond(resType, id, map[string]any{"tailing": true, "replayed": replayed}, nil)
	return &env
}

func (s *Server) handleRunsCancel(resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.RunID == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "run_id required"})
		return &env
	}

	canceled := s.gw.CancelRun(req.RunID)
	env := s.respond(resType, id, map[string]any{"canceled": canceled}, nil)
	return &env
}

func (s *Server) handleConfigGet(resType, id string) *envelope {
	policy, specs := s.gw.GetConfig()
	tools := make([]map[string]any, 0, len(specs))
	for _, t := range specs {
		tools = append(tools, map[string]any{"name": t.Name, "description": t.Description, "permission": string(t.Permission)})
	}
	env := s.respond(resType, id, map[string]any{"policy": policy, "tools": tools}, nil)
	return &env
}

func (s *Server) handleConfigSet(ctx context.Context, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		Allowlist               map[string]map[string]bool `json:"allowlist"`
		ToolAllow               map[string]bool             `json:"tool_allow"`
		RequireApprovalForWrite *bool                       `json:"require_approval_for_write"`
		DMPolicy                *domain.AccessPolicy        `json:"dm_policy"`
		GroupPolicy             *domain.AccessPolicy        `json:"group_policy"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "malformed config.set payload"})
		return &env
	}

	err := s.gw.SetConfig(ctx, gateway.ConfigDiff{
		ChannelAllowlist:        req.Allowlist,
		ToolAllowlist:           req.ToolAllow,
		RequireApprovalForWrite: req.RequireApprovalForWrite,
		DMPolicy:                req.DMPolicy,
		GroupPolicy:             req.GroupPolicy,
	})
	if err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"applied": true}, nil)
	return &env
}

func (s *Server) handleApprovalGrant(ctx context.Context, resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.RunID == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "run_id required"})
		return &env
	}
	if err := s.gw.GrantApproval(req.RunID, auth.MustPrincipalFromContext(ctx).PrincipalID); err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"granted": true}, nil)
	return &env
}

func (s *Server) handleApprovalDeny(resType, id string, payload json.RawMessage) *envelope {
	var req struct {
		RunID  string `json:"run_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.RunID == "" {
		env := s.respond(resType, id, nil, &wireError{Kind: string(gatewayerr.KindInvalidRequest), Message: "run_id required"})
		return &env
	}
	if err := s.gw.DenyApproval(req.RunID, req.Reason); err != nil {
		return s.errorResponse(resType, id, err)
	}
	env := s.respond(resType, id, map[string]any{"denied": true}, nil)
	return &env
}

func (s *Server) handleDoctorAudit(ctx context.Context, resType, id string) *envelope {
	findings := s.gw.Audit(ctx)
	env := s.respond(resType, id, map[string]any{"findings": findings}, nil)
	return &env
}
