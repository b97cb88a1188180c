// Package server is the HTTP ingress for voxline.
//
// It accepts carrier media streams over WebSocket (one call per stream),
// exposes the outbound dial endpoint, and serves the operational surface:
// health probes and Prometheus metrics. Every accepted stream resolves an
// agent from the registry, builds the matching carrier adapter, and runs a
// call orchestrator until the stream ends.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/internal/call"
	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/ctxcache"
	"github.com/voxline-ai/voxline/internal/filler"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/internal/telephony"
	"github.com/voxline-ai/voxline/pkg/carrier"
	"github.com/voxline-ai/voxline/pkg/carrier/mulawjson"
	"github.com/voxline-ai/voxline/pkg/carrier/pcmbin"
	"github.com/voxline-ai/voxline/pkg/model"
)

// shutdownTimeout bounds graceful HTTP shutdown once the run context ends.
const shutdownTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStore sets the transcript store passed to every call.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithCache sets the context-cache manager passed to every call.
func WithCache(c *ctxcache.Manager) Option {
	return func(s *Server) { s.cache = c }
}

// WithFiller sets the shared filler clip library and selection policy.
func WithFiller(lib *filler.Library, sel filler.Selector) Option {
	return func(s *Server) {
		s.fillerLib = lib
		s.fillerSel = sel
	}
}

// WithDispatcher enables the /dial endpoint. agentDID is the account's
// caller number used as the dial origin.
func WithDispatcher(d *telephony.Dispatcher, agentDID string) Option {
	return func(s *Server) {
		s.dispatcher = d
		s.agentDID = agentDID
	}
}

// WithPublicBaseURL sets the externally reachable base URL used to build
// the webhook URLs handed to the carrier on outbound dials.
func WithPublicBaseURL(u string) Option {
	return func(s *Server) { s.publicBaseURL = strings.TrimRight(u, "/") }
}

// WithAlertWebhook sets the quality-alert URL forwarded to every call.
func WithAlertWebhook(u string) Option {
	return func(s *Server) { s.alertURL = u }
}

// WithHealthCheckers registers readiness checks for /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = checkers }
}

// WithCallOptions forwards extra options to every call orchestrator. Tests
// use this to shrink conversation timers.
func WithCallOptions(opts ...call.Option) Option {
	return func(s *Server) { s.callOpts = opts }
}

// Server routes carrier streams and dial requests onto the call machinery.
type Server struct {
	registry  *config.Registry
	connector model.Connector

	log     *slog.Logger
	metrics *observe.Metrics

	store     store.Store
	cache     *ctxcache.Manager
	fillerLib *filler.Library
	fillerSel filler.Selector

	dispatcher *telephony.Dispatcher
	agentDID   string

	publicBaseURL string
	alertURL      string
	checkers      []health.Checker
	callOpts      []call.Option

	// baseCtx is the lifetime of the running server; cancelling it ends
	// every in-flight call. Handler-only use (tests) leaves it Background.
	mu      sync.Mutex
	baseCtx context.Context

	calls sync.WaitGroup
}

// New creates the ingress server. The registry supplies per-call agent
// configuration; the connector dials the voice model.
func New(registry *config.Registry, connector model.Connector, opts ...Option) *Server {
	s := &Server{
		registry:  registry,
		connector: connector,
		log:       slog.Default(),
		baseCtx:   context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the full route tree wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stream/mulaw", s.handleMulawStream)
	mux.HandleFunc("GET /stream/pcm", s.handlePCMStream)
	mux.HandleFunc("POST /dial", s.handleDial)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// Run serves the handler on addr until ctx is cancelled, then shuts down
// gracefully and waits for in-flight calls to finish.
func (s *Server) Run(ctx context.Context, addr string, tlsCfg *config.TLSConfig) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	s.log.Info("ingress listening", "addr", addr, "tls", tlsCfg != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown incomplete", "error", err)
	}
	s.calls.Wait()
	return nil
}

// ── Media streams ──────────────────────────────────────────────────────────

// handleMulawStream accepts one JSON-envelope µ-law media stream and runs a
// call over it.
func (s *Server) handleMulawStream(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.resolveAgent(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "variant", "mulaw", "error", err)
		return
	}

	adapter := mulawjson.New(conn, mulawjson.WithLogger(s.log))
	s.runCall(r, cfg, carrier.KindMulawJSON, adapter)
}

// handlePCMStream accepts one binary-PCM media stream. Stream identifiers
// arrive as query parameters because this variant has no start envelope.
func (s *Server) handlePCMStream(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.resolveAgent(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	info := pcmbin.StreamInfo{
		StreamID:  q.Get("streamId"),
		ChannelID: q.Get("channelId"),
		CallID:    q.Get("callId"),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "variant", "pcm", "error", err)
		return
	}

	adapter := pcmbin.New(conn, info, pcmbin.WithLogger(s.log))
	s.runCall(r, cfg, carrier.KindPCMBinary, adapter)
}

// resolveAgent picks the agent for a stream: explicit ?agent=ID, else the
// first configured agent.
func (s *Server) resolveAgent(r *http.Request) (agent.Config, error) {
	if id := r.URL.Query().Get("agent"); id != "" {
		return s.registry.Lookup(id)
	}
	return s.registry.Default()
}

// runCall blocks the stream handler for the lifetime of one call. The
// WebSocket stays usable only while the handler is alive, so the call runs
// in the handler's goroutine.
func (s *Server) runCall(r *http.Request, cfg agent.Config, kind carrier.Kind, adapter carrier.Adapter) {
	cc := call.NewContext(cfg, kind)
	q := r.URL.Query()
	cc.Lead = call.Lead{Name: q.Get("lead"), Phone: q.Get("phone")}
	cc.UserID = q.Get("user")

	opts := append([]call.Option{
		call.WithLogger(s.log),
		call.WithMetrics(s.metrics),
	}, s.callOpts...)
	if s.store != nil {
		opts = append(opts, call.WithStore(s.store))
	}
	if s.cache != nil {
		opts = append(opts, call.WithCache(s.cache))
	}
	if s.fillerLib != nil {
		opts = append(opts, call.WithFiller(s.fillerLib, s.fillerSel))
	}
	if s.alertURL != "" {
		opts = append(opts, call.WithAlertWebhook(s.alertURL))
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.calls.Add(1)
	defer s.calls.Done()
	if err := call.New(cc, adapter, s.connector, opts...).Run(ctx); err != nil {
		s.log.Error("call run failed", "call", cc.ID, "error", err)
	}
}

// ── Outbound dial ──────────────────────────────────────────────────────────

type dialRequest struct {
	AgentID   string `json:"agentId"`
	To        string `json:"to"`
	LeadName  string `json:"leadName,omitempty"`
	LeadPhone string `json:"leadPhone,omitempty"`
}

type dialResponse struct {
	CallSID string `json:"callSid"`
	Status  string `json:"status"`
}

// handleDial places an outbound call through the carrier. The webhook URLs
// embed the agent and lead so the media stream that comes back picks up the
// same call identity.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "outbound dialing is not configured", http.StatusServiceUnavailable)
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid dial request: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := s.lookupDialAgent(req.AgentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	hooks := telephony.Webhooks{
		Media:          s.mediaURL(cfg.ID, req),
		StatusCallback: s.publicBaseURL + "/status",
	}

	res, err := s.dispatcher.PlaceCall(r.Context(), s.agentDID, req.To, hooks)
	if err != nil {
		s.metrics.RecordDial(r.Context(), "error")
		var ce *telephony.CarrierError
		switch {
		case errors.As(err, &ce):
			http.Error(w, ce.Text, http.StatusBadGateway)
		case errors.Is(err, telephony.ErrInvalidDID):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	s.metrics.RecordDial(r.Context(), res.Status)
	s.log.Info("outbound call placed", "agent", cfg.ID, "callSid", res.CallSID, "status", res.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(dialResponse{CallSID: res.CallSID, Status: res.Status})
}

func (s *Server) lookupDialAgent(id string) (agent.Config, error) {
	if id != "" {
		return s.registry.Lookup(id)
	}
	return s.registry.Default()
}

// mediaURL builds the WebSocket URL the carrier connects back to with the
// call's media stream.
func (s *Server) mediaURL(agentID string, req dialRequest) string {
	base := s.publicBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	u := base + "/stream/mulaw?agent=" + url.QueryEscape(agentID)
	if req.LeadName != "" {
		u += "&lead=" + url.QueryEscape(req.LeadName)
	}
	phone := req.LeadPhone
	if phone == "" {
		phone = req.To
	}
	if phone != "" {
		u += "&phone=" + url.QueryEscape(phone)
	}
	return u
}

// handleStatus receives carrier call-progress callbacks. They are logged
// for debugging; call lifecycle is driven by the media stream itself.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
		s.log.Info("carrier status callback",
			"callSid", payload["callSid"],
			"status", payload["status"])
	}
	w.WriteHeader(http.StatusNoContent)
}
