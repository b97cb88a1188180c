package call

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/convo"
	"github.com/voxline-ai/voxline/internal/ctxcache"
	"github.com/voxline-ai/voxline/internal/filler"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/pkg/carrier"
	"github.com/voxline-ai/voxline/pkg/model"
)

// Model connection retry policy: a cold upstream sometimes needs a second
// dial before the call's ready timer runs out.
const (
	connectAttempts = 3
	connectTimeout  = 10 * time.Second
	connectBackoff  = time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore sets the transcript store. Without one the call record is
// dropped after logging.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithCache sets the context-cache manager used to resolve and refresh the
// agent's cached-content handle.
func WithCache(c *ctxcache.Manager) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithFiller sets the shared clip library and selection policy for
// latency-masking playback.
func WithFiller(lib *filler.Library, sel filler.Selector, playerOpts ...filler.PlayerOption) Option {
	return func(o *Orchestrator) {
		o.fillerLib = lib
		o.fillerSel = sel
		o.playerOpts = playerOpts
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMachineOptions forwards options to the conversation machine. Tests
// use this to shrink timers.
func WithMachineOptions(opts ...convo.Option) Option {
	return func(o *Orchestrator) { o.machineOpts = opts }
}

// WithAlertWebhook sets a URL that receives a best-effort POST whenever a
// call dies on a fatal upstream error.
func WithAlertWebhook(url string) Option {
	return func(o *Orchestrator) { o.alertURL = url }
}

// WithConnectPolicy overrides the model connection retry policy. Tests use
// this to avoid waiting out real backoff.
func WithConnectPolicy(attempts int, timeout, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		o.connectAttempts = attempts
		o.connectTimeout = timeout
		o.connectBackoff = backoff
	}
}

// Orchestrator runs one call. Create with New, drive with Run; Run returns
// after the transcript is persisted and every resource released.
type Orchestrator struct {
	cc        Context
	adapter   carrier.Adapter
	connector model.Connector

	store      store.Store
	cache      *ctxcache.Manager
	fillerLib  *filler.Library
	fillerSel  filler.Selector
	playerOpts []filler.PlayerOption

	log     *slog.Logger
	metrics *observe.Metrics

	machineOpts []convo.Option
	alertURL    string

	connectAttempts int
	connectTimeout  time.Duration
	connectBackoff  time.Duration

	machine *convo.Machine
	mixer   *Mixer
	player  *filler.Player

	sessMu  sync.Mutex
	session model.Session

	turnsMu sync.Mutex
	turns   []convo.Turn

	endReason convo.EndReason
}

// Compile-time check: the orchestrator is the machine's side-effect sink.
var _ convo.Sink = (*Orchestrator)(nil)

// New builds the orchestrator for one call. The adapter and connector are
// owned by the orchestrator from here on and are closed by Run.
func New(cc Context, adapter carrier.Adapter, connector model.Connector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cc:              cc,
		adapter:         adapter,
		connector:       connector,
		log:             slog.Default(),
		connectAttempts: connectAttempts,
		connectTimeout:  connectTimeout,
		connectBackoff:  connectBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = o.log.With("call", cc.ID, "agent", cc.Agent.ID)

	o.mixer = NewMixer()
	o.player = filler.NewPlayer(o.fillerLib, o.fillerSel, func(pcm []byte) bool {
		return o.mixer.Write(SourceFiller, pcm)
	}, o.playerOpts...)
	o.machine = convo.New(convo.Config{
		InterruptSensitivity: cc.Agent.InterruptSensitivity,
		WelcomeText:          cc.Agent.WelcomeMessage,
		SilenceTimeout:       cc.Agent.SilenceTimeout,
		MaxCallDuration:      cc.Agent.MaxCallDuration,
	}, o, o.machineOpts...)

	return o
}

// Run drives the call to completion. It returns nil in the normal hangup
// paths; the conversation machine owns the user-visible outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("call starting", "carrier", o.cc.CarrierKind)
	o.metrics.ActiveCalls.Add(ctx, 1)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)

	g.Go(func() error { o.connectModel(gctx); return nil })
	g.Go(func() error { o.carrierLoop(gctx); return nil })
	g.Go(func() error { o.mixerLoop(gctx); return nil })

	// The machine is the call's foreground task; everything else produces
	// into its queue.
	_ = o.machine.Run(ctx)

	// The conversation is over. Give buffered outbound audio a moment to
	// reach the caller, then tear everything down.
	o.mixer.Flush(flushWindow)
	o.player.Stop()
	if s := o.currentSession(); s != nil {
		_ = s.Close()
	}
	o.mixer.Close()
	_ = o.adapter.Close()
	cancel()
	_ = g.Wait()

	o.finish(ctx)
	return nil
}

// ── Per-call task loops ────────────────────────────────────────────────────

// connectModel dials the model with bounded retries and hands the session's
// event stream to the machine. On final failure it offers a fatal error so
// the machine ends the call.
func (o *Orchestrator) connectModel(ctx context.Context) {
	cfg := model.SessionConfig{
		Voice:             o.cc.Agent.Voice,
		SystemInstruction: o.cc.Agent.CacheContent(),
	}
	if o.cache != nil {
		cfg.CacheHandle = o.cache.GetOrCreate(ctx, o.cc.Agent)
	}

	var sess model.Session
	var err error
	for attempt := 1; attempt <= o.connectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
		sess, err = o.connector.Connect(dialCtx, cfg)
		cancel()
		if err == nil {
			break
		}
		o.log.Warn("model connect failed", "attempt", attempt, "error", err)
		if attempt == o.connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.connectBackoff << (attempt - 1)):
		}
	}
	if err != nil {
		o.machine.OfferModel(model.ErrorEvent{Kind: model.KindFatal, Err: err})
		return
	}

	o.sessMu.Lock()
	o.session = sess
	o.sessMu.Unlock()
	select {
	case <-ctx.Done():
		return
	default:
	}

	for ev := range sess.Events() {
		o.machine.OfferModel(ev)
	}
}

// carrierLoop pumps inbound carrier events into the machine until the
// stream ends.
func (o *Orchestrator) carrierLoop(ctx context.Context) {
	for {
		ev, err := o.adapter.Recv(ctx)
		if err != nil {
			o.machine.OfferCarrierClosed()
			return
		}
		switch ev := ev.(type) {
		case carrier.StartEvent:
			o.log.Info("media stream started", "streamSid", ev.StreamSID)
		case carrier.FrameEvent:
			o.machine.OfferFrame(ev.Frame)
		case carrier.StopEvent:
			o.machine.OfferCarrierClosed()
			return
		}
	}
}

// mixerLoop drains the outbound lane into the carrier.
func (o *Orchestrator) mixerLoop(ctx context.Context) {
	for pcm := range o.mixer.Out() {
		if err := o.adapter.Send(ctx, pcm); err != nil {
			// The carrier leg is gone; keep draining so the mixer never
			// blocks the machine.
			continue
		}
	}
}

func (o *Orchestrator) currentSession() model.Session {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	return o.session
}

// ── convo.Sink ─────────────────────────────────────────────────────────────

// ForwardAudio hands a complete caller utterance to the model.
func (o *Orchestrator) ForwardAudio(pcm []byte) {
	if s := o.currentSession(); s != nil {
		s.SendAudio(pcm)
	}
}

// SendWelcome asks the model to speak the opening line. Runs async: SendText
// touches the network and sinks must not block the machine.
func (o *Orchestrator) SendWelcome(text string) {
	s := o.currentSession()
	if s == nil || text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SendText(ctx, text); err != nil {
			o.log.Warn("welcome delivery failed", "error", err)
		}
	}()
}

// StartFiller claims the outbound lane for filler and starts playback.
func (o *Orchestrator) StartFiller() {
	if o.mixer.Activate(SourceFiller) {
		o.player.Start(o.cc.Agent.Language, o.cc.Agent.Principle(), o.cc.Agent.ClientProfile)
	}
}

// StopFiller halts playback and frees the lane.
func (o *Orchestrator) StopFiller() {
	o.player.Stop()
	o.mixer.Deactivate(SourceFiller)
}

// StopModel releases the lane after a barge-in so late model audio is
// discarded instead of talking over the caller.
func (o *Orchestrator) StopModel() {
	o.mixer.Deactivate(SourceModel)
}

// EmitAudio pushes model speech onto the outbound lane, pre-empting filler.
func (o *Orchestrator) EmitAudio(pcm []byte) {
	o.mixer.Activate(SourceModel)
	o.mixer.Write(SourceModel, pcm)
}

// AppendTurn collects one transcript turn.
func (o *Orchestrator) AppendTurn(t convo.Turn) {
	o.turnsMu.Lock()
	o.turns = append(o.turns, t)
	o.turnsMu.Unlock()

	if t.Role == convo.RoleAgent && t.LatencyMs > 0 {
		o.metrics.ResponseLatency.Record(context.Background(), float64(t.LatencyMs)/1000)
	}
}

// StateChanged logs transitions for call debugging.
func (o *Orchestrator) StateChanged(from, to convo.State, reason string) {
	o.log.Debug("call state", "from", from.String(), "to", to.String(), "reason", reason)
}

// EndCall records the outcome; teardown happens when Run's machine loop
// returns.
func (o *Orchestrator) EndCall(reason convo.EndReason) {
	o.endReason = reason
	o.log.Info("call ending", "reason", string(reason))
}

// ── Teardown ───────────────────────────────────────────────────────────────

// finish persists the transcript, refreshes the cache handle and flushes
// the call's counters into metrics.
func (o *Orchestrator) finish(ctx context.Context) {
	endedAt := time.Now()
	duration := endedAt.Sub(o.cc.StartedAt)

	o.persist(endedAt, duration)

	if o.cache != nil {
		rctx, cancel := persistContext()
		o.cache.RefreshTTL(rctx, o.cc.Agent.ID)
		cancel()
	}

	mctx := context.Background()
	o.metrics.RecordCallEnd(mctx, string(o.endReason), duration)
	if n := o.machine.BargeIns(); n > 0 {
		o.metrics.BargeIns.Add(mctx, int64(n))
	}
	if n := o.player.Plays(); n > 0 {
		o.metrics.FillerPlays.Add(mctx, int64(n))
	}
	cs := o.adapter.Stats()
	o.metrics.RecordFrameDrop(mctx, "carrier-out", int64(cs.DroppedOut))
	if cs.DecodeErrors > 0 {
		o.metrics.DecodeErrors.Add(mctx, int64(cs.DecodeErrors))
	}
	o.metrics.RecordFrameDrop(mctx, "convo", int64(o.machine.Dropped()))
	o.metrics.RecordFrameDrop(mctx, "mixer", int64(o.mixer.Dropped()))
	if s := o.currentSession(); s != nil {
		ms := s.Stats()
		o.metrics.RecordFrameDrop(mctx, "model-send", int64(ms.DroppedSends))
		if ms.Reconnects > 0 {
			o.metrics.ModelReconnects.Add(mctx, int64(ms.Reconnects))
		}
	}

	switch o.endReason {
	case convo.EndSetupTimeout:
		o.metrics.RecordSetupFailure(mctx, string(convo.EndSetupTimeout))
		o.alert(string(o.endReason))
	case convo.EndModelFatal:
		o.alert(string(o.endReason))
	}

	o.log.Info("call finished",
		"reason", string(o.endReason),
		"duration", duration.Round(time.Millisecond),
		"turns", len(o.snapshotTurns()))
}

func (o *Orchestrator) persist(endedAt time.Time, duration time.Duration) {
	turns := o.snapshotTurns()
	if o.store == nil {
		return
	}

	rec := store.CallRecord{
		CallID:      o.cc.ID,
		AgentID:     o.cc.Agent.ID,
		UserID:      o.cc.UserID,
		LeadName:    o.cc.Lead.Name,
		LeadPhone:   o.cc.Lead.Phone,
		StartedAt:   o.cc.StartedAt,
		EndedAt:     endedAt,
		DurationSec: int(duration.Seconds()),
		EndReason:   string(o.endReason),
	}
	for _, t := range turns {
		rec.Turns = append(rec.Turns, store.Turn{
			Role:      string(t.Role),
			Text:      t.Text,
			Timestamp: t.StartedAt,
			Truncated: t.Truncated,
			LatencyMs: t.LatencyMs,
		})
	}
	rec.FlatTranscript = store.Flatten(rec.Turns)

	pctx, cancel := persistContext()
	defer cancel()
	if err := o.store.SaveCall(pctx, rec); err != nil {
		o.log.Error("transcript persistence failed", "error", err)
	}
}

func (o *Orchestrator) snapshotTurns() []convo.Turn {
	o.turnsMu.Lock()
	defer o.turnsMu.Unlock()
	out := make([]convo.Turn, len(o.turns))
	copy(out, o.turns)
	return out
}

// alert fires the quality-alert webhook. Best-effort: failures are logged
// and forgotten.
func (o *Orchestrator) alert(reason string) {
	if o.alertURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"callId":  o.cc.ID,
		"agentId": o.cc.Agent.ID,
		"reason":  reason,
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.alertURL, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			o.log.Warn("quality alert delivery failed", "error", err)
			return
		}
		resp.Body.Close()
	}()
}
