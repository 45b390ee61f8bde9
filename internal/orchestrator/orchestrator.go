// Package orchestrator drives the client's call views. The shared row
// store is the source of truth for call state; the view here is a local
// projection reconciled against it on every connectivity regain.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offline-phone/internal/calls"
	"offline-phone/internal/chunks"
	"offline-phone/internal/connectivity"
	"offline-phone/internal/identity"
	"offline-phone/internal/metrics"
	"offline-phone/internal/playback"
	"offline-phone/internal/presence"
	"offline-phone/internal/realtime"
	"offline-phone/internal/recording"
	"offline-phone/internal/upload"
)

// View is the client-side screen. Distinct from the shared call status:
// an active call renders as calling when effectively online and as
// connected (cached playback) when not.
type View string

const (
	ViewSetup     View = "setup"
	ViewDialer    View = "dialer"
	ViewIncoming  View = "incoming"
	ViewCalling   View = "calling"
	ViewConnected View = "connected"
	ViewEnd       View = "end"
)

var (
	ErrWrongView   = errors.New("orchestrator: operation not valid in current view")
	ErrPeerOffline = errors.New("orchestrator: peer is offline")
	ErrLineBusy    = errors.New("orchestrator: line is busy")
)

// SlotGuard is an optional best-effort lock on a number's single live
// call. Store-side enforcement still applies; this only narrows the race
// window between two simultaneous dials.
type SlotGuard interface {
	Acquire(ctx context.Context, number string) (bool, error)
	Release(ctx context.Context, number string)
}

// Journal records view transitions for later inspection.
type Journal interface {
	Transition(ctx context.Context, from, to, callID, reason string)
}

// Config carries identity and timing knobs.
type Config struct {
	Number   string
	Username string

	// RingTimeout auto-rejects an unanswered incoming call. Defaults 30s.
	RingTimeout time.Duration
	// EndDismiss is how long the end view lingers before the dialer
	// returns. Defaults 2s.
	EndDismiss time.Duration
	// UploadRetryDelay paces re-attempts at the same session index.
	// Defaults 2s.
	UploadRetryDelay time.Duration
}

// pendingUpload is a captured window awaiting its one confirmed upload.
// It survives offline periods and is flushed on regain at the same index.
type pendingUpload struct {
	index       int
	data        []byte
	contentType string
}

// Orchestrator is the call-view state machine. All state behind mu; the
// event sources (realtime subscriptions, connectivity edges, timers,
// recording and upload callbacks) funnel into handlers that take it.
type Orchestrator struct {
	cfg      Config
	calls    *calls.Service
	presence *presence.Service
	chunks   *chunks.Service
	recorder *recording.Manager
	uploader *upload.Coordinator
	player   *playback.Engine
	signal   connectivity.Signal
	slots    SlotGuard
	journal  Journal
	log      *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	view       View
	call       *calls.Call
	runCtx     context.Context
	cancelCall context.CancelFunc

	// sessionIndex advances only after the previous online period's
	// upload was confirmed. uploaded marks that confirmation.
	sessionIndex int
	uploaded     bool
	pending      *pendingUpload

	// heard carries played marks across engine reloads within one call.
	heard map[string]bool

	ringTimer    *time.Timer
	dismissTimer *time.Timer
	slotsHeld    []string
}

func New(cfg Config, callSvc *calls.Service, presenceSvc *presence.Service, chunkSvc *chunks.Service,
	recorder *recording.Manager, uploader *upload.Coordinator, player *playback.Engine,
	signal connectivity.Signal, slots SlotGuard, jnl Journal, log *slog.Logger) *Orchestrator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.EndDismiss <= 0 {
		cfg.EndDismiss = 2 * time.Second
	}
	if cfg.UploadRetryDelay <= 0 {
		cfg.UploadRetryDelay = 2 * time.Second
	}
	cfg.Number = identity.Normalize(cfg.Number)
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		calls:    callSvc,
		presence: presenceSvc,
		chunks:   chunkSvc,
		recorder: recorder,
		uploader: uploader,
		player:   player,
		signal:   signal,
		slots:    slots,
		journal:  jnl,
		log:      log,
		clock:    time.Now,
		view:     ViewSetup,
		heard:    make(map[string]bool),
	}
}

// Start registers the local identity and begins consuming events. The
// dialer appears once registration lands; until then the view is setup
// and registration retries in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	// Both subscriptions are established before Start returns. A ring
	// published a moment later must land on an existing subscription;
	// the bus has no replay.
	incoming, cancelIncoming, err := o.calls.SubscribeIncoming(ctx, o.cfg.Number)
	if err != nil {
		return fmt.Errorf("orchestrator: incoming subscription: %w", err)
	}
	connEvents, cancelConn := o.signal.Subscribe()
	go o.consumeIncoming(ctx, incoming, cancelIncoming)
	go o.consumeConnectivity(ctx, connEvents, cancelConn)

	if _, err := o.presence.Register(ctx, o.cfg.Number, o.cfg.Username); err != nil {
		o.log.Warn("orchestrator: registration failed, retrying", "err", err)
		go o.retryRegister(ctx)
		return nil
	}
	o.mu.Lock()
	o.enterDialerLocked("registered")
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) retryRegister(ctx context.Context) {
	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := o.presence.Register(ctx, o.cfg.Number, o.cfg.Username); err != nil {
				continue
			}
			o.mu.Lock()
			if o.view == ViewSetup {
				o.enterDialerLocked("registered")
			}
			o.mu.Unlock()
			return
		}
	}
}

// Snapshot is the current view state for the control API.
type Snapshot struct {
	View         View        `json:"view"`
	Online       bool        `json:"online"`
	Call         *calls.Call `json:"call,omitempty"`
	SessionIndex int         `json:"session_index"`
	// Uploaded reports whether this online period's upload is confirmed.
	Uploaded  bool   `json:"uploaded"`
	Playback  string `json:"playback"`
	Recording bool   `json:"recording"`
}

func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		View:         o.view,
		Online:       o.signal.Online(),
		SessionIndex: o.sessionIndex,
		Uploaded:     o.uploaded,
		Playback:     string(o.player.State()),
		Recording:    o.recorder.Active(),
	}
	if o.call != nil {
		c := *o.call
		s.Call = &c
	}
	return s
}

// Dial places a call. No call row is created when the peer is offline;
// the offline peer simply cannot be rung.
func (o *Orchestrator) Dial(ctx context.Context, toNumber, toUsername string) (calls.Call, error) {
	to := identity.Normalize(toNumber)
	if to == "" {
		return calls.Call{}, calls.ErrInvalidArgument
	}

	o.mu.Lock()
	if o.view != ViewDialer {
		o.mu.Unlock()
		return calls.Call{}, ErrWrongView
	}
	o.mu.Unlock()

	online, err := o.presence.IsOnline(ctx, to)
	if err != nil {
		return calls.Call{}, err
	}
	if !online {
		return calls.Call{}, ErrPeerOffline
	}

	held, err := o.acquireSlots(ctx, o.cfg.Number, to)
	if err != nil {
		return calls.Call{}, err
	}

	c, err := o.calls.Dial(ctx, o.cfg.Number, o.cfg.Username, to, toUsername)
	if err != nil {
		o.releaseSlots(ctx, held)
		return calls.Call{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.view != ViewDialer {
		// Lost the race to an incoming call; let the store's dangling
		// cleanup reap the fresh row.
		o.releaseSlots(ctx, held)
		return c, ErrWrongView
	}
	o.slotsHeld = held
	o.adoptCallLocked(c)
	o.setViewLocked(ViewCalling, c.ID, "dial")
	o.armRingTimerLocked(c.ID)
	return c, nil
}

// Accept answers the current incoming call.
func (o *Orchestrator) Accept(ctx context.Context) (calls.Call, error) {
	o.mu.Lock()
	if o.view != ViewIncoming || o.call == nil {
		o.mu.Unlock()
		return calls.Call{}, ErrWrongView
	}
	id := o.call.ID
	o.mu.Unlock()

	c, err := o.calls.Accept(ctx, id)
	if err != nil {
		return calls.Call{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != id {
		return c, nil
	}
	o.stopRingTimerLocked()
	o.call = &c
	if c.Status.Terminal() {
		// The caller hung up while we were answering.
		o.enterEndLocked(c, "remote-ended")
		return c, nil
	}
	o.enterExchangeLocked("accept")
	return c, nil
}

// Reject declines the current incoming call.
func (o *Orchestrator) Reject(ctx context.Context) error {
	o.mu.Lock()
	if o.view != ViewIncoming || o.call == nil {
		o.mu.Unlock()
		return ErrWrongView
	}
	id := o.call.ID
	o.mu.Unlock()

	c, err := o.calls.Reject(ctx, id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call != nil && o.call.ID == id {
		o.enterEndLocked(c, "reject")
	}
	return nil
}

// Hangup ends the current call. Offline hangups end the view locally;
// the dangling store row is reaped on the next dialer entry.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	o.mu.Lock()
	if o.call == nil || (o.view != ViewCalling && o.view != ViewConnected) {
		o.mu.Unlock()
		return ErrWrongView
	}
	id := o.call.ID
	local := *o.call
	o.mu.Unlock()

	c, err := o.calls.End(ctx, id)
	if err != nil {
		o.log.Warn("orchestrator: hangup write failed, ending locally", "call_id", id, "err", err)
		c = local
		c.Status = calls.StatusEnded
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call != nil && o.call.ID == id {
		o.enterEndLocked(c, "hangup")
	}
	return nil
}

// Play, Pause and Seek forward the connected-view playback controls.
func (o *Orchestrator) Play() error {
	o.mu.Lock()
	ctx := o.runCtx
	view := o.view
	o.mu.Unlock()
	if view != ViewConnected && view != ViewCalling {
		return ErrWrongView
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return o.player.Play(ctx)
}

func (o *Orchestrator) Pause() {
	o.player.Pause()
}

func (o *Orchestrator) Seek(index int) {
	o.player.Seek(index)
}

// --- event consumption ---

func (o *Orchestrator) consumeIncoming(ctx context.Context, ch <-chan realtime.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			o.handleIncoming(e)
		}
	}
}

func (o *Orchestrator) consumeConnectivity(ctx context.Context, ch <-chan connectivity.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Online {
				o.wentOnline()
			} else {
				o.wentOffline()
			}
		}
	}
}

func (o *Orchestrator) handleIncoming(e realtime.Event) {
	c, err := calls.Decode(e)
	if err != nil {
		o.log.Warn("orchestrator: bad incoming event", "err", err)
		return
	}
	if !identity.Equal(c.ToNumber, o.cfg.Number) || identity.Equal(c.FromNumber, o.cfg.Number) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.view {
	case ViewEnd:
		// A fresh ring cuts the lingering end screen short. No dialer
		// stop-over: reaping here would end the ringing row itself.
		o.clearCallLocked()
	case ViewDialer:
	default:
		o.log.Info("orchestrator: ignoring ring while busy", "call_id", c.ID, "view", o.view)
		return
	}
	o.adoptCallLocked(c)
	o.setViewLocked(ViewIncoming, c.ID, "incoming")
	o.armRingTimerLocked(c.ID)
}

// watchCall consumes status updates, chunk inserts and counterpart
// presence for the current call until its context is cancelled.
func (o *Orchestrator) watchCall(ctx context.Context, c calls.Call) {
	updates, cancelU, err := o.calls.SubscribeUpdates(ctx, c.ID)
	if err != nil {
		o.log.Warn("orchestrator: call update subscription failed", "call_id", c.ID, "err", err)
		return
	}
	defer cancelU()

	inserts, cancelI, err := o.chunks.SubscribeInserts(ctx, c.ID)
	if err != nil {
		o.log.Warn("orchestrator: chunk subscription failed", "call_id", c.ID, "err", err)
		return
	}
	defer cancelI()

	peer := c.Counterpart(o.cfg.Number)
	peerCh, cancelP, err := o.presence.SubscribeChanges(ctx, peer)
	if err != nil {
		o.log.Warn("orchestrator: peer presence subscription failed", "peer", peer, "err", err)
		return
	}
	defer cancelP()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			o.handleCallUpdate(e)
		case e, ok := <-inserts:
			if !ok {
				return
			}
			o.handleChunkInsert(e)
		case e, ok := <-peerCh:
			if !ok {
				return
			}
			o.handlePeerPresence(e)
		}
	}
}

func (o *Orchestrator) handleCallUpdate(e realtime.Event) {
	c, err := calls.Decode(e)
	if err != nil {
		o.log.Warn("orchestrator: bad call update", "err", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != c.ID {
		return
	}
	prev := o.call.Status
	o.call = &c

	switch {
	case c.Status.Terminal():
		o.enterEndLocked(c, "remote-"+string(c.Status))
	case c.Status == calls.StatusActive && prev == calls.StatusRinging:
		// Caller side: the callee answered.
		if o.view == ViewCalling {
			o.stopRingTimerLocked()
			o.enterExchangeLocked("answered")
		}
	}
}

func (o *Orchestrator) handleChunkInsert(e realtime.Event) {
	c, err := chunks.Decode(e)
	if err != nil {
		o.log.Warn("orchestrator: bad chunk event", "err", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != c.CallID || identity.Equal(c.FromNumber, o.cfg.Number) {
		return
	}

	// Pre-cache the blob the moment we hear about it, while the link is
	// still up. Offline playback depends on this.
	if ctx := o.runCtx; ctx != nil {
		go func() {
			if err := o.chunks.CacheURL(ctx, c.URL); err != nil {
				o.log.Warn("orchestrator: pre-cache failed", "chunk_id", c.ID, "err", err)
			}
		}()
	}

	if o.heard[c.ID] {
		return
	}
	o.player.Append(c)
	if o.view == ViewCalling {
		o.playLocked()
	}
}

func (o *Orchestrator) handlePeerPresence(e realtime.Event) {
	var u presence.User
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		o.log.Warn("orchestrator: bad presence event", "err", err)
		return
	}
	if u.Online {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.Status != calls.StatusRinging {
		return
	}
	// The peer vanished mid-ring; nobody is left to answer or to wait.
	if o.view == ViewCalling || o.view == ViewIncoming {
		o.endCallLocked("peer-offline")
	}
}

// --- connectivity transitions ---

func (o *Orchestrator) wentOffline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.view != ViewCalling || o.call == nil {
		return
	}
	if o.call.Status != calls.StatusActive {
		o.log.Info("orchestrator: offline while ringing, awaiting reconciliation", "call_id", o.call.ID)
		return
	}

	// Live exchange degrades to cached playback. The recorder's pending
	// outcome, if any, is held for the regain flush.
	o.recorder.Stop()
	o.absorbPlayedLocked()
	o.setViewLocked(ViewConnected, o.call.ID, "went-offline")
	o.loadCachedPlaybackLocked()
	o.playLocked()
}

func (o *Orchestrator) wentOnline() {
	metrics.ReconnectsTotal.Inc()

	o.mu.Lock()
	call := o.call
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if call == nil {
		// An offline hangup leaves its row active in the store; now that
		// the store is reachable again, reap it.
		o.mu.Lock()
		if o.view == ViewDialer {
			o.reapDanglingLocked()
		}
		o.mu.Unlock()
		return
	}

	// The store, not the local view, says what the call is now.
	fresh, err := o.calls.GetByID(ctx, call.ID)
	if err != nil {
		o.log.Warn("orchestrator: reconcile read failed", "call_id", call.ID, "err", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != fresh.ID {
		return
	}
	o.call = &fresh

	switch {
	case !fresh.Involves(o.cfg.Number):
		o.log.Warn("orchestrator: reconciled call does not involve us, dropping", "call_id", fresh.ID)
		o.dismissEndLocked("reconcile-drop")
	case fresh.Status.Terminal():
		o.enterEndLocked(fresh, "reconcile-"+string(fresh.Status))
	case fresh.Status == calls.StatusActive:
		if o.uploaded {
			// Previous online period confirmed its upload; this period
			// gets the next index.
			o.sessionIndex++
			o.uploaded = false
		}
		// ViewCalling here means the answer landed while we were away.
		if o.view == ViewConnected || o.view == ViewCalling {
			o.stopRingTimerLocked()
			o.absorbPlayedLocked()
			o.enterExchangeLocked("went-online")
		}
		o.flushPendingLocked()
	case fresh.Status == calls.StatusRinging:
		// Still ringing on both ends; nothing to reconcile.
	}
}

// --- recording and upload ---

func (o *Orchestrator) handleRecordingOutcome(out recording.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != out.CallID {
		return
	}

	switch {
	case errors.Is(out.Err, recording.ErrNoAudioData):
		// An empty window consumes nothing; the index stays put.
		o.log.Info("orchestrator: empty capture window", "call_id", out.CallID)
		return
	case out.Err != nil:
		o.log.Warn("orchestrator: capture failed", "call_id", out.CallID, "err", out.Err)
		return
	}

	p := &pendingUpload{index: o.sessionIndex, data: out.Data, contentType: out.ContentType}
	o.pending = p
	if o.signal.Online() {
		o.startUploadLocked(p)
	}
}

func (o *Orchestrator) startUploadLocked(p *pendingUpload) {
	if o.call == nil || o.uploaded {
		return
	}
	req := upload.Request{
		CallID:       o.call.ID,
		Sender:       o.cfg.Number,
		SessionIndex: p.index,
		Data:         p.data,
		ContentType:  p.contentType,
	}
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go o.uploader.Upload(ctx, req, o.handleUploadProgress)
}

func (o *Orchestrator) handleUploadProgress(p upload.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call == nil || o.call.ID != p.CallID {
		// A callback from a previous call; nothing of ours to update.
		return
	}

	if !p.Failed {
		if o.pending != nil && o.pending.index == p.SessionIndex {
			o.pending = nil
		}
		if p.SessionIndex == o.sessionIndex {
			o.uploaded = true
		}
		return
	}

	o.log.Warn("orchestrator: upload failed", "call_id", p.CallID, "index", p.SessionIndex, "err", p.Err)
	if o.pending == nil || o.pending.index != p.SessionIndex || !o.signal.Online() {
		return
	}
	// Same index, same data, after a pause. The coordinator's blob path
	// is deterministic so the retry cannot fork the slot.
	pend := o.pending
	callID := o.call.ID
	time.AfterFunc(o.cfg.UploadRetryDelay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.call == nil || o.call.ID != callID || o.pending != pend || !o.signal.Online() {
			return
		}
		o.startUploadLocked(pend)
	})
}

func (o *Orchestrator) flushPendingLocked() {
	if o.pending != nil && !o.uploaded {
		o.startUploadLocked(o.pending)
	}
}

// --- internal transitions (mu held) ---

func (o *Orchestrator) adoptCallLocked(c calls.Call) {
	o.call = &c
	o.sessionIndex = 0
	o.uploaded = false
	o.pending = nil
	o.heard = make(map[string]bool)

	ctx, cancel := context.WithCancel(o.baseCtxLocked())
	o.cancelCall = cancel
	go o.watchCall(ctx, c)
}

// enterExchangeLocked begins or resumes the exchange for an active call.
// Online that means the live view: one capture window for this online
// period plus live playback of peer chunks. On a dead or degraded link
// the call lands straight in cached playback; no capture window opens,
// and the regain edge upgrades to the live view later.
func (o *Orchestrator) enterExchangeLocked(reason string) {
	if !o.signal.Online() {
		o.setViewLocked(ViewConnected, o.call.ID, reason)
		o.loadCachedPlaybackLocked()
		o.playLocked()
		return
	}
	o.setViewLocked(ViewCalling, o.call.ID, reason)
	o.maybeRecordLocked()
	o.loadRemotePlaybackLocked()
	o.playLocked()
}

// maybeRecordLocked opens a capture window only when the current session
// index still needs one. A pending unconfirmed upload owns the index; it
// is retried rather than re-captured.
func (o *Orchestrator) maybeRecordLocked() {
	if o.call == nil || o.uploaded || o.pending != nil || o.recorder.Active() {
		return
	}
	o.startRecordingLocked()
}

func (o *Orchestrator) startRecordingLocked() {
	if o.call == nil {
		return
	}
	callID := o.call.ID
	ctx := o.baseCtxLocked()
	go func() {
		err := o.recorder.Start(ctx, callID, o.handleRecordingOutcome)
		if errors.Is(err, recording.ErrBusy) {
			// A stale window from the previous period; cut it and retry.
			o.recorder.Stop()
			err = o.recorder.Start(ctx, callID, o.handleRecordingOutcome)
		}
		if err != nil {
			o.log.Warn("orchestrator: capture start failed", "call_id", callID, "err", err)
		}
	}()
}

func (o *Orchestrator) endCallLocked(reason string) {
	id := o.call.ID
	ctx := o.baseCtxLocked()
	go func() {
		if _, err := o.calls.End(ctx, id); err != nil {
			o.log.Warn("orchestrator: end write failed", "call_id", id, "err", err)
		}
	}()
	c := *o.call
	c.Status = calls.StatusEnded
	o.enterEndLocked(c, reason)
}

func (o *Orchestrator) enterEndLocked(c calls.Call, reason string) {
	o.stopRingTimerLocked()
	o.recorder.Stop()
	o.player.Stop()
	o.call = &c
	o.setViewLocked(ViewEnd, c.ID, reason)
	o.dismissTimer = time.AfterFunc(o.cfg.EndDismiss, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.view == ViewEnd && o.call != nil && o.call.ID == c.ID {
			o.dismissEndLocked("dismiss")
		}
	})
}

// dismissEndLocked returns to the dialer and reaps any dangling rows so
// the one-live-call invariant holds before the next dial.
func (o *Orchestrator) dismissEndLocked(reason string) {
	o.clearCallLocked()
	o.enterDialerLocked(reason)
}

func (o *Orchestrator) clearCallLocked() {
	if o.dismissTimer != nil {
		o.dismissTimer.Stop()
		o.dismissTimer = nil
	}
	if o.cancelCall != nil {
		o.cancelCall()
		o.cancelCall = nil
	}
	ctx := o.baseCtxLocked()
	o.releaseSlots(ctx, o.slotsHeld)
	o.slotsHeld = nil
	o.call = nil
	o.pending = nil
	o.heard = make(map[string]bool)
	o.player.Load(nil)
}

// enterDialerLocked is the only way into the dialer. Entering it while
// online force-ends any non-terminal rows for this number, including
// rows left behind by a crash-restart or an offline hangup.
func (o *Orchestrator) enterDialerLocked(reason string) {
	o.setViewLocked(ViewDialer, "", reason)
	if o.signal.Online() {
		o.reapDanglingLocked()
	}
}

func (o *Orchestrator) reapDanglingLocked() {
	ctx := o.baseCtxLocked()
	num := o.cfg.Number
	go func() {
		n, err := o.calls.ForceEndDangling(ctx, num)
		if err != nil {
			o.log.Warn("orchestrator: dangling cleanup failed", "err", err)
			return
		}
		if n > 0 {
			metrics.ForceEndedCallsTotal.Add(float64(n))
			o.log.Info("orchestrator: force-ended dangling calls", "count", n)
		}
	}()
}

func (o *Orchestrator) armRingTimerLocked(callID string) {
	o.stopRingTimerLocked()
	o.ringTimer = time.AfterFunc(o.cfg.RingTimeout, func() { o.ringTimedOut(callID) })
}

func (o *Orchestrator) stopRingTimerLocked() {
	if o.ringTimer != nil {
		o.ringTimer.Stop()
		o.ringTimer = nil
	}
}

func (o *Orchestrator) ringTimedOut(callID string) {
	o.mu.Lock()
	if o.call == nil || o.call.ID != callID || o.call.Status != calls.StatusRinging {
		o.mu.Unlock()
		return
	}
	view := o.view
	ctx := o.baseCtxLocked()
	o.mu.Unlock()

	var (
		c   calls.Call
		err error
	)
	switch view {
	case ViewIncoming:
		c, err = o.calls.Reject(ctx, callID)
	case ViewCalling:
		c, err = o.calls.End(ctx, callID)
	default:
		return
	}
	if err != nil {
		o.log.Warn("orchestrator: ring timeout write failed", "call_id", callID, "err", err)
		c = calls.Call{ID: callID, Status: calls.StatusEnded}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call != nil && o.call.ID == callID && o.view == view {
		if c.FromNumber == "" {
			c = *o.call
			c.Status = calls.StatusEnded
		}
		o.enterEndLocked(c, "ring-timeout")
	}
}

// --- playback plumbing (mu held) ---

// absorbPlayedLocked merges the engine's played marks into heard so a
// reload does not replay what was already rendered.
func (o *Orchestrator) absorbPlayedLocked() {
	_, items, _ := o.player.Snapshot()
	for _, it := range items {
		if it.Played {
			o.heard[it.Chunk.ID] = true
		}
	}
}

func (o *Orchestrator) loadCachedPlaybackLocked() {
	o.loadPlaybackLocked(true)
}

func (o *Orchestrator) loadRemotePlaybackLocked() {
	o.loadPlaybackLocked(false)
}

func (o *Orchestrator) loadPlaybackLocked(preferCache bool) {
	if o.call == nil {
		return
	}
	ctx := o.baseCtxLocked()
	list, err := o.chunks.FetchOpposite(ctx, o.call.ID, o.cfg.Number, preferCache)
	if err != nil {
		o.log.Warn("orchestrator: chunk fetch failed", "call_id", o.call.ID, "prefer_cache", preferCache, "err", err)
		list = nil
	}
	fresh := list[:0:0]
	for _, c := range list {
		if !o.heard[c.ID] {
			fresh = append(fresh, c)
		}
	}
	o.player.Load(fresh)
}

func (o *Orchestrator) playLocked() {
	ctx := o.baseCtxLocked()
	if err := o.player.Play(ctx); err != nil && !errors.Is(err, playback.ErrNoChunks) {
		o.log.Warn("orchestrator: playback start failed", "err", err)
	}
}

func (o *Orchestrator) setViewLocked(v View, callID, reason string) {
	if o.view == v {
		return
	}
	from := o.view
	o.view = v
	o.log.Info("orchestrator: view change", "from", from, "to", v, "call_id", callID, "reason", reason)
	if o.journal != nil {
		o.journal.Transition(o.baseCtxLocked(), string(from), string(v), callID, reason)
	}
}

func (o *Orchestrator) baseCtxLocked() context.Context {
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// --- slot guard plumbing ---

func (o *Orchestrator) acquireSlots(ctx context.Context, numbers ...string) ([]string, error) {
	if o.slots == nil {
		return nil, nil
	}
	var held []string
	for _, n := range numbers {
		ok, err := o.slots.Acquire(ctx, n)
		if err != nil {
			// Guard outage must not block calling; the store still
			// enforces the invariant.
			o.log.Warn("orchestrator: slot guard unavailable", "number", n, "err", err)
			continue
		}
		if !ok {
			o.releaseSlots(ctx, held)
			return nil, ErrLineBusy
		}
		held = append(held, n)
	}
	return held, nil
}

func (o *Orchestrator) releaseSlots(ctx context.Context, held []string) {
	if o.slots == nil {
		return
	}
	for _, n := range held {
		o.slots.Release(ctx, n)
	}
}
