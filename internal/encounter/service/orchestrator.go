// Package service gates recording behind identity resolution. A Detected
// peer starts a bounded resolution chain (identity, then profile); only a
// fully resolved peer gets a recording session, which ends when the peer is
// lost or the maximum duration expires.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/blocklist"
	"linkless/agent/internal/capture"
	"linkless/agent/internal/diagnostics"
	"linkless/agent/internal/encounter/domain"
	"linkless/agent/internal/encounter/repository"
	"linkless/agent/internal/location"
	"linkless/agent/internal/notify"
	"linkless/agent/internal/platform/capability"
	"linkless/agent/internal/platform/stream"
	"linkless/agent/internal/policy/engine"
	"linkless/agent/internal/profile"
	proxdomain "linkless/agent/internal/proximity/domain"
)

var (
	// ErrChainTimeout cancels a resolution chain that exceeded ChainTimeout.
	ErrChainTimeout = errors.New("encounter: resolution chain timed out")
	// ErrPeerLost cancels a resolution chain whose peer was lost.
	ErrPeerLost = errors.New("encounter: peer lost during resolution")
	// ErrIdentityUnresolved is returned when every exchange wait elapsed.
	ErrIdentityUnresolved = errors.New("encounter: peer identity not resolved")
	// ErrPeerBlocked is returned when the resolved identity is blocked.
	ErrPeerBlocked = errors.New("encounter: peer is blocked")
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("encounter: orchestrator already running")
)

// ProximitySource is the proximity orchestrator as seen from here.
type ProximitySource interface {
	Events() <-chan proxdomain.ProximityEvent
	SubscribeResolved(id string, buffer int) (<-chan proxdomain.IdentityExchangeResult, error)
	UnsubscribeResolved(id string) error
	ResolvedIdentity(peerID string) (string, bool)
	ResetPeer(peerID string) bool
}

// MetricsRecorder counts session outcomes.
type MetricsRecorder interface {
	SessionOutcome(ctx context.Context, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) SessionOutcome(context.Context, string) {}

// Session outcomes reported to MetricsRecorder.
const (
	OutcomeDenied    = "denied"
	OutcomeAborted   = "aborted"
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
)

// Config holds the gate's timing.
type Config struct {
	ChainTimeout    time.Duration
	ExchangeWaits   []time.Duration
	ProfileAttempts int
	ProfileBackoff  time.Duration
	ResetDelay      time.Duration
	MaxRecording    time.Duration
	LocationTimeout time.Duration
}

// DefaultConfig returns a 15s chain with exchange waits of 3s, 4s and 5s, two
// profile attempts 1s apart, a 3s reset delay and a 3 minute recording cap.
func DefaultConfig() Config {
	return Config{
		ChainTimeout:    15 * time.Second,
		ExchangeWaits:   []time.Duration{3 * time.Second, 4 * time.Second, 5 * time.Second},
		ProfileAttempts: 2,
		ProfileBackoff:  time.Second,
		ResetDelay:      3 * time.Second,
		MaxRecording:    3 * time.Minute,
		LocationTimeout: location.DefaultTimeout,
	}
}

// Deps are the gate's collaborators. Proximity, Profiles, Recorder and
// Repository are required.
type Deps struct {
	Proximity   ProximitySource
	Profiles    profile.Fetcher
	Recorder    capture.Recorder
	Repository  repository.Repository
	Location    location.Provider
	Notifier    notify.Notifier
	Policy      engine.Evaluator
	Blocklist   blocklist.Filter
	Capability  capability.Capability
	Diagnostics *diagnostics.Log
	Metrics     MetricsRecorder
	Clock       clockwork.Clock
}

type encounter struct {
	peerID   string
	deviceID string
	identity string
	profile  *profile.Profile

	cancel   context.CancelCauseFunc
	timeout  clockwork.Timer
	resolved chan string
	lost     bool

	session  *domain.RecordingSession
	handle   capture.Handle
	maxTimer clockwork.Timer
}

// matches reports whether peerID names this encounter's peer.
func (e *encounter) matches(peerID string) bool {
	return peerID != "" && (peerID == e.peerID || peerID == e.deviceID || peerID == e.identity)
}

type chainResult struct {
	enc      *encounter
	identity string
	profile  *profile.Profile
	err      error
}

type locationResult struct {
	sessionID string
	coord     *domain.Coordinate
}

// Orchestrator is the identity and recording gate. At most one encounter is
// pending or recording at a time; fields below the channel block are owned
// by the Run goroutine.
type Orchestrator struct {
	cfg      Config
	prox     ProximitySource
	profiles profile.Fetcher
	recorder capture.Recorder
	repo     repository.Repository
	locator  location.Provider
	notifier notify.Notifier
	policy   engine.Evaluator
	blocked  blocklist.Filter
	app      capability.Capability
	diag     *diagnostics.Log
	metrics  MetricsRecorder
	clock    clockwork.Clock

	stateHub    *stream.Hub[domain.SessionState]
	identityHub *stream.Hub[domain.ResolvedPeer]

	chainDone chan chainResult
	locations chan locationResult
	maxDue    chan string
	resetDue  chan string
	running   atomic.Bool
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	state   domain.SessionState
	current *domain.RecordingSession

	runCtx context.Context
	active *encounter
	resets map[string]clockwork.Timer
}

// New returns a gate. Call Run to start it.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Proximity == nil || deps.Profiles == nil || deps.Recorder == nil || deps.Repository == nil {
		return nil, errors.New("encounter: proximity, profiles, recorder and repository are required")
	}
	def := DefaultConfig()
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = def.ChainTimeout
	}
	if len(cfg.ExchangeWaits) == 0 {
		cfg.ExchangeWaits = def.ExchangeWaits
	}
	if cfg.ProfileAttempts <= 0 {
		cfg.ProfileAttempts = def.ProfileAttempts
	}
	if cfg.ProfileBackoff <= 0 {
		cfg.ProfileBackoff = def.ProfileBackoff
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = def.ResetDelay
	}
	if cfg.MaxRecording <= 0 {
		cfg.MaxRecording = def.MaxRecording
	}
	if cfg.LocationTimeout <= 0 {
		cfg.LocationTimeout = def.LocationTimeout
	}
	if deps.Location == nil {
		deps.Location = location.None{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if deps.Blocklist == nil {
		deps.Blocklist = blocklist.NewSet()
	}
	if deps.Capability == nil {
		deps.Capability = capability.NewAppState(true)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	o := &Orchestrator{
		cfg:         cfg,
		prox:        deps.Proximity,
		profiles:    deps.Profiles,
		recorder:    deps.Recorder,
		repo:        deps.Repository,
		locator:     deps.Location,
		notifier:    deps.Notifier,
		policy:      deps.Policy,
		blocked:     deps.Blocklist,
		app:         deps.Capability,
		diag:        deps.Diagnostics,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		stateHub:    stream.NewHub[domain.SessionState](),
		identityHub: stream.NewHub[domain.ResolvedPeer](),
		chainDone:   make(chan chainResult, 1),
		locations:   make(chan locationResult, 1),
		maxDue:      make(chan string, 1),
		resetDue:    make(chan string, 8),
		closing:     make(chan struct{}),
		stopped:     make(chan struct{}),
		resets:      make(map[string]clockwork.Timer),
	}
	o.state = domain.SessionState{Status: domain.StatusIdle, At: o.clock.Now()}
	return o, nil
}

// State returns the current gate state.
func (o *Orchestrator) State() domain.SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// ActiveSession returns a copy of the session being recorded, or nil.
func (o *Orchestrator) ActiveSession() *domain.RecordingSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return nil
	}
	cp := *o.current
	return &cp
}

// SubscribeState registers a consumer of gate transitions.
func (o *Orchestrator) SubscribeState(id string, buffer int) (<-chan domain.SessionState, error) {
	return o.stateHub.Subscribe(id, buffer)
}

// SubscribeIdentity registers a consumer of fully resolved peers.
func (o *Orchestrator) SubscribeIdentity(id string, buffer int) (<-chan domain.ResolvedPeer, error) {
	return o.identityHub.Subscribe(id, buffer)
}

// Unsubscribe removes a state or identity subscription.
func (o *Orchestrator) Unsubscribe(id string) {
	o.stateHub.Unsubscribe(id)
	o.identityHub.Unsubscribe(id)
}

// Run drives the gate until ctx is done or Close is called. An active
// recording is finalized before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = ctx

	const subID = "encounter"
	resolved, err := o.prox.SubscribeResolved(subID, 16)
	if err != nil {
		return fmt.Errorf("encounter: subscribe resolved identities: %w", err)
	}
	defer o.prox.UnsubscribeResolved(subID)
	defer o.shutdown()

	events := o.prox.Events()
	for {
		if stop := o.step(ctx, events, &resolved); stop {
			return nil
		}
	}
}

// step handles one loop input. A panicking handler is logged and the loop
// carries on.
func (o *Orchestrator) step(ctx context.Context, events <-chan proxdomain.ProximityEvent, resolved *<-chan proxdomain.IdentityExchangeResult) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			o.diag.Error(diagnostics.CategorySession, "", fmt.Sprintf("recovered from panic in event handler: %v", r))
		}
	}()
	select {
	case <-ctx.Done():
		return true
	case <-o.closing:
		return true
	case ev, ok := <-events:
		if !ok {
			return true
		}
		switch ev.Type {
		case proxdomain.EventDetected:
			o.handleDetected(ev)
		case proxdomain.EventLost:
			o.handleLost(ev)
		}
	case res, ok := <-*resolved:
		if !ok {
			*resolved = nil
			return false
		}
		o.handleResolved(res)
	case res := <-o.chainDone:
		o.handleChain(res)
	case loc := <-o.locations:
		o.handleLocation(loc)
	case id := <-o.maxDue:
		if o.active != nil && o.active.session != nil && o.active.session.ID == id {
			o.finish("maximum duration reached")
		}
	case peer := <-o.resetDue:
		o.handleReset(peer)
	}
	return false
}

// Close stops Run and closes every subscription.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
		if o.running.Load() {
			<-o.stopped
		}
		o.stateHub.Close()
		o.identityHub.Close()
	})
}

func (o *Orchestrator) shutdown() {
	for peer, t := range o.resets {
		t.Stop()
		delete(o.resets, peer)
	}
	if o.active == nil {
		return
	}
	if o.active.session != nil {
		o.finish("shutdown")
		return
	}
	o.active.cancel(context.Canceled)
	o.stopTimer(&o.active.timeout)
	o.active = nil
	o.setState(domain.SessionState{Status: domain.StatusIdle, Reason: "shutdown"})
}

// opCtx bounds collaborator calls that must complete even during shutdown.
func (o *Orchestrator) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(o.runCtx), 10*time.Second)
}

func (o *Orchestrator) setState(s domain.SessionState) {
	s.At = o.clock.Now()
	o.mu.Lock()
	o.state = s
	if o.active != nil && o.active.session != nil {
		cp := *o.active.session
		o.current = &cp
	} else {
		o.current = nil
	}
	o.mu.Unlock()
	o.stateHub.Publish(s)
}

func (o *Orchestrator) stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (o *Orchestrator) handleDetected(ev proxdomain.ProximityEvent) {
	if o.active != nil {
		if !o.active.matches(ev.PeerID) {
			o.diag.Info(diagnostics.CategorySession, ev.PeerID, "ignored detection while another encounter is active")
		}
		return
	}

	identity, known := o.prox.ResolvedIdentity(ev.PeerID)
	blocked := o.blocked.Blocked(ev.PeerID) || (known && o.blocked.Blocked(identity))
	foreground := !o.app.Backgrounded()
	if !o.allowed(ev.PeerID, identity, foreground, blocked) {
		o.metrics.SessionOutcome(o.runCtx, OutcomeDenied)
		return
	}

	enc := &encounter{
		peerID:   ev.PeerID,
		resolved: make(chan string, 4),
	}
	if known {
		enc.identity = identity
		if identity != ev.PeerID {
			enc.deviceID = ev.PeerID
		}
	} else {
		enc.deviceID = ev.PeerID
	}

	ctx, cancel := context.WithCancelCause(o.runCtx)
	enc.cancel = cancel
	enc.timeout = o.clock.AfterFunc(o.cfg.ChainTimeout, func() { cancel(ErrChainTimeout) })
	o.active = enc
	o.setState(domain.SessionState{Status: domain.StatusPending, PeerID: ev.PeerID})
	o.diag.Phase(diagnostics.CategoryChain, ev.PeerID, "start", "resolution chain started")

	runCtx := o.runCtx
	go func() {
		res := o.safeResolve(ctx, enc, identity)
		select {
		case o.chainDone <- res:
		case <-runCtx.Done():
		}
	}()
}

func (o *Orchestrator) allowed(peerID, identity string, foreground, blocked bool) bool {
	if o.policy == nil {
		if !foreground {
			o.diag.Info(diagnostics.CategorySession, peerID, "not recording: app is in the background")
		} else if blocked {
			o.diag.Info(diagnostics.CategorySession, peerID, "not recording: peer is blocked")
		}
		return foreground && !blocked
	}

	subject := peerID
	if identity != "" {
		subject = identity
	}
	ok, err := o.policy.AllowRecording(o.runCtx, engine.Input{
		PeerID:     subject,
		DeviceID:   peerID,
		Foreground: foreground,
		Blocked:    blocked,
	})
	if err != nil {
		o.diag.Error(diagnostics.CategorySession, peerID, fmt.Sprintf("recording policy: %v", err))
		return false
	}
	if !ok {
		o.diag.Info(diagnostics.CategorySession, peerID, "not recording: denied by policy")
	}
	return ok
}

// safeResolve converts a panic anywhere in the chain into a chain failure.
func (o *Orchestrator) safeResolve(ctx context.Context, enc *encounter, known string) (res chainResult) {
	defer func() {
		if r := recover(); r != nil {
			res = chainResult{enc: enc, err: fmt.Errorf("encounter: resolution chain panicked: %v", r)}
		}
	}()
	return o.resolve(ctx, enc, known)
}

// resolve runs the chain off the loop. It reads only immutable encounter
// fields and the resolved channel.
func (o *Orchestrator) resolve(ctx context.Context, enc *encounter, known string) chainResult {
	identity := known
	if identity == "" {
		var err error
		identity, err = o.awaitIdentity(ctx, enc)
		if err != nil {
			return chainResult{enc: enc, err: err}
		}
	}
	if o.blocked.Blocked(identity) {
		return chainResult{enc: enc, identity: identity, err: ErrPeerBlocked}
	}

	p, err := o.fetchProfile(ctx, enc, identity)
	if err != nil {
		return chainResult{enc: enc, identity: identity, err: err}
	}
	return chainResult{enc: enc, identity: identity, profile: p}
}

func (o *Orchestrator) awaitIdentity(ctx context.Context, enc *encounter) (string, error) {
	for i, wait := range o.cfg.ExchangeWaits {
		if id, ok := o.prox.ResolvedIdentity(enc.peerID); ok {
			return id, nil
		}
		o.diag.Phase(diagnostics.CategoryChain, enc.peerID, "identity", fmt.Sprintf("waiting for exchange, attempt %d/%d", i+1, len(o.cfg.ExchangeWaits)))
		select {
		case id := <-enc.resolved:
			return id, nil
		case <-o.clock.After(wait):
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
	}
	if id, ok := o.prox.ResolvedIdentity(enc.peerID); ok {
		return id, nil
	}
	return "", ErrIdentityUnresolved
}

func (o *Orchestrator) fetchProfile(ctx context.Context, enc *encounter, identity string) (*profile.Profile, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.ProfileAttempts; attempt++ {
		o.diag.Phase(diagnostics.CategoryChain, identity, "profile", fmt.Sprintf("fetching profile, attempt %d/%d", attempt, o.cfg.ProfileAttempts))
		p, err := o.profiles.Fetch(ctx, identity)
		if err == nil {
			return p, nil
		}
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		lastErr = err
		if attempt == o.cfg.ProfileAttempts {
			break
		}
		select {
		case <-o.clock.After(o.cfg.ProfileBackoff):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	return nil, fmt.Errorf("encounter: fetch profile: %w", lastErr)
}

func (o *Orchestrator) handleResolved(res proxdomain.IdentityExchangeResult) {
	enc := o.active
	if enc == nil || !(enc.matches(res.TransportDeviceID) || enc.matches(res.PeerIdentity)) {
		return
	}
	if enc.session == nil {
		select {
		case enc.resolved <- res.PeerIdentity:
		default:
		}
		return
	}
	if res.PeerIdentity == enc.identity {
		return
	}
	ctx, cancel := o.opCtx()
	defer cancel()
	if err := o.repo.UpdateIdentity(ctx, enc.session.ID, res.PeerIdentity); err != nil {
		o.diag.Error(diagnostics.CategorySession, res.PeerIdentity, fmt.Sprintf("update session identity: %v", err))
		return
	}
	o.diag.Info(diagnostics.CategorySession, res.PeerIdentity, "session identity updated from "+diagnostics.ShortID(enc.identity))
	enc.identity = res.PeerIdentity
	enc.session.PeerIdentity = res.PeerIdentity
	o.setState(o.stateWithActive(domain.StatusRecording, ""))
}

func (o *Orchestrator) handleChain(res chainResult) {
	enc := res.enc
	if enc != o.active {
		return
	}
	o.stopTimer(&enc.timeout)
	enc.cancel(nil)

	err := res.err
	if err == nil && enc.lost {
		err = ErrPeerLost
	}
	if err != nil {
		o.abort(enc, err)
		return
	}

	enc.identity = res.identity
	enc.profile = res.profile
	o.identityHub.Publish(domain.ResolvedPeer{Identity: res.identity, DeviceID: enc.deviceID, Profile: res.profile})
	o.diag.Phase(diagnostics.CategoryChain, res.identity, "done", "resolved as "+res.profile.Label())
	o.startRecording(enc)
}

func (o *Orchestrator) abort(enc *encounter, err error) {
	o.active = nil
	o.metrics.SessionOutcome(o.runCtx, OutcomeAborted)
	o.diag.Add(diagnostics.Entry{
		Category: diagnostics.CategoryChain,
		Level:    diagnostics.LevelWarn,
		Peer:     enc.peerID,
		Phase:    "abort",
		Message:  err.Error(),
	})
	o.setState(domain.SessionState{Status: domain.StatusIdle, PeerID: enc.peerID, Reason: err.Error()})
	o.scheduleReset(enc)
}

func (o *Orchestrator) startRecording(enc *encounter) {
	sessionID := uuid.NewString()
	ctx, cancel := o.opCtx()
	defer cancel()

	handle, err := o.recorder.Start(ctx, sessionID)
	if err != nil {
		o.fail(enc, fmt.Sprintf("capture start: %v", err))
		return
	}

	session := &domain.RecordingSession{
		ID:                sessionID,
		PeerIdentity:      enc.identity,
		TransportDeviceID: enc.deviceID,
		StartedAt:         o.clock.Now(),
		Status:            domain.StatusRecording,
	}
	if err := o.repo.Insert(ctx, session); err != nil {
		if _, stopErr := handle.Stop(); stopErr != nil {
			o.diag.Warn(diagnostics.CategorySession, enc.identity, fmt.Sprintf("stop capture: %v", stopErr))
		}
		o.fail(enc, fmt.Sprintf("insert session: %v", err))
		return
	}

	enc.session = session
	enc.handle = handle
	enc.maxTimer = o.clock.AfterFunc(o.cfg.MaxRecording, func() {
		select {
		case o.maxDue <- sessionID:
		default:
		}
	})
	o.metrics.SessionOutcome(o.runCtx, OutcomeStarted)
	o.diag.Info(diagnostics.CategorySession, enc.identity, "recording started")
	o.setState(o.stateWithActive(domain.StatusRecording, ""))

	if err := o.notifier.Show(ctx, notify.Notification{
		ID:    sessionID,
		Title: "Recording",
		Body:  "Recording conversation with " + enc.profile.Label(),
	}); err != nil {
		o.diag.Warn(diagnostics.CategorySession, enc.identity, fmt.Sprintf("show notification: %v", err))
	}

	runCtx := o.runCtx
	go func() {
		coord := location.BestEffort(runCtx, o.locator, o.cfg.LocationTimeout)
		select {
		case o.locations <- locationResult{sessionID: sessionID, coord: coord}:
		case <-runCtx.Done():
		}
	}()
}

func (o *Orchestrator) fail(enc *encounter, reason string) {
	o.active = nil
	o.metrics.SessionOutcome(o.runCtx, OutcomeError)
	o.diag.Error(diagnostics.CategorySession, enc.identity, reason)
	o.setState(domain.SessionState{Status: domain.StatusError, PeerID: enc.peerID, Reason: reason})
	o.scheduleReset(enc)
}

func (o *Orchestrator) stateWithActive(status domain.SessionStatus, reason string) domain.SessionState {
	s := domain.SessionState{Status: status, Reason: reason}
	if o.active != nil {
		s.PeerID = o.active.peerID
		if o.active.identity != "" {
			s.PeerID = o.active.identity
		}
		if o.active.session != nil {
			s.SessionID = o.active.session.ID
		}
	}
	return s
}

func (o *Orchestrator) handleLocation(loc locationResult) {
	if loc.coord == nil {
		return
	}
	ctx, cancel := o.opCtx()
	defer cancel()
	if err := o.repo.Update(ctx, loc.sessionID, repository.Fields{Coordinate: loc.coord}); err != nil {
		o.diag.Warn(diagnostics.CategorySession, "", fmt.Sprintf("store location: %v", err))
		return
	}
	if enc := o.active; enc != nil && enc.session != nil && enc.session.ID == loc.sessionID {
		c := *loc.coord
		enc.session.Coordinate = &c
		o.mu.Lock()
		if o.current != nil {
			o.current.Coordinate = &c
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handleLost(ev proxdomain.ProximityEvent) {
	enc := o.active
	if enc == nil {
		return
	}
	match := enc.matches(ev.PeerID)
	if !match {
		if id, ok := o.prox.ResolvedIdentity(enc.peerID); ok && id == ev.PeerID {
			match = true
		}
	}
	if !match {
		return
	}
	if enc.session == nil {
		enc.lost = true
		enc.cancel(ErrPeerLost)
		return
	}
	o.finish("peer lost")
}

// finish ends the active recording and persists the final fields.
func (o *Orchestrator) finish(reason string) {
	enc := o.active
	o.stopTimer(&enc.maxTimer)

	artifact, err := enc.handle.Stop()
	if err != nil {
		o.diag.Warn(diagnostics.CategorySession, enc.identity, fmt.Sprintf("stop capture: %v", err))
	}
	ended := o.clock.Now()
	duration := domain.DurationSeconds(enc.session.StartedAt, ended)

	ctx, cancel := o.opCtx()
	defer cancel()
	if err := o.repo.Complete(ctx, enc.session.ID, artifact, ended, duration); err != nil {
		o.diag.Error(diagnostics.CategorySession, enc.identity, fmt.Sprintf("complete session: %v", err))
	}
	if err := o.notifier.Dismiss(ctx, enc.session.ID); err != nil {
		o.diag.Warn(diagnostics.CategorySession, enc.identity, fmt.Sprintf("dismiss notification: %v", err))
	}

	o.metrics.SessionOutcome(o.runCtx, OutcomeCompleted)
	o.diag.Info(diagnostics.CategorySession, enc.identity, fmt.Sprintf("recording finished after %ds: %s", duration, reason))
	sessionID := enc.session.ID
	o.active = nil
	o.setState(domain.SessionState{Status: domain.StatusIdle, PeerID: enc.identity, SessionID: sessionID, Reason: reason})
}

// scheduleReset forgets the encounter's peer after ResetDelay so the next
// sighting produces a fresh detection.
func (o *Orchestrator) scheduleReset(enc *encounter) {
	peers := []string{enc.peerID}
	if enc.identity != "" && enc.identity != enc.peerID {
		peers = append(peers, enc.identity)
	}
	for _, peer := range peers {
		if t, ok := o.resets[peer]; ok {
			t.Stop()
		}
		p := peer
		o.resets[p] = o.clock.AfterFunc(o.cfg.ResetDelay, func() {
			select {
			case o.resetDue <- p:
			case <-o.stopped:
			}
		})
	}
}

func (o *Orchestrator) handleReset(peer string) {
	if _, ok := o.resets[peer]; !ok {
		return
	}
	delete(o.resets, peer)
	if o.active != nil && o.active.matches(peer) {
		return
	}
	o.prox.ResetPeer(peer)
	o.diag.Info(diagnostics.CategoryChain, peer, "peer reset after failed encounter")
	if o.active == nil && o.State().Status == domain.StatusError {
		o.setState(domain.SessionState{Status: domain.StatusIdle, PeerID: peer, Reason: "reset"})
	}
}
