// Package service runs the proximity orchestrator: it cycles the transport's
// scanner, feeds sightings into the proximity state machine, drives identity
// exchanges with newly seen devices and republishes the resulting events.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/blocklist"
	"linkless/agent/internal/diagnostics"
	"linkless/agent/internal/platform/capability"
	"linkless/agent/internal/platform/stream"
	"linkless/agent/internal/proximity"
	"linkless/agent/internal/proximity/domain"
	"linkless/agent/internal/transport"
)

// ErrAlreadyRunning is returned by a second concurrent call to Run.
var ErrAlreadyRunning = errors.New("proximity: orchestrator already running")

// Exchanger performs one identity exchange with a discovered device.
type Exchanger interface {
	Exchange(ctx context.Context, d transport.Discovery) (*domain.IdentityExchangeResult, error)
}

// MetricsRecorder counts proximity activity.
type MetricsRecorder interface {
	ProximityEvent(ctx context.Context, eventType string)
	ExchangeOutcome(ctx context.Context, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ProximityEvent(context.Context, string)  {}
func (noopMetrics) ExchangeOutcome(context.Context, string) {}

// Exchange outcomes reported to MetricsRecorder.
const (
	OutcomeSuccess     = "success"
	OutcomeSoftFailure = "soft_failure"
	OutcomeFailure     = "failure"
	OutcomeBlocked     = "blocked"
)

// Config holds the orchestrator timing.
type Config struct {
	ScanCycle        time.Duration
	ScanPause        time.Duration
	ExchangeCooldown time.Duration
	WatchdogInterval time.Duration
	StaleAfter       time.Duration
	// SelfIdentity is advertised while the radio is on.
	SelfIdentity string
}

// DefaultConfig returns a 30s scan, 5s pause, 30s cooldown and a 5s watchdog
// expiring peers unseen for 10s.
func DefaultConfig() Config {
	return Config{
		ScanCycle:        transport.DefaultScanCycle,
		ScanPause:        transport.DefaultScanPause,
		ExchangeCooldown: 30 * time.Second,
		WatchdogInterval: 5 * time.Second,
		StaleAfter:       10 * time.Second,
	}
}

// Deps are the orchestrator's collaborators. Adapter, Exchanger and Machine
// are required.
type Deps struct {
	Adapter     transport.Adapter
	Exchanger   Exchanger
	Machine     *proximity.StateMachine
	Blocklist   blocklist.Filter
	Capability  capability.Capability
	Diagnostics *diagnostics.Log
	Metrics     MetricsRecorder
	Clock       clockwork.Clock
}

type scanMsg struct {
	cycle uint64
	disc  transport.Discovery
	done  bool
	err   error
}

type exchangeMsg struct {
	disc transport.Discovery
	res  *domain.IdentityExchangeResult
	err  error
}

// Orchestrator owns the scan loop, exchange policy and identity map. All
// mutable state below the channel block is touched only by the Run goroutine.
type Orchestrator struct {
	cfg      Config
	adapter  transport.Adapter
	exchange Exchanger
	machine  *proximity.StateMachine
	blocked  blocklist.Filter
	cap      capability.Capability
	diag     *diagnostics.Log
	metrics  MetricsRecorder
	clock    clockwork.Clock
	ids      *IdentityMap

	events   *stream.Queue[domain.ProximityEvent]
	eventHub *stream.Hub[domain.ProximityEvent]
	resolved *stream.Hub[domain.IdentityExchangeResult]

	scanMsgs     chan scanMsg
	exchangeDone chan exchangeMsg
	cycleDue     chan struct{}
	watchdogDue  chan struct{}
	cmds         chan func()

	running   atomic.Bool
	powered   atomic.Bool
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	runCtx        context.Context
	cycle         uint64
	cycleCancel   context.CancelFunc
	seen          map[string]struct{}
	cooldown      map[string]time.Time
	inflight      map[string]struct{}
	cycleTimer    clockwork.Timer
	watchdogTimer clockwork.Timer
	advertising   bool
}

// New returns an orchestrator. Call Run to start it and Close to stop it.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Adapter == nil || deps.Exchanger == nil || deps.Machine == nil {
		return nil, errors.New("proximity: adapter, exchanger and state machine are required")
	}
	def := DefaultConfig()
	if cfg.ScanCycle <= 0 {
		cfg.ScanCycle = def.ScanCycle
	}
	if cfg.ScanPause <= 0 {
		cfg.ScanPause = def.ScanPause
	}
	if cfg.ExchangeCooldown <= 0 {
		cfg.ExchangeCooldown = def.ExchangeCooldown
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
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
	return &Orchestrator{
		cfg:          cfg,
		adapter:      deps.Adapter,
		exchange:     deps.Exchanger,
		machine:      deps.Machine,
		blocked:      deps.Blocklist,
		cap:          deps.Capability,
		diag:         deps.Diagnostics,
		metrics:      deps.Metrics,
		clock:        deps.Clock,
		ids:          NewIdentityMap(),
		events:       stream.NewQueue[domain.ProximityEvent](),
		eventHub:     stream.NewHub[domain.ProximityEvent](),
		resolved:     stream.NewHub[domain.IdentityExchangeResult](),
		scanMsgs:     make(chan scanMsg, 128),
		exchangeDone: make(chan exchangeMsg, 16),
		cycleDue:     make(chan struct{}, 1),
		watchdogDue:  make(chan struct{}, 1),
		cmds:         make(chan func()),
		closing:      make(chan struct{}),
		stopped:      make(chan struct{}),
		seen:         make(map[string]struct{}),
		cooldown:     make(map[string]time.Time),
		inflight:     make(map[string]struct{}),
	}, nil
}

// Events is the primary proximity event stream, keyed by identity once a
// peer resolves. It has a single consumer; use SubscribeEvents for observers.
func (o *Orchestrator) Events() <-chan domain.ProximityEvent {
	return o.events.Out()
}

// SubscribeEvents registers an observer of proximity events. Slow observers drop events.
func (o *Orchestrator) SubscribeEvents(id string, buffer int) (<-chan domain.ProximityEvent, error) {
	return o.eventHub.Subscribe(id, buffer)
}

// SubscribeResolved registers a consumer of successful identity exchanges.
func (o *Orchestrator) SubscribeResolved(id string, buffer int) (<-chan domain.IdentityExchangeResult, error) {
	return o.resolved.Subscribe(id, buffer)
}

// UnsubscribeResolved closes a resolved-identity subscription.
func (o *Orchestrator) UnsubscribeResolved(id string) error {
	return o.resolved.Unsubscribe(id)
}

// ResolvedIdentity returns the identity for peerID (a device id or an
// identity) if one has been resolved.
func (o *Orchestrator) ResolvedIdentity(peerID string) (string, bool) {
	return o.ids.Resolve(peerID)
}

// Peers returns a snapshot of every tracked peer.
func (o *Orchestrator) Peers() []domain.PeerObservation {
	return o.machine.Snapshot()
}

// Powered reports whether the radio is currently on.
func (o *Orchestrator) Powered() bool {
	return o.powered.Load()
}

// ResetPeer forgets peerID in the state machine and clears exchange cooldowns
// for it and every device mapped to it, so the next sighting starts fresh.
// It runs on the orchestrator loop and returns false if the loop is not running.
func (o *Orchestrator) ResetPeer(peerID string) bool {
	return o.do(func() {
		o.machine.ResetPeer(peerID)
		delete(o.cooldown, peerID)
		delete(o.seen, peerID)
		for _, dev := range o.ids.Devices(peerID) {
			o.machine.ResetPeer(dev)
			delete(o.cooldown, dev)
		}
		o.diag.Info(diagnostics.CategoryState, peerID, "peer reset")
	})
}

func (o *Orchestrator) do(fn func()) bool {
	if !o.running.Load() {
		return false
	}
	done := make(chan struct{})
	select {
	case o.cmds <- func() { defer close(done); fn() }:
	case <-o.stopped:
		return false
	}
	select {
	case <-done:
		return true
	case <-o.stopped:
		return false
	}
}

// Run drives the orchestrator until ctx is done or Close is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = ctx
	defer o.shutdown()

	in := loopInputs{
		power:   o.adapter.PowerStates(),
		inbound: o.adapter.InboundIdentities(),
		machine: o.machine.Events(),
	}
	for {
		if stop := o.step(ctx, &in); stop {
			return nil
		}
	}
}

// loopInputs are the external channels Run selects on; each is set to nil
// once closed.
type loopInputs struct {
	power   <-chan transport.PowerState
	inbound <-chan transport.InboundIdentity
	machine <-chan domain.ProximityEvent
}

// step handles one loop input. A panicking handler is logged and the loop
// carries on.
func (o *Orchestrator) step(ctx context.Context, in *loopInputs) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			o.diag.Error(diagnostics.CategoryState, "", fmt.Sprintf("recovered from panic in event handler: %v", r))
		}
	}()
	select {
	case <-ctx.Done():
		return true
	case <-o.closing:
		return true
	case st, ok := <-in.power:
		if !ok {
			in.power = nil
			return false
		}
		o.handlePower(st)
	case msg := <-o.scanMsgs:
		o.handleScan(msg)
	case msg := <-o.exchangeDone:
		o.handleExchange(msg)
	case <-o.cycleDue:
		o.startCycle()
	case <-o.watchdogDue:
		o.handleWatchdog()
	case ev, ok := <-in.machine:
		if !ok {
			in.machine = nil
			return false
		}
		o.forward(ev)
	case id, ok := <-in.inbound:
		if !ok {
			in.inbound = nil
			return false
		}
		o.diag.Info(diagnostics.CategoryExchange, id.Identity, "identity written by peer")
	case fn := <-o.cmds:
		fn()
	}
	return false
}

// Close stops Run, waits for it to return and closes every stream.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
		if o.running.Load() {
			<-o.stopped
		}
		o.events.Close()
		o.eventHub.Close()
		o.resolved.Close()
	})
}

func (o *Orchestrator) shutdown() {
	o.stopCycle()
	o.stopTimer(&o.watchdogTimer)
	o.stopAdvertising()
	o.powered.Store(false)
}

func (o *Orchestrator) handlePower(st transport.PowerState) {
	switch st {
	case transport.PowerOn:
		if o.powered.Load() {
			return
		}
		o.powered.Store(true)
		o.diag.Info(diagnostics.CategoryPower, "", "radio on")
		if o.cfg.SelfIdentity != "" {
			if err := o.adapter.StartAdvertising(o.runCtx, o.cfg.SelfIdentity); err != nil {
				o.diag.Warn(diagnostics.CategoryPower, "", fmt.Sprintf("start advertising: %v", err))
			} else {
				o.advertising = true
			}
		}
		o.startCycle()
		o.armWatchdog()
	case transport.PowerOff:
		wasOn := o.powered.Swap(false)
		o.stopCycle()
		o.stopTimer(&o.watchdogTimer)
		o.stopAdvertising()
		o.seen = make(map[string]struct{})
		if wasOn {
			o.diag.Warn(diagnostics.CategoryPower, "", "radio off, resetting all peers")
		}
		o.machine.ResetAllPeers()
	}
}

func (o *Orchestrator) startCycle() {
	if !o.powered.Load() || o.cycleCancel != nil {
		return
	}
	o.cycle++
	id := o.cycle
	o.seen = make(map[string]struct{})

	scan, _ := capability.ScaleCycle(o.cap.ScanIntensity(), o.cfg.ScanCycle, o.cfg.ScanPause)
	ctx, cancel := context.WithCancel(o.runCtx)
	o.cycleCancel = cancel
	runCtx := o.runCtx

	go func() {
		err := o.adapter.ScanCycle(ctx, scan, func(d transport.Discovery) {
			select {
			case o.scanMsgs <- scanMsg{cycle: id, disc: d}:
			case <-ctx.Done():
			}
		})
		select {
		case o.scanMsgs <- scanMsg{cycle: id, done: true, err: err}:
		case <-runCtx.Done():
		}
	}()
}

func (o *Orchestrator) stopCycle() {
	if o.cycleCancel != nil {
		o.cycleCancel()
		o.cycleCancel = nil
	}
	o.stopTimer(&o.cycleTimer)
}

func (o *Orchestrator) stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (o *Orchestrator) stopAdvertising() {
	if !o.advertising {
		return
	}
	o.advertising = false
	if err := o.adapter.StopAdvertising(); err != nil {
		o.diag.Warn(diagnostics.CategoryPower, "", fmt.Sprintf("stop advertising: %v", err))
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) handleScan(msg scanMsg) {
	if msg.cycle != o.cycle {
		return
	}
	if !msg.done {
		o.handleDiscovery(msg.disc)
		return
	}

	if o.cycleCancel != nil {
		o.cycleCancel()
		o.cycleCancel = nil
	}
	switch {
	case msg.err == nil:
		for _, obs := range o.machine.DetectedPeers() {
			if _, ok := o.seen[obs.Key()]; !ok {
				o.diag.Info(diagnostics.CategoryScan, obs.Key(), "not seen this cycle")
				o.machine.OnLost(obs.Key())
			}
		}
	case errors.Is(msg.err, context.Canceled):
		return
	case errors.Is(msg.err, transport.ErrAdapterUnavailable), errors.Is(msg.err, transport.ErrClosed):
		o.diag.Warn(diagnostics.CategoryScan, "", fmt.Sprintf("scan cycle: %v", msg.err))
		return
	default:
		o.diag.Warn(diagnostics.CategoryScan, "", fmt.Sprintf("scan cycle: %v", msg.err))
	}

	if !o.powered.Load() {
		return
	}
	_, pause := capability.ScaleCycle(o.cap.ScanIntensity(), o.cfg.ScanCycle, o.cfg.ScanPause)
	o.stopTimer(&o.cycleTimer)
	o.cycleTimer = o.clock.AfterFunc(pause, func() { signal(o.cycleDue) })
}

func (o *Orchestrator) handleDiscovery(d transport.Discovery) {
	if o.blocked.Blocked(d.DeviceID) {
		return
	}
	if identity, ok := o.ids.Lookup(d.DeviceID); ok {
		if o.blocked.Blocked(identity) {
			return
		}
		o.seen[identity] = struct{}{}
		o.machine.OnDiscoveredResolved(d.DeviceID, identity, d.RSSI)
		return
	}

	o.seen[d.DeviceID] = struct{}{}
	o.machine.OnDiscovered(d.DeviceID, d.RSSI)
	o.maybeExchange(d)
}

func (o *Orchestrator) maybeExchange(d transport.Discovery) {
	if _, busy := o.inflight[d.DeviceID]; busy {
		return
	}
	if until, ok := o.cooldown[d.DeviceID]; ok {
		if o.clock.Now().Before(until) {
			return
		}
		delete(o.cooldown, d.DeviceID)
	}

	o.inflight[d.DeviceID] = struct{}{}
	o.diag.Phase(diagnostics.CategoryExchange, d.DeviceID, "start", "exchanging identity")
	ctx := o.runCtx
	go func() {
		res, err := o.exchange.Exchange(ctx, d)
		select {
		case o.exchangeDone <- exchangeMsg{disc: d, res: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleExchange(msg exchangeMsg) {
	dev := msg.disc.DeviceID
	delete(o.inflight, dev)

	if msg.err != nil {
		o.cooldown[dev] = o.clock.Now().Add(o.cfg.ExchangeCooldown)
		outcome := OutcomeFailure
		if transport.IsSoft(msg.err) {
			outcome = OutcomeSoftFailure
		}
		o.metrics.ExchangeOutcome(o.runCtx, outcome)
		o.diag.Add(diagnostics.Entry{
			Category: diagnostics.CategoryExchange,
			Level:    diagnostics.LevelWarn,
			Peer:     dev,
			Phase:    outcome,
			Message:  msg.err.Error(),
		})
		return
	}

	delete(o.cooldown, dev)
	identity := msg.res.PeerIdentity
	o.ids.Record(dev, identity)

	if o.blocked.Blocked(identity) {
		o.metrics.ExchangeOutcome(o.runCtx, OutcomeBlocked)
		o.diag.Phase(diagnostics.CategoryExchange, dev, OutcomeBlocked, "resolved identity is blocked")
		o.machine.Evict(dev)
		o.machine.Evict(identity)
		return
	}

	o.machine.UpdateIdentity(dev, identity)
	if _, ok := o.seen[dev]; ok {
		o.seen[identity] = struct{}{}
	}
	o.metrics.ExchangeOutcome(o.runCtx, OutcomeSuccess)
	o.diag.Phase(diagnostics.CategoryExchange, identity, OutcomeSuccess, "identity resolved from "+diagnostics.ShortID(dev))
	o.resolved.Publish(*msg.res)
}

func (o *Orchestrator) armWatchdog() {
	o.stopTimer(&o.watchdogTimer)
	o.watchdogTimer = o.clock.AfterFunc(o.cfg.WatchdogInterval, func() { signal(o.watchdogDue) })
}

func (o *Orchestrator) handleWatchdog() {
	if !o.powered.Load() {
		return
	}
	now := o.clock.Now()
	for _, obs := range o.machine.DetectedPeers() {
		if now.Sub(obs.LastSeenAt) >= o.cfg.StaleAfter {
			o.diag.Info(diagnostics.CategoryWatchdog, obs.Key(), "stale, starting exit debounce")
			o.machine.OnLost(obs.Key())
		}
	}
	o.armWatchdog()
}

func (o *Orchestrator) forward(ev domain.ProximityEvent) {
	o.metrics.ProximityEvent(o.runCtx, string(ev.Type))
	o.diag.Info(diagnostics.CategoryState, ev.PeerID, string(ev.Type))
	o.events.Push(ev)
	o.eventHub.Publish(ev)
}
