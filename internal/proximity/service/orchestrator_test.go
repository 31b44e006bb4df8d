package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkless/agent/internal/blocklist"
	"linkless/agent/internal/diagnostics"
	"linkless/agent/internal/proximity"
	"linkless/agent/internal/proximity/domain"
	"linkless/agent/internal/transport"
	"linkless/agent/internal/transport/simulated"
)

type mockMetrics struct {
	mu       sync.Mutex
	events   map[string]int
	outcomes map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{events: map[string]int{}, outcomes: map[string]int{}}
}

func (m *mockMetrics) ProximityEvent(_ context.Context, t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[t]++
}

func (m *mockMetrics) ExchangeOutcome(_ context.Context, o string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o]++
}

func (m *mockMetrics) outcome(o string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[o]
}

type harness struct {
	orch    *Orchestrator
	adapter *simulated.Adapter
	metrics *mockMetrics
	diag    *diagnostics.Log
}

func testConfig() Config {
	return Config{
		ScanCycle:        30 * time.Millisecond,
		ScanPause:        10 * time.Millisecond,
		ExchangeCooldown: time.Minute,
		WatchdogInterval: 20 * time.Millisecond,
		StaleAfter:       time.Second,
		SelfIdentity:     "self",
	}
}

// cycleTracker records the context handed to every scan cycle.
type cycleTracker struct {
	*simulated.Adapter
	mu   sync.Mutex
	ctxs []context.Context
}

func (c *cycleTracker) ScanCycle(ctx context.Context, d time.Duration, found func(transport.Discovery)) error {
	c.mu.Lock()
	c.ctxs = append(c.ctxs, ctx)
	c.mu.Unlock()
	return c.Adapter.ScanCycle(ctx, d, found)
}

func (c *cycleTracker) cycles() []context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]context.Context(nil), c.ctxs...)
}

func startHarness(t *testing.T, cfg Config, block blocklist.Filter, peers ...simulated.Peer) *harness {
	t.Helper()
	return startHarnessWith(t, cfg, block, nil, peers...)
}

func startHarnessWith(t *testing.T, cfg Config, block blocklist.Filter, wrap func(*simulated.Adapter) transport.Adapter, peers ...simulated.Peer) *harness {
	t.Helper()
	adapter := simulated.New(nil, peers...)
	var radio transport.Adapter = adapter
	if wrap != nil {
		radio = wrap(adapter)
	}
	smCfg := proximity.DefaultConfig()
	smCfg.Debounce = 60 * time.Millisecond
	sm, err := proximity.NewStateMachine(smCfg, nil)
	if err != nil {
		t.Fatalf("NewStateMachine: %v", err)
	}
	ex := transport.NewExchanger(adapter, transport.ExchangeConfig{
		ConnectTimeout:   100 * time.Millisecond,
		DiscoveryTimeout: 100 * time.Millisecond,
		SelfIdentity:     cfg.SelfIdentity,
	}, nil)
	h := &harness{adapter: adapter, metrics: newMockMetrics(), diag: diagnostics.New(100, nil)}
	h.orch, err = New(cfg, Deps{
		Adapter:     radio,
		Exchanger:   ex,
		Machine:     sm,
		Blocklist:   block,
		Diagnostics: h.diag,
		Metrics:     h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.orch.Close()
		sm.Close()
		adapter.Close()
	})
	return h
}

func waitEvent(t *testing.T, ch <-chan domain.ProximityEvent, peer string, typ domain.EventType) domain.ProximityEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.PeerID == peer && ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s %s", typ, peer)
			return domain.ProximityEvent{}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_DetectsAndResolves(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	resolved, err := h.orch.SubscribeResolved("test", 4)
	if err != nil {
		t.Fatalf("SubscribeResolved: %v", err)
	}
	h.adapter.SetPeer(simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)

	select {
	case res := <-resolved:
		if res.PeerIdentity != "user-1" || res.TransportDeviceID != "dev-1" {
			t.Errorf("resolved = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resolved identity")
	}

	if id, ok := h.orch.ResolvedIdentity("dev-1"); !ok || id != "user-1" {
		t.Errorf("ResolvedIdentity(dev-1) = %q, %v", id, ok)
	}
	waitFor(t, "record renamed to identity", func() bool {
		for _, p := range h.orch.Peers() {
			if p.Key() == "user-1" && p.State == domain.StateDetected {
				return true
			}
		}
		return false
	})
	if got := h.adapter.Written("dev-1"); len(got) == 0 || got[0] != "self" {
		t.Errorf("written = %v, want self", got)
	}
	if on, id := h.adapter.Advertising(); !on || id != "self" {
		t.Errorf("advertising = %v %q", on, id)
	}
	// Resolved devices are not exchanged with again.
	time.Sleep(100 * time.Millisecond)
	if n := h.adapter.Stats().Connects; n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestOrchestrator_MissedPeerIsLostUnderIdentity(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "resolution", func() bool {
		_, ok := h.orch.ResolvedIdentity("dev-1")
		return ok
	})

	h.adapter.RemovePeer("dev-1")
	waitEvent(t, h.orch.Events(), "user-1", domain.EventLost)
}

func TestOrchestrator_FailedExchangeArmsCooldown(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40, NoExchange: true})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "soft failure", func() bool { return h.metrics.outcome(OutcomeSoftFailure) == 1 })

	time.Sleep(150 * time.Millisecond)
	if n := h.adapter.Stats().Connects; n != 1 {
		t.Errorf("connects = %d, want 1 while cooling down", n)
	}
	if _, ok := h.orch.ResolvedIdentity("dev-1"); ok {
		t.Error("failed exchange resolved an identity")
	}
}

func TestOrchestrator_ConnectErrorIsHardFailure(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40, ConnectErr: errors.New("le connection failed")})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "hard failure", func() bool { return h.metrics.outcome(OutcomeFailure) == 1 })
	if n := h.metrics.outcome(OutcomeSoftFailure); n != 0 {
		t.Errorf("soft failures = %d, want 0", n)
	}
}

func TestOrchestrator_ConnectTimeoutIsHardFailure(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40, ConnectDelay: time.Second})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "hard failure", func() bool { return h.metrics.outcome(OutcomeFailure) == 1 })
	if n := h.metrics.outcome(OutcomeSoftFailure); n != 0 {
		t.Errorf("soft failures = %d, want 0", n)
	}
}

func TestOrchestrator_WatchdogExpiresQuietPeer(t *testing.T) {
	cfg := testConfig()
	cfg.ScanCycle = 3 * time.Second
	cfg.StaleAfter = 100 * time.Millisecond
	h := startHarness(t, cfg, nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40, NoExchange: true})

	detected := waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	h.adapter.RemovePeer("dev-1")
	lost := waitEvent(t, h.orch.Events(), "dev-1", domain.EventLost)

	// The cycle is still running, so only the watchdog can have expired the peer.
	if gap := lost.Timestamp.Sub(detected.Timestamp); gap >= time.Second {
		t.Errorf("lost %v after detection, want well before the cycle ends", gap)
	}
	var found bool
	for _, e := range h.diag.Recent(0) {
		if e.Category == diagnostics.CategoryWatchdog && e.Peer == "dev-1" {
			found = true
		}
	}
	if !found {
		t.Error("no watchdog diagnostics entry")
	}
}

func TestOrchestrator_CompletedCycleContextReleased(t *testing.T) {
	var tracker *cycleTracker
	wrap := func(a *simulated.Adapter) transport.Adapter {
		tracker = &cycleTracker{Adapter: a}
		return tracker
	}
	startHarnessWith(t, testConfig(), nil, wrap)

	waitFor(t, "three scan cycles", func() bool { return len(tracker.cycles()) >= 3 })
	ctxs := tracker.cycles()
	for i, ctx := range ctxs[:len(ctxs)-1] {
		if ctx.Err() == nil {
			t.Errorf("cycle %d context still live after the cycle completed", i+1)
		}
	}
}

func TestOrchestrator_ResetPeerClearsCooldown(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40, NoExchange: true})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "first attempt", func() bool { return h.metrics.outcome(OutcomeSoftFailure) == 1 })

	h.adapter.SetPeer(simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})
	if !h.orch.ResetPeer("dev-1") {
		t.Fatal("ResetPeer reported loop not running")
	}
	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "retry after reset", func() bool { return h.metrics.outcome(OutcomeSuccess) == 1 })
}

func TestOrchestrator_BlockedDeviceIgnored(t *testing.T) {
	h := startHarness(t, testConfig(), blocklist.NewSet("dev-1"), simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})

	time.Sleep(150 * time.Millisecond)
	if n := h.adapter.Stats().Connects; n != 0 {
		t.Errorf("connects = %d, want 0", n)
	}
	if len(h.orch.Peers()) != 0 {
		t.Errorf("peers = %+v, want none", h.orch.Peers())
	}
}

func TestOrchestrator_BlockedIdentityEvicted(t *testing.T) {
	h := startHarness(t, testConfig(), blocklist.NewSet("user-bad"))
	resolved, _ := h.orch.SubscribeResolved("test", 4)
	h.adapter.SetPeer(simulated.Peer{DeviceID: "dev-2", Identity: "user-bad", RSSI: -40})

	waitEvent(t, h.orch.Events(), "dev-2", domain.EventDetected)
	waitEvent(t, h.orch.Events(), "dev-2", domain.EventLost)
	waitFor(t, "blocked outcome", func() bool { return h.metrics.outcome(OutcomeBlocked) == 1 })

	select {
	case res := <-resolved:
		t.Errorf("blocked identity published: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
	if len(h.orch.Peers()) != 0 {
		t.Errorf("peers = %+v, want none", h.orch.Peers())
	}
}

func TestOrchestrator_PowerCycle(t *testing.T) {
	h := startHarness(t, testConfig(), nil, simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})

	waitEvent(t, h.orch.Events(), "dev-1", domain.EventDetected)
	waitFor(t, "resolution", func() bool {
		_, ok := h.orch.ResolvedIdentity("dev-1")
		return ok
	})

	h.adapter.SetPower(false)
	waitEvent(t, h.orch.Events(), "user-1", domain.EventLost)
	waitFor(t, "power off", func() bool { return !h.orch.Powered() })
	if on, _ := h.adapter.Advertising(); on {
		t.Error("still advertising after power off")
	}

	h.adapter.SetPower(true)
	waitEvent(t, h.orch.Events(), "user-1", domain.EventDetected)
	if on, _ := h.adapter.Advertising(); !on {
		t.Error("advertising not restarted")
	}
}

func TestOrchestrator_ObserversSeeEvents(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	obs, err := h.orch.SubscribeEvents("observer", 8)
	if err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}
	h.adapter.SetPeer(simulated.Peer{DeviceID: "dev-1", Identity: "user-1", RSSI: -40})
	waitEvent(t, obs, "dev-1", domain.EventDetected)

	var found bool
	for _, e := range h.diag.Recent(0) {
		if e.Category == diagnostics.CategoryState && e.Message == "detected" {
			found = true
		}
	}
	if !found {
		t.Error("no state diagnostics entry for detection")
	}
}

func TestIdentityMap(t *testing.T) {
	m := NewIdentityMap()
	m.Record("dev-1", "user-1")
	m.Record("dev-1", "user-1")
	m.Record("dev-2", "user-1")

	if id, ok := m.Resolve("dev-1"); !ok || id != "user-1" {
		t.Errorf("Resolve(dev-1) = %q %v", id, ok)
	}
	if id, ok := m.Resolve("user-1"); !ok || id != "user-1" {
		t.Errorf("Resolve(user-1) = %q %v", id, ok)
	}
	if devs := m.Devices("user-1"); len(devs) != 2 {
		t.Errorf("Devices = %v", devs)
	}

	m.Record("dev-1", "user-2")
	m.Record("dev-2", "user-2")
	if _, ok := m.Resolve("user-1"); ok {
		t.Error("user-1 still known after both devices moved")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d", m.Len())
	}
}
