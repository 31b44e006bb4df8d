// Package proximity turns raw signal readings into a stable per-peer presence
// signal: readings are smoothed by a SignalFilter and drive a hysteresis state
// machine whose exit transition is delayed by a cancellable debounce timer.
package proximity

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/platform/stream"
	"linkless/agent/internal/proximity/domain"
)

var (
	// ErrInvalidThresholds is returned when the enter threshold does not exceed the exit threshold.
	ErrInvalidThresholds = errors.New("proximity: enter threshold must exceed exit threshold")
	// ErrInvalidAlpha is returned when the filter alpha is outside (0, 1].
	ErrInvalidAlpha = errors.New("proximity: filter alpha must be in (0, 1]")
	// ErrInvalidDebounce is returned for a non-positive debounce duration.
	ErrInvalidDebounce = errors.New("proximity: debounce must be positive")
)

// Config holds the state machine tuning. Threshold defaults are tunable, not canonical.
type Config struct {
	EnterThreshold float64
	ExitThreshold  float64
	Alpha          float64
	Debounce       time.Duration
}

// DefaultConfig returns enter -45, exit -55, alpha 0.3 and a 10s debounce.
func DefaultConfig() Config {
	return Config{
		EnterThreshold: -45,
		ExitThreshold:  -55,
		Alpha:          DefaultAlpha,
		Debounce:       10 * time.Second,
	}
}

// Validate checks the hysteresis gap, alpha and debounce.
func (c Config) Validate() error {
	if c.EnterThreshold <= c.ExitThreshold {
		return ErrInvalidThresholds
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return ErrInvalidAlpha
	}
	if c.Debounce <= 0 {
		return ErrInvalidDebounce
	}
	return nil
}

type peerRecord struct {
	key    string
	obs    domain.PeerObservation
	filter *SignalFilter

	// debounce is non-nil only while obs.State == StateDetected.
	debounce    clockwork.Timer
	debounceSeq uint64
}

// StateMachine tracks peers through Idle/Detected/Connected and emits
// Detected/Lost events in order on Events.
//
// All methods are safe for concurrent use. Debounce timers fire on the
// clock's goroutines and take the same lock as the entry points.
type StateMachine struct {
	cfg   Config
	clock clockwork.Clock

	mu     sync.Mutex
	peers  map[string]*peerRecord
	seq    uint64
	events *stream.Queue[domain.ProximityEvent]
}

// NewStateMachine validates cfg and returns a state machine using clock for
// timestamps and debounce timers.
func NewStateMachine(cfg Config, clock clockwork.Clock) (*StateMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateMachine{
		cfg:    cfg,
		clock:  clock,
		peers:  make(map[string]*peerRecord),
		events: stream.NewQueue[domain.ProximityEvent](),
	}, nil
}

// Events delivers proximity events in emission order. Closed by Close.
func (sm *StateMachine) Events() <-chan domain.ProximityEvent {
	return sm.events.Out()
}

// OnDiscovered records a reading for peerID and applies the transition rules.
func (sm *StateMachine) OnDiscovered(peerID string, raw float64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observe(sm.record(peerID, peerID, ""), raw)
}

// OnDiscoveredResolved records a reading for a device whose stable identity is
// already known. The record is tracked under identity; a record still keyed
// by deviceID is renamed first.
func (sm *StateMachine) OnDiscoveredResolved(deviceID, identity string, raw float64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, tracked := sm.peers[identity]; !tracked {
		if rec, ok := sm.peers[deviceID]; ok {
			delete(sm.peers, deviceID)
			rec.key = identity
			rec.obs.ResolvedIdentity = identity
			sm.peers[identity] = rec
		}
	}
	sm.observe(sm.record(identity, deviceID, identity), raw)
}

// record returns the record tracked under key, creating an Idle one.
func (sm *StateMachine) record(key, deviceID, identity string) *peerRecord {
	rec, ok := sm.peers[key]
	if !ok {
		rec = &peerRecord{
			key: key,
			obs: domain.PeerObservation{
				DeviceID:         deviceID,
				ResolvedIdentity: identity,
				State:            domain.StateIdle,
			},
			filter: NewSignalFilter(sm.cfg.Alpha),
		}
		sm.peers[key] = rec
	}
	return rec
}

func (sm *StateMachine) observe(rec *peerRecord, raw float64) {
	now := sm.clock.Now()
	rec.obs.LastSeenAt = now
	rec.obs.RawSignal = raw
	filtered := rec.filter.Update(raw)
	rec.obs.FilteredSignal = filtered

	switch rec.obs.State {
	case domain.StateIdle:
		if filtered >= sm.cfg.EnterThreshold {
			sm.cancelDebounce(rec)
			rec.obs.State = domain.StateDetected
			sm.emit(rec.key, domain.EventDetected, now)
		}
	case domain.StateDetected:
		switch {
		case filtered >= sm.cfg.EnterThreshold:
			sm.cancelDebounce(rec)
		case filtered < sm.cfg.ExitThreshold:
			sm.startDebounce(rec)
		}
	}
}

// OnLost starts the debounce for a Detected peer. Unknown peers are ignored.
func (sm *StateMachine) OnLost(peerID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	if !ok || rec.obs.State != domain.StateDetected {
		return
	}
	sm.startDebounce(rec)
}

// UpdateIdentity re-keys the record tracked under oldID to newID. Timers and
// state move with the record; events emitted after the call carry newID.
// Returns false when oldID is not tracked.
//
// If newID is already tracked the two records describe the same peer; the one
// in the more advanced state is kept (the renamed one on a tie) and the other
// is dropped with its timer.
func (sm *StateMachine) UpdateIdentity(oldID, newID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[oldID]
	if !ok {
		return false
	}
	if oldID == newID {
		rec.obs.ResolvedIdentity = newID
		return true
	}

	delete(sm.peers, oldID)
	if existing, ok := sm.peers[newID]; ok {
		if existing.obs.State > rec.obs.State {
			sm.cancelDebounce(rec)
			existing.obs.DeviceID = rec.obs.DeviceID
			existing.obs.ResolvedIdentity = newID
			return true
		}
		sm.cancelDebounce(existing)
	}

	rec.key = newID
	rec.obs.ResolvedIdentity = newID
	sm.peers[newID] = rec
	return true
}

// SetConnected moves a Detected peer to Connected (connected=true) or a
// Connected peer back to Detected. Nothing inside the state machine enters or
// leaves Connected on its own.
func (sm *StateMachine) SetConnected(peerID string, connected bool) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	if !ok {
		return false
	}
	switch {
	case connected && rec.obs.State == domain.StateDetected:
		sm.cancelDebounce(rec)
		rec.obs.State = domain.StateConnected
		return true
	case !connected && rec.obs.State == domain.StateConnected:
		rec.obs.State = domain.StateDetected
		return true
	}
	return false
}

// ResetPeer cancels timers for peerID and forgets it. No event is emitted.
func (sm *StateMachine) ResetPeer(peerID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	if !ok {
		return
	}
	sm.cancelDebounce(rec)
	delete(sm.peers, peerID)
}

// Evict forgets peerID like ResetPeer but emits Lost when the peer was
// Detected or Connected, so consumers never hold a stale detection.
func (sm *StateMachine) Evict(peerID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	if !ok {
		return
	}
	sm.cancelDebounce(rec)
	delete(sm.peers, peerID)
	if rec.obs.State != domain.StateIdle {
		sm.emit(peerID, domain.EventLost, sm.clock.Now())
	}
}

// ResetAllPeers forgets every peer, emitting a Lost event for each peer that
// was Detected or Connected.
func (sm *StateMachine) ResetAllPeers() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	for _, key := range sm.sortedKeys() {
		rec := sm.peers[key]
		sm.cancelDebounce(rec)
		if rec.obs.State != domain.StateIdle {
			sm.emit(key, domain.EventLost, now)
		}
		delete(sm.peers, key)
	}
}

// State returns the state of peerID; unknown peers are Idle.
func (sm *StateMachine) State(peerID string) domain.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if rec, ok := sm.peers[peerID]; ok {
		return rec.obs.State
	}
	return domain.StateIdle
}

// Observation returns a copy of the record tracked under peerID.
func (sm *StateMachine) Observation(peerID string) (domain.PeerObservation, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	if !ok {
		return domain.PeerObservation{}, false
	}
	return rec.obs, true
}

// Snapshot returns copies of all tracked records ordered by key.
func (sm *StateMachine) Snapshot() []domain.PeerObservation {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]domain.PeerObservation, 0, len(sm.peers))
	for _, key := range sm.sortedKeys() {
		out = append(out, sm.peers[key].obs)
	}
	return out
}

// DetectedPeers returns copies of the records currently in StateDetected.
func (sm *StateMachine) DetectedPeers() []domain.PeerObservation {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []domain.PeerObservation
	for _, key := range sm.sortedKeys() {
		if rec := sm.peers[key]; rec.obs.State == domain.StateDetected {
			out = append(out, rec.obs)
		}
	}
	return out
}

// DebouncePending reports whether peerID has a running debounce timer.
func (sm *StateMachine) DebouncePending(peerID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.peers[peerID]
	return ok && rec.debounce != nil
}

// Close cancels every timer and closes the event stream.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	for _, rec := range sm.peers {
		sm.cancelDebounce(rec)
	}
	sm.peers = make(map[string]*peerRecord)
	sm.mu.Unlock()
	sm.events.Close()
}

// startDebounce must be called with mu held. No-op if a timer is running.
func (sm *StateMachine) startDebounce(rec *peerRecord) {
	if rec.debounce != nil {
		return
	}
	sm.seq++
	seq := sm.seq
	rec.debounceSeq = seq
	rec.debounce = sm.clock.AfterFunc(sm.cfg.Debounce, func() {
		sm.fireDebounce(rec, seq)
	})
}

// cancelDebounce must be called with mu held.
func (sm *StateMachine) cancelDebounce(rec *peerRecord) {
	if rec.debounce == nil {
		return
	}
	rec.debounce.Stop()
	rec.debounce = nil
	rec.debounceSeq = 0
}

func (sm *StateMachine) fireDebounce(rec *peerRecord, seq uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// A timer that was stopped after it started firing loses this check.
	if rec.debounce == nil || rec.debounceSeq != seq {
		return
	}
	rec.debounce = nil
	rec.debounceSeq = 0

	if sm.peers[rec.key] != rec || rec.obs.State != domain.StateDetected {
		return
	}
	rec.obs.State = domain.StateIdle
	rec.filter.Reset()
	sm.emit(rec.key, domain.EventLost, sm.clock.Now())
}

func (sm *StateMachine) emit(peerID string, typ domain.EventType, at time.Time) {
	sm.events.Push(domain.ProximityEvent{PeerID: peerID, Type: typ, Timestamp: at})
}

func (sm *StateMachine) sortedKeys() []string {
	keys := make([]string, 0, len(sm.peers))
	for k := range sm.peers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
