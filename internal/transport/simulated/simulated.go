// Package simulated provides an in-process transport.Adapter with scripted
// peers. It backs the TRANSPORT=simulated mode and the orchestrator tests.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/platform/stream"
	"linkless/agent/internal/transport"
)

// Peer is a scripted remote device.
type Peer struct {
	DeviceID string
	Identity string
	RSSI     float64

	// NoExchange makes the peer connectable but without the exchange service.
	NoExchange bool
	// ConnectDelay holds Connect until it elapses or the context ends.
	ConnectDelay time.Duration
	ConnectErr   error
	ReadErr      error
	WriteErr     error
}

// Stats counts adapter activity.
type Stats struct {
	Scans       int
	Connects    int
	Disconnects int
}

// Adapter is a scripted dual-role radio.
type Adapter struct {
	clock clockwork.Clock

	mu          sync.Mutex
	powered     bool
	closed      bool
	advertising bool
	advertised  string
	peers       map[string]*Peer
	written     map[string][]string
	stats       Stats

	power   *stream.Queue[transport.PowerState]
	inbound *stream.Queue[transport.InboundIdentity]
}

// New returns a powered adapter with the given peers in range.
func New(clock clockwork.Clock, peers ...Peer) *Adapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Adapter{
		clock:   clock,
		powered: true,
		peers:   make(map[string]*Peer),
		written: make(map[string][]string),
		power:   stream.NewQueue[transport.PowerState](),
		inbound: stream.NewQueue[transport.InboundIdentity](),
	}
	for _, p := range peers {
		a.SetPeer(p)
	}
	a.power.Push(transport.PowerOn)
	return a
}

// SetPeer adds or replaces a peer in range.
func (a *Adapter) SetPeer(p Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := p
	a.peers[p.DeviceID] = &cp
}

// RemovePeer takes a peer out of range.
func (a *Adapter) RemovePeer(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, deviceID)
}

// SetRSSI changes the signal reported for a peer on later scans.
func (a *Adapter) SetRSSI(deviceID string, rssi float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.peers[deviceID]; ok {
		p.RSSI = rssi
	}
}

// SetPower switches the radio and publishes the transition.
func (a *Adapter) SetPower(on bool) {
	a.mu.Lock()
	if a.powered == on {
		a.mu.Unlock()
		return
	}
	a.powered = on
	if !on {
		a.advertising = false
	}
	a.mu.Unlock()

	if on {
		a.power.Push(transport.PowerOn)
	} else {
		a.power.Push(transport.PowerOff)
	}
}

// Inject simulates a remote peer writing its identity to us.
func (a *Adapter) Inject(identity string) {
	a.inbound.Push(transport.InboundIdentity{Identity: identity, At: a.clock.Now()})
}

// Stats returns activity counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Written returns the identities written to deviceID, oldest first.
func (a *Adapter) Written(deviceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.written[deviceID]...)
}

// Advertising reports whether the adapter advertises and with which identity.
func (a *Adapter) Advertising() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising, a.advertised
}

func (a *Adapter) ScanCycle(ctx context.Context, d time.Duration, found func(transport.Discovery)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if !a.powered {
		a.mu.Unlock()
		return transport.ErrAdapterUnavailable
	}
	a.stats.Scans++
	now := a.clock.Now()
	sightings := make([]transport.Discovery, 0, len(a.peers))
	for _, p := range a.peers {
		sightings = append(sightings, transport.Discovery{DeviceID: p.DeviceID, RSSI: p.RSSI, At: now})
	}
	a.mu.Unlock()

	sort.Slice(sightings, func(i, j int) bool { return sightings[i].DeviceID < sightings[j].DeviceID })
	for _, s := range sightings {
		found(s)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.clock.After(d):
		return nil
	}
}

func (a *Adapter) StartAdvertising(ctx context.Context, identity string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	if !a.powered {
		return transport.ErrAdapterUnavailable
	}
	a.advertising = true
	a.advertised = identity
	return nil
}

func (a *Adapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
	return nil
}

func (a *Adapter) Connect(ctx context.Context, deviceID string) (transport.Conn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if !a.powered {
		a.mu.Unlock()
		return nil, transport.ErrAdapterUnavailable
	}
	a.stats.Connects++
	p, ok := a.peers[deviceID]
	var peer Peer
	if ok {
		peer = *p
	}
	a.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s out of range", transport.ErrSoftFailure, deviceID)
	}
	if peer.ConnectDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(peer.ConnectDelay):
		}
	}
	if peer.ConnectErr != nil {
		return nil, peer.ConnectErr
	}
	return &conn{adapter: a, peer: peer}, nil
}

func (a *Adapter) PowerStates() <-chan transport.PowerState {
	return a.power.Out()
}

func (a *Adapter) InboundIdentities() <-chan transport.InboundIdentity {
	return a.inbound.Out()
}

// Close stops the adapter and closes its channels.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.advertising = false
	a.mu.Unlock()
	a.power.Close()
	a.inbound.Close()
	return nil
}

type conn struct {
	adapter *Adapter
	peer    Peer
}

func (c *conn) DiscoverExchange(ctx context.Context) (transport.ExchangePoint, error) {
	if c.peer.NoExchange {
		return nil, transport.ErrNoExchangeService
	}
	return c, nil
}

func (c *conn) ReadIdentity(ctx context.Context) (string, error) {
	if c.peer.ReadErr != nil {
		return "", c.peer.ReadErr
	}
	return c.peer.Identity, nil
}

func (c *conn) WriteIdentity(ctx context.Context, identity string) error {
	if c.peer.WriteErr != nil {
		return c.peer.WriteErr
	}
	c.adapter.mu.Lock()
	defer c.adapter.mu.Unlock()
	c.adapter.written[c.peer.DeviceID] = append(c.adapter.written[c.peer.DeviceID], identity)
	return nil
}

func (c *conn) Disconnect() error {
	c.adapter.mu.Lock()
	defer c.adapter.mu.Unlock()
	c.adapter.stats.Disconnects++
	return nil
}

// ParsePeers parses "device:identity:rssi" entries separated by commas.
// An empty identity scripts a peer without the exchange service.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("simulated: peer %q: want device:identity:rssi", entry)
		}
		rssi, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("simulated: peer %q: rssi: %w", entry, err)
		}
		peers = append(peers, Peer{
			DeviceID:   parts[0],
			Identity:   parts[1],
			RSSI:       rssi,
			NoExchange: parts[1] == "",
		})
	}
	return peers, nil
}
