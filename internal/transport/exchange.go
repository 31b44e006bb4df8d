package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/proximity/domain"
)

// ExchangeConfig configures one connect/read/write identity exchange.
type ExchangeConfig struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	// IOTimeout bounds each characteristic read and write. Zero uses DiscoveryTimeout.
	IOTimeout    time.Duration
	SelfIdentity string
}

// Exchanger performs identity exchanges over a Connector.
type Exchanger struct {
	conn  Connector
	cfg   ExchangeConfig
	clock clockwork.Clock
}

// NewExchanger returns an Exchanger. Zero timeouts take the package defaults.
func NewExchanger(conn Connector, cfg ExchangeConfig, clock clockwork.Clock) *Exchanger {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = cfg.DiscoveryTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Exchanger{conn: conn, cfg: cfg, clock: clock}
}

// Exchange connects to the discovered peer, reads its identity and writes
// ours. The connection is always released before Exchange returns. A failed
// write of our own identity is logged and does not fail the exchange: the
// peer's identity has already been learned.
func (e *Exchanger) Exchange(ctx context.Context, d Discovery) (*domain.IdentityExchangeResult, error) {
	if d.DeviceID == "" {
		return nil, errors.New("transport: exchange: empty device id")
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	conn, err := e.conn.Connect(connectCtx, d.DeviceID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", d.DeviceID, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			log.Printf("transport: disconnect %s: %v", d.DeviceID, err)
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, e.cfg.DiscoveryTimeout)
	point, err := conn.DiscoverExchange(discoverCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("transport: discover %s: %w", d.DeviceID, err)
	}

	readCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	raw, err := point.ReadIdentity(readCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("transport: read identity %s: %w", d.DeviceID, err)
	}
	identity := strings.TrimSpace(raw)
	if identity == "" {
		return nil, fmt.Errorf("transport: read identity %s: %w", d.DeviceID, ErrEmptyIdentity)
	}
	if len(identity) > MaxIdentityLength {
		return nil, fmt.Errorf("transport: read identity %s: %w", d.DeviceID, ErrIdentityTooLong)
	}

	if e.cfg.SelfIdentity != "" {
		writeCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
		if err := point.WriteIdentity(writeCtx, e.cfg.SelfIdentity); err != nil {
			log.Printf("transport: write identity to %s: %v", d.DeviceID, err)
		}
		cancel()
	}

	return &domain.IdentityExchangeResult{
		PeerIdentity:      identity,
		TransportDeviceID: d.DeviceID,
		Signal:            d.RSSI,
		Timestamp:         e.clock.Now(),
	}, nil
}
