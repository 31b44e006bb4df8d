// Package transport abstracts the short-range radio used for peer discovery
// and identity exchange. A device plays both roles at once: it advertises its
// own identity on a well-known service and scans for peers advertising the
// same service.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultServiceUUID is the service every participating device advertises.
	DefaultServiceUUID = "7b3c1a9e-5f2d-4e8b-9c61-2a0d4f7e1b35"
	// DefaultIdentityCharUUID is the read/write characteristic holding the identity.
	DefaultIdentityCharUUID = "7b3c1a9f-5f2d-4e8b-9c61-2a0d4f7e1b35"

	DefaultScanCycle        = 30 * time.Second
	DefaultScanPause        = 5 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultDiscoveryTimeout = 5 * time.Second

	// MaxIdentityLength bounds identity payloads read from or written to a peer.
	MaxIdentityLength = 128
)

var (
	// ErrSoftFailure marks transient failures that are logged and retried on a later cycle.
	ErrSoftFailure = errors.New("transport: soft failure")
	// ErrNoExchangeService is returned when a connected peer lacks the exchange service.
	ErrNoExchangeService = fmt.Errorf("%w: exchange service not found", ErrSoftFailure)
	// ErrEmptyIdentity is returned when the peer's identity characteristic is empty.
	ErrEmptyIdentity = fmt.Errorf("%w: empty identity", ErrSoftFailure)
	// ErrIdentityTooLong is returned when a peer's identity exceeds MaxIdentityLength.
	ErrIdentityTooLong = fmt.Errorf("transport: identity exceeds %d bytes", MaxIdentityLength)
	// ErrAdapterUnavailable is returned when the radio is off or missing.
	ErrAdapterUnavailable = errors.New("transport: adapter unavailable")
	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("transport: closed")
)

// IsSoft reports whether err is a soft failure: the peer was not reachable
// for exchange yet, lacks the exchange service, or offered an empty identity.
// Connect errors and timeouts are hard failures.
func IsSoft(err error) bool {
	return errors.Is(err, ErrSoftFailure)
}

// Discovery is one sighting of a peer advertising the exchange service.
type Discovery struct {
	DeviceID string
	RSSI     float64
	At       time.Time
}

// PowerState is the radio power state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// InboundIdentity is an identity a remote peer wrote to our characteristic.
type InboundIdentity struct {
	Identity string
	At       time.Time
}

// Scanner runs a single bounded scan cycle.
type Scanner interface {
	// ScanCycle scans for d or until ctx is done, calling found for every
	// sighting. It returns nil when the cycle completed normally.
	ScanCycle(ctx context.Context, d time.Duration, found func(Discovery)) error
}

// Advertiser publishes the local identity so peers can read it.
type Advertiser interface {
	StartAdvertising(ctx context.Context, identity string) error
	StopAdvertising() error
}

// Connector opens a connection to a discovered peer.
type Connector interface {
	Connect(ctx context.Context, deviceID string) (Conn, error)
}

// Conn is an open connection to a peer.
type Conn interface {
	DiscoverExchange(ctx context.Context) (ExchangePoint, error)
	Disconnect() error
}

// ExchangePoint is the peer's identity characteristic.
type ExchangePoint interface {
	ReadIdentity(ctx context.Context) (string, error)
	WriteIdentity(ctx context.Context, identity string) error
}

// Adapter is the full dual-role radio.
type Adapter interface {
	Scanner
	Advertiser
	Connector
	// PowerStates delivers power transitions. The current state is delivered
	// first once it is known.
	PowerStates() <-chan PowerState
	// InboundIdentities delivers identities written to us by remote peers.
	InboundIdentities() <-chan InboundIdentity
	Close() error
}
