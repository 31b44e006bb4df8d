// Package ble implements transport.Adapter on top of tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"linkless/agent/internal/platform/stream"
	"linkless/agent/internal/transport"
)

// Config configures the BLE adapter.
type Config struct {
	ServiceUUID      string
	IdentityCharUUID string
	DeviceName       string
	// EnableRetry is the interval between attempts to enable a missing or
	// powered-off radio.
	EnableRetry time.Duration
}

// Adapter is a dual-role BLE radio: GATT server advertising our identity and
// central scanning for peers.
type Adapter struct {
	radio   *bluetooth.Adapter
	cfg     Config
	service bluetooth.UUID
	char    bluetooth.UUID

	mu          sync.Mutex
	powered     bool
	closed      bool
	served      bool
	handle      bluetooth.Characteristic
	addresses   map[string]bluetooth.Address
	advertising bool

	scanMu sync.Mutex

	power   *stream.Queue[transport.PowerState]
	inbound *stream.Queue[transport.InboundIdentity]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the UUIDs and starts enabling the default adapter in the background.
func New(cfg Config) (*Adapter, error) {
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = transport.DefaultServiceUUID
	}
	if cfg.IdentityCharUUID == "" {
		cfg.IdentityCharUUID = transport.DefaultIdentityCharUUID
	}
	if cfg.EnableRetry <= 0 {
		cfg.EnableRetry = 5 * time.Second
	}
	service, err := bluetooth.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: service uuid: %w", err)
	}
	char, err := bluetooth.ParseUUID(cfg.IdentityCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: identity characteristic uuid: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		radio:     bluetooth.DefaultAdapter,
		cfg:       cfg,
		service:   service,
		char:      char,
		addresses: make(map[string]bluetooth.Address),
		power:     stream.NewQueue[transport.PowerState](),
		inbound:   stream.NewQueue[transport.InboundIdentity](),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.wg.Add(1)
	go a.enableLoop(ctx)
	return a, nil
}

// enableLoop retries Enable until it succeeds, then reports PowerOn. It runs
// again after markOff.
func (a *Adapter) enableLoop(ctx context.Context) {
	defer a.wg.Done()
	reportedOff := false
	for {
		if err := a.radio.Enable(); err == nil {
			a.setPowered(true)
			return
		} else if !reportedOff {
			log.Printf("ble: enable adapter: %v", err)
			a.power.Push(transport.PowerOff)
			reportedOff = true
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.EnableRetry):
		}
	}
}

func (a *Adapter) setPowered(on bool) {
	a.mu.Lock()
	if a.powered == on || a.closed {
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

// markOff records a radio failure and restarts the enable loop.
func (a *Adapter) markOff() {
	a.mu.Lock()
	wasOn := a.powered
	a.mu.Unlock()
	if !wasOn {
		return
	}
	a.setPowered(false)
	a.wg.Add(1)
	go a.enableLoop(a.ctx)
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	if !a.powered {
		return transport.ErrAdapterUnavailable
	}
	return nil
}

func (a *Adapter) ScanCycle(ctx context.Context, d time.Duration, found func(transport.Discovery)) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- a.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(a.service) {
				return
			}
			id := result.Address.String()
			a.mu.Lock()
			a.addresses[id] = result.Address
			a.mu.Unlock()
			found(transport.Discovery{DeviceID: id, RSSI: float64(result.RSSI), At: time.Now()})
		})
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		// Scan returned without StopScan: the radio went away.
		if err == nil {
			err = errors.New("scan ended unexpectedly")
		}
		a.markOff()
		return fmt.Errorf("ble: scan: %w: %v", transport.ErrAdapterUnavailable, err)
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := a.radio.StopScan(); err != nil {
		log.Printf("ble: stop scan: %v", err)
	}
	if err := <-done; err != nil {
		log.Printf("ble: scan: %v", err)
	}
	return ctx.Err()
}

func (a *Adapter) StartAdvertising(ctx context.Context, identity string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if len(identity) > transport.MaxIdentityLength {
		return fmt.Errorf("ble: identity exceeds %d bytes", transport.MaxIdentityLength)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.served {
		err := a.radio.AddService(&bluetooth.Service{
			UUID: a.service,
			Characteristics: []bluetooth.CharacteristicConfig{{
				Handle: &a.handle,
				UUID:   a.char,
				Value:  []byte(identity),
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: a.onWrite,
			}},
		})
		if err != nil {
			return fmt.Errorf("ble: add service: %w", err)
		}
		a.served = true
	} else if _, err := a.handle.Write([]byte(identity)); err != nil {
		return fmt.Errorf("ble: update identity: %w", err)
	}

	adv := a.radio.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    a.cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{a.service},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	a.advertising = true
	return nil
}

func (a *Adapter) onWrite(_ bluetooth.Connection, _ int, value []byte) {
	identity := strings.TrimSpace(string(value))
	if identity == "" || len(identity) > transport.MaxIdentityLength {
		return
	}
	a.inbound.Push(transport.InboundIdentity{Identity: identity, At: time.Now()})
}

func (a *Adapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertising {
		return nil
	}
	a.advertising = false
	if err := a.radio.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("ble: stop advertisement: %w", err)
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, deviceID string) (transport.Conn, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	addr, ok := a.addresses[deviceID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not seen in a scan", transport.ErrSoftFailure, deviceID)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect %s: %w", deviceID, r.err)
		}
		return &conn{dev: r.dev, service: a.service, char: a.char}, nil
	case <-ctx.Done():
		// Release a connection that completes after we gave up on it.
		go func() {
			if r := <-ch; r.err == nil {
				if err := r.dev.Disconnect(); err != nil {
					log.Printf("ble: disconnect abandoned %s: %v", deviceID, err)
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *Adapter) PowerStates() <-chan transport.PowerState {
	return a.power.Out()
}

func (a *Adapter) InboundIdentities() <-chan transport.InboundIdentity {
	return a.inbound.Out()
}

// Close stops advertising and the enable loop and closes the channels.
func (a *Adapter) Close() error {
	if err := a.StopAdvertising(); err != nil {
		log.Printf("ble: close: %v", err)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
	a.power.Close()
	a.inbound.Close()
	return nil
}

type conn struct {
	dev     bluetooth.Device
	service bluetooth.UUID
	char    bluetooth.UUID
}

func (c *conn) DiscoverExchange(ctx context.Context) (transport.ExchangePoint, error) {
	type result struct {
		char bluetooth.DeviceCharacteristic
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		services, err := c.dev.DiscoverServices([]bluetooth.UUID{c.service})
		if err != nil || len(services) == 0 {
			ch <- result{err: transport.ErrNoExchangeService}
			return
		}
		chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{c.char})
		if err != nil || len(chars) == 0 {
			ch <- result{err: transport.ErrNoExchangeService}
			return
		}
		ch <- result{char: chars[0]}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &point{char: r.char}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Disconnect() error {
	return c.dev.Disconnect()
}

type point struct {
	char bluetooth.DeviceCharacteristic
}

func (p *point) ReadIdentity(ctx context.Context) (string, error) {
	type result struct {
		value string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		// One byte past the limit so oversized identities are rejected, not truncated.
		buf := make([]byte, transport.MaxIdentityLength+1)
		n, err := p.char.Read(buf)
		ch <- result{string(buf[:n]), err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("ble: read identity: %w", r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *point) WriteIdentity(ctx context.Context, identity string) error {
	ch := make(chan error, 1)
	go func() {
		_, err := p.char.WriteWithoutResponse([]byte(identity))
		ch <- err
	}()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
