// Package health derives the agent's gRPC health status from its dependencies.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported alongside the overall ("") status.
const (
	ServiceTransport = "linkless.transport"
	ServiceDatabase  = "linkless.database"
	ServicePolicy    = "linkless.policy"
)

// DefaultInterval is how often Run re-checks dependencies.
const DefaultInterval = 10 * time.Second

const checkTimeout = 3 * time.Second

// ErrRadioOff is reported while the transport is powered off.
var ErrRadioOff = errors.New("health: radio is powered off")

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is satisfied by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// PowerSource reports whether the radio is usable.
type PowerSource interface {
	Powered() bool
}

// Monitor checks dependencies and publishes the result to a grpc health server.
// Nil dependencies are skipped.
type Monitor struct {
	server   *grpchealth.Server
	power    PowerSource
	db       Pinger
	policy   PolicyChecker
	interval time.Duration
	clock    clockwork.Clock
}

// NewMonitor returns a monitor publishing to server.
func NewMonitor(server *grpchealth.Server, power PowerSource, db Pinger, policy PolicyChecker, interval time.Duration, clock clockwork.Clock) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{server: server, power: power, db: db, policy: policy, interval: interval, clock: clock}
}

// Check runs every dependency check once, publishes per-service status, and
// returns the joined failures.
func (m *Monitor) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var errs []error
	if m.power != nil {
		var err error
		if !m.power.Powered() {
			err = ErrRadioOff
		}
		errs = append(errs, m.set(ServiceTransport, err))
	}
	if m.db != nil {
		errs = append(errs, m.set(ServiceDatabase, wrap("database", m.db.PingContext(ctx))))
	}
	if m.policy != nil {
		errs = append(errs, m.set(ServicePolicy, wrap("policy", m.policy.HealthCheck(ctx))))
	}
	err := errors.Join(errs...)
	m.set("", err)
	return err
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("health: %s: %w", what, err)
}

func (m *Monitor) set(service string, err error) error {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.server.SetServingStatus(service, status)
	return err
}

// Run checks immediately and then every interval until ctx is done. Status
// changes are logged.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	var last string
	for {
		err := m.Check(ctx)
		cur := "ok"
		if err != nil {
			cur = err.Error()
		}
		if cur != last {
			log.Printf("health: %s", cur)
			last = cur
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
