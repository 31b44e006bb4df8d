// Agent runs proximity detection, identity exchange and the recording gate,
// with a gRPC health endpoint and an optional debug HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"

	"linkless/agent/internal/blocklist"
	"linkless/agent/internal/capture"
	"linkless/agent/internal/config"
	"linkless/agent/internal/db"
	"linkless/agent/internal/db/migrate"
	debughandler "linkless/agent/internal/debug/handler"
	"linkless/agent/internal/diagnostics"
	encdomain "linkless/agent/internal/encounter/domain"
	"linkless/agent/internal/encounter/repository"
	encservice "linkless/agent/internal/encounter/service"
	"linkless/agent/internal/health"
	"linkless/agent/internal/location"
	"linkless/agent/internal/notify"
	"linkless/agent/internal/platform/capability"
	"linkless/agent/internal/policy/engine"
	"linkless/agent/internal/profile"
	"linkless/agent/internal/proximity"
	proxservice "linkless/agent/internal/proximity/service"
	"linkless/agent/internal/security"
	"linkless/agent/internal/server"
	"linkless/agent/internal/telemetry"
	otelsetup "linkless/agent/internal/telemetry/otel"
	"linkless/agent/internal/telemetry/producer"
	"linkless/agent/internal/transport"
	"linkless/agent/internal/transport/ble"
	"linkless/agent/internal/transport/simulated"
)

const serviceName = "linkless-agent"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self, err := security.SelfIdentity(cfg.AgentToken, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("agent: advertising as %s", diagnostics.ShortID(self))

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()
	metrics, err := otelsetup.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("telemetry: metrics: %v", err)
	}

	diag := diagnostics.New(diagnostics.DefaultCapacity, nil)
	defer diag.Close()
	emitters := telemetry.Multi{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	exporting := cfg.OTLPEndpoint != ""
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.DiagnosticsKafkaTopic); kp != nil {
		emitters = append(emitters, kp)
		exporting = true
		defer kp.Close()
		log.Printf("telemetry: publishing diagnostics to kafka topic %s", cfg.DiagnosticsKafkaTopic)
	}
	diag.AddSink(telemetry.Sink(emitters))

	sqlDB, repo := openRepository(ctx, cfg)
	if sqlDB != nil {
		defer sqlDB.Close()
	}

	adapter, err := openTransport(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer adapter.Close()

	policies, err := recordingPolicies(cfg)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	policy, err := engine.NewOPAEvaluator(ctx, policies...)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	var static []string
	if cfg.BlocklistFile != "" {
		static, err = blocklist.LoadFile(cfg.BlocklistFile)
		if err != nil {
			log.Fatalf("blocklist: %v", err)
		}
	}
	blocked := blocklist.NewSet(static...)

	app := capability.NewAppState(cfg.StartForeground)

	machine, err := proximity.NewStateMachine(proximity.Config{
		EnterThreshold: cfg.EnterThreshold,
		ExitThreshold:  cfg.ExitThreshold,
		Alpha:          cfg.FilterAlpha,
		Debounce:       cfg.Debounce(),
	}, nil)
	if err != nil {
		log.Fatalf("proximity: %v", err)
	}
	defer machine.Close()

	exchanger := transport.NewExchanger(adapter, transport.ExchangeConfig{
		ConnectTimeout:   cfg.ConnectTimeout(),
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
		SelfIdentity:     self,
	}, nil)

	prox, err := proxservice.New(proxservice.Config{
		ScanCycle:        cfg.ScanCycle(),
		ScanPause:        cfg.ScanPause(),
		ExchangeCooldown: cfg.ExchangeCooldown(),
		WatchdogInterval: cfg.WatchdogInterval(),
		StaleAfter:       cfg.StaleAfter(),
		SelfIdentity:     self,
	}, proxservice.Deps{
		Adapter:     adapter,
		Exchanger:   exchanger,
		Machine:     machine,
		Blocklist:   blocked,
		Capability:  app,
		Diagnostics: diag,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("proximity: %v", err)
	}
	defer prox.Close()

	if cfg.APIBaseURL == "" {
		log.Printf("agent: API_BASE_URL is not set; profile lookups will fail and no encounter will record")
	}
	gate, err := encservice.New(encservice.Config{
		ChainTimeout:    cfg.ChainTimeout(),
		ExchangeWaits:   cfg.ExchangeWaits(),
		ProfileAttempts: cfg.ProfileAttempts,
		ProfileBackoff:  cfg.ProfileBackoff(),
		ResetDelay:      cfg.ResetDelay(),
		MaxRecording:    cfg.MaxRecording(),
		LocationTimeout: location.DefaultTimeout,
	}, encservice.Deps{
		Proximity:   prox,
		Profiles:    profile.NewHTTPClient(cfg.APIBaseURL, cfg.AgentToken, nil),
		Recorder:    newRecorder(cfg),
		Repository:  repo,
		Location:    newLocation(cfg),
		Notifier:    notify.LogNotifier{},
		Policy:      policy,
		Blocklist:   blocked,
		Capability:  app,
		Diagnostics: diag,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("encounter: %v", err)
	}
	defer gate.Close()

	healthSrv := grpchealth.NewServer()
	var pinger health.Pinger
	if sqlDB != nil {
		pinger = sqlDB
	}
	monitor := health.NewMonitor(healthSrv, prox, pinger, policy, health.DefaultInterval, nil)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcSrv := server.NewGRPCServer(healthSrv)

	var httpSrv *http.Server
	if cfg.DebugHTTPAddr != "" {
		httpSrv = newDebugServer(cfg, &debughandler.Handler{
			Proximity:   prox,
			Sessions:    gate,
			Recordings:  repo,
			App:         app,
			Diagnostics: diag,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prox.Run(gctx) })
	g.Go(func() error { return gate.Run(gctx) })
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	if cfg.APIBaseURL != "" {
		g.Go(func() error {
			remote := &blocklist.Remote{BaseURL: cfg.APIBaseURL, Token: cfg.AgentToken}
			blocklist.Refresh(gctx, blocked, static, remote, cfg.BlocklistRefresh())
			return nil
		})
	}
	g.Go(func() error {
		log.Printf("gRPC health server listening on %s", cfg.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	if httpSrv != nil {
		g.Go(func() error {
			log.Printf("debug HTTP listening on %s", cfg.DebugHTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down agent...")
		grpcSrv.GracefulStop()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("agent: %v", err)
	}
	if exporting {
		time.Sleep(telemetry.ShutdownDrainDuration)
	}
	log.Println("agent stopped")
}

// openRepository migrates and opens Postgres when DATABASE_URL is set and
// otherwise keeps recordings in memory.
func openRepository(ctx context.Context, cfg *config.Config) (*sql.DB, repository.Repository) {
	if cfg.DatabaseURL == "" {
		log.Println("db: DATABASE_URL not set; recordings are kept in memory")
		return nil, repository.NewMemoryRepository()
	}
	if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
		log.Fatalf("db: migrate: %v", err)
	}
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return sqlDB, repository.NewPostgresRepository(sqlDB)
}

func openTransport(cfg *config.Config) (transport.Adapter, error) {
	if cfg.Transport == config.TransportSimulated {
		peers, err := simulated.ParsePeers(cfg.SimulatedPeers)
		if err != nil {
			return nil, err
		}
		log.Printf("transport: simulated radio with %d scripted peers", len(peers))
		return simulated.New(nil, peers...), nil
	}
	return ble.New(ble.Config{
		ServiceUUID:      cfg.ServiceUUID,
		IdentityCharUUID: cfg.IdentityCharUUID,
		DeviceName:       cfg.DeviceName,
	})
}

func recordingPolicies(cfg *config.Config) ([]string, error) {
	if cfg.RecordingPolicyFile == "" {
		return nil, nil
	}
	p, err := engine.LoadPolicyFile(cfg.RecordingPolicyFile)
	if err != nil {
		return nil, err
	}
	return []string{p}, nil
}

// newRecorder captures audio unless the simulated radio runs without an
// explicit capture command.
func newRecorder(cfg *config.Config) capture.Recorder {
	if cfg.Transport == config.TransportSimulated && cfg.CaptureCommand == "" {
		return capture.NullRecorder{}
	}
	return capture.NewCommandRecorder(cfg.RecordingsDir, cfg.CaptureArgs())
}

func newLocation(cfg *config.Config) location.Provider {
	if !cfg.HasLocation() {
		return location.None{}
	}
	return location.Static{Coordinate: encdomain.Coordinate{Latitude: cfg.LocationLat, Longitude: cfg.LocationLon}}
}

func newDebugServer(cfg *config.Config, h *debughandler.Handler) *http.Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return &http.Server{
		Addr:              cfg.DebugHTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
