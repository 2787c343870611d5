package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"risk-core/internal/action"
	"risk-core/internal/api"
	"risk-core/internal/coordinator"
	"risk-core/internal/directory"
	"risk-core/internal/domain"
	"risk-core/internal/feed"
	"risk-core/internal/metrics"
	"risk-core/internal/notify"
	"risk-core/internal/notifyrelay"
	"risk-core/internal/scheduler"
	"risk-core/internal/store"
	"risk-core/internal/venue/common"
	"risk-core/internal/venue/futures"
	"risk-core/internal/venue/spot"
	"risk-core/pkg/config"
	"risk-core/pkg/crypto"
	"risk-core/pkg/db"
	"risk-core/pkg/nodeid"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("config loaded, port=%s mode=%s", cfg.Port, cfg.MonitoringMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	log.Printf("using db path %s", cfg.DBPath)

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("key manager init failed: %v", err)
	}
	log.Printf("key manager initialized (version %d)", keyMgr.CurrentVersion())

	node := nodeid.Resolve("risk-core")
	log.Printf("node id %s", node)

	// Deliverer defaults to nil (audit-log-only) unless the gRPC relay
	// sidecar is configured; the bus still durably records every
	// notification either way.
	var deliverer notify.Deliverer
	if cfg.NotifyRelayEnabled && cfg.NotifyRelayAddr != "" {
		conn, err := grpc.Dial(cfg.NotifyRelayAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Printf("notify relay dial failed, falling back to audit-log-only delivery: %v", err)
		} else {
			deliverer = notifyrelay.BusDeliverer{Client: notifyrelay.NewClient(conn)}
			log.Printf("notify relay connected at %s", cfg.NotifyRelayAddr)
		}
	}

	bus, err := notify.New(database, deliverer, notify.Config{
		MessageTTL:   cfg.BusMessageTTL,
		MaxRetries:   cfg.BusMaxRetries,
		RetryBackoff: cfg.BusRetryBackoff,
	}, cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("notification bus init failed: %v", err)
	}

	st := store.New(database)
	dir := directory.New(database, keyMgr)
	resolver := action.NewCredentialResolver(dir, keyMgr)

	futuresAdapter := futures.New(futures.Config{
		BaseURL:        cfg.FuturesBaseURL,
		DemoURL:        cfg.FuturesDemoURL,
		UseDemo:        cfg.FuturesUseDemo,
		RequestsPerSec: cfg.FuturesRateLimit,
		StreamURL:      cfg.FuturesStreamURL,
	})
	spotAdapter := spot.New(spot.Config{
		BaseURL:        cfg.SpotBaseURL,
		DemoURL:        cfg.SpotDemoURL,
		UseDemo:        cfg.SpotUseDemo,
		RequestsPerSec: cfg.SpotRateLimit,
	})
	venues := func(v domain.Venue) (common.Adapter, bool) {
		switch v {
		case domain.VenueFutures:
			return futuresAdapter, true
		case domain.VenueSpot:
			return spotAdapter, true
		default:
			return nil, false
		}
	}

	m := metrics.New()

	executor := action.NewExecutor(
		action.NewSlotRegistry(),
		resolver,
		st,
		bus,
		action.RetryConfig{MaxAttempts: cfg.ActionCloseRetryMax, BaseDelay: cfg.ActionRetryBaseDelay},
		venues,
	)
	executor.SetMetrics(m)
	executor.SetNodeID(node)

	mux := feed.New(feed.Config{
		PollInterval:       cfg.MonitoringPollInterval,
		StaleThreshold:     cfg.MonitoringStaleThreshold,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	})

	coord := coordinator.New(st, bus, mux, executor, resolver, venues, coordinator.Config{
		QueueDepth:      cfg.QueueDepth,
		StopGracePeriod: cfg.StopGracePeriod,
		PreferStream:    cfg.MonitoringMode == "stream",
	})
	coord.SetMetrics(m)
	coord.SetNodeID(node)

	sched := scheduler.New(st, bus, scheduler.Config{
		StaleCheckInterval: cfg.MonitoringStaleThreshold,
		StaleThreshold:     cfg.MonitoringStaleThreshold,
		ResetHour:          cfg.MonitoringResetHour,
		ResetMinute:        cfg.MonitoringResetMinute,
	})
	sched.Run(ctx)

	// Resume clients that were under monitoring before a restart: their
	// AccountState survived in the store, so only the in-memory feed/
	// worker needs restarting.
	resumeMonitoring(ctx, st, dir, coord)

	server := api.NewServer(st, bus, coord, dir, m, cfg.AdminAPIKey)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	for _, clientID := range coord.ActiveClients() {
		if err := coord.StopMonitoring(context.Background(), clientID); err != nil {
			log.Printf("stop monitoring %s during shutdown: %v", clientID, err)
		}
	}
}

// resumeMonitoring restarts monitoring for every client whose AccountState
// is still marked active in the store, so a process restart doesn't
// silently drop coverage.
func resumeMonitoring(ctx context.Context, st *store.Store, dir *directory.Directory, coord *coordinator.Coordinator) {
	states, err := st.QueryActive(ctx)
	if err != nil {
		log.Printf("resume monitoring: query active failed: %v", err)
		return
	}
	for _, state := range states {
		client, err := dir.Get(ctx, state.ClientID)
		if err != nil {
			log.Printf("resume monitoring: directory lookup failed for %s: %v", state.ClientID, err)
			continue
		}
		if err := coord.StartMonitoring(ctx, client); err != nil {
			log.Printf("resume monitoring: start failed for %s: %v", state.ClientID, err)
			continue
		}
		log.Printf("resumed monitoring for %s", state.ClientID)
	}
}
