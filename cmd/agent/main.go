package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/fieldsync/internal/agentapi"
	"example.com/fieldsync/internal/attendance"
	"example.com/fieldsync/internal/config"
	"example.com/fieldsync/internal/connectivity"
	"example.com/fieldsync/internal/location"
	"example.com/fieldsync/internal/outbox"
	"example.com/fieldsync/internal/patrol"
	"example.com/fieldsync/internal/reconcile"
	"example.com/fieldsync/internal/refdata"
	"example.com/fieldsync/internal/remote"
	"example.com/fieldsync/internal/syncsched"
	httptransport "example.com/fieldsync/internal/transport/http"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAgent()

	if cfg.UserID == "" {
		log.Fatal("AGENT_USER_ID must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := outbox.OpenJournal(cfg.JournalPath, outbox.WithBackoffCap(cfg.BackoffCap))
	if err != nil {
		log.Fatalf("failed to open action journal: %v", err)
	}
	defer store.Close()

	cache, err := refdata.Open(cfg.ReferencePath)
	if err != nil {
		log.Fatalf("failed to open reference cache: %v", err)
	}

	fixes := location.NewSource()
	gate := attendance.NewGate(cfg.UserID, fixes, cache, store,
		attendance.WithFixTimeout(cfg.FixTimeout))
	verifier := patrol.NewVerifier(cfg.UserID, cache, store, cfg.AllowManual)

	client := remote.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.NetworkTimeout,
		remote.WithProgressHandler(verifier.ObserveRemote))

	monitor := connectivity.NewMonitor(client, cfg.ProbeInterval)
	go monitor.Start(ctx)

	// After every successful sync pass the reconciler pulls fresh
	// reference data and the authoritative session; the cached snapshot
	// carries offline stretches.
	reconciler := reconcile.New(client, cache, gate, store)

	scheduler := syncsched.NewScheduler(store, client, monitor,
		syncsched.WithBatchSize(cfg.BatchSize),
		syncsched.WithWakeInterval(cfg.WakeInterval),
		syncsched.WithNetworkTimeout(cfg.NetworkTimeout),
		syncsched.WithReconciler(reconciler),
	)
	go scheduler.Start(ctx)

	handler := agentapi.NewHandler(cfg.UserID, gate, verifier, store, scheduler, monitor, fixes)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.ListenAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, mux)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("agent listening on %s", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	scheduler.Wait()
	monitor.Wait()
}
