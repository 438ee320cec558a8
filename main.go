package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safety-core/internal/api"
	"safety-core/internal/events"
	"safety-core/internal/gateway"
	"safety-core/internal/monitor"
	"safety-core/internal/protect"
	"safety-core/internal/safety"
	"safety-core/pkg/config"
	"safety-core/pkg/db"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting safety-core %s on :%s (db=%s)", version, cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	metrics := monitor.NewSystemMetrics()

	// Market data and execution. Only the paper venue ships in this build;
	// a live adapter plugs in behind the same two interfaces.
	feed := gateway.NewMockFeed(bus, cfg.Symbols, cfg.PaperInitialPrice)
	if cfg.UseMockFeed {
		feed.Start(ctx)
	}
	paper := gateway.NewPaperGateway(feed, cfg.PaperSlippageBps)
	paper.LatencyMin = time.Duration(cfg.PaperLatencyMinMs) * time.Millisecond
	paper.LatencyMax = time.Duration(cfg.PaperLatencyMaxMs) * time.Millisecond

	// Safety state seeded from DB
	state := safety.NewStateStore(database, bus)
	if err := state.Load(ctx); err != nil {
		log.Fatalf("safety state load failed: %v", err)
	}
	validator := safety.NewValidator(state, cfg.Limits, feed)

	// Protective orders, resumed from DB
	orders := protect.NewManager(database, bus, paper, validator, metrics)
	if err := orders.Load(ctx); err != nil {
		log.Fatalf("protective order load failed: %v", err)
	}
	validator.SetStopLookup(orders)

	priceMonitor := protect.NewPriceMonitor(orders, feed, metrics)
	if cfg.AutoStartMonitor {
		priceMonitor.Start(cfg.Limits.MonitorInterval())
	}

	// Operator alerts
	alertSink := monitor.LogSink{}
	watcher := &monitor.Monitor{Bus: bus, AlertFn: func(msg string) { _ = alertSink.Send(msg) }}
	watcher.Start(ctx)

	server := api.NewServer(
		bus,
		database,
		state,
		validator,
		orders,
		priceMonitor,
		metrics,
		api.SystemMeta{
			Paper:       true,
			Symbols:     cfg.Symbols,
			UseMockFeed: cfg.UseMockFeed,
			Version:     version,
		},
		cfg.JWTSecret,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("http server stopped: %v", err)
	}

	// graceful drain: finish the in-flight tick and dispatched executions
	priceMonitor.Stop()
	cancel()
	log.Println("shutdown complete")
}
