package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"stepwise.studio/internal/auth"
	"stepwise.studio/internal/config"
	"stepwise.studio/internal/credits"
	"stepwise.studio/internal/documents"
	"stepwise.studio/internal/fulfillment"
	"stepwise.studio/internal/httpapi"
	"stepwise.studio/internal/mq"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/payments"
	"stepwise.studio/internal/store"
	"stepwise.studio/internal/store/pg"
	"stepwise.studio/internal/store/sqlite"
	"stepwise.studio/internal/stream"
	"stepwise.studio/internal/workflow"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Error("stepwise-api exited", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	hub := stream.New()
	var broker mq.Publisher = mq.Nop{}
	if cfg.AMQPURL != "" {
		amqpPub, err := mq.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer func() { _ = amqpPub.Close() }()
		broker = amqpPub
	}
	pub := mq.Fanout{broker, hub}

	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		return err
	}

	counter := credits.NewCounter(st)
	deps := httpapi.Deps{
		Ready:   st,
		Tokens:  tokens,
		Counter: counter,
		Unlocker: credits.NewUnlocker(st, counter, credits.UnlockConfig{
			PaywallEnabled:    cfg.PaywallEnabled,
			GrandfatherCutoff: cfg.GrandfatherCutoff,
			Cost:              cfg.UnlockCost,
		}, pub),
		Recorder: fulfillment.NewRecorder(st, counter, pub),
		Docs:     documents.New(st, cfg.SaveMaxRetries),
		Steps:    workflow.New(st),
		Events:   hub,

		Version:          version,
		StepsPerWorkshop: cfg.StepsPerWorkshop,
		DevTokens:        cfg.DevTokens,
		TokenTTL:         cfg.TokenTTL,
		RateBurst:        cfg.RateBurst,
		RatePerSec:       cfg.RatePerSec,
	}
	if cfg.WebhookSecret != "" {
		verifier, err := fulfillment.NewVerifier(cfg.WebhookSecret, cfg.WebhookIssuer)
		if err != nil {
			return err
		}
		deps.Verifier = verifier
	} else {
		obs.Warn("webhook secret not set; payment webhooks disabled", nil)
	}
	if cfg.PaymentsURL != "" {
		deps.Payments = payments.NewClient(cfg.PaymentsURL, nil, 5, 10)
	}

	api := httpapi.New(deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(os.Stderr, "http: ", 0),
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCHealth(st).Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	obs.Info("stepwise-api started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"store":     cfg.StoreDriver,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
	case runErr = <-errCh:
	}
	obs.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs.SetReady(false)
	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
	return runErr
}

func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			obs.Warn("postgres not reachable at startup", map[string]any{"error": err})
		}
		return db, db.Close, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, db.Close, nil
	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}
