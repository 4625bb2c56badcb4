package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatbroker/internal/broker"
	"chatbroker/internal/logging"
	"chatbroker/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(log)
	go b.Run()

	srv := server.New(ctx, cfg, b, log)
	httpServer := server.NewHTTPServer(cfg.Addr, srv.Routes())

	errChan := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if err := server.ShutdownHTTPServer(httpServer, cfg.ShutdownTimeout); err != nil {
		log.Warnw("http shutdown incomplete", "err", err)
	}
	if err := b.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warnw("broker shutdown incomplete", "err", err)
	}
	return nil
}
