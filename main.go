package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pliu/relaychat/internal/config"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "relaychat", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn(sctx, "tracing shutdown failed", "err", err)
		}
	}()

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	a.start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", "addr", cfg.Addr, "store", cfg.Store.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		stop()
		a.close()
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(sctx, "server shutdown failed", "err", err)
	}
	return a.close()
}
