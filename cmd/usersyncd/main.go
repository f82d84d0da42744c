package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creastat/usersync/config"
	"github.com/creastat/usersync/internal/admin"
	"github.com/creastat/usersync/internal/bootstrap"
	"github.com/creastat/usersync/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("production").Error("invalid configuration", logger.F("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.AppEnv)
	if err := run(cfg, log); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Sessions.RunSweeper(ctx, cfg.Session.SweepInterval)
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           admin.NewRouter(app.Sessions, app.Checks, promhttp.Handler(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("admin server listening", logger.F("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", logger.F("error", err.Error()))
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught", logger.F("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()

	// Flush and release everything still open so other instances do not
	// wait out the lock TTL.
	return app.Close(shutdownCtx)
}
