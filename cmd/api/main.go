package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"housecup.org/internal/app"
	"housecup.org/internal/config"
	"housecup.org/internal/httpapi"
	"housecup.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	configPath := flag.String("config", "", "Path to a config file directory")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		slog.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	logger := obs.Setup(cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("build app", slog.Any("err", err))
		os.Exit(1)
	}
	if a.Tokens == nil {
		logger.Warn("auth.secret is empty; trusting the X-Member-ID header")
	}

	api := httpapi.New(a.Engine, version, httpapi.Options{
		Tokens:     a.Tokens,
		Stream:     a.Stream,
		Ready:      a,
		Logger:     logger,
		RatePerSec: cfg.HTTP.RatePerSec,
		RateBurst:  cfg.HTTP.RateBurst,
	})

	// no WriteTimeout: /v1/events holds the response open
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting housecup-api",
		slog.String("version", version),
		slog.String("addr", srv.Addr),
		slog.String("store", cfg.Store.Driver),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.Any("err", err))
			os.Exit(1)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")
	obs.SetReady(false)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", slog.Any("err", err))
	}
	if err := a.Close(); err != nil {
		logger.Warn("close", slog.Any("err", err))
	}
	logger.Info("stopped")
}
