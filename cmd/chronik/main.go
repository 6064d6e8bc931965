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

	"chronik/pkg/aggregation"
	"chronik/pkg/api"
	"chronik/pkg/config"
	"chronik/pkg/lifecycle"
	"chronik/pkg/logger"
	"chronik/pkg/store"
	"chronik/pkg/validation"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if setFlags["config"] {
			log.Fatalf("failed to load config: %v", err)
		}
		// no config file is fine, env and flags carry the rest
		cfg = &config.Config{}
	}
	envUsed := config.LoadEnvOverrides(cfg)

	// explicit flags win over config and env
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := cfg.Storage.DBPath
	if setFlags["db"] || dbPath == "" {
		dbPath = dbVal
	}
	cfg.Storage.DBPath = dbPath
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("starting", "addr", addr, "db", dbPath, "env_overrides", envUsed)

	vr := validation.Rules{MaxContentBytes: cfg.Validation.MaxContentBytes}
	if len(cfg.Validation.AllowedTypes) > 0 {
		vr.AllowedTypes = map[string]struct{}{}
		for _, t := range cfg.Validation.AllowedTypes {
			vr.AllowedTypes[t] = struct{}{}
		}
	}
	validation.SetRules(vr)

	if err := store.Open(dbPath); err != nil {
		log.Fatalf("failed to open pebble at %s: %v", dbPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopRetention, err := lifecycle.StartRetention(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start retention: %v", err)
	}

	proc := &aggregation.Processor{
		UserID:               cfg.Session.UserID,
		OneReactionPerSender: cfg.Aggregation.OneReactionPerSender,
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(cfg, &api.Server{Processor: proc}),
	}

	go func() {
		logger.Info("http_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting_down")

	stopRetention()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("stopped")
}
