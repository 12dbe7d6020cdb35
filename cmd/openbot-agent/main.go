package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openbot-social/go-sdk/internal/agentconfig"
	"openbot-social/go-sdk/internal/entity"
	"openbot-social/go-sdk/internal/keystore"
	"openbot-social/go-sdk/internal/platform/redactlog"
	"openbot-social/go-sdk/internal/worldclient"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to openbot.yaml (optional)")
	entityID := flag.String("id", "", "Entity id override")
	serverURL := flag.String("server", "", "World server URL override")
	create := flag.Bool("create", false, "Create the entity if the server does not know it")
	flag.Parse()
	if *showVersion {
		fmt.Printf("openbot-agent version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := agentconfig.LoadFromPath(*configPath)
	if *entityID != "" {
		cfg.EntityID = *entityID
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	log := slog.New(redactlog.Wrap(slog.NewJSONHandler(os.Stdout, nil)))
	if err := run(ctx, cfg, *create, log); err != nil {
		log.Error("openbot-agent failed", "err", err)
		os.Exit(1)
	}
	log.Info("openbot-agent stopped")
}

func run(ctx context.Context, cfg agentconfig.Config, create bool, log *slog.Logger) error {
	keyDir := cfg.KeyDir
	if keyDir == "" {
		var err error
		keyDir, err = keystore.DefaultDir()
		if err != nil {
			return err
		}
	}

	entityCfg := entity.DefaultConfig(cfg.ServerURL)
	entityCfg.AutoRefresh = cfg.AutoRefresh
	entityCfg.RefreshMargin = cfg.RefreshMargin
	entityCfg.SweepInterval = cfg.SweepInterval
	entityCfg.HTTPTimeout = cfg.HTTPTimeout
	manager := entity.NewManager(entityCfg, keystore.New(keyDir), log)
	defer manager.Stop()

	if create {
		if _, err := manager.CreateEntity(cfg.EntityID, cfg.AgentName, cfg.EntityType); err != nil {
			if !errors.Is(err, entity.ErrAlreadyExists) {
				return fmt.Errorf("create entity: %w", err)
			}
			log.Info("entity already registered, continuing", "entity_id", cfg.EntityID)
		}
	}
	if _, err := manager.Authenticate(cfg.EntityID); err != nil {
		return fmt.Errorf("authenticate %s: %w", cfg.EntityID, err)
	}

	behavior := newBehavior(cfg, log)
	client, err := worldclient.New(worldclient.Config{
		BaseURL:       cfg.ServerURL,
		AgentName:     cfg.AgentName,
		EntityID:      cfg.EntityID,
		PollInterval:  cfg.PollInterval,
		HTTPTimeout:   cfg.HTTPTimeout,
		ChatPerSecond: cfg.ChatPerSecond,
		ChatBurst:     cfg.ChatBurst,
	}, manager, behavior.callbacks(), log)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect to world: %w", err)
	}
	defer func() {
		client.Disconnect()
		manager.Revoke(cfg.EntityID)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("openbot-agent running",
		"agent_name", cfg.AgentName,
		"entity_id", cfg.EntityID,
		"server", cfg.ServerURL,
		"wander", cfg.Wander,
	)
	behavior.loop(ctx, client)
	return nil
}
