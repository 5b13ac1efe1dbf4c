package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"boostchat/internal/api"
	"boostchat/internal/assistant"
	"boostchat/internal/bus"
	"boostchat/internal/chat"
	"boostchat/internal/config"
	"boostchat/internal/dispatch"
	"boostchat/internal/livechat"
	"boostchat/internal/presence"
	"boostchat/internal/redis"
	"boostchat/internal/storage"
	"boostchat/internal/store"
	"boostchat/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("BOOSTCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("BOOSTCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis only mirrors presence; the service runs without it.
	var mirror presence.Mirror
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, presence mirror disabled", "error", err)
	} else {
		defer rdb.Close()
		// The registry starts empty, so the mirrored set must too.
		resetCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Del(resetCtx, presence.MirrorKey); err != nil {
			logger.Warn("presence mirror reset failed", "error", err)
		}
		cancel()
		mirror = rdb
	}

	registry := presence.NewRegistry(mirror, logger)

	relay := bus.NewFallback(logger)
	if cfg.Broker.URL != "" {
		if r, err := bus.New(cfg.Broker.URL, cfg.Broker.Exchange, logger); err != nil {
			logger.Warn("event broker unavailable, relay disabled", "error", err)
		} else {
			relay = r
		}
	}
	defer relay.Close()

	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.New(metricsReg)

	dispatcher := dispatch.New(registry, relay, metrics, logger)

	st := store.New(db)

	completer, err := pickCompleter(cfg, logger)
	if err != nil {
		log.Fatalf("init assistant: %v", err)
	}

	pool := assistant.NewPool(cfg.BasicConfig.CompletionWorkers, logger)
	defer pool.Stop()

	completionTimeout := time.Duration(cfg.BasicConfig.CompletionTimeoutSeconds) * time.Second
	chatSvc := chat.NewService(st, dispatcher, completer, pool, completionTimeout, metrics, logger)
	engine := livechat.NewEngine(st, chatSvc, dispatcher, logger)

	handler := api.NewHandler(chatSvc, engine, registry, dispatcher, cfg.BasicConfig.HistoryPageSize, metrics, metricsReg, logger)
	router := gin.Default()
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("listening", "addr", addr, "db", dbType)
	if err := router.Run(addr); err != nil {
		log.Fatalf("run server: %v", err)
	}
}

// pickCompleter selects the model provider: BOOSTCHAT_PROVIDER if set, else
// the first configured provider with an API key. A nil completer is valid;
// the assistant surface then answers every turn with aiError.
func pickCompleter(cfg *config.Config, logger *slog.Logger) (chat.Completer, error) {
	name := os.Getenv("BOOSTCHAT_PROVIDER")
	if name == "" {
		for candidate, pc := range cfg.Providers {
			if pc.APIKey != "" {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		logger.Warn("no assistant provider configured")
		return nil, nil
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		logger.Warn("unknown assistant provider", "provider", name)
		return nil, nil
	}
	completer, err := assistant.NewCompleter(name, pc)
	if err != nil {
		return nil, err
	}
	logger.Info("assistant provider ready", "provider", name, "model", pc.Model)
	return completer, nil
}
