package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"captionai/internal/chat"
	"captionai/internal/config"
	"captionai/internal/locator"
	"captionai/internal/logger"
	"captionai/internal/media"
	"captionai/internal/pipeline"
	"captionai/internal/redis"
	"captionai/internal/session"
	"captionai/internal/storage"
)

// deps are the long-lived resources selected by the config.
type deps struct {
	db      *sql.DB
	rdb     *redis.Client
	locator locator.Store
}

func (d *deps) Close() {
	if d.db != nil {
		_ = d.db.Close()
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
}

func openDeps(cfg *config.Config) (*deps, error) {
	d := &deps{}
	basic := cfg.BasicConfig

	if basic.Database != "" {
		db, err := storage.Open(basic.Database, cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.db = db
		// Create necessary tables: backend_locator, chat_turns
		if err := storage.Migrate(db, basic.Database); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	switch strings.ToLower(basic.LocatorBackend) {
	case "memory":
		d.locator = locator.NewMemoryStore()
	case "file":
		d.locator = locator.NewFileStore(basic.LocatorFile)
	case "redis":
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		d.rdb = rdb
		d.locator = locator.NewRedisStore(rdb, "")
	case "sql":
		store, err := locator.NewSQLStore(d.db, basic.Database)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.locator = store
	default:
		d.Close()
		return nil, fmt.Errorf("unknown locator_backend: %s", basic.LocatorBackend)
	}
	return d, nil
}

func newOrchestrator(cfg *config.Config, store locator.Store) *pipeline.Orchestrator {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.BasicConfig.BackendTimeoutSeconds) * time.Second,
	}
	return pipeline.New(media.NewClient(store, httpClient), media.DefaultLimits, nil)
}

// newRelay builds the chat relay. Without an API key the server still starts
// and every chat request fails with a configuration error.
func newRelay(ctx context.Context, cfg *config.Config) *chat.Relay {
	provider := cfg.BasicConfig.ChatProvider
	gen, err := chat.NewGenerator(ctx, provider, cfg.Providers[provider])
	if err != nil {
		if errors.Is(err, chat.ErrAPIKeyUnset) {
			logger.L.Warn("chat model api key is not set; chat requests will fail", "provider", provider)
		} else {
			logger.L.Error("init chat model", "provider", provider, "error", err)
		}
		return chat.NewRelay(nil)
	}
	return chat.NewRelay(gen)
}

func newSessions(cfg *config.Config, d *deps) *session.Manager {
	limit := cfg.BasicConfig.MaxSessions
	if d.db == nil {
		return session.NewManager(nil, limit)
	}
	return session.NewManager(session.NewSQLRepository(d.db), limit)
}
