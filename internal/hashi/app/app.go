// Package app wires the Hashi services together from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Hashi/internal/hashi/config"
	"github.com/bdobrica/Hashi/internal/hashi/dedup"
	"github.com/bdobrica/Hashi/internal/hashi/docstore"
	"github.com/bdobrica/Hashi/internal/hashi/lark"
	"github.com/bdobrica/Hashi/internal/hashi/matrix"
	"github.com/bdobrica/Hashi/internal/hashi/memory"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
	"github.com/bdobrica/Hashi/internal/hashi/session"
	"github.com/bdobrica/Hashi/internal/hashi/store"
	"github.com/bdobrica/Hashi/internal/hashi/teams"
	"github.com/bdobrica/Hashi/internal/hashi/upstream"
)

// pruner drops processed-event rows older than a cutoff.
type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App is a configured, not yet running, Hashi instance.
type App struct {
	cfg *config.Config

	sqlite *store.Store
	docs   *docstore.Client
	pinger pinger
	pruner pruner

	tracker  *memory.Tracker
	resolver *session.Resolver
	relay    *relay.Relay
	http     *HealthServer
	matrix   *matrix.Client
}

// New builds every service named by cfg. Resources opened before a failure
// are released.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg, resolver: session.NewResolver()}
	defer func() {
		if err != nil {
			a.Stop()
		}
	}()

	st, d, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.tracker = memory.NewTracker(st, memory.TrackerConfig{
		Budget:       cfg.Conversation.Budget,
		SystemPrompt: cfg.AI.SystemPrompt,
	})

	provider, err := NewProvider(cfg.AI)
	if err != nil {
		return nil, err
	}
	fallback := cfg.AI.FallbackMessage
	if fallback == "" && cfg.AI.Provider == config.ProviderFlowise {
		fallback = relay.FlowiseFallback
	}
	a.relay, err = relay.New(d, a.resolver, a.tracker, provider, relay.Config{
		Timeout:         cfg.AI.Timeout,
		FallbackMessage: fallback,
		RateLimit:       cfg.Conversation.RateLimit,
		RateWindow:      cfg.Conversation.RateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.http = NewHealthServer(cfg.HTTP.Addr, a)
	if cfg.Lark.Enabled {
		var replier lark.Replier
		if cfg.Lark.AppID != "" && cfg.Lark.AppSecret != "" {
			r, err := lark.NewReplier(lark.ReplierConfig{
				AppID:     cfg.Lark.AppID,
				AppSecret: cfg.Lark.AppSecret,
				BaseURL:   cfg.Lark.BaseURL,
			})
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			replier = r
		}
		lark.NewHandler(a.relay, replier, lark.HandlerConfig{
			VerificationToken: cfg.Lark.VerificationToken,
			EncryptKey:        cfg.Lark.EncryptKey,
			AppID:             cfg.Lark.AppID,
			AppSecret:         cfg.Lark.AppSecret,
		}).RegisterRoutes(a.http)
	}
	if cfg.Teams.Enabled {
		teams.NewHandler(a.relay).RegisterRoutes(a.http)
	}

	if cfg.Matrix.Enabled {
		mc := matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
		}
		if a.sqlite != nil {
			mc.DB = a.sqlite.DB()
		}
		if a.matrix, err = matrix.New(mc, a.relay); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	slog.Info("hashi configured",
		"provider", provider.Name(),
		"storage", cfg.Storage.Backend,
		"budget", a.tracker.Budget(),
		"lark", cfg.Lark.Enabled,
		"teams", cfg.Teams.Enabled,
		"matrix", cfg.Matrix.Enabled,
	)
	return a, nil
}

// openStorage opens the conversation store and deduplicator for the
// configured backend.
func (a *App) openStorage(ctx context.Context) (memory.Store, dedup.Deduplicator, error) {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		return memory.NewMemoryStore(), dedup.NewMemory(dedup.MemoryConfig{
			MaxEntries: cfg.Dedup.MaxEntries,
			TTL:        cfg.Dedup.TTL,
		}), nil

	case config.BackendSQLite:
		db, err := store.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		a.sqlite = db
		a.pinger = db
		d := dedup.NewSQLite(db.DB())
		a.pruner = d
		return memory.NewSQLiteStore(db.DB(), nil), d, nil

	case config.BackendMongo:
		dc, err := docstore.Connect(ctx, docstore.Config{
			URI:      cfg.Storage.MongoURI,
			Database: cfg.Storage.MongoDatabase,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		a.docs = dc
		a.pinger = dc
		st := memory.NewMongoStore(dc.Database())
		d := dedup.NewMongo(dc.Database())
		if err := dc.EnsureIndexes(ctx, st, d); err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		return st, d, nil
	}
	return nil, nil, fmt.Errorf("app: unknown storage backend %q", cfg.Storage.Backend)
}

// NewProvider builds the AI backend client named by cfg.Provider.
func NewProvider(cfg config.AIConfig) (upstream.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return upstream.NewOpenAI(upstream.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.Timeout,
		}), nil
	case config.ProviderFlowise:
		mode, err := upstream.ParseSessionMode(cfg.Flowise.SessionMode)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		p, err := upstream.NewFlowise(upstream.FlowiseConfig{
			URL:     cfg.Flowise.URL,
			APIKey:  cfg.Flowise.APIKey,
			Mode:    mode,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("app: unknown ai provider %q", cfg.Provider)
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.http }

// Relay returns the message pipeline.
func (a *App) Relay() *relay.Relay { return a.relay }

// Sessions implements StatusSource.
func (a *App) Sessions(ctx context.Context) (int, error) { return a.tracker.Sessions(ctx) }

// Stats implements StatusSource.
func (a *App) Stats() relay.Stats { return a.relay.Stats() }

// Ping implements StatusSource. The in-memory backend is always healthy.
func (a *App) Ping(ctx context.Context) error {
	if a.pinger == nil {
		return nil
	}
	return a.pinger.Ping(ctx)
}

// Run starts the HTTP server, the Matrix sync and the maintenance loops, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.http.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	if limiter := a.relay.Limiter(); limiter != nil {
		interval := a.cfg.Conversation.RateWindow
		if interval <= 0 {
			interval = relay.DefaultRateWindow
		}
		go every(ctx, interval, func() {
			if n := limiter.Sweep(); n > 0 {
				slog.Debug("rate limiter: swept idle sessions", "count", n)
			}
		})
	}
	if a.pruner != nil && a.cfg.Dedup.Retention > 0 {
		interval := a.cfg.Dedup.PruneInterval
		if interval <= 0 {
			interval = time.Hour
		}
		go every(ctx, interval, func() { a.pruneEvents(ctx) })
	}

	slog.Info("hashi is running", "addr", a.cfg.HTTP.Addr)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func (a *App) pruneEvents(ctx context.Context) {
	n, err := a.pruner.Prune(ctx, time.Now().Add(-a.cfg.Dedup.Retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("dedup: prune processed events", "err", err)
		}
		return
	}
	if n > 0 {
		slog.Info("dedup: pruned processed events", "count", n)
	}
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop releases every resource. It is safe to call on a partially built App.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.http != nil {
		a.http.Stop()
	}
	if a.docs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.docs.Close(ctx); err != nil {
			slog.Warn("closing mongo client", "err", err)
		}
	}
	if a.sqlite != nil {
		slog.Info("closing database")
		if err := a.sqlite.Close(); err != nil {
			slog.Warn("closing database", "err", err)
		}
	}
}
