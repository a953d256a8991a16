// Package app wires all Parlance subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore,
// WithProviders, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parlance-ai/parlance/internal/auth"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/engine/dispatch"
	"github.com/parlance-ai/parlance/internal/gateway"
	"github.com/parlance-ai/parlance/internal/health"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/recall"
	"github.com/parlance-ai/parlance/internal/resilience"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/internal/toolhost"
	"github.com/parlance-ai/parlance/internal/toolhost/memorytool"
	"github.com/parlance-ai/parlance/pkg/blob"
	"github.com/parlance-ai/parlance/pkg/blob/fsblob"
	"github.com/parlance-ai/parlance/pkg/blob/pgblob"
	"github.com/parlance-ai/parlance/pkg/provider/embeddings"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
	"github.com/parlance-ai/parlance/pkg/provider/realtime"
	"github.com/parlance-ai/parlance/pkg/provider/stt"
	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

// App owns all subsystem lifetimes behind the Parlance gateway.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	verifier   *auth.Verifier
	models     *config.ModelRegistry
	pool       *pgxpool.Pool // nil without storage.database_url
	store      store.Store   // nil = history persistence disabled
	blobs      blob.Store    // nil = blob storage disabled
	embed      embeddings.Provider
	recall     *recall.Index
	tools      dispatch.ToolHost
	host       *toolhost.Host // concrete host when built here; nil when injected
	provs      *dispatch.Providers
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStore injects a history store instead of connecting from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBlobStore injects a blob store instead of creating one from config.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithProviders injects pre-built provider maps, skipping the registry.
// Injected providers are used as-is, without circuit-breaker wrapping.
func WithProviders(p dispatch.Providers) Option {
	return func(a *App) { a.provs = &p }
}

// WithEmbeddings injects the embeddings provider recall indexes with.
func WithEmbeddings(e embeddings.Provider) Option {
	return func(a *App) { a.embed = e }
}

// WithToolHost injects a tool host instead of connecting the configured
// tool servers.
func WithToolHost(t dispatch.ToolHost) Option {
	return func(a *App) { a.tools = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires an App from cfg. The registry supplies provider constructors
// (see cmd/parlance for the built-in set); it may be nil when providers are
// injected. New performs all initialisation synchronously: auth, storage
// migration, provider construction, tool server registration, recall
// migration, and gateway assembly.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	models, err := config.NewModelRegistry(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("app: model registry: %w", err)
	}
	a.models = models

	verifier, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}
	a.verifier = verifier

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initBlob(ctx); err != nil {
		return nil, fmt.Errorf("app: init blob store: %w", err)
	}
	if err := a.initProviders(reg); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initRecall(ctx); err != nil {
		return nil, fmt.Errorf("app: init recall: %w", err)
	}
	if err := a.initMemoryTools(); err != nil {
		return nil, fmt.Errorf("app: init memory tools: %w", err)
	}

	a.initDispatcher()
	a.initGateway()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage connects the PostgreSQL pool and migrates the history schema.
// Without a database URL the gateway runs with persistence disabled.
func (a *App) initStorage(ctx context.Context) error {
	dsn := a.cfg.Storage.DatabaseURL
	if dsn == "" {
		if a.store == nil {
			a.log.Info("app: no database configured; history persistence disabled")
		}
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: the vector extension may not be installed when
		// recall is off
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.store == nil {
		st, err := store.NewPostgres(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
		a.store = st
	}
	return nil
}

// initBlob selects the blob backend from storage config: "postgres" shares
// the history pool, any other bucket names a directory under blob_dir.
func (a *App) initBlob(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	bucket := a.cfg.Storage.BlobBucket
	if bucket == "" {
		return nil
	}

	if bucket == "postgres" {
		if a.pool == nil {
			return errors.New(`blob_bucket "postgres" requires storage.database_url`)
		}
		s, err := pgblob.New(ctx, a.pool, a.cfg.Server.PublicBaseURL)
		if err != nil {
			return err
		}
		a.blobs = s
		a.log.Info("app: blob store ready", "backend", "postgres")
		return nil
	}

	dir := filepath.Join(a.cfg.Storage.BlobDir, bucket)
	s, err := fsblob.New(dir, a.cfg.Server.PublicBaseURL)
	if err != nil {
		return err
	}
	a.blobs = s
	a.log.Info("app: blob store ready", "backend", "filesystem", "dir", dir)
	return nil
}

// initProviders instantiates every configured provider through the registry
// and wraps each instance in its own circuit breaker.
func (a *App) initProviders(reg *config.Registry) error {
	if a.provs == nil {
		if reg == nil {
			reg = config.NewRegistry()
		}
		provs := dispatch.Providers{
			Text:     make(map[string]llm.Provider),
			TTS:      make(map[string]tts.Provider),
			STT:      make(map[string]stt.Provider),
			Realtime: make(map[string]realtime.Provider),
		}

		for _, entry := range a.cfg.Providers.Text {
			p, err := reg.CreateText(entry)
			if err != nil {
				return fmt.Errorf("create text provider %q: %w", entry.Name, err)
			}
			provs.Text[entry.Name] = resilience.GuardText(p, a.breaker(entry.Name))
			a.log.Info("app: provider created", "kind", "text", "name", entry.Name)
		}
		for _, entry := range a.cfg.Providers.TTS {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return fmt.Errorf("create tts provider %q: %w", entry.Name, err)
			}
			provs.TTS[entry.Name] = resilience.GuardTTS(p, a.breaker(entry.Name))
			a.log.Info("app: provider created", "kind", "tts", "name", entry.Name)
		}
		for _, entry := range a.cfg.Providers.STT {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return fmt.Errorf("create stt provider %q: %w", entry.Name, err)
			}
			provs.STT[entry.Name] = resilience.GuardSTT(p, a.breaker(entry.Name))
			a.log.Info("app: provider created", "kind", "stt", "name", entry.Name)
		}
		for _, entry := range a.cfg.Providers.Realtime {
			p, err := reg.CreateRealtime(entry)
			if err != nil {
				return fmt.Errorf("create realtime provider %q: %w", entry.Name, err)
			}
			provs.Realtime[entry.Name] = resilience.GuardRealtime(p, a.breaker(entry.Name))
			a.log.Info("app: provider created", "kind", "realtime", "name", entry.Name)
		}
		a.provs = &provs
	}

	// Recall embeds with the first configured embeddings instance.
	if a.embed == nil && len(a.cfg.Providers.Embeddings) > 0 {
		entry := a.cfg.Providers.Embeddings[0]
		if reg == nil {
			reg = config.NewRegistry()
		}
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		a.embed = resilience.GuardEmbeddings(p, a.breaker(entry.Name))
		a.log.Info("app: provider created", "kind", "embeddings", "name", entry.Name)
	}
	return nil
}

func (a *App) breaker(name string) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{Name: name, Logger: a.log})
}

// initTools connects the configured MCP tool servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools != nil || len(a.cfg.Tools) == 0 {
		return nil
	}

	host := toolhost.New(toolhost.WithLogger(a.log))
	for _, srv := range a.cfg.Tools {
		if err := host.RegisterServer(ctx, srv); err != nil {
			return fmt.Errorf("register tool server %q: %w", srv.Name, err)
		}
		a.log.Info("app: tool server registered", "name", srv.Name, "transport", srv.Transport)
	}
	a.host = host
	a.tools = host
	a.closers = append(a.closers, host.Close)
	return nil
}

// initMemoryTools registers the builtin memory tools once a recall index
// exists. An injected tool host keeps its own catalogue and is left alone.
func (a *App) initMemoryTools() error {
	if a.recall == nil {
		return nil
	}
	if a.tools != nil && a.host == nil {
		a.log.Debug("app: tool host injected; skipping builtin memory tools")
		return nil
	}
	if a.host == nil {
		host := toolhost.New(toolhost.WithLogger(a.log))
		a.host = host
		a.tools = host
		a.closers = append(a.closers, host.Close)
	}
	for _, tool := range memorytool.NewTools(a.recall) {
		if err := a.host.RegisterBuiltin(tool); err != nil {
			return err
		}
	}
	a.log.Info("app: builtin memory tools registered")
	return nil
}

// initRecall migrates the pgvector index when recall is enabled.
func (a *App) initRecall(ctx context.Context) error {
	if !a.cfg.Recall.Enabled || a.recall != nil {
		return nil
	}
	if a.pool == nil {
		return errors.New("recall requires storage.database_url")
	}
	if a.embed == nil {
		return errors.New("recall requires an embeddings provider")
	}
	if want := a.cfg.Recall.IndexDimensions; want > 0 && want != a.embed.Dimensions() {
		a.log.Warn("app: recall.index_dimensions disagrees with the embeddings provider",
			"configured", want, "provider", a.embed.Dimensions(), "model", a.embed.ModelID())
	}

	ix, err := recall.New(ctx, a.pool, a.embed, recall.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.recall = ix
	a.log.Info("app: recall index ready",
		"model", a.embed.ModelID(), "dimensions", a.embed.Dimensions())
	return nil
}

// initDispatcher assembles the workflow dispatcher from whatever subsystems
// came up; absent ones simply disable their feature.
func (a *App) initDispatcher() {
	opts := []dispatch.Option{
		dispatch.WithLogger(a.log),
		dispatch.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, dispatch.WithStore(a.store))
	}
	if a.blobs != nil {
		opts = append(opts, dispatch.WithBlobStore(a.blobs))
	}
	if a.recall != nil {
		opts = append(opts, dispatch.WithRecall(a.recall))
	}
	if a.tools != nil {
		opts = append(opts, dispatch.WithToolHost(a.tools))
	}
	if a.cfg.Recall.TopK > 0 {
		opts = append(opts, dispatch.WithRecallLimit(a.cfg.Recall.TopK))
	}
	a.dispatcher = dispatch.New(a.models, *a.provs, opts...)
}

// initGateway mounts the network surface with its readiness checks.
func (a *App) initGateway() {
	checkers := []health.Checker{
		{Name: "providers", Check: a.checkProviders},
	}
	if a.pool != nil {
		pool := a.pool
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}

	gopts := []gateway.Option{
		gateway.WithModels(a.models),
		gateway.WithHealth(health.New(checkers...)),
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
	}
	if a.store != nil {
		gopts = append(gopts, gateway.WithStore(a.store))
	}
	if a.blobs != nil {
		gopts = append(gopts, gateway.WithBlobStore(a.blobs))
	}
	a.gateway = gateway.New(a.cfg.Server, a.verifier, a.dispatcher, gopts...)
}

// checkProviders is the readiness probe for the provider registry: a gateway
// with no workflow provider at all cannot serve a single request type.
func (a *App) checkProviders(context.Context) error {
	n := len(a.provs.Text) + len(a.provs.TTS) + len(a.provs.STT) + len(a.provs.Realtime)
	if n == 0 {
		return errors.New("no providers configured")
	}
	return nil
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves the gateway until ctx is cancelled, then drains in-flight
// requests. A nil return means a clean drain.
func (a *App) Run(ctx context.Context) error {
	return a.gateway.Run(ctx)
}

// Router exposes the gateway's HTTP handler, mainly for tests.
func (a *App) Router() *gin.Engine {
	return a.gateway.Router()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}
