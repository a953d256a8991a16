// Package gateway is the network surface of Parlance: the WebSocket chat
// endpoint, the HTTP/SSE endpoints, blob upload and download, and the
// operational routes (health, readiness, Prometheus metrics).
//
// The gateway owns connection concerns only: authentication, the handshake,
// connection caps, and transport framing. Everything after the handshake is
// delegated to a session runtime (WebSocket) or a single dispatch
// (HTTP/SSE).
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlance-ai/parlance/internal/auth"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/health"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/session"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/blob"
)

// protocolVersion is announced in the first websocket_ready event.
const protocolVersion = "2.0"

const (
	// handshakeTimeout bounds the wait for the initial payload after accept.
	handshakeTimeout = 60 * time.Second

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 10 * time.Second

	// blobPutTimeout bounds one upload write to the blob store.
	blobPutTimeout = 60 * time.Second

	// shutdownTimeout bounds the drain of in-flight requests on Run exit.
	shutdownTimeout = 15 * time.Second
)

// Server hosts all client-facing routes.
type Server struct {
	cfg        config.ServerConfig
	verifier   *auth.Verifier
	dispatcher session.Dispatcher

	models *config.ModelRegistry
	store  store.Store
	blobs  blob.Store
	checks *health.Handler

	log     *slog.Logger
	metrics *observe.Metrics

	conns atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithModels supplies the model registry used for response metadata on the
// buffered chat endpoint.
func WithModels(models *config.ModelRegistry) Option {
	return func(s *Server) { s.models = models }
}

// WithStore enables session binding against persistent chat history.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithBlobStore enables /storage/upload and /files.
func WithBlobStore(bs blob.Store) Option {
	return func(s *Server) { s.blobs = bs }
}

// WithHealth sets the health handler backing /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.checks = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a gateway server. The verifier authenticates every route except
// health and metrics; the dispatcher runs the workflows.
func New(cfg config.ServerConfig, verifier *auth.Verifier, d session.Dispatcher, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		verifier:   verifier,
		dispatcher: d,
		log:        slog.Default(),
		metrics:    observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.checks == nil {
		s.checks = health.New()
	}
	return s
}

// Router assembles the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Probe and scrape endpoints stay out of the request log and metrics.
	r.GET("/healthz", s.checks.Healthz)
	r.GET("/readyz", s.checks.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", observe.Middleware(s.metrics))
	api.GET("/chat/ws", s.handleWS)
	api.GET("/files/*path", s.handleFile)

	authed := api.Group("/", s.requireAuth())
	authed.POST("/chat/stream", s.handleChatStream)
	authed.POST("/chat", s.handleChat)
	authed.POST("/storage/upload", s.handleUpload)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.log.Info("gateway: listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}

// Connections reports the current WebSocket session count.
func (s *Server) Connections() int64 { return s.conns.Load() }

// bindSession resolves the session the request runs in. Without a store the
// gateway mints ephemeral ids; with one, ownership is enforced.
func (s *Server) bindSession(ctx context.Context, customerID, requested string) (string, error) {
	if s.store == nil {
		if requested != "" {
			return requested, nil
		}
		return uuid.NewString(), nil
	}
	return s.store.EnsureSession(ctx, customerID, requested)
}

// queueCapacity is the per-session event queue size from config.
func (s *Server) queueCapacity() int { return s.cfg.QueueCapacity }
