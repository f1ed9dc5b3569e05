// ABOUTME: Gateway orchestrator that wires the turn engine to HTTP, websocket and gRPC servers
// ABOUTME: Manages the store, live sessions, observability and the listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/Youmanvi/bankAssistant/internal/auth"
	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/config"
	"github.com/Youmanvi/bankAssistant/internal/dedupe"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/metrics"
	"github.com/Youmanvi/bankAssistant/internal/mirror"
	"github.com/Youmanvi/bankAssistant/internal/profile"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
	"github.com/Youmanvi/bankAssistant/internal/reasoner/openai"
	"github.com/Youmanvi/bankAssistant/internal/reasoner/rules"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/store"
	"github.com/Youmanvi/bankAssistant/internal/tracing"
	"github.com/Youmanvi/bankAssistant/internal/turn"
)

// healthService is the gRPC health service name reported alongside the overall status.
const healthService = "bankvoice.Gateway"

// Gateway orchestrates the voice-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *session.Manager
	dispatcher *turn.Dispatcher
	controller *turn.Controller
	metrics    *metrics.Metrics
	tracing    *tracing.Provider
	mirror     *mirror.Broadcaster
	greeted    *dedupe.Cache[string]
	upgrader   websocket.Upgrader

	grpcServer   *grpc.Server // nil when no gRPC address is configured
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// publicURL is the websocket base URL announced at startup
	publicURL string

	// conns tracks live voice connections so shutdown can wait for their teardown
	conns        sync.WaitGroup
	shuttingDown atomic.Bool
	closeOnce    sync.Once
}

// Option customizes how New builds a Gateway.
type Option func(*options)

type options struct {
	store    store.Store
	reasoner reasoner.Reasoner
	tracing  *tracing.Provider
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithReasoner uses r instead of the configured reasoning backend.
func WithReasoner(r reasoner.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// WithTracing uses p instead of building a provider from the tracing config.
func WithTracing(p *tracing.Provider) Option {
	return func(o *options) { o.tracing = p }
}

// initStore creates a store based on config and environment.
// An empty path gives an in-memory store loaded with the demo callers.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BANK_VOICE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath == "" {
		s := store.NewMockStore()
		if err := store.SeedDemo(ctx, s); err != nil {
			return nil, fmt.Errorf("seeding in-memory store: %w", err)
		}
		return s, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newReasoner builds the configured reasoning backend.
func newReasoner(cfg config.ReasonerConfig, logger *slog.Logger) (reasoner.Reasoner, error) {
	switch cfg.Provider {
	case "rules", "":
		return rules.New(logger), nil
	case "openai":
		opts := []openai.Option{
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Model),
			openai.WithLogger(logger),
		}
		if cfg.Temperature != 0 {
			opts = append(opts, openai.WithTemperature(cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(cfg.MaxTokens))
		}
		return openai.New(cfg.APIKey, cfg.RequestTimeout, opts...), nil
	}
	return nil, fmt.Errorf("unknown reasoner provider %q", cfg.Provider)
}

// newGRPCServer creates the gRPC server that carries the health service.
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a Gateway from cfg. Options override the store, reasoner and
// tracer that would otherwise be built from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(ctx, cfg); err != nil {
			return nil, err
		}
	}

	r := o.reasoner
	if r == nil {
		var err error
		if r, err = newReasoner(cfg.Reasoner, logger); err != nil {
			return nil, err
		}
	}

	tp := o.tracing
	if tp == nil {
		var err error
		if tp, err = tracing.NewProvider(ctx, cfg.Tracing); err != nil {
			return nil, fmt.Errorf("creating tracer provider: %w", err)
		}
	}

	registry, err := handler.NewRegistry(banking.New(s, logger).Actions(), cfg.Session.HumanTransferNumber)
	if err != nil {
		return nil, fmt.Errorf("building handler registry: %w", err)
	}

	m := metrics.New()
	broadcaster := mirror.NewBroadcaster(logger)
	greeted := dedupe.New[string](cfg.Session.GreetingWindow, 100_000, time.Minute)
	controller := turn.NewController(m)

	generator := turn.NewGenerator(turn.GeneratorConfig{
		Registry:    registry,
		Reasoner:    r,
		Controller:  controller,
		Mirror:      broadcaster,
		Metrics:     m,
		Tracer:      tp.Tracer(),
		Logger:      logger,
		MaxHandoffs: cfg.Session.MaxHandoffs,
		MaxSteps:    cfg.Session.MaxSteps,
	})
	dispatcher := turn.NewDispatcher(turn.DispatcherConfig{
		Generator:         generator,
		Profiles:          profile.NewCachingResolver(profile.NewStoreResolver(s), cfg.Profiles.CacheTTL, logger),
		Greeted:           greeted,
		Mirror:            broadcaster,
		Metrics:           m,
		Logger:            logger,
		GenerationTimeout: cfg.Session.GenerationTimeout,
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		sessions:   session.NewManager(logger),
		dispatcher: dispatcher,
		controller: controller,
		metrics:    m,
		tracing:    tp,
		mirror:     broadcaster,
		greeted:    greeted,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The voice platform connects server to server without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.HandleFunc("GET /llm-websocket/{call_id}", gw.handleVoice)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	if err := gw.registerAdminRoutes(mux, cfg); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = newGRPCServer()
		gw.healthServer = health.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.healthServer)
	}

	return gw, nil
}

// registerAdminRoutes registers the admin API with or without auth middleware.
func (g *Gateway) registerAdminRoutes(mux *http.ServeMux, cfg *config.Config) error {
	var verifier auth.TokenVerifier
	if cfg.Admin.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating admin JWT verifier: %w", err)
		}
		verifier = v
		g.logger.Info("admin auth enabled")
	} else {
		g.logger.Warn("admin auth disabled - no jwt_secret configured")
	}

	protect := auth.HTTPAuthMiddleware(verifier, g.logger)
	mux.Handle("GET /admin/calls", protect(http.HandlerFunc(g.handleListCalls)))
	mux.Handle("GET /admin/calls/{call_id}", protect(http.HandlerFunc(g.handleGetCall)))
	mux.Handle("GET /admin/events", protect(http.HandlerFunc(g.handleEvents)))
	return nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Sessions returns the live session registry.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.publicURL = "ws://" + httpLn.Addr().String()

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening",
			"addr", httpLn.Addr().String(),
			"websocket", g.publicURL+"/llm-websocket/{call_id}",
		)
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "bankvoice", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.publicURL = tailscaleWebsocketURL(tsCfg, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// tailscaleWebsocketURL is the address the voice platform should dial.
func tailscaleWebsocketURL(tsCfg config.TailscaleConfig, status *ipnstate.Status) string {
	host := tsCfg.Hostname
	if status != nil && status.Self != nil && status.Self.DNSName != "" {
		host = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	if tsCfg.HTTPS || tsCfg.Funnel {
		return "wss://" + host
	}
	return "ws://" + host
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitForConnections waits until every voice connection finished teardown.
func (g *Gateway) waitForConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for voice connections: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all gateway servers, ends live calls and releases resources.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway", "live_sessions", g.sessions.Count())
		g.shuttingDown.Store(true)

		// Ending the mirror streams lets http.Server.Shutdown finish event subscribers.
		g.mirror.Close()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		// Hijacked websocket connections are not covered by http.Server.Shutdown.
		g.sessions.CloseAll()
		errs = appendCloseError(errs, "voice connections", g.waitForConnections(ctx))

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "tracer shutdown", g.tracing.Shutdown(ctx))
		errs = appendCloseError(errs, "store close", g.store.Close())

		g.greeted.Close()
	})
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Count())
}
