// Package server orchestrates all components: dispatcher, state, transport,
// lifecycle export, optional NATS/DB, and the HTTP introspection surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/morezero/toolsystem/internal/config"
	"github.com/morezero/toolsystem/pkg/bootstrap"
	"github.com/morezero/toolsystem/pkg/bus"
	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/db"
	"github.com/morezero/toolsystem/pkg/dispatcher"
	"github.com/morezero/toolsystem/pkg/events"
	"github.com/morezero/toolsystem/pkg/middleware"
	"github.com/morezero/toolsystem/pkg/state"
	"github.com/morezero/toolsystem/pkg/tool"
	"github.com/morezero/toolsystem/pkg/transport"
	"github.com/morezero/toolsystem/pkg/transport/memory"
	"github.com/morezero/toolsystem/pkg/transport/natsbus"
	"github.com/morezero/toolsystem/pkg/transport/pgrelay"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// NewServerParams holds parameters for New.
type NewServerParams struct {
	Config *config.Config
	// Manifest overrides manifest loading when set.
	Manifest *bootstrap.Manifest
	// Channel overrides transport selection when set.
	Channel transport.Channel
}

// Server is one dispatch context joined to a channel.
type Server struct {
	cfg      *config.Config
	ns       *commsserver.Server
	nc       *comms.Conn
	pool     *pgxpool.Pool
	d        *dispatcher.Dispatcher
	store    *state.Store
	comm     *transport.Communicator
	manifest *bootstrap.ResolvedManifest
	forward  *bus.Subscription
	started  time.Time
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	return RunWithConfig(cfg, "")
}

// RunWithConfig is Run with an already loaded config. manifestPath, when set,
// is tried before TOOL_MANIFEST_FILE.
func RunWithConfig(cfg *config.Config, manifestPath string) error {
	setupLogging(cfg.LogLevel)
	slog.Info(fmt.Sprintf("%s - Starting toolsystem", logPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	manifest, err := bootstrap.LoadManifest(manifestPath, cfg.ManifestFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, NewServerParams{Config: cfg, Manifest: manifest})
	if err != nil {
		return err
	}
	defer s.Close()

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - toolsystem is ready as %s on %s", logPrefix, s.comm.SourceID(), s.TransportName()))

	err = g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// New wires a dispatch context. Close releases everything it opened.
func New(ctx context.Context, params NewServerParams) (s *Server, err error) {
	cfg := params.Config
	if cfg == nil {
		return nil, fmt.Errorf("%s - config is required", logPrefix)
	}

	s = &Server{cfg: cfg, started: time.Now()}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	// Step 1: Manifest
	manifest := params.Manifest
	if manifest == nil {
		manifest = bootstrap.GetDefaultManifest()
	}
	s.manifest = bootstrap.CreateResolvedManifest(manifest)

	// Step 2: Dispatcher and middleware
	s.d = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Config: dispatcher.Config{
			LogSize:        cfg.LogSize,
			DefaultTimeout: cfg.DefaultTimeout,
			Debug:          cfg.Debug,
		},
	})
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.d.Use(middleware.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	s.d.Use(middleware.Logging())

	sourceID := cfg.SourceID
	if sourceID == "" {
		sourceID = transport.NewSourceID()
	}

	// Step 3: Transport
	ch := params.Channel
	if ch == nil {
		ch, err = s.openChannel(ctx, sourceID)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: Communicator
	s.comm, err = transport.New(s.d, ch, transport.Options{
		ChannelName:        cfg.ChannelName,
		SourceID:           sourceID,
		Origin:             cfg.OriginOrDefault(),
		AllowedOrigins:     cfg.AllowedOriginList(),
		ProtocolConstraint: cfg.ProtocolConstraint,
		PingInterval:       cfg.PingInterval,
		StaleAfter:         cfg.StaleAfter,
	})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%s - failed to create communicator: %w", logPrefix, err)
	}
	if err := s.comm.Start(ctx); err != nil {
		return nil, fmt.Errorf("%s - failed to join channel: %w", logPrefix, err)
	}

	// Step 5: State provider, synced through the communicator
	s.store = state.New()
	if err := s.d.RegisterProvider(state.ProviderName, state.NewProvider(s.store, s.syncState)); err != nil {
		return nil, fmt.Errorf("%s - failed to register state provider: %w", logPrefix, err)
	}
	for name, md := range state.Tools() {
		if _, err := s.d.AddTool(state.ProviderName, name, md); err != nil {
			return nil, fmt.Errorf("%s - failed to register state tool %s: %w", logPrefix, name, err)
		}
	}

	// Step 6: Manifest tools
	if err := manifest.Apply(s.d); err != nil {
		slog.Warn(fmt.Sprintf("%s - manifest applied with errors: %v", logPrefix, err))
	}

	// Step 7: Lifecycle export
	if s.nc != nil {
		publisher := events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{Subject: cfg.EventsSubject})
		s.forward = events.Forward(s.d.Bus(), publisher, sourceID, s.d.Clock())
		slog.Info(fmt.Sprintf("%s - Forwarding lifecycle events to %s", logPrefix, cfg.EventsSubject))
	}

	return s, nil
}

// openChannel tries the configured transports in order.
func (s *Server) openChannel(ctx context.Context, sourceID string) (transport.Channel, error) {
	codec, err := commsutil.CodecByName(s.cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	natsCandidate := transport.Candidate{Name: config.TransportNATS, Open: func(ctx context.Context) (transport.Channel, error) {
		return s.openNATS(sourceID, codec)
	}}
	pgCandidate := transport.Candidate{Name: config.TransportPostgres, Open: func(ctx context.Context) (transport.Channel, error) {
		return s.openPostgres(ctx, sourceID)
	}}
	memCandidate := transport.Candidate{Name: config.TransportMemory, Open: func(context.Context) (transport.Channel, error) {
		return memory.NewHub(codec).Endpoint(), nil
	}}

	var candidates []transport.Candidate
	switch s.cfg.Transport {
	case config.TransportNATS:
		candidates = []transport.Candidate{natsCandidate}
	case config.TransportPostgres:
		candidates = []transport.Candidate{pgCandidate}
	case config.TransportMemory:
		candidates = []transport.Candidate{memCandidate}
	default:
		candidates = []transport.Candidate{natsCandidate}
		if s.cfg.DatabaseURL != "" {
			candidates = append(candidates, pgCandidate)
		}
		candidates = append(candidates, memCandidate)
	}
	primary, err := transport.Open(ctx, candidates...)
	if err != nil {
		return nil, err
	}

	peers := s.cfg.Peers()
	if len(peers) == 0 {
		return primary, nil
	}
	// Parent and children get direct delivery whatever the primary is.
	nc, err := s.natsConn()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Direct delivery to %v unavailable, using %s only: %v", logPrefix, peers, primary.Name(), err))
		return primary, nil
	}
	direct, err := natsbus.NewDirect(nc, s.cfg.ChannelName, sourceID, peers, codec)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Direct delivery to %v unavailable, using %s only: %v", logPrefix, peers, primary.Name(), err))
		return primary, nil
	}
	return transport.NewFanout(primary, direct), nil
}

// natsConn returns the server's NATS connection, connecting (and starting
// the embedded server if configured) on first use.
func (s *Server) natsConn() (*comms.Conn, error) {
	if s.nc != nil {
		return s.nc, nil
	}

	url := s.cfg.COMMSURL
	if s.cfg.EmbeddedNATS && s.ns == nil {
		ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create embedded NATS: %w", logPrefix, err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("%s - embedded NATS not ready", logPrefix)
		}
		s.ns = ns
		slog.Info(fmt.Sprintf("%s - Embedded NATS listening at %s", logPrefix, ns.ClientURL()))
	}
	if s.ns != nil {
		url = s.ns.ClientURL()
	}

	nc, err := commsutil.Connect(commsutil.ConnectParams{URL: url, Name: s.cfg.COMMSName, Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	s.nc = nc
	return nc, nil
}

func (s *Server) openNATS(sourceID string, codec commsutil.Codec) (transport.Channel, error) {
	nc, err := s.natsConn()
	if err != nil {
		return nil, err
	}
	return natsbus.NewBroadcast(nc, s.cfg.ChannelName, sourceID, codec)
}

func (s *Server) openPostgres(ctx context.Context, sourceID string) (transport.Channel, error) {
	if s.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s - DATABASE_URL is not set", logPrefix)
	}
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(db.ResolveMigrationPath(s.cfg.MigrationPath))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	relay, err := pgrelay.New(db.NewRelayRepository(pool), pgrelay.Options{Key: s.cfg.StorageKey, SelfID: sourceID})
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return relay, nil
}

// syncState propagates a local state change to peers.
func (s *Server) syncState(ctx context.Context, path string, value any) error {
	res, err := s.d.Call(ctx, transport.ToolSyncState, transport.SyncStateRequest{Path: path, Value: value},
		&tool.CallMeta{Provider: transport.DefaultProviderName})
	if err != nil {
		return err
	}
	if !res.Success {
		return tool.ErrorFromDetail(res, tool.CodeProviderError)
	}
	return nil
}

// Dispatcher returns the server's dispatcher.
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.d
}

// Store returns the shared state store.
func (s *Server) Store() *state.Store {
	return s.store
}

// Communicator returns the channel communicator.
func (s *Server) Communicator() *transport.Communicator {
	return s.comm
}

// TransportName returns the active channel's name.
func (s *Server) TransportName() string {
	if s.comm == nil {
		return ""
	}
	return s.comm.Transport()
}

// Close leaves the channel and releases connections. Safe to call on a
// partially constructed server.
func (s *Server) Close() {
	if s.forward != nil {
		s.forward.Unsubscribe()
		s.forward = nil
	}
	if s.comm != nil {
		if err := s.comm.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - communicator close: %v", logPrefix, err))
		}
		s.comm = nil
	}
	if s.d != nil {
		s.d.Shutdown()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
		}
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns = nil
	}
}
