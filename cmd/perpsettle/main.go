package main

import (
	"PerpSettle/internal/alerting"
	"PerpSettle/internal/api"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/identity"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var logger = observability.NewLogger("main")

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Fatal().Err(err).Msg("perpsettle exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	observability.SetLevel(cfg.Logging.Level)
	logger.Info().Str("config", configPath).Msg("PerpSettle starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("migrations applied")

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()

	// --- Identity, custody, oracle ---
	directory, auth, keeper, err := buildIdentity(cfg.Identity)
	if err != nil {
		return err
	}
	keys, err := cfg.OracleKeys()
	if err != nil {
		return err
	}
	adapter := oracle.NewAdapter(oracle.NewVerifier(keys...), cfg.Oracle.MaxValuationAge)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Core and its consumers ---
	// The persist channel back-pressures the core; observer channels drop when full.
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ObserverChanSize)
	wsChan := make(chan core.CoreOutput, cfg.Core.ObserverChanSize)
	observers := []core.Observer{
		{Name: "projection", Ch: projectionChan},
		{Name: "websocket", Ch: wsChan},
	}

	var natsConn *nats.Conn
	var publisher *ingestion.OutboundPublisher
	var subscriber *ingestion.NATSSubscriber
	var dispatcher *ingestion.Dispatcher
	rawChan := make(chan ingestion.RawEvent, 4096)
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		natsConn = nc
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure command streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		publishChan := make(chan core.CoreOutput, cfg.Core.ObserverChanSize)
		observers = append(observers, core.Observer{Name: "publisher", Ch: publishChan})
		publisher = ingestion.NewOutboundPublisher(js, publishChan, metrics)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	var notifier *alerting.Notifier
	if cfg.Telegram.Enabled {
		alertChan := make(chan core.CoreOutput, cfg.Core.ObserverChanSize)
		notifier, err = alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, alertChan)
		if err != nil {
			return err
		}
		observers = append(observers, core.Observer{Name: "alerts", Ch: alertChan})
	}

	coreLogger := observability.NewLogger("core")
	settlement := core.NewSettlementCore(1, core.Deps{
		Identity:            directory,
		Custody:             custody.NewSQLVault(db),
		Oracle:              adapter,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		Metrics:             metrics,
		Logger:              &coreLogger,
		IdempotencyCapacity: cfg.Core.IdempotencyCapacity,
		GlobalCheckEvery:    cfg.Core.GlobalCheckEvery,
		PersistChan:         persistChan,
		Observers:           observers,
	})

	// --- Recovery ---
	snapshots := persistence.NewSnapshotStore(db)
	replayed, err := persistence.Recover(ctx, settlement, snapshots, metrics)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if replayed > 0 {
		// Projections may have missed outputs dropped before the restart.
		if err := projection.RebuildProjections(ctx, pool); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}
	coldStart := settlement.Sequence() == 1

	sequencer := core.NewSequencer(settlement, core.SequencerConfig{
		Buffer:        cfg.Core.SequencerBuffer,
		SnapshotEvery: cfg.Core.SnapshotInterval,
		Snapshots:     snapshots,
	})

	// --- Read side ---
	queries := query.NewQueryService(pool)
	var reader query.Reader = queries
	var invalidator projection.Invalidator
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		cached := query.NewCachedService(queries, rdb, cfg.Redis.TTL, metrics)
		reader, invalidator = cached, cached
		health.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	// --- Servers ---
	svc := server.NewService(sequencer, auth, metrics)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc)
	gateway, err := server.NewGateway(svc)
	if err != nil {
		return err
	}
	hub := server.NewWSHub(wsChan, metrics)
	httpServer := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewRouter(server.RouterDeps{
			Gateway: gateway,
			Reader:  reader,
			Audit:   queries,
			Hub:     hub,
			Health:  health,
			Metrics: promhttp.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	health.AddProbe("postgres", db.PingContext)
	health.AddProbe("projections", queries.Ping)
	if natsConn != nil {
		health.AddProbe("nats", func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	// --- Goroutines ---
	// The sequencer and the persistence worker outlive the request surface, so in-flight
	// commands finish and their outputs reach the log before shutdown.
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	errChan := make(chan error, 16)
	done := make(map[string]chan struct{})
	start := func(name string, runCtx context.Context, fn func(context.Context) error) {
		ch := make(chan struct{})
		done[name] = ch
		go func() {
			defer close(ch)
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics)
	start("persistence", persistCtx, persistWorker.Run)
	start("sequencer", coreCtx, sequencer.Run)
	start("projection", ctx, projection.NewProjectionWorker(pool, projectionChan, invalidator, metrics).Run)
	start("websocket", ctx, hub.Run)
	if publisher != nil {
		start("publisher", ctx, publisher.Run)
	}
	if notifier != nil {
		start("alerts", ctx, notifier.Run)
	}

	if coldStart {
		if err := bootstrap(ctx, sequencer, cfg.Identity.Admins, cfg.Bootstrap); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	if subscriber != nil {
		dispatcher = ingestion.NewDispatcher(rawChan, auth, sequencer, metrics)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		start("dispatcher", ctx, dispatcher.Run)
	}
	if keeper != uuid.Nil {
		start("expiry", ctx, core.NewExpirySweeper(sequencer, keeper, cfg.Core.ExpirySweepInterval, metrics).Run)
	}
	start("channels", ctx, func(ctx context.Context) error {
		reportChannels(ctx, metrics, sequencer, persistChan, projectionChan, wsChan)
		return nil
	})
	start("grpc", ctx, grpcServer.Start)
	start("http", ctx, serveHTTP(httpServer))
	start("metrics", ctx, serveHTTP(metricsServer))

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", settlement.Sequence()).
		Int("replayed", replayed).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Shutdown ---
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}
	health.SetReady(false)
	grpcServer.SetServing(false)
	cancel()
	if subscriber != nil {
		subscriber.Stop()
	}
	for _, name := range []string{"grpc", "http", "dispatcher", "expiry"} {
		if ch, ok := done[name]; ok {
			<-ch
		}
	}

	stopCore()
	<-done["sequencer"]
	close(persistChan)
	select {
	case <-done["persistence"]:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence drain timed out")
		stopPersist()
		<-done["persistence"]
	}

	// The sequencer has stopped, so the core is safe to read here.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := finalSnapshot(shutdownCtx, settlement, snapshots); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Int64("next_sequence", settlement.Sequence()).Msg("PerpSettle shutdown complete")
	return nil
}

func buildIdentity(cfg config.IdentityConfig) (*identity.StaticDirectory, *identity.Authenticator, uuid.UUID, error) {
	directory := identity.NewStaticDirectory()
	for _, s := range cfg.Admins {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("admin %q: %w", s, err)
		}
		directory.AddAdmin(id)
	}
	for _, a := range cfg.Accounts {
		accountID, err := uuid.Parse(a.AccountID)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("account %q: %w", a.AccountID, err)
		}
		owner, err := uuid.Parse(a.Owner)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("owner %q: %w", a.Owner, err)
		}
		directory.RegisterAccount(accountID, owner)
	}

	auth := identity.NewAuthenticator()
	for _, c := range cfg.Credentials {
		caller, err := uuid.Parse(c.CallerID)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("credential caller %q: %w", c.CallerID, err)
		}
		if err := auth.AddCredential(caller, c.TokenHash); err != nil {
			return nil, nil, uuid.Nil, err
		}
	}

	var keeper uuid.UUID
	if cfg.Keeper != "" {
		k, err := uuid.Parse(cfg.Keeper)
		if err != nil {
			return nil, nil, uuid.Nil, fmt.Errorf("keeper %q: %w", cfg.Keeper, err)
		}
		keeper = k
	}
	return directory, auth, keeper, nil
}

// bootstrap configures collaterals and markets on an empty log, acting as the first admin.
func bootstrap(ctx context.Context, seq *core.Sequencer, admins []string, b config.BootstrapConfig) error {
	if len(b.Collaterals) == 0 && len(b.Markets) == 0 {
		return nil
	}
	admin, err := uuid.Parse(admins[0])
	if err != nil {
		return err
	}

	reqs := []api.Request{}
	if len(b.Collaterals) > 0 {
		reqs = append(reqs, &api.SetCollateralConfigurationRequest{CommandID: uuid.NewString(), Collaterals: b.WireCollaterals()})
	}
	for _, m := range b.WireMarkets() {
		reqs = append(reqs, &api.SetMarketConfigurationRequest{CommandID: uuid.NewString(), Config: m})
	}

	for _, req := range reqs {
		cmd, err := req.ToCommand(admin)
		if err != nil {
			return err
		}
		res, err := seq.Submit(ctx, cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.CommandType(), err)
		}
		logger.Info().Str("command_type", cmd.CommandType().String()).Int64("sequence", res.Sequence).Msg("bootstrap command applied")
	}
	return nil
}

func finalSnapshot(ctx context.Context, c *core.SettlementCore, store *persistence.SnapshotStore) error {
	if c.Sequence() == 1 {
		return nil
	}
	snap := c.CreateSnapshot()
	data, err := core.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	if err := store.SaveSnapshot(ctx, snap.Sequence, snap.StateHash, data); err != nil {
		return err
	}
	logger.Info().Int64("sequence", snap.Sequence).Int("bytes", len(data)).Msg("final snapshot saved")
	return nil
}

func serveHTTP(srv *http.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		return srv.ListenAndServe()
	}
}

func reportChannels(ctx context.Context, m *observability.Metrics, seq *core.Sequencer, persist, proj, ws chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, capacity := seq.QueueDepth()
			m.SetChannelMetrics("sequencer", size, capacity)
			m.SetChannelMetrics("persist", len(persist), cap(persist))
			m.SetChannelMetrics("projection", len(proj), cap(proj))
			m.SetChannelMetrics("websocket", len(ws), cap(ws))
		}
	}
}
