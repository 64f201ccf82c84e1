package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"LeverLedger/internal/archive"
	"LeverLedger/internal/cache"
	"LeverLedger/internal/config"
	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/query"
	"LeverLedger/internal/server"
	"LeverLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const writerLockName = "leverledger:writer"

// run wires the service and blocks until ctx is cancelled or a goroutine
// fails. stop cancels ctx; the pipeline workers call it when they die.
//
// Goroutines fall in two groups. Ingress (dispatcher, APIs, NATS, snapshots)
// stops with ctx. The output pipeline (persistence, projections,
// publisher) outlives it so everything the core committed is flushed before
// the final snapshot.
func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, level zerolog.Level, logger zerolog.Logger) error {
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	// --- Database ---
	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, componentLogger("persistence"))
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddProbe("database", pingProbe(func(ctx context.Context) error { return db.PingContext(ctx) }))
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	// --- Redis: writer lock and quote cache ---
	var (
		redisClient *cache.Client
		lock        *cache.Lock
		quotes      *cache.QuoteCache
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.New(ctx, cache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()

		// A second writer would fork the hash chain.
		lock, err = cache.AcquireLock(ctx, redisClient, cfg.Redis.KeyPrefix+writerLockName, cfg.Redis.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire writer lock: %w", err)
		}
		defer lock.Release()

		// The lock is held until the final snapshot, past the ingress group.
		keepCtx, keepCancel := context.WithCancel(context.Background())
		keepDone := make(chan struct{})
		go func() {
			defer close(keepDone)
			if err := lock.Keep(keepCtx); err != nil {
				logger.Error().Err(err).Msg("writer lock lost, shutting down")
				stop()
			}
		}()
		defer func() {
			keepCancel()
			<-keepDone
		}()

		quotes = cache.NewQuoteCache(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.QuoteTTL)
		health.AddProbe("redis", pingProbe(redisClient.Ping))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis ready, writer lock held")
	}

	// --- S3 snapshot archive ---
	var archiver persistence.Archiver
	if cfg.S3.Enabled {
		s3a, err := archive.New(ctx, archive.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = s3a
		health.AddProbe("s3", pingProbe(s3a.Health))
	}

	// --- Collateral token ---
	collateral, err := openCollateral(cfg, componentLogger("token"))
	if err != nil {
		return err
	}

	// --- Core + recovery ---
	asset, _ := ledger.GetAssetID(cfg.Ledger.Asset)
	persistChan := make(chan core.CoreOutput, cfg.Ledger.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Ledger.ProjectionChanSize)

	deterministicCore := core.NewDeterministicCore(core.Config{
		Params:              cfg.Params(),
		Asset:               asset,
		Lender:              cfg.LenderAddress(),
		IdempotencyCapacity: cfg.Ledger.IdempotencyCapacity,
	}, 1, collateral, persistChan, projectionChan,
		persistence.NewSQLIdempotencyChecker(db), metrics, componentLogger("core"))

	snapMgr := persistence.NewSnapshotManager(db)
	recovered, err := persistence.Recover(ctx, deterministicCore, snapMgr, metrics, componentLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	head := recovered.NextSequence - 1

	// --- Output pipeline ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Ledger.PersistBatchSize, cfg.Ledger.PersistFlushTimeout, metrics, componentLogger("persistence"))
	persistWorker.SetLastPersisted(head)

	balances := projection.NewBalanceProjector(db, persistWorker.LastPersisted, componentLogger("projection"))
	if wm, err := balances.Watermark(ctx); err != nil {
		return err
	} else if wm < head {
		logger.Info().Int64("watermark", wm).Int64("head", head).Msg("balance projection behind, rebuilding")
		if err := projection.RebuildProjections(ctx, db, componentLogger("projection")); err != nil {
			return err
		}
	}
	projectors := []projection.Projector{balances}
	if quotes != nil {
		projectors = append(projectors, projection.NewQuoteProjector(quotes))
	}
	projWorker := projection.NewProjectionWorker(projectionChan, projectors, metrics, componentLogger("projection"))

	// --- NATS ---
	var (
		js        jetstream.JetStream
		publisher *ingestion.OutboundPublisher
	)
	if cfg.NATS.Enabled {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.Ledger.PublishBuffer, metrics, componentLogger("publisher"))
		persistWorker.OnCommit(func(rows []persistence.EventRow) {
			for _, row := range rows {
				publisher.Enqueue(publishable(row))
			}
		})
		health.AddProbe("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		})
	}

	var pipeline errgroup.Group
	pipeline.Go(func() error {
		err := persistWorker.Run(context.Background())
		if err != nil {
			stop()
		}
		return err
	})
	pipeline.Go(func() error {
		return projWorker.Run(context.Background())
	})
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	if publisher != nil {
		pipeline.Go(func() error { return publisher.Run(pubCtx) })
	}

	// --- Ingress ---
	g, gctx := errgroup.WithContext(ctx)
	dispatcher := core.NewDispatcher(deterministicCore, componentLogger("dispatcher"))
	g.Go(func() error { return dispatcher.Run(gctx) })

	snapshotter := persistence.NewSnapshotter(dispatcher, snapMgr, persistWorker.LastPersisted,
		cfg.Ledger.SnapshotInterval, archiver, metrics, componentLogger("snapshot"))
	snapshotter.SetLastSnapshot(recovered.SnapshotSequence)
	g.Go(func() error { return snapshotter.Run(gctx) })

	commands := ingestion.NewCommandService(dispatcher, nil)
	var quoteCache server.QuoteCache
	if quotes != nil {
		quoteCache = quotes
	}
	api := server.NewAPI(commands, dispatcher, quoteCache, query.NewQueryService(db),
		cfg.AdminAddresses(), metrics, componentLogger("api"))

	var grpcServer *server.GRPCServer
	if cfg.Server.HTTPAddr != "" || cfg.Server.GRPCAddr != "" {
		auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		limiter := server.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst)

		if cfg.Server.HTTPAddr != "" {
			gateway, err := server.NewGateway(api, auth, limiter, health, metrics, componentLogger("http"))
			if err != nil {
				return err
			}
			g.Go(func() error { return server.Serve(gctx, cfg.Server.HTTPAddr, gateway, componentLogger("http")) })
		}
		if cfg.Server.GRPCAddr != "" {
			grpcServer = server.NewGRPCServer(cfg.Server.GRPCAddr, api, auth, limiter, metrics, componentLogger("grpc"))
			g.Go(func() error { return grpcServer.Start(gctx) })
		}
	}

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.LivenessHandler)
		mux.HandleFunc("/readyz", health.ReadinessHandler)
		g.Go(func() error { return server.Serve(gctx, cfg.Server.MetricsAddr, mux, componentLogger("metrics")) })
	}

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, componentLogger("nats"))
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		loop := ingestion.NewLoop(rawChan, dispatcher, metrics, componentLogger("ingestion"))
		g.Go(func() error { return loop.Run(gctx) })
	}

	health.SetReady(true)
	if grpcServer != nil {
		grpcServer.SetServing(true)
	}
	logger.Info().
		Int64("sequence", recovered.NextSequence).
		Int64("snapshot", recovered.SnapshotSequence).
		Int64("replayed", recovered.Replayed).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("LeverLedger ready")

	// --- Shutdown ---
	runErr := g.Wait()
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}

	// The dispatcher has returned, so nothing writes to the core channels.
	close(persistChan)
	close(projectionChan)
	pubCancel()
	if err := pipeline.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if snap, err := snapshotter.Final(finalCtx, deterministicCore); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if snap != nil {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	logger.Info().Msg("LeverLedger shutdown complete")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func openCollateral(cfg *config.Config, logger zerolog.Logger) (token.Collateral, error) {
	switch cfg.Token.Driver {
	case "memory":
		mem := token.NewMemory(common.HexToAddress(cfg.Token.VaultAddress))
		for _, a := range append([]string{cfg.Token.Lender}, cfg.Token.DevAccounts...) {
			who := common.HexToAddress(a)
			mem.Mint(who, cfg.Token.DevBalance)
			mem.Approve(who, cfg.Token.DevBalance)
		}
		logger.Warn().Int("accounts", len(cfg.Token.DevAccounts)).Msg("using in-memory collateral token")
		return mem, nil
	default:
		return token.DialERC20(token.ERC20Config{
			RPCURL:         cfg.Token.RPCURL,
			TokenAddress:   cfg.Token.Address,
			VaultKeyHex:    cfg.Token.VaultKey,
			ChainID:        cfg.Token.ChainID,
			ReceiptTimeout: cfg.Token.ReceiptTimeout,
			PollInterval:   cfg.Token.PollInterval,
		}, logger)
	}
}

func publishable(row persistence.EventRow) ingestion.PublishableEvent {
	var opp *uint64
	if row.OpportunityID != nil {
		id := uint64(*row.OpportunityID)
		opp = &id
	}
	evt := ingestion.NewPublishableEvent(row.Sequence, row.EventType, row.IdempotencyKey, opp,
		row.Caller, row.Payload, row.StateHash, row.TimestampUs)
	if row.UnconfirmedTx != nil {
		evt.UnconfirmedTx = *row.UnconfirmedTx
	}
	return evt
}

func pingProbe(ping func(context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return ping(ctx)
	}
}

