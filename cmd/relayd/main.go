// Command relayd serves the session event relay: it accepts user messages
// and approval decisions over HTTP, streams live session events over
// WebSockets, and persists the durable history to MongoDB with sequence
// numbers allocated from a shared Redis counter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	relayhttp "goa.design/relay/api/http"
	pulsebroadcast "goa.design/relay/features/broadcast/pulse"
	clientspulse "goa.design/relay/features/broadcast/pulse/clients/pulse"
	mongohistory "goa.design/relay/features/history/mongo"
	clientsmongo "goa.design/relay/features/history/mongo/clients/mongo"
	redissequence "goa.design/relay/features/sequence/redis"
	clientsredis "goa.design/relay/features/sequence/redis/clients/redis"
	"goa.design/relay/runtime/session"
	"goa.design/relay/runtime/session/broadcast"
	"goa.design/relay/runtime/session/persist"
	"goa.design/relay/runtime/session/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration")
		httpAddr   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPath, *httpAddr); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, httpAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	// Redis backs both the sequence counter and the optional Pulse relay.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	seqClient, err := clientsredis.New(clientsredis.Options{Client: rdb})
	if err != nil {
		return fmt.Errorf("build redis client: %w", err)
	}
	if err := seqClient.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	allocator, err := redissequence.NewAllocator(seqClient)
	if err != nil {
		return err
	}

	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mongo disconnect"})
		}
	}()

	historyClient, err := clientsmongo.New(clientsmongo.Options{
		Client:     mongoClient,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		return fmt.Errorf("build mongo client: %w", err)
	}
	store, err := mongohistory.NewStore(historyClient)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	writer, err := persist.New(store, logger, metrics, persist.Config{
		Workers:      cfg.Persist.Workers,
		MaxAttempts:  cfg.Persist.MaxAttempts,
		RetryBackoff: cfg.Persist.RetryBackoff,
		WriteRate:    rate.Limit(cfg.Persist.WriteRate),
	})
	if err != nil {
		return err
	}

	broadcastOpts := []broadcast.Option{
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(metrics),
	}
	if cfg.Redis.RelayStreams {
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return fmt.Errorf("build pulse client: %w", err)
		}
		relay, err := pulsebroadcast.NewSink(pulsebroadcast.SinkOptions{Client: pulseClient})
		if err != nil {
			return err
		}
		broadcastOpts = append(broadcastOpts, broadcast.WithRelay(relay))
	}
	caster := broadcast.New(broadcastOpts...)

	manager, err := session.NewManager(session.Deps{
		Allocator:   allocator,
		Broadcaster: caster,
		Queue:       writer,
		History:     store,
		Owners:      session.NewLocalOwners(),
		Config: session.Config{
			ApprovalTimeout: cfg.Approval.Timeout,
			Logger:          logger,
			Metrics:         metrics,
			Tracer:          telemetry.NewClueTracer(),
		},
	})
	if err != nil {
		return err
	}

	svc, err := relayhttp.New(relayhttp.Options{Manager: manager, Logger: logger})
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	svc.Register(e)

	checker := health.NewChecker(seqClient, historyClient, writer)
	e.GET("/healthz", echo.WrapHandler(health.Handler(checker)))
	e.GET("/livez", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: e}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, log.KV{K: "msg", V: "relayd listening"}, log.KV{K: "addr", V: cfg.HTTP.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown"})
		}

		// Flush queued history writes before tearing down storage.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Persist.DrainTimeout)
		defer cancelDrain()
		if err := writer.Close(drainCtx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "persist drain"})
		}
		return caster.Close(context.Background())
	})
	return g.Wait()
}
