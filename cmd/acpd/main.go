package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/log"

	"goa.design/acp/agent"
	"goa.design/acp/controller"
	"goa.design/acp/expiry"
	runmongo "goa.design/acp/features/run/mongo"
	mongoc "goa.design/acp/features/run/mongo/clients/mongo"
	pulsestream "goa.design/acp/features/stream/pulse"
	clientspulse "goa.design/acp/features/stream/pulse/clients/pulse"
	"goa.design/acp/registry"
	"goa.design/acp/run"
	runmem "goa.design/acp/run/inmem"
	"goa.design/acp/stream"
	streammem "goa.design/acp/stream/inmem"
	"goa.design/acp/telemetry"
)

// cleanup releases a resource acquired during startup. Cleanups run in
// reverse order on shutdown.
type cleanup func(context.Context)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF = flag.String("config", "", "Path to YAML configuration file (defaults to $ACP_CONFIG)")
		demoF   = flag.Bool("demo", false, "Run the scripted lifecycle demo against an in-process stack and exit")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *demoF {
		if err := runDemo(ctx); err != nil {
			log.Fatalf(ctx, err, "demo failed")
		}
		return
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	log.Print(ctx, log.KV{K: "store", V: cfg.Store.Kind}, log.KV{K: "stream", V: cfg.Stream.Kind})

	var cleanups []cleanup
	shutdown := func() {
		sctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i](sctx)
		}
	}

	// Initialize the run store.
	var store run.Store
	{
		var c cleanup
		if store, c, err = buildStore(ctx, cfg.Store); err != nil {
			log.Fatalf(ctx, err, "build run store")
		}
		if c != nil {
			cleanups = append(cleanups, c)
		}
	}

	// Initialize the lifecycle event sink.
	var sink stream.Sink
	{
		var c cleanup
		if sink, c, err = buildSink(ctx, cfg.Stream); err != nil {
			shutdown()
			log.Fatalf(ctx, err, "build event sink")
		}
		if c != nil {
			cleanups = append(cleanups, c)
		}
	}

	// Register the agents and assemble the lifecycle engine.
	catalog := agent.NewCatalog()
	if err := registerDemoAgents(catalog); err != nil {
		shutdown()
		log.Fatalf(ctx, err, "register agents")
	}
	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		reg     = registry.New()
	)
	exp := expiry.New(store,
		expiry.WithTTL(cfg.Expiry.TTL.std()),
		expiry.WithSweepInterval(cfg.Expiry.SweepInterval.std()),
		expiry.WithRegistry(reg),
		expiry.WithSink(sink),
		expiry.WithLogger(logger),
		expiry.WithMetrics(metrics),
	)
	ctl, err := controller.New(catalog, store, reg,
		controller.WithExpiry(exp),
		controller.WithSink(sink),
		controller.WithLogger(logger),
		controller.WithMetrics(metrics),
		controller.WithTracer(telemetry.NewClueTracer()),
	)
	if err != nil {
		shutdown()
		log.Fatalf(ctx, err, "build run controller")
	}

	// Reconcile runs persisted by a previous process before serving.
	if err := ctl.Recover(ctx); err != nil {
		shutdown()
		log.Fatalf(ctx, err, "recover persisted runs")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	sweepCtx, cancel := context.WithCancel(ctx)
	exp.Start(sweepCtx)
	log.Print(ctx, log.KV{K: "msg", V: "acpd ready"}, log.KV{K: "agents", V: catalog.Names()})

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	exp.Stop()

	closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ctl.Close(closeCtx); err != nil {
		log.Errorf(ctx, err, "controller shutdown")
	}
	if err := sink.Close(closeCtx); err != nil {
		log.Errorf(ctx, err, "sink shutdown")
	}
	done()
	shutdown()
	log.Printf(ctx, "exited")
}

// buildStore constructs the run store named by the configuration. The mem
// store keeps records in process memory and is lost on restart; mongo
// persists records so serializable runs survive restarts.
func buildStore(ctx context.Context, cfg StoreConfig) (run.Store, cleanup, error) {
	switch cfg.Kind {
	case "mem":
		return runmem.New(), nil, nil
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		pingCtx, done := context.WithTimeout(ctx, cfg.Mongo.Timeout.std())
		defer done()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := runmongo.NewStoreFromMongo(mongoc.Options{
			Client:     client,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout.std(),
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("build mongo store: %w", err)
		}
		return store, func(sctx context.Context) {
			if err := client.Disconnect(sctx); err != nil {
				log.Errorf(ctx, err, "mongo disconnect")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store kind %q", cfg.Kind)
	}
}

// buildSink constructs the event transport named by the configuration: a
// discard sink, an in-process bus, or Pulse streams over Redis.
func buildSink(ctx context.Context, cfg StreamConfig) (stream.Sink, cleanup, error) {
	switch cfg.Kind {
	case "none":
		return stream.NopSink{}, nil, nil
	case "mem":
		return streammem.NewBus(), nil, nil
	case "pulse":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("build pulse client: %w", err)
		}
		streams, err := pulsestream.NewRunStreams(pulsestream.RunStreamsOptions{Client: client})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("build run streams: %w", err)
		}
		return streams.Sink(), func(sctx context.Context) {
			if err := streams.Close(sctx); err != nil {
				log.Errorf(ctx, err, "pulse shutdown")
			}
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "redis shutdown")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported stream kind %q", cfg.Kind)
	}
}
