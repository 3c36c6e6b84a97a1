// Command linepulse runs the real-time production telemetry engine: it polls
// equipment, tracks downtime and OEE, raises andon events, and serves the
// dashboard websocket feed.
//
// # Configuration
//
// Environment variables (all prefixed LINEPULSE_):
//
//	SECRET_KEY            - HMAC key for websocket tokens (required)
//	LISTEN_ADDR           - websocket listen address (default ":8080")
//	MONGO_URL             - MongoDB connection URL; empty runs in-memory
//	MONGO_DB              - MongoDB database name (default "linepulse")
//	REDIS_URL             - Redis URL for the Pulse broker mirror; optional
//	POLL_INTERVAL         - per-line tick period (default "1s")
//	OEE_WINDOW            - rolling OEE window (default "1h")
//	FAULT_CATALOG         - YAML fault catalog path; empty uses the built-in
//	DRIVER_TIMEOUT        - device read timeout (default "5s")
//	DRIVER_FAILURE_LIMIT  - consecutive failures before a PLC fault (default 3)
//	LINES                 - topology, e.g. "line-1:PKG-01,PKG-02;line-2:ASM-01"
//	ACK_TIMEOUT_<PRIO>    - andon acknowledgment timer per priority
//	RESOLVE_TIMEOUT_<PRIO>- andon resolution timer per priority
//	SEND_QUEUE            - per-connection send queue size (default 1000)
//	HEARTBEAT             - websocket ping interval (default "30s")
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 runtime error.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/linepulse/linepulse/engine/andon"
	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/config"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/downtime"
	"github.com/linepulse/linepulse/engine/driver"
	"github.com/linepulse/linepulse/engine/events"
	"github.com/linepulse/linepulse/engine/faultcat"
	"github.com/linepulse/linepulse/engine/hub"
	"github.com/linepulse/linepulse/engine/jobs"
	"github.com/linepulse/linepulse/engine/oee"
	"github.com/linepulse/linepulse/engine/poller"
	storemongo "github.com/linepulse/linepulse/features/store/mongo"
	clmongo "github.com/linepulse/linepulse/features/store/mongo/clients/mongo"
	sinkpulse "github.com/linepulse/linepulse/features/stream/pulse"
	clpulse "github.com/linepulse/linepulse/features/stream/pulse/clients/pulse"
)

const (
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "configuration error"})
		os.Exit(exitConfig)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "engine stopped"})
		os.Exit(exitRuntime)
	}
}

// newContexts builds the context store and registers every equipment code in
// the configured topology. The poller skips equipment the store does not
// know, so registration must happen before the first tick.
func newContexts(cfg config.Config, trail audit.Trail, history contextstore.History) *contextstore.Store {
	opts := []contextstore.Option{}
	if history != nil {
		opts = append(opts, contextstore.WithHistory(history))
	}
	contexts := contextstore.New(trail, opts...)
	for _, l := range cfg.Lines {
		for _, code := range l.Equipment {
			contexts.Register(code, l.ID, 1)
		}
	}
	return contexts
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Durable stores. Without a Mongo URL everything stays in memory, which
	// is enough for demos and development.
	var (
		dtStore    downtime.Store = downtime.NewMemoryStore()
		andonStore andon.Store    = andon.NewMemoryStore()
		oeeStore   oee.Store      = oee.NewMemoryStore()
		trail      audit.Trail    = audit.NewMemoryTrail(10000)
		history    contextstore.History
		pingers    []health.Pinger
	)
	if cfg.MongoURL != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return err
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "mongo disconnect"})
			}
		}()
		client, err := clmongo.New(clmongo.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return err
		}
		store, err := storemongo.NewStore(client)
		if err != nil {
			return err
		}
		dtStore, andonStore, oeeStore, trail, history = store, store, store, store, store
		pingers = append(pingers, store)
		log.Print(ctx, log.KV{K: "msg", V: "mongo persistence enabled"}, log.KV{K: "database", V: cfg.MongoDatabase})
	}

	catalog := faultcat.Default()
	if cfg.FaultCatalogPath != "" {
		var err error
		if catalog, err = faultcat.Load(cfg.FaultCatalogPath); err != nil {
			return err
		}
	}

	bus := events.NewBus(trail, 4096)
	defer bus.Close()

	contexts := newContexts(cfg, trail, history)

	tracker := downtime.NewTracker(dtStore, trail, catalog)
	calc := oee.NewCalculator(dtStore, oeeStore, cfg.OEEWindow)
	mapper := jobs.NewMapper(contexts, jobs.NewMemoryStore(), bus)
	andonEngine := andon.NewEngine(andonStore, trail, bus, andon.WithTimeouts(cfg.Timeouts()))

	// Rebuild in-flight state left over from a previous run before polling
	// starts mutating it.
	if err := tracker.Recover(ctx, time.Now().UTC()); err != nil {
		return err
	}
	if err := andonEngine.Recover(ctx); err != nil {
		return err
	}

	// Broker mirror, enabled only when Redis is configured.
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		pc, err := clpulse.New(clpulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		sink, err := sinkpulse.NewSink(sinkpulse.Options{Client: pc})
		if err != nil {
			return err
		}
		sub, err := bus.Subscribe("pulse-sink", 0)
		if err != nil {
			return err
		}
		go sink.Run(ctx, sub)
		log.Print(ctx, log.KV{K: "msg", V: "pulse broker mirror enabled"})
	}

	// Websocket hub.
	h := hub.New(hub.NewVerifier(cfg.SecretKey), trail, hub.Options{
		SendQueue: cfg.SendQueue,
		Heartbeat: cfg.Heartbeat,
	})
	hubSub, err := bus.Subscribe("hub", 0)
	if err != nil {
		return err
	}
	go h.Run(ctx, hubSub)
	defer h.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	// Poller.
	guard := driver.NewGuard(driver.NewSimDriver(), cfg.DriverTimeout, cfg.DriverFailureLimit)
	lines := make([]poller.Line, len(cfg.Lines))
	for i, l := range cfg.Lines {
		lines[i] = poller.Line{ID: l.ID, EquipmentCodes: l.Equipment}
	}
	p := poller.New(lines, guard, contexts, tracker, calc, mapper, andonEngine, catalog, bus, poller.Options{
		Interval: cfg.PollInterval,
	})

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
			errc <- nil
		case <-ctx.Done():
		}
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "websocket server listening"}, log.KV{K: "addr", V: cfg.ListenAddr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	pollerDone := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(pollerDone)
	}()
	log.Print(ctx, log.KV{K: "msg", V: "engine started"},
		log.KV{K: "lines", V: len(lines)},
		log.KV{K: "poll-interval", V: cfg.PollInterval.String()})

	err = <-errc
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	select {
	case <-pollerDone:
	case <-shutdownCtx.Done():
		log.Print(ctx, log.KV{K: "msg", V: "poller did not stop before deadline"})
	}
	return err
}
