// Command writingdesk runs the streaming run orchestrator service: HTTP start
// and stream endpoints in front of the run registry, backed by Redis (run
// state, credits, Pulse mirror), MongoDB (jobs) and the OpenAI Responses API.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/openletter/writingdesk/api"
	creditsredis "github.com/openletter/writingdesk/features/credits/redis"
	jobmongo "github.com/openletter/writingdesk/features/job/mongo"
	modelopenai "github.com/openletter/writingdesk/features/model/openai"
	profilemongo "github.com/openletter/writingdesk/features/profile/mongo"
	runstateredis "github.com/openletter/writingdesk/features/runstate/redis"
	pulsesink "github.com/openletter/writingdesk/features/stream/pulse"
	pulseclient "github.com/openletter/writingdesk/features/stream/pulse/clients/pulse"
	"github.com/openletter/writingdesk/runtime/orchestrator/executor"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
	"github.com/openletter/writingdesk/runtime/orchestrator/registry"
	"github.com/openletter/writingdesk/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
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

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	states, err := runstateredis.New(rdb)
	if err != nil {
		log.Fatal(ctx, err)
	}
	ledger, err := creditsredis.New(rdb)
	if err != nil {
		log.Fatal(ctx, err)
	}
	jobs, err := jobmongo.New(jobmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatal(ctx, err)
	}
	profiles, err := profilemongo.New(profilemongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatal(ctx, err)
	}
	model, err := modelopenai.New(modelopenai.Options{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Logger:  telemetry.NewClueLogger(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	var mirror payload.Sink
	if cfg.Pulse.Enabled {
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: cfg.Pulse.StreamMaxLen})
		if err != nil {
			log.Fatal(ctx, err)
		}
		mirror, err = pulsesink.NewSink(pulsesink.Options{Client: pc})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	reg := registry.New(executor.Deps{
		States:   states,
		Jobs:     jobs,
		Credits:  ledger,
		Profiles: profiles,
		Model:    model,
		Mirror:   mirror,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics(),
	})

	if err := reg.Recover(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "startup run recovery failed"})
	}

	svc, err := api.New(reg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/writing-desk/", svc.Handler(ctx))
	mux.Handle("/healthz", health.Handler(health.NewChecker(states, ledger, jobs)))
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		errc <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf(ctx, "received %s, shutting down", sig)
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	reg.Shutdown(shutdownCtx)
	if mirror != nil {
		// The mirror is shared by every run; it closes once, here, after the
		// last executor has stopped publishing.
		if err := mirror.Close(shutdownCtx); err != nil {
			log.Error(ctx, err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	log.Printf(ctx, "bye")
}
