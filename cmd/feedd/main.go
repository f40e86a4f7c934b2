// feedd is the datafeed daemon: schedulers, queue workers, the resolve
// sweeper, cache refreshers, and the metrics endpoint under one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hibiken/asynq"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ammoindex/datafeed/ingest"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/resolver"
	"github.com/ammoindex/datafeed/runlog"
	"github.com/ammoindex/datafeed/store"
	"github.com/ammoindex/datafeed/worker"
)

// Config is the top-level daemon configuration.
var Config = new(struct {
	Database struct {
		DSN string `long:"dsn" env:"DSN" default:"postgres://localhost:5432/datafeed?sslmode=disable" description:"Postgres connection string"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Redis struct {
		Addr string `long:"addr" env:"ADDR" default:"localhost:6379" description:"Redis address"`
		DB   int    `long:"db" env:"DB" default:"0" description:"Redis database number"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Queue struct {
		ResolveConcurrency int `long:"resolve-concurrency" env:"RESOLVE_CONCURRENCY" default:"5" description:"Resolver worker count"`
		IngestConcurrency  int `long:"ingest-concurrency" env:"INGEST_CONCURRENCY" default:"2" description:"Ingest worker count per pipeline"`
	} `group:"Queue" namespace:"queue" env-namespace:"QUEUE"`

	Scheduler struct {
		Tick time.Duration `long:"tick" env:"TICK" default:"30s" description:"Scheduler poll interval"`
	} `group:"Scheduler" namespace:"scheduler" env-namespace:"SCHEDULER"`

	Archive struct {
		Bucket string `long:"bucket" env:"BUCKET" description:"GCS bucket for raw feed archives (optional)"`
		Dir    string `long:"dir" env:"DIR" description:"Local directory for raw feed archives (optional)"`
	} `group:"Archive" namespace:"archive" env-namespace:"ARCHIVE"`

	Service struct {
		MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":8090" description:"Prometheus exposition address"`
		LogDir      string `long:"log-dir" env:"LOG_DIR" default:"logs" description:"Base directory for per-run log files"`
	} `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Log format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

func buildArchive(ctx context.Context) ingest.Archive {
	if Config.Archive.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			log.WithError(err).Warn("GCS client unavailable; feed archiving disabled")
			return ingest.NopArchive{}
		}
		return ingest.NewGCSArchive(client, Config.Archive.Bucket)
	}
	if Config.Archive.Dir != "" {
		return ingest.DirArchive{Root: Config.Archive.Dir}
	}
	return ingest.NopArchive{}
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()
	log.WithField("config", Config).Info("feedd configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.Open(ctx, Config.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err = st.EnsureSchema(ctx); err != nil {
		return err
	}

	var redisOpt = asynq.RedisClientOpt{Addr: Config.Redis.Addr, DB: Config.Redis.DB}
	var client = asynq.NewClient(redisOpt)
	defer client.Close()
	var enq = queue.NewEnqueuer(client)

	var rdb = redis.NewClient(&redis.Options{Addr: Config.Redis.Addr, DB: Config.Redis.DB})
	defer rdb.Close()

	var trust = resolver.NewTrustCache(st, rdb)
	var aliases = resolver.NewAliasCache(st, rdb)
	if err = aliases.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial brand-alias refresh failed")
	}

	var res = resolver.New(st, trust, aliases)
	var handler = worker.NewHandler(st, res, enq, Config.Service.LogDir)
	var engine = ingest.NewEngine(st, enq, ingest.EngineConfig{
		LogDir:  Config.Service.LogDir,
		Archive: buildArchive(ctx),
	})

	var srv = queue.NewServer(redisOpt, queue.ServerConfig{
		ResolveConcurrency: Config.Queue.ResolveConcurrency,
		IngestConcurrency:  Config.Queue.IngestConcurrency,
	})
	var mux = worker.Mux(handler, asynq.HandlerFunc(engine.HandleTask))

	var metricsSrv = &http.Server{
		Addr:    Config.Service.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(mux) })
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})

	g.Go(func() error {
		return ingest.NewScheduler(st, enq, model.KindAffiliate, Config.Scheduler.Tick).Run(gctx)
	})
	g.Go(func() error {
		return ingest.NewScheduler(st, enq, model.KindRetailer, Config.Scheduler.Tick).Run(gctx)
	})
	g.Go(func() error {
		return worker.NewSweeper(st, enq, worker.DefaultSweepInterval).Run(gctx)
	})
	g.Go(func() error { return aliases.Run(gctx) })
	g.Go(func() error { return trust.Run(gctx) })

	g.Go(func() error {
		runlog.RunSweeper(Config.Service.LogDir, time.Hour, gctx.Done())
		return nil
	})

	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.WithField("metrics", Config.Service.MetricsAddr).Info("feedd started")
	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the datafeed daemon", `
Run the feed schedulers, queue workers, resolve sweeper and metrics
endpoint until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
