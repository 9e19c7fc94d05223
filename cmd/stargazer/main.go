package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/subosito/gotenv"
	"github.com/suisei-cn/stargazer/pkg/api"
	"github.com/suisei-cn/stargazer/pkg/bus"
	"github.com/suisei-cn/stargazer/pkg/ingest"
	"github.com/suisei-cn/stargazer/pkg/ingest/bilibili"
	"github.com/suisei-cn/stargazer/pkg/ingest/bluesky"
	"github.com/suisei-cn/stargazer/pkg/ingest/twitter"
	"github.com/suisei-cn/stargazer/pkg/kv"
	"github.com/suisei-cn/stargazer/pkg/reminder"
	"github.com/suisei-cn/stargazer/pkg/sink"
	"github.com/suisei-cn/stargazer/pkg/youtube"
	"github.com/urfave/cli/v2"
)

func main() {
	envFile := os.Getenv("STARGAZER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load %s: %v", envFile, err)
	}

	app := cli.App{
		Name:    "stargazer",
		Usage:   "vtuber activity tracker and notification dispatcher",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"STARGAZER_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			Value:   "json",
			EnvVars: []string{"STARGAZER_LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "listen address for the http server",
			Value:   ":8000",
			EnvVars: []string{"STARGAZER_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "public base url of this server, used as the WebSub callback",
			EnvVars: []string{"STARGAZER_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required by mutating profile API routes",
			EnvVars: []string{"STARGAZER_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "vtubers-store",
			Usage:   "store url of the creator profiles",
			Value:   "sqlite://data/stargazer.db/vtubers",
			EnvVars: []string{"STARGAZER_VTUBERS_STORE"},
		},
		&cli.StringFlag{
			Name:    "configs-store",
			Usage:   "store url of the per-platform options",
			Value:   "sqlite://data/stargazer.db/configs",
			EnvVars: []string{"STARGAZER_CONFIGS_STORE"},
		},
		&cli.StringFlag{
			Name:    "state-store",
			Usage:   "store url of cursors and snapshots",
			Value:   "sqlite://data/stargazer.db/state",
			EnvVars: []string{"STARGAZER_STATE_STORE"},
		},
		&cli.StringSliceFlag{
			Name:    "pollers",
			Usage:   "polling sources to run",
			Value:   cli.NewStringSlice("twitter", "bilibili", "bililive", "bluesky"),
			EnvVars: []string{"STARGAZER_POLLERS"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "interval between polling passes of each source",
			Value:   time.Minute,
			EnvVars: []string{"STARGAZER_POLL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "twitter-base-url",
			Usage:   "base url of the Twitter API",
			Value:   twitter.DefaultBaseURL,
			EnvVars: []string{"STARGAZER_TWITTER_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "twitter-token",
			Usage:   "Twitter app bearer token",
			EnvVars: []string{"STARGAZER_TWITTER_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "twitter-client-id",
			Usage:   "Twitter consumer key, exchanged for a bearer token when no token is set",
			EnvVars: []string{"STARGAZER_TWITTER_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "twitter-client-secret",
			Usage:   "Twitter consumer secret",
			EnvVars: []string{"STARGAZER_TWITTER_CLIENT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "bilibili-base-url",
			Usage:   "base url of the Bilibili dynamics API",
			Value:   bilibili.DefaultBaseURL,
			EnvVars: []string{"STARGAZER_BILIBILI_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bililive-base-url",
			Usage:   "base url of the Bilibili live API",
			Value:   bilibili.DefaultLiveBaseURL,
			EnvVars: []string{"STARGAZER_BILILIVE_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bluesky-host",
			Usage:   "AppView host serving app.bsky.feed.getAuthorFeed",
			Value:   bluesky.DefaultHost,
			EnvVars: []string{"STARGAZER_BLUESKY_HOST"},
		},
		&cli.Float64Flag{
			Name:    "bluesky-rate-limit",
			Usage:   "rate limit for Bluesky feed requests per second",
			Value:   5,
			EnvVars: []string{"STARGAZER_BLUESKY_RATE_LIMIT"},
		},
		&cli.StringSliceFlag{
			Name:    "youtube-api-keys",
			Usage:   "YouTube Data API keys, used in rotation",
			EnvVars: []string{"STARGAZER_YOUTUBE_API_KEYS"},
		},
		&cli.StringFlag{
			Name:    "youtube-api-url",
			Usage:   "base url of the YouTube Data API",
			Value:   youtube.DefaultAPIURL,
			EnvVars: []string{"STARGAZER_YOUTUBE_API_URL"},
		},
		&cli.StringFlag{
			Name:    "youtube-hub-url",
			Usage:   "WebSub hub used for channel feed subscriptions",
			Value:   youtube.DefaultHubURL,
			EnvVars: []string{"STARGAZER_YOUTUBE_HUB_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "kafka seed brokers; events are produced when set",
			EnvVars: []string{"STARGAZER_KAFKA_BROKERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Usage:   "kafka topic events are produced to",
			Value:   "stargazer_events",
			EnvVars: []string{"STARGAZER_KAFKA_TOPIC"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"STARGAZER_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"STARGAZER_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			Value:   "events",
			EnvVars: []string{"STARGAZER_BIGQUERY_TABLE_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory events are archived to as parquet files; disabled when empty",
			EnvVars: []string{"STARGAZER_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "number of events per parquet file",
			Value:   1000,
			EnvVars: []string{"STARGAZER_PARQUET_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "parquet-max-batch-wait",
			Usage:   "maximum time events wait before a parquet file is written",
			Value:   time.Hour,
			EnvVars: []string{"STARGAZER_PARQUET_MAX_BATCH_WAIT"},
		},
	}

	app.Action = Stargazer

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func newLogger(cctx *cli.Context) *slog.Logger {
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	if cctx.String("log-format") == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			AddSource:  true,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
}

var help = map[string]api.Help{
	"twitter":  {Field: "twitter", Options: []string{"disabled"}},
	"bilibili": {Field: "bilibili", Options: []string{"disabled", "live_disabled"}},
	"bluesky":  {Field: "bluesky", Options: []string{"disabled"}},
	"youtube":  {Field: "youtube", Options: []string{"video_disabled", "live_disabled", "reminder_disabled", "schedule_disabled"}},
}

// Stargazer wires the stores, pollers, subscription manager and sinks and
// serves until a signal arrives.
func Stargazer(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := newLogger(cctx)
	slog.SetDefault(logger)

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "stargazer", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	// Stores
	hooks := kv.NewHooks()
	stores := map[string]*kv.Store{}
	for _, name := range []string{"vtubers", "configs", "state"} {
		s, err := kv.Open(ctx, name, cctx.String(name+"-store"), hooks, logger)
		if err != nil {
			logger.Error("failed to open store", "store", name, "error", err)
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close store", "store", name, "error", err)
			}
		}()
		stores[name] = s
	}
	vtubers, configs, state := stores["vtubers"], stores["configs"], stores["state"]

	// Sinks
	b := bus.New(logger)
	wsHub := sink.NewHub(logger)
	b.Register("websocket", wsHub.Dispatch)
	defer wsHub.Close()

	if brokers := cctx.StringSlice("kafka-brokers"); len(brokers) > 0 {
		logger.Info("kafka brokers set, starting kafka producer", "brokers", brokers)
		k, err := sink.NewKafka(brokers, cctx.String("kafka-topic"), logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			return err
		}
		defer k.Close()
		b.Register("kafka", k.Dispatch)
	}

	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bq, err := sink.NewBigQuery(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			return err
		}
		defer func() {
			if err := bq.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		}()
		b.Register("bigquery", bq.Dispatch)
	}

	if dir := cctx.String("parquet-dir"); dir != "" {
		pq, err := sink.NewParquet(logger, dir, "events", cctx.Int("parquet-batch-size"), cctx.Duration("parquet-max-batch-wait"))
		if err != nil {
			logger.Error("failed to create parquet archive", "error", err)
			return err
		}
		pq.StartWriter()
		defer pq.Shutdown()
		b.Register("parquet", pq.Dispatch)
	}

	reminders := reminder.New(ctx, logger)
	defer reminders.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "stargazer",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	// YouTube
	var manager *youtube.Manager
	if keys := cctx.StringSlice("youtube-api-keys"); len(keys) > 0 && cctx.String("base-url") != "" {
		client := ingest.NewHTTPClient()
		manager = youtube.NewManager(
			logger,
			b,
			vtubers, configs, state,
			youtube.NewDetailClient(cctx.String("youtube-api-url"), keys, client, logger),
			youtube.NewHubClient(cctx.String("youtube-hub-url"), cctx.String("base-url"), client, logger),
			reminders,
		)
		manager.RegisterHooks(hooks, vtubers.Name())
		if err := manager.Recover(ctx); err != nil {
			logger.Error("failed to recover youtube state", "error", err)
			return err
		}
		manager.Routes(e)
	} else {
		logger.Warn("youtube api keys or base url not set, youtube tracking disabled")
	}

	// Pollers
	pollers := cctx.StringSlice("pollers")
	runners := map[string]ingest.Ingester{}
	if slices.Contains(pollers, "twitter") {
		cfg := twitter.Config{
			BaseURL:      cctx.String("twitter-base-url"),
			Token:        cctx.String("twitter-token"),
			ClientID:     cctx.String("twitter-client-id"),
			ClientSecret: cctx.String("twitter-client-secret"),
		}
		if cfg.Token == "" && cfg.ClientID == "" {
			logger.Warn("twitter credentials not set, twitter polling disabled")
		} else {
			runners["twitter"] = twitter.New(cfg, logger)
		}
	}
	if slices.Contains(pollers, "bilibili") {
		runners["bilibili"] = bilibili.New(cctx.String("bilibili-base-url"), logger)
	}
	if slices.Contains(pollers, "bililive") {
		runners["bililive"] = bilibili.NewLive(cctx.String("bililive-base-url"), logger)
	}
	if slices.Contains(pollers, "bluesky") {
		runners["bluesky"] = bluesky.New(cctx.String("bluesky-host"), cctx.Float64("bluesky-rate-limit"), logger)
	}
	for name, ing := range runners {
		r := ingest.NewRunner(name, ing, vtubers, configs, state, b, logger)
		if name == "bililive" {
			// live rooms follow the bilibili uid and its switches
			r.Field = "bilibili"
			r.Switch = "live_disabled"
		}
		reminders.Every(name+"_poll", cctx.Duration("poll-interval"), func(ctx context.Context) {
			if err := r.Pass(ctx); err != nil {
				logger.Error("polling pass failed", "source", name, "error", err)
			}
		})
		logger.Info("polling source", "source", name, "interval", cctx.Duration("poll-interval").String())
	}

	// HTTP
	a := api.NewAPI(logger, cctx.String("admin-token"), vtubers, configs)
	for platform, h := range help {
		a.AddHelp(platform, h)
	}
	a.Routes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", wsHub.HandleWS)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Stargazer")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	httpServerKill := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening", "addr", httpServer.Addr)

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
				close(httpServerKill)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	if manager != nil {
		manager.Start(ctx)
	}

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-httpServerKill:
		logger.Info("shutting down due to http server error")
	}

	logger.Info("shutting down, waiting for routines to finish")
	close(shutdownHTTPServer)
	<-httpServerShutdown

	if manager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down youtube manager", "error", err)
		}
		cancel()
	}
	reminders.Stop()
	cancel()

	logger.Info("shutdown complete")
	return nil
}
