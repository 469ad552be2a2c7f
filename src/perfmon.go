//go:generate goversioninfo
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/integration"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	arguments "github.com/newrelic/nri-perfmon/src/args"
	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	cachemetrics "github.com/newrelic/nri-perfmon/src/cache-metrics"
	"github.com/newrelic/nri-perfmon/src/comprehensive"
	databasemonitoring "github.com/newrelic/nri-perfmon/src/database-monitoring"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
	frontendperformance "github.com/newrelic/nri-perfmon/src/frontend-performance"
	httpapi "github.com/newrelic/nri-perfmon/src/http-api"
	systemstats "github.com/newrelic/nri-perfmon/src/system-stats"
	"github.com/newrelic/nri-perfmon/src/telemetry"
	"github.com/newrelic/nri-perfmon/src/utils"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	args               arguments.ArgumentList
	integrationVersion = "0.0.0"
	gitCommit          = ""
	buildDate          = ""
)

func main() {
	i, err := integration.New(constants.IntegrationName, integrationVersion, integration.Args(&args))
	utils.FatalIfErr(err)

	if args.ShowVersion {
		fmt.Printf(
			"New Relic %s integration Version: %s, Platform: %s, GoVersion: %s, GitCommit: %s, BuildDate: %s\n",
			cases.Title(language.Und).String(strings.Replace(constants.IntegrationName, "com.newrelic.", "", 1)),
			integrationVersion,
			fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
			runtime.Version(),
			gitCommit,
			buildDate)
		os.Exit(0)
	}

	log.SetupLogging(args.Verbose)

	cfg, err := loadConfig(args)
	utils.FatalIfErr(err)

	app := utils.InitNewRelicApp(args.AppName, args.LicenseKey, args.Verbose)
	if app != nil {
		defer app.Shutdown(10 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hits := cachemetrics.NewTracker()
	cache, err := openCache(ctx, cfg.Cache, hits)
	utils.FatalIfErr(err)
	defer cache.Close()

	var db utils.DataSource
	if cfg.MySQLDSN != "" {
		db, err = utils.OpenSQLXDB(cfg.MySQLDSN, app)
		utils.FatalIfErr(err)
		defer db.Close()
	}

	collectors := telemetry.NewCollectors()
	api := apiperformance.NewTracker(
		apiperformance.WithHitRecorder(hits),
		apiperformance.WithObserver(collectors),
		apiperformance.WithMaxSamples(cfg.Monitoring.MaxAPISamples),
		apiperformance.WithRetention(cfg.Monitoring.RetentionWindow),
	)

	monitor := databasemonitoring.NewMonitor(ctx, cfg.Monitoring, databasemonitoring.Dependencies{
		Cache:      cache,
		DB:         db,
		Hits:       hits,
		Observer:   collectors,
		Sweepers:   []databasemonitoring.Sweeper{api},
		Books:      []*alerts.Book{api.Book()},
		Evaluators: []databasemonitoring.Evaluator{api},
	})
	collectors.RegisterPool(monitor.Pool)

	synthesizer := comprehensive.NewSynthesizer(comprehensive.Collaborators{
		Reports:  monitor.Reports,
		SlowLog:  monitor.Store,
		Indexes:  monitor.Registry,
		Pool:     monitor.Pool,
		Database: monitor,
		API:      api,
		Cache:    hits,
		Frontend: frontendperformance.NewEstimator(cfg.Frontend),
		System:   systemstats.NewHostReader(),
		Books:    monitor.Books(),
	}, cfg.Optimizations, cfg.Monitoring.CollaboratorTimeout, nil)

	monitor.Start(ctx)
	defer monitor.Stop()

	if cfg.Monitoring.PublishInterval > 0 {
		publisher := telemetry.NewPublisher(i, entityName(cfg.HTTP.ListenAddr), synthesizer)
		go publisher.Run(ctx, cfg.Monitoring.PublishInterval)
	}

	server := httpapi.NewServer(cfg.HTTP, httpapi.Dependencies{
		Service:  synthesizer,
		Queries:  monitor.Tracker,
		Requests: api,
		Metrics:  collectors.Handler(),
		App:      app,
	})
	utils.FatalIfErr(server.Start())

	<-ctx.Done()
	log.Info("Shutting down performance monitoring")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down the performance API: %v", err)
	}
}

func loadConfig(args arguments.ArgumentList) (*utils.Config, error) {
	cfg := &utils.Config{}
	if args.ConfigPath != "" {
		loaded, err := utils.LoadConfig(args.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Override(args)
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// openCache returns Redis behind a circuit breaker when an address is configured and the
// in-process cache otherwise.
func openCache(ctx context.Context, cfg utils.CacheConfig, hits durablecache.HitRecorder) (durablecache.Cache, error) {
	var next durablecache.Cache
	if cfg.Redis.Address != "" {
		redis := durablecache.NewRedisCache(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, constants.TimeoutDuration)
		defer cancel()
		if err := redis.Ping(pingCtx); err != nil {
			log.Warn("Redis at %s is unreachable, durable cache reads will fall back to memory: %v", cfg.Redis.Address, err)
		}
		next = redis
	} else {
		local, err := durablecache.NewLocalCache(cfg.LocalLifeWindow)
		if err != nil {
			return nil, fmt.Errorf("error creating local cache: %w", err)
		}
		log.Debug("No Redis address configured, using the in-process durable cache")
		next = local
	}
	return durablecache.NewBreakerCache(next, cfg.BreakerFailures, cfg.BreakerOpenTimeout, hits), nil
}

func entityName(listenAddr string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return host + listenAddr
}
