package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/channel"
	"optionflow/internal/dashboard"
	"optionflow/internal/metrics"
	"optionflow/internal/scheduler"
	"optionflow/logger"
	"optionflow/processor"
	"optionflow/reader/nse"
	"optionflow/reader/relay"
	"optionflow/writer"
)

// upstream feeds the engine and backs the relay endpoints.
type upstream interface {
	processor.Source
	dashboard.Relay
}

type sink interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":  cfg.Optionflow.Name,
		"version":  cfg.Optionflow.Version,
		"env":      env,
		"upstream": cfg.Upstream.Mode,
		"symbol":   cfg.Upstream.Symbol,
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Optionflow.Name)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.PrometheusEnabled {
		metrics.Init(cfg.Metrics.PrometheusAddress)
	}

	source, err := newUpstream(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create upstream reader")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.SnapshotBuffer)
	defer channels.Close()

	engine := processor.NewEngine(processor.EngineConfig{
		Expiry:    cfg.Poller.Expiry,
		Windows:   cfg.Analytics.Windows,
		Retention: cfg.Analytics.Retention,
		Offsets:   analytics.Offsets{Large: cfg.Analytics.LargeOffset, Small: cfg.Analytics.SmallOffset},
		Timeout:   cfg.Upstream.Timeout,
	}, source, channels)

	session, err := scheduler.NewSessionWindow(cfg.Poller.Timezone, cfg.Poller.SessionStart, cfg.Poller.SessionEnd, cfg.Poller.WeekdaysOnly)
	if err != nil {
		log.WithError(err).Error("invalid trading session")
		os.Exit(1)
	}
	gates := []scheduler.Gate{session}

	// Without a dashboard nobody can be watching, so the idle gate only
	// applies when the dashboard runs.
	grace := cfg.Poller.IdleGrace
	if !cfg.Dashboard.Enabled {
		grace = 0
	}
	activity := scheduler.NewActivity(grace, time.Now())
	gates = append(gates, activity)

	poller := scheduler.New(cfg.Poller.Interval, engine.Cycle, gates...)
	poller.OnDrop(metrics.IncrementTickDropped)
	engine.OnExpiryChange(func(string) { poller.Reset() })

	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Deps{
		Engine:   engine,
		Relay:    source,
		Trigger:  poller,
		Activity: activity,
		Channels: channels,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	sinks := newSinks(cfg, channels, config.IsProductionLike(env), log)

	var wg sync.WaitGroup

	for _, s := range sinks {
		if err := s.Start(ctx); err != nil {
			log.WithError(err).Warn("sink failed to start")
		}
	}

	if err := poller.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start poller")
		os.Exit(1)
	}
	// Load the table once at startup even outside the session.
	poller.Trigger()

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Optionflow.Name); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping poller")
	poller.Stop()

	for _, s := range sinks {
		s.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optionflow stopped")
}

func newUpstream(cfg *config.Config) (upstream, error) {
	if cfg.Upstream.Mode == config.UpstreamModeRelay {
		client := resty.New().SetTimeout(cfg.Upstream.Timeout)
		return relay.NewClient(cfg.Upstream.RelayURL, client), nil
	}
	return nse.NewReader(cfg.Upstream)
}

// newSinks builds the enabled export sinks. Production-like environments
// refuse to start with a sink that cannot be created; elsewhere the sink is
// skipped with a warning.
func newSinks(cfg *config.Config, channels *channel.Channels, strict bool, log *logger.Log) []sink {
	var sinks []sink

	fail := func(name string, sub *channel.Subscription, err error) {
		channels.Unsubscribe(sub)
		entry := log.WithComponent("main").WithError(err).WithFields(logger.Fields{"sink": name})
		if strict {
			entry.Error("failed to create sink")
			os.Exit(1)
		}
		entry.Warn("failed to create sink; skipping")
	}

	if cfg.Storage.Kafka.Enabled {
		sub := channels.Subscribe("kafka")
		if kw, err := writer.NewKafkaWriter(cfg, sub); err != nil {
			fail("kafka", sub, err)
		} else {
			sinks = append(sinks, kw)
		}
	}

	if cfg.Storage.S3.Enabled {
		sub := channels.Subscribe("s3")
		if pw, err := writer.NewParquetWriter(cfg, sub); err != nil {
			fail("s3", sub, err)
		} else {
			sinks = append(sinks, pw)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping parquet writer")
	}

	return sinks
}
