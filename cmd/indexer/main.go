// Command indexer runs a single IndexerWorker: one Kafka partition fed into
// one Elasticsearch index.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/handler"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/kafka"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/sink/elasticsearch"
)

// config is the top-level process configuration: one worker's worth of
// Kafka, Elasticsearch, and indexer settings, plus process-wide ambients.
type config struct {
	Kafka                kafka.ClientConfig   `yaml:"kafka"`
	Elasticsearch        elasticsearch.Config `yaml:"elasticsearch"`
	Indexer              indexer.Config       `yaml:"indexer"`
	Handler              handler.Config       `yaml:"handler"`
	MetricsListenAddress string               `yaml:"metrics_listen_address"`
	LogLevel             string               `yaml:"log_level"`
}

func (c *config) RegisterFlags(f *flag.FlagSet) {
	c.Kafka.RegisterFlags("kafka.", f)
	c.Elasticsearch.RegisterFlags("elasticsearch.", f)
	c.Indexer.RegisterFlags("indexer.", f)
	c.Handler.RegisterFlags("handler.", f)
	f.StringVar(&c.MetricsListenAddress, "metrics-listen-address", ":9090", "Address to serve /metrics on.")
	f.StringVar(&c.LogLevel, "log-level", "info", "One of: debug, info, warn, error.")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgFile string
	pre := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	pre.StringVar(&cfgFile, "config-file", "", "Path to a YAML config file; flags override values it sets.")
	pre.SetOutput(new(nopWriter))
	_ = pre.Parse(os.Args[1:])

	var cfg config
	f := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	f.StringVar(&cfgFile, "config-file", cfgFile, "Path to a YAML config file; flags override values it sets.")
	cfg.RegisterFlags(f)

	if cfgFile != "" {
		raw, err := os.ReadFile(cfgFile)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := f.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := cfg.Indexer.Validate(); err != nil {
		return fmt.Errorf("invalid indexer config: %w", err)
	}
	if err := cfg.Elasticsearch.Validate(); err != nil {
		return fmt.Errorf("invalid elasticsearch config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	reg := prometheus.NewRegistry()

	logClient, err := kafka.NewClient(cfg.Kafka, cfg.Indexer.Topic, cfg.Indexer.Partition, cfg.Indexer.ConsumerGroupName, logger, reg)
	if err != nil {
		return fmt.Errorf("building kafka client: %w", err)
	}

	sinkClient, err := elasticsearch.NewClient(cfg.Elasticsearch, logger)
	if err != nil {
		return fmt.Errorf("building elasticsearch client: %w", err)
	}

	h := handler.New(sinkClient, cfg.Indexer.Partition, cfg.Handler, logger, nil)
	metrics := indexer.NewMetrics(reg)

	worker, err := indexer.New(cfg.Indexer, h, logClient, logger, metrics)
	if err != nil {
		return fmt.Errorf("building worker: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Warn(logger).Log("msg", "metrics server stopped unexpectedly", "err", err)
		}
	}()
	defer metricsServer.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		level.Info(logger).Log("msg", "received shutdown signal", "signal", sig.String())
		worker.RequestShutdown()
	}()

	status := worker.Run(context.Background())
	level.Info(logger).Log("msg", "worker stopped",
		"state", status.State.String(), "last_committed_offset", status.LastCommittedOffset)

	if status.State == indexer.StateFailed {
		return fmt.Errorf("worker for partition %d exited in failed state", cfg.Indexer.Partition)
	}
	return nil
}

func newLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(levelName))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
