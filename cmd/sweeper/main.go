package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecociel/taskq/gateway/kafka"
	"github.com/ecociel/taskq/kafkaclient"
	"github.com/ecociel/taskq/logging"
	"github.com/ecociel/taskq/metrics"
	"github.com/ecociel/taskq/repos/sql"
	"github.com/ecociel/taskq/sweeper"
	"github.com/ecociel/taskq/uc"
)

type Config struct {
	DbConnectionUri string        `required:"true" split_words:"true"`
	QueueHostPorts  []string      `required:"true" split_words:"true"`
	TasksTopic      string        `default:"tasks.queue" split_words:"true"`
	SweepInterval   time.Duration `default:"30s" split_words:"true"`
	SweepThreshold  time.Duration `default:"5m" split_words:"true"`
	SweepLimit      int           `default:"100" split_words:"true"`
	MetricsAddr     string        `default:":9091" split_words:"true"`
	LogLevel        string        `default:"info" split_words:"true"`
}

func main() {
	_ = godotenv.Load()

	var config Config
	envconfig.MustProcess("", &config)

	logger, err := logging.New(config.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pool, err := pgxpool.New(ctx, config.DbConnectionUri)
	if err != nil {
		logger.Fatalw("pg connect", "err", err)
	}
	defer pool.Close()

	kClient, err := kafkaclient.NewProducer(config.QueueHostPorts, config.TasksTopic)
	if err != nil {
		logger.Fatalw("kafka connect", "err", err)
	}
	defer kClient.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewPromMetrics(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
			logger.Errorw("metrics listener", "err", err)
		}
	}()

	store := sql.NewPostgresRepo(pool)
	publisher := kafka.NewPublisher(kClient, config.TasksTopic)
	sweep := uc.MakeSweepStalledUseCase(store, publisher, m, logger)

	logger.Infow("sweeper started", "interval", config.SweepInterval, "threshold", config.SweepThreshold)
	sweeper.New(sweep, config.SweepThreshold, config.SweepLimit, config.SweepInterval, logger).Run(ctx)
}
