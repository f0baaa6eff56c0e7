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

	"github.com/ecociel/taskq/kafkaclient"
	"github.com/ecociel/taskq/logging"
	"github.com/ecociel/taskq/metrics"
	"github.com/ecociel/taskq/repos/sql"
	"github.com/ecociel/taskq/uc"
	"github.com/ecociel/taskq/worker"
)

type Config struct {
	DbConnectionUri    string        `required:"true" split_words:"true"`
	QueueHostPorts     []string      `required:"true" split_words:"true"`
	TasksTopic         string        `default:"tasks.queue" split_words:"true"`
	TasksConsumerGroup string        `default:"task-workers" split_words:"true"`
	WorkerConcurrency  int           `default:"10" split_words:"true"`
	TaskTimeout        time.Duration `default:"30s" split_words:"true"`
	MetricsAddr        string        `default:":9090" split_words:"true"`
	LogLevel           string        `default:"info" split_words:"true"`
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

	kClient, err := kafkaclient.NewConsumer(config.QueueHostPorts, config.TasksConsumerGroup, config.TasksTopic)
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
	wrk := worker.New(kClient, uc.MakeGetTaskUseCase(store), uc.MakeUpdateStatusUseCase(store),
		worker.SimulatedExecutor, config.WorkerConcurrency, config.TaskTimeout, m, logger)

	logger.Infow("worker started", "concurrency", config.WorkerConcurrency, "timeout", config.TaskTimeout)
	wrk.Run(ctx)
}
