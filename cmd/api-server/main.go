package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	restful "github.com/emicklei/go-restful/v3"
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
	"github.com/ecociel/taskq/rest"
	"github.com/ecociel/taskq/uc"
)

type Config struct {
	DbConnectionUri string   `required:"true" split_words:"true"`
	QueueHostPorts  []string `required:"true" split_words:"true"`
	TasksTopic      string   `default:"tasks.queue" split_words:"true"`
	HttpAddr        string   `default:":8080" split_words:"true"`
	LogLevel        string   `default:"info" split_words:"true"`
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

	store := sql.NewPostgresRepo(pool)
	publisher := kafka.NewPublisher(kClient, config.TasksTopic)

	resource := rest.NewTaskResource(
		uc.MakeCreateTaskUseCase(store, publisher, m, logger),
		uc.MakeGetTaskUseCase(store),
		uc.MakeListTasksUseCase(store),
		uc.MakeCancelTaskUseCase(store),
		rest.AllowAll{},
		logger,
	)

	container := restful.NewContainer()
	container.Add(resource.WebService())
	container.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: config.HttpAddr, Handler: container}
	go func() {
		logger.Infow("api server listening", "addr", config.HttpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("shutdown", "err", err)
	}
}
