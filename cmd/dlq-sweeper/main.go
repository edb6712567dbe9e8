package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	predictionpg "github.com/muhammadzeb86/churn-saas-sub001/internal/prediction/postgres"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/sweeper"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		queueDriver = flag.String("queue-driver", workqueue.DriverSQS, "dead-letter queue driver (sqs|memory)")
		dlqURL      = flag.String("dlq-url", "", "dead-letter queue URL (required for sqs)")

		gracePeriod = flag.Duration("grace-period", 5*time.Minute, "leave stranded predictions alone this long after their last update")
		interval    = flag.Duration("interval", time.Minute, "time between sweeps")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "lifecycle events driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers for lifecycle events (comma-separated)")
		eventsTopic   = flag.String("events-topic", "churn.pipeline.v1", "kafka topic for lifecycle events")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *queueDriver == workqueue.DriverSQS && strings.TrimSpace(*dlqURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --dlq-url is required for the sqs driver")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	predictionStore, err := predictionpg.New(pool)
	if err != nil {
		log.Error("init prediction store", "err", err)
		os.Exit(2)
	}
	if err := predictionStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure prediction schema", "err", err)
		os.Exit(2)
	}

	queueCfg := workqueue.Config{
		Driver:   *queueDriver,
		QueueURL: *dlqURL,
	}
	if *queueDriver == workqueue.DriverSQS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		queueCfg.SQSClient = awssqs.NewFromConfig(awsCfg)
	}
	dlq, err := workqueue.New(queueCfg)
	if err != nil {
		log.Error("init dead-letter queue", "err", err)
		os.Exit(2)
	}

	emitter, err := events.New(events.Config{
		Driver:  *eventsDriver,
		Topic:   *eventsTopic,
		Brokers: events.SplitCommaList(*eventsBrokers),
	})
	if err != nil {
		log.Error("init event emitter", "err", err)
		os.Exit(2)
	}
	defer func() { _ = emitter.Close() }()

	s, err := sweeper.New(sweeper.Config{
		GracePeriod: *gracePeriod,
		Interval:    *interval,
	}, dlq, predictionStore, emitter, log)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}

	log.Info("dlq-sweeper starting", "queueDriver", *queueDriver, "interval", *interval, "grace", *gracePeriod)
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper stopped", "err", err)
		os.Exit(1)
	}
	log.Info("dlq-sweeper stopped")
}
