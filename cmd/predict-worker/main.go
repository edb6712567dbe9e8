package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/churn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	predictionpg "github.com/muhammadzeb86/churn-saas-sub001/internal/prediction/postgres"
	uploadpg "github.com/muhammadzeb86/churn-saas-sub001/internal/upload/postgres"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/worker"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

func main() {
	var (
		workerID     = flag.String("worker-id", "", "stable worker identity (default: host plus random suffix)")
		healthListen = flag.String("health-listen", "", "optional /healthz listen address (empty disables)")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver (s3|memory)")
		blobBucket = flag.String("blob-bucket", "", "object store bucket (required for s3)")
		blobPrefix = flag.String("blob-prefix", "", "key prefix inside the bucket")

		queueDriver = flag.String("queue-driver", workqueue.DriverSQS, "work queue driver (sqs|memory)")
		queueURL    = flag.String("queue-url", "", "work queue URL (required for sqs)")

		concurrency       = flag.Int("concurrency", 4, "messages processed in parallel")
		longPoll          = flag.Duration("long-poll", workqueue.MaxLongPoll, "receive long-poll duration")
		visibilityTimeout = flag.Duration("visibility-timeout", 15*time.Minute, "queue visibility timeout")
		messageTimeout    = flag.Duration("message-timeout", 5*time.Minute, "per-message processing deadline")
		maxDatasetBytes   = flag.Int64("max-dataset-bytes", 50<<20, "maximum dataset size downloaded from the blob store")

		modelABSplit = flag.Float64("model-ab-split", 0.5, "share of tenants routed to the treatment model [0,1]")
		riskMedium   = flag.Float64("risk-medium", 0.4, "churn probability at which risk becomes medium")
		riskHigh     = flag.Float64("risk-high", 0.7, "churn probability at which risk becomes high")

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
	if *blobDriver == blobstore.DriverS3 && strings.TrimSpace(*blobBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --blob-bucket is required for the s3 driver")
		os.Exit(2)
	}
	if *queueDriver == workqueue.DriverSQS && strings.TrimSpace(*queueURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-url is required for the sqs driver")
		os.Exit(2)
	}
	if *modelABSplit < 0 || *modelABSplit > 1 {
		fmt.Fprintln(os.Stderr, "error: --model-ab-split must be within [0,1]")
		os.Exit(2)
	}
	if *workerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		*workerID = host + "-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	uploadStore, err := uploadpg.New(pool)
	if err != nil {
		log.Error("init upload store", "err", err)
		os.Exit(2)
	}
	if err := uploadStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure upload schema", "err", err)
		os.Exit(2)
	}
	predictionStore, err := predictionpg.New(pool)
	if err != nil {
		log.Error("init prediction store", "err", err)
		os.Exit(2)
	}
	if err := predictionStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure prediction schema", "err", err)
		os.Exit(2)
	}

	blobCfg := blobstore.Config{
		Driver: *blobDriver,
		Prefix: *blobPrefix,
		Bucket: *blobBucket,
	}
	queueCfg := workqueue.Config{
		Driver:            *queueDriver,
		QueueURL:          *queueURL,
		VisibilityTimeout: *visibilityTimeout,
	}
	if *blobDriver == blobstore.DriverS3 || *queueDriver == workqueue.DriverSQS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		if *blobDriver == blobstore.DriverS3 {
			s3Client := awss3.NewFromConfig(awsCfg)
			blobCfg.S3Client = s3Client
			blobCfg.PresignClient = awss3.NewPresignClient(s3Client)
		}
		if *queueDriver == workqueue.DriverSQS {
			queueCfg.SQSClient = awssqs.NewFromConfig(awsCfg)
		}
	}
	blobs, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}
	queue, err := workqueue.New(queueCfg)
	if err != nil {
		log.Error("init work queue", "err", err)
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

	w, err := worker.New(worker.Config{
		WorkerID:          *workerID,
		Concurrency:       *concurrency,
		LongPoll:          *longPoll,
		VisibilityTimeout: *visibilityTimeout,
		MessageTimeout:    *messageTimeout,
		MaxDatasetBytes:   *maxDatasetBytes,
		ModelABSplit:      *modelABSplit,
		Risk:              churn.RiskThresholds{Medium: *riskMedium, High: *riskHigh},
	}, queue, blobs, uploadStore, predictionStore, emitter, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	if *healthListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		healthSrv := &http.Server{
			Addr:              *healthListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("health listener stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("predict-worker starting",
		"worker_id", *workerID,
		"concurrency", *concurrency,
		"queueDriver", *queueDriver,
		"blobDriver", *blobDriver,
	)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("predict-worker stopped")
}
