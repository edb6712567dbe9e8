package main

import (
	"context"
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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/authn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/ingestapi"
	predictionpg "github.com/muhammadzeb86/churn-saas-sub001/internal/prediction/postgres"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/ratelimit"
	uploadpg "github.com/muhammadzeb86/churn-saas-sub001/internal/upload/postgres"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		jwksURL          = flag.String("jwks-url", "", "JWKS endpoint for token verification (required)")
		expectedIssuer   = flag.String("expected-issuer", "", "expected JWT issuer (required)")
		expectedAudience = flag.String("expected-audience", "", "expected JWT audience (required)")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver (s3|memory)")
		blobBucket = flag.String("blob-bucket", "", "object store bucket (required for s3)")
		blobPrefix = flag.String("blob-prefix", "", "key prefix inside the bucket")

		queueDriver = flag.String("queue-driver", workqueue.DriverSQS, "work queue driver (sqs|memory)")
		queueURL    = flag.String("queue-url", "", "work queue URL (required for sqs)")

		rateLimitDriver    = flag.String("rate-limit-driver", ratelimit.DriverRedis, "rate limiter driver (redis|memory)")
		redisAddr          = flag.String("redis-addr", "", "redis address for the rate limiter (required for redis driver)")
		redisPassword      = flag.String("redis-password", "", "redis password for the rate limiter")
		rateLimitPerMinute = flag.Int("rate-limit-per-minute", ratelimit.DefaultPerMinute, "uploads allowed per tenant per minute")
		rateLimitPerHour   = flag.Int("rate-limit-per-hour", ratelimit.DefaultPerHour, "uploads allowed per tenant per hour")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "lifecycle events driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers for lifecycle events (comma-separated)")
		eventsTopic   = flag.String("events-topic", "churn.pipeline.v1", "kafka topic for lifecycle events")

		maxUploadBytes = flag.Int64("max-upload-bytes", 50<<20, "maximum dataset size in bytes")
		maxRows        = flag.Int64("max-rows", 10_000, "maximum data rows per dataset")
		maxCols        = flag.Int("max-cols", 50, "maximum columns per dataset")
		downloadTTL    = flag.Duration("download-url-ttl", 10*time.Minute, "presigned download URL lifetime")
		allowedOrigins = flag.String("allowed-origins", "", "CORS origins (comma-separated)")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 60*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *jwksURL == "" || *expectedIssuer == "" || *expectedAudience == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --jwks-url, --expected-issuer, and --expected-audience are required")
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
	if *rateLimitDriver == ratelimit.DriverRedis && strings.TrimSpace(*redisAddr) == "" {
		fmt.Fprintln(os.Stderr, "error: --redis-addr is required for the redis rate limiter")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
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

	verifier, err := authn.NewVerifier(authn.Config{
		JWKSURL:  *jwksURL,
		Issuer:   *expectedIssuer,
		Audience: *expectedAudience,
	})
	if err != nil {
		log.Error("init token verifier", "err", err)
		os.Exit(2)
	}

	blobCfg := blobstore.Config{
		Driver: *blobDriver,
		Prefix: *blobPrefix,
		Bucket: *blobBucket,
	}
	queueCfg := workqueue.Config{
		Driver:   *queueDriver,
		QueueURL: *queueURL,
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

	limiter, err := ratelimit.New(ratelimit.Config{
		Driver:        *rateLimitDriver,
		PerMinute:     *rateLimitPerMinute,
		PerHour:       *rateLimitPerHour,
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPassword,
	})
	if err != nil {
		log.Error("init rate limiter", "err", err)
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

	handler, err := ingestapi.NewHandler(ingestapi.Config{
		Verifier:       verifier,
		Uploads:        uploadStore,
		Predictions:    predictionStore,
		Blobs:          blobs,
		Queue:          queue,
		Limiter:        limiter,
		Events:         emitter,
		Logger:         log,
		MaxUploadBytes: *maxUploadBytes,
		MaxRows:        *maxRows,
		MaxCols:        *maxCols,
		DownloadTTL:    *downloadTTL,
		AllowedOrigins: splitCommaList(*allowedOrigins),
	})
	if err != nil {
		log.Error("init ingest api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingest-api listening", "addr", *listenAddr, "blobDriver", *blobDriver, "queueDriver", *queueDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
