// Package worker drains the prediction queue: it scores queued datasets and
// drives each prediction row to a terminal state exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/churn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/upload"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

var ErrInvalidConfig = errors.New("worker: invalid config")

const receiveErrorBackoff = time.Second

type Config struct {
	WorkerID    string
	Concurrency int

	LongPoll          time.Duration
	VisibilityTimeout time.Duration
	// MessageTimeout bounds one Process call; on expiry the worker abandons
	// without acknowledging and redelivery takes over.
	MessageTimeout time.Duration

	MaxDatasetBytes int64
	ModelABSplit    float64
	Risk            churn.RiskThresholds

	Now func() time.Time
}

type Worker struct {
	cfg Config

	log         *slog.Logger
	queue       workqueue.Queue
	blobs       blobstore.Store
	uploads     upload.Store
	predictions prediction.Store
	emitter     events.Emitter

	router    *churn.Router
	explainer churn.Explainer
}

func New(cfg Config, queue workqueue.Queue, blobs blobstore.Store, uploads upload.Store, predictions prediction.Store, emitter events.Emitter, log *slog.Logger) (*Worker, error) {
	if queue == nil || blobs == nil || uploads == nil || predictions == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("predict-worker-%d", time.Now().UnixNano())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = workqueue.MaxLongPoll
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 5 * time.Minute
	}
	if cfg.MaxDatasetBytes <= 0 {
		cfg.MaxDatasetBytes = 50 << 20
	}
	if cfg.ModelABSplit < 0 || cfg.ModelABSplit > 1 {
		return nil, fmt.Errorf("%w: model A/B split must be within [0,1]", ErrInvalidConfig)
	}
	if cfg.Risk == (churn.RiskThresholds{}) {
		cfg.Risk = churn.DefaultRiskThresholds()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Worker{
		cfg:         cfg,
		log:         log.With("worker_id", cfg.WorkerID),
		queue:       queue,
		blobs:       blobs,
		uploads:     uploads,
		predictions: predictions,
		emitter:     emitter,
		router:      churn.NewRouter(churn.NewTelecomModel(), churn.NewBaselineModel(), cfg.ModelABSplit),
		explainer:   churn.NewHeuristicExplainer(),
	}, nil
}

// Run receives until the context is canceled. In-flight messages are allowed
// to finish; unfinished ones simply lose visibility and get redelivered.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		deliveries, err := w.queue.Receive(ctx, 1, w.cfg.LongPoll)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("receive failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		for _, d := range deliveries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(d workqueue.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, d)
			}(d)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, d workqueue.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.MessageTimeout)
	defer cancel()

	if err := w.Process(ctx, d); err != nil {
		w.log.Error("processing failed, message left for redelivery",
			"message_id", d.MessageID,
			"receive_count", d.ReceiveCount,
			"err", err,
		)
	}
}

func (w *Worker) ack(ctx context.Context, d workqueue.Delivery) {
	if err := w.queue.Ack(ctx, d.ReceiptHandle); err != nil {
		// Redelivery will hit the idempotency check and acknowledge then.
		w.log.Warn("ack failed", "message_id", d.MessageID, "err", err)
	}
}
