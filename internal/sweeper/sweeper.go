// Package sweeper drains the dead-letter queue and records a terminal
// failure for every prediction stranded there.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workitem"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

var ErrInvalidConfig = errors.New("sweeper: invalid config")

type Config struct {
	// GracePeriod is how long after its last update a stranded prediction is
	// left alone before being marked failed. A crashed worker's redelivery
	// may still be in flight inside this window.
	GracePeriod time.Duration
	Interval    time.Duration
	LongPoll    time.Duration

	Now func() time.Time
}

type Sweeper struct {
	cfg Config

	log         *slog.Logger
	dlq         workqueue.Queue
	predictions prediction.Store
	emitter     events.Emitter
}

func New(cfg Config, dlq workqueue.Queue, predictions prediction.Store, emitter events.Emitter, log *slog.Logger) (*Sweeper, error) {
	if dlq == nil || predictions == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = workqueue.MaxLongPoll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sweeper{
		cfg:         cfg,
		log:         log,
		dlq:         dlq,
		predictions: predictions,
		emitter:     emitter,
	}, nil
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce drains currently visible dead-letter messages.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	for {
		deliveries, err := s.dlq.Receive(ctx, 10, 0)
		if err != nil {
			return fmt.Errorf("sweeper: receive: %w", err)
		}
		if len(deliveries) == 0 {
			return nil
		}
		for _, d := range deliveries {
			s.sweep(ctx, d)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, d workqueue.Delivery) {
	item, err := workitem.Decode(d.Body)
	if err != nil {
		// Poison made it all the way here; record and drop it for good.
		s.log.Error("undecodable dead-letter payload dropped",
			"message_id", d.MessageID,
			"err", err,
		)
		s.ack(ctx, d)
		return
	}

	pred, err := s.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		if errors.Is(err, prediction.ErrNotFound) {
			s.log.Warn("dead-letter message without prediction row", "prediction_id", item.PredictionID)
			s.ack(ctx, d)
			return
		}
		s.log.Error("load prediction failed, leaving message", "prediction_id", item.PredictionID, "err", err)
		return
	}
	if pred.Status.Terminal() {
		s.ack(ctx, d)
		return
	}

	// A redelivery might still be racing a live worker; give it the grace
	// window before declaring the prediction dead.
	if age := s.cfg.Now().Sub(pred.UpdatedAt); age < s.cfg.GracePeriod {
		s.log.Info("stranded prediction inside grace period, skipping",
			"prediction_id", pred.ID,
			"age", age,
		)
		return
	}

	failed, err := s.predictions.Fail(ctx, pred.ID, prediction.ReasonDeadLetter+": exceeded max receive count")
	if err != nil {
		s.log.Error("mark stranded prediction failed", "prediction_id", pred.ID, "err", err)
		return
	}
	if failed {
		s.log.Warn("stranded prediction marked failed",
			"prediction_id", pred.ID,
			"tenant", pred.Tenant,
			"receive_count", d.ReceiveCount,
		)
		if s.emitter != nil {
			if eerr := s.emitter.Emit(ctx, events.Event{
				Type:         events.TypePredictionFailed,
				Tenant:       pred.Tenant,
				UploadID:     pred.UploadID,
				PredictionID: pred.ID,
				Reason:       prediction.ReasonDeadLetter,
			}); eerr != nil {
				s.log.Warn("event emit failed", "err", eerr)
			}
		}
	}
	s.ack(ctx, d)
}

func (s *Sweeper) ack(ctx context.Context, d workqueue.Delivery) {
	if err := s.dlq.Ack(ctx, d.ReceiptHandle); err != nil {
		s.log.Warn("ack failed", "message_id", d.MessageID, "err", err)
	}
}
