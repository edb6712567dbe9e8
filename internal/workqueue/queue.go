// Package workqueue delivers work items durably with at-least-once semantics,
// FIFO ordering per message group, bounded-window deduplication, and
// dead-letter routing after repeated failed receives.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverSQS    = "sqs"
	DriverMemory = "memory"

	// MaxLongPoll is the longest supported receive wait.
	MaxLongPoll = 20 * time.Second

	defaultVisibilityTimeout = 15 * time.Minute
	defaultMaxReceiveCount   = 3
	defaultDedupWindow       = 5 * time.Minute
)

var (
	ErrInvalidConfig  = errors.New("workqueue: invalid config")
	ErrInvalidInput   = errors.New("workqueue: invalid input")
	ErrUnknownReceipt = errors.New("workqueue: unknown receipt handle")
)

// Delivery is one received message. ReceiveCount includes this delivery, so a
// first-time message carries ReceiveCount == 1.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

// Queue is the work item transport.
//
// Publish deduplicates on dedupID within a bounded window and orders messages
// FIFO per groupID. Receive long-polls up to MaxLongPoll. A message that is
// received but never acknowledged becomes visible again after the visibility
// timeout; after MaxReceiveCount receives it routes to the dead-letter queue.
type Queue interface {
	Publish(ctx context.Context, body []byte, groupID, dedupID string) (messageID string, err error)
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

type Config struct {
	Driver string

	// SQS fields.
	QueueURL  string
	SQSClient SQSClient

	// Memory fields.
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	DedupWindow       time.Duration
	DeadLetter        *Memory

	Now func() time.Time
}

func New(cfg Config) (Queue, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverSQS:
		return newSQSQueue(cfg)
	case DriverMemory:
		return NewMemory(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverSQS
	}
	return v
}

func validatePublish(body []byte, groupID, dedupID string) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	if strings.TrimSpace(groupID) == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(dedupID) == "" {
		return fmt.Errorf("%w: dedup id is required", ErrInvalidInput)
	}
	return nil
}

func clampWait(wait time.Duration) time.Duration {
	if wait < 0 {
		return 0
	}
	if wait > MaxLongPoll {
		return MaxLongPoll
	}
	return wait
}
