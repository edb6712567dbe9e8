// Package events publishes pipeline lifecycle events for downstream
// analytics. Emission is best effort: callers log failures and move on, an
// upload or prediction never fails because its event did not go out.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "CHURN_EVENTS_KAFKA_TLS"

// Event types emitted across the pipeline.
const (
	TypeUploadReceived      = "upload.received"
	TypeUploadAccepted      = "upload.accepted"
	TypeUploadRejected      = "upload.rejected"
	TypePredictionCompleted = "prediction.completed"
	TypePredictionFailed    = "prediction.failed"
)

// Event is one lifecycle record. Tenant keys the partition so per-tenant
// ordering survives the broker.
type Event struct {
	Type         string    `json:"type"`
	Tenant       string    `json:"tenant"`
	UploadID     int64     `json:"upload_id,omitempty"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

func (e Event) validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("events: event type is required")
	}
	if strings.TrimSpace(e.Tenant) == "" {
		return errors.New("events: tenant is required")
	}
	return nil
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Config configures the emitter.
type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// New creates an emitter for the configured driver.
func New(cfg Config) (Emitter, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverKafka, "":
		return newKafkaEmitter(cfg)
	case DriverStdio:
		return newStdioEmitter(cfg), nil
	default:
		return nil, fmt.Errorf("events: unsupported driver %q", cfg.Driver)
	}
}

// SplitCommaList parses comma-separated broker lists from flags.
func SplitCommaList(s string) []string {
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

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaEmitter struct {
	writer *kafka.Writer
	topic  string
	now    func() time.Time
}

func newKafkaEmitter(cfg Config) (Emitter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: kafka emitter requires at least one broker")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("events: kafka emitter requires a topic")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaEmitter{writer: writer, topic: strings.TrimSpace(cfg.Topic), now: time.Now}, nil
}

func (e *kafkaEmitter) Emit(ctx context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}
	return e.writer.WriteMessages(ctx, kafka.Message{
		Topic: e.topic,
		Key:   []byte(ev.Tenant),
		Value: payload,
	})
}

func (e *kafkaEmitter) Close() error {
	return e.writer.Close()
}

// stdioEmitter writes events as JSON lines, one per event. Used in local
// development and tests.
type stdioEmitter struct {
	w   io.Writer
	m   sync.Mutex
	now func() time.Time
}

func newStdioEmitter(cfg Config) Emitter {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioEmitter{w: w, now: time.Now}
}

func (e *stdioEmitter) Emit(_ context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}

	e.m.Lock()
	defer e.m.Unlock()
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	_, err = e.w.Write([]byte("\n"))
	return err
}

func (e *stdioEmitter) Close() error { return nil }
