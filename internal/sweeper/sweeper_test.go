package sweeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workitem"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

type fixture struct {
	sweeper     *Sweeper
	dlq         *workqueue.Memory
	predictions *prediction.MemoryStore
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		dlq:         workqueue.NewMemory(workqueue.Config{}),
		predictions: prediction.NewMemoryStore(),
		now:         time.Now(),
	}
	s, err := New(Config{
		GracePeriod: 5 * time.Minute,
		Now:         func() time.Time { return f.now },
	}, f.dlq, f.predictions, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.sweeper = s
	return f
}

func strand(t *testing.T, f *fixture) workitem.Item {
	t.Helper()
	ctx := context.Background()

	item := workitem.Item{
		PredictionID:  uuid.NewString(),
		UploadID:      1,
		Tenant:        "acme",
		BlobKey:       "uploads/acme/1/data.csv",
		SchemaVersion: workitem.SchemaVersion,
	}
	if err := f.predictions.Create(ctx, prediction.Prediction{
		ID:       item.PredictionID,
		UploadID: 1,
		Tenant:   "acme",
		Status:   prediction.StatusQueued,
	}); err != nil {
		t.Fatalf("Create prediction: %v", err)
	}
	body, err := workitem.Encode(item)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := f.dlq.Publish(ctx, body, item.Tenant, item.PredictionID); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return item
}

func TestSweepMarksStrandedPredictionFailed(t *testing.T) {
	f := newFixture(t)
	item := strand(t, f)
	f.now = f.now.Add(10 * time.Minute)

	if err := f.sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	pred, err := f.predictions.GetByID(context.Background(), item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusFailed {
		t.Fatalf("status %s want failed", pred.Status)
	}
	if !strings.Contains(pred.ErrorMessage, prediction.ReasonDeadLetter) {
		t.Fatalf("error message %q", pred.ErrorMessage)
	}
	if got := f.dlq.Len(); got != 0 {
		t.Fatalf("message not acknowledged, len %d", got)
	}
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	f := newFixture(t)
	item := strand(t, f)

	if err := f.sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	pred, err := f.predictions.GetByID(context.Background(), item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusQueued {
		t.Fatalf("status changed inside grace period: %s", pred.Status)
	}
	if got := f.dlq.Len(); got != 1 {
		t.Fatalf("message should stay for a later sweep, len %d", got)
	}
}

func TestSweepAcknowledgesTerminalPrediction(t *testing.T) {
	f := newFixture(t)
	item := strand(t, f)
	ctx := context.Background()

	if ok, err := f.predictions.Fail(ctx, item.PredictionID, "validation: bad dataset"); err != nil || !ok {
		t.Fatalf("Fail: ok=%t err=%v", ok, err)
	}
	f.now = f.now.Add(10 * time.Minute)

	if err := f.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.ErrorMessage != "validation: bad dataset" {
		t.Fatalf("terminal state rewritten: %q", pred.ErrorMessage)
	}
	if got := f.dlq.Len(); got != 0 {
		t.Fatalf("message not acknowledged, len %d", got)
	}
}

func TestSweepDropsUndecodablePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.dlq.Publish(ctx, []byte("garbage"), "acme", uuid.NewString()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := f.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if got := f.dlq.Len(); got != 0 {
		t.Fatalf("undecodable message kept, len %d", got)
	}
}

func TestSweepDropsMessagesWithoutRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := workitem.Item{
		PredictionID:  uuid.NewString(),
		UploadID:      1,
		Tenant:        "acme",
		BlobKey:       "uploads/acme/1/data.csv",
		SchemaVersion: workitem.SchemaVersion,
	}
	body, err := workitem.Encode(item)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := f.dlq.Publish(ctx, body, item.Tenant, item.PredictionID); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := f.sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if got := f.dlq.Len(); got != 0 {
		t.Fatalf("row-less message kept, len %d", got)
	}
}
