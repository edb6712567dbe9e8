package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/churn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/frame"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/upload"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workitem"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

const testCSV = "customerID,tenure,MonthlyCharges,TotalCharges,Contract\n" +
	"c-1,2,85.00,170.00,Month-to-month\n" +
	"c-2,48,25.00,1200.00,Two year\n" +
	"c-3,12,55.00,660.00,One year\n"

type fixture struct {
	worker      *Worker
	queue       *workqueue.Memory
	blobs       blobstore.Store
	uploads     *upload.MemoryStore
	predictions *prediction.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	blobs, err := blobstore.New(blobstore.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	queue := workqueue.NewMemory(workqueue.Config{})
	uploads := upload.NewMemoryStore()
	predictions := prediction.NewMemoryStore()

	w, err := New(Config{
		WorkerID:     "w-test",
		ModelABSplit: 0.5,
	}, queue, blobs, uploads, predictions, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{
		worker:      w,
		queue:       queue,
		blobs:       blobs,
		uploads:     uploads,
		predictions: predictions,
	}
}

// seed stores a dataset with its upload and prediction rows and queues the
// work item. The message is published but not yet received.
func seed(t *testing.T, f *fixture, csvBody string) workitem.Item {
	t.Helper()
	ctx := context.Background()

	up, err := f.uploads.Create(ctx, upload.Upload{
		Tenant:    "acme",
		Filename:  "data.csv",
		SizeBytes: int64(len(csvBody)),
		Status:    upload.StatusReceived,
	})
	if err != nil {
		t.Fatalf("Create upload: %v", err)
	}
	blobKey := blobstore.UploadKey("acme", up.ID, "data.csv")
	if _, err := f.blobs.Put(ctx, blobKey, strings.NewReader(csvBody), blobstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.uploads.SetBlobKey(ctx, "acme", up.ID, blobKey); err != nil {
		t.Fatalf("SetBlobKey: %v", err)
	}

	item := workitem.Item{
		PredictionID:  uuid.NewString(),
		UploadID:      up.ID,
		Tenant:        "acme",
		BlobKey:       blobKey,
		SchemaVersion: workitem.SchemaVersion,
	}
	if err := f.predictions.Create(ctx, prediction.Prediction{
		ID:       item.PredictionID,
		UploadID: up.ID,
		Tenant:   "acme",
		Status:   prediction.StatusQueued,
	}); err != nil {
		t.Fatalf("Create prediction: %v", err)
	}
	enqueue(t, f, item)
	return item
}

// enqueue publishes the item under a fresh dedup key so tests can simulate
// redelivery, which the broker would otherwise deduplicate away.
func enqueue(t *testing.T, f *fixture, item workitem.Item) {
	t.Helper()
	body, err := workitem.Encode(item)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := f.queue.Publish(context.Background(), body, item.Tenant, uuid.NewString()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func receive(t *testing.T, f *fixture) workqueue.Delivery {
	t.Helper()
	deliveries, err := f.queue.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries want 1", len(deliveries))
	}
	return deliveries[0]
}

func readResult(t *testing.T, f *fixture, key string) [][]string {
	t.Helper()
	payload, err := f.blobs.GetBytes(context.Background(), key, 1<<20)
	if err != nil {
		t.Fatalf("GetBytes(%s): %v", key, err)
	}
	records, err := csv.NewReader(bytes.NewReader(payload)).ReadAll()
	if err != nil {
		t.Fatalf("parse result csv: %v", err)
	}
	return records
}

func TestProcessCompletesPrediction(t *testing.T) {
	f := newFixture(t)
	item := seed(t, f, testCSV)
	ctx := context.Background()

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusCompleted {
		t.Fatalf("status %s want completed: %q", pred.Status, pred.ErrorMessage)
	}
	if pred.RowsProcessed == nil || *pred.RowsProcessed != 3 {
		t.Fatalf("rows processed: %v", pred.RowsProcessed)
	}
	for _, key := range []string{
		prediction.MetricModelVersion,
		prediction.MetricExperimentGroup,
		prediction.MetricRowCount,
		prediction.MetricProcessingSecs,
		prediction.MetricMeanChurnProb,
		prediction.MetricValidationWarns,
	} {
		if _, ok := pred.Metrics[key]; !ok {
			t.Fatalf("metric %s missing: %v", key, pred.Metrics)
		}
	}

	records := readResult(t, f, pred.OutputBlobKey)
	if len(records) != 4 {
		t.Fatalf("result rows: %d want header+3", len(records))
	}
	wantIDs := map[string]bool{"c-1": true, "c-2": true, "c-3": true}
	for _, rec := range records[1:] {
		if !wantIDs[rec[0]] {
			t.Fatalf("unexpected customer id %q", rec[0])
		}
		churnP, err1 := strconv.ParseFloat(rec[1], 64)
		retainP, err2 := strconv.ParseFloat(rec[2], 64)
		if err1 != nil || err2 != nil {
			t.Fatalf("unparseable probabilities in %v", rec)
		}
		if math.Abs(churnP+retainP-1) > 1e-9 {
			t.Fatalf("probabilities do not sum to 1: %v", rec)
		}
		switch rec[3] {
		case churn.RiskLow, churn.RiskMedium, churn.RiskHigh:
		default:
			t.Fatalf("bad risk level %q", rec[3])
		}
		if rec[4] == "" || rec[6] == "" {
			t.Fatalf("missing explanation or recommendation: %v", rec)
		}
	}

	if got := f.queue.Len(); got != 0 {
		t.Fatalf("message not acknowledged, queue len %d", got)
	}
	up, err := f.uploads.Get(ctx, "acme", item.UploadID)
	if err != nil {
		t.Fatalf("Get upload: %v", err)
	}
	if up.Status != upload.StatusParsed || up.RowCount != 3 {
		t.Fatalf("upload not refined: %+v", up)
	}
}

func TestProcessValidationFailure(t *testing.T) {
	f := newFixture(t)
	bad := "customerID,tenure,TotalCharges,Contract\nc-1,12,358.20,Month-to-month\n"
	item := seed(t, f, bad)
	ctx := context.Background()

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusFailed {
		t.Fatalf("status %s want failed", pred.Status)
	}
	if !strings.Contains(pred.ErrorMessage, "missing required column: MonthlyCharges") {
		t.Fatalf("error message %q", pred.ErrorMessage)
	}
	up, err := f.uploads.Get(ctx, "acme", item.UploadID)
	if err != nil {
		t.Fatalf("Get upload: %v", err)
	}
	if up.Status != upload.StatusFailed {
		t.Fatalf("upload status %s want failed", up.Status)
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("message not acknowledged, queue len %d", got)
	}
}

func TestProcessPoisonEnvelopeNotAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Publish(ctx, []byte("{not json"), "acme", uuid.NewString()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := f.worker.Process(ctx, receive(t, f)); err == nil {
		t.Fatal("expected poison error")
	}
	if got := f.queue.Len(); got != 1 {
		t.Fatalf("poison message removed from queue, len %d", got)
	}
}

func TestProcessStaleMessageAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enqueue(t, f, workitem.Item{
		PredictionID:  uuid.NewString(),
		UploadID:      1,
		Tenant:        "acme",
		BlobKey:       "uploads/acme/1/data.csv",
		SchemaVersion: workitem.SchemaVersion,
	})
	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("stale message not acknowledged, len %d", got)
	}
}

func TestProcessTenantMismatchAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := seed(t, f, testCSV)

	// Drain the honest delivery, then forge one claiming another tenant.
	d := receive(t, f)
	if err := f.queue.Ack(ctx, d.ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	forged := item
	forged.Tenant = "globex"
	enqueue(t, f, forged)

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusQueued {
		t.Fatalf("forged message changed prediction state to %s", pred.Status)
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("forged message not acknowledged, len %d", got)
	}
}

func TestProcessTerminalStateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	item := seed(t, f, testCSV)
	ctx := context.Background()

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	first, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	firstOutput, err := f.blobs.GetBytes(ctx, first.OutputBlobKey, 1<<20)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}

	// Redelivery of the same item must change nothing.
	enqueue(t, f, item)
	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	second, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if second.Status != prediction.StatusCompleted || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("terminal state disturbed: %+v vs %+v", second, first)
	}
	secondOutput, err := f.blobs.GetBytes(ctx, second.OutputBlobKey, 1<<20)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if !bytes.Equal(firstOutput, secondOutput) {
		t.Fatal("output blob changed on redelivery")
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("redelivered message not acknowledged, len %d", got)
	}
}

func TestProcessRunningWithLiveHeartbeatAcknowledged(t *testing.T) {
	f := newFixture(t)
	item := seed(t, f, testCSV)
	ctx := context.Background()

	// Another worker owns the row and is heartbeating.
	if ok, err := f.predictions.Acquire(ctx, item.PredictionID, "other-worker", 0); err != nil || !ok {
		t.Fatalf("Acquire: ok=%t err=%v", ok, err)
	}
	if ok, err := f.predictions.Heartbeat(ctx, item.PredictionID, "other-worker"); err != nil || !ok {
		t.Fatalf("Heartbeat: ok=%t err=%v", ok, err)
	}

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusRunning || pred.WorkerID != "other-worker" {
		t.Fatalf("ownership disturbed: %+v", pred)
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("duplicate delivery not acknowledged, len %d", got)
	}
}

type failingExplainer struct{}

func (failingExplainer) Explain(frame.Row, float64) (churn.Explanation, error) {
	return churn.Explanation{}, errors.New("boom")
}

func TestProcessExplainerFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.worker.explainer = failingExplainer{}
	item := seed(t, f, testCSV)
	ctx := context.Background()

	if err := f.worker.Process(ctx, receive(t, f)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pred, err := f.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pred.Status != prediction.StatusCompleted {
		t.Fatalf("status %s want completed", pred.Status)
	}
	records := readResult(t, f, pred.OutputBlobKey)
	global := churn.GlobalExplanation(0.5)
	for _, rec := range records[1:] {
		if rec[5] != global.TopRiskFactor {
			t.Fatalf("expected global fallback top factor, got %q", rec[5])
		}
	}
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	item := seed(t, f, testCSV)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		pred, err := f.predictions.GetByID(context.Background(), item.PredictionID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if pred.Status == prediction.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("prediction still %s after timeout", pred.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
