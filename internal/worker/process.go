package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/churn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/csvio"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/frame"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workitem"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

// Process drives one delivery to a decision: acknowledge, record a terminal
// prediction state, or leave the message for redelivery. A returned error
// always means the message was NOT acknowledged.
func (w *Worker) Process(ctx context.Context, d workqueue.Delivery) error {
	started := w.cfg.Now()

	// A payload that cannot even be decoded is poison: never acknowledge,
	// let max-receive-count shepherd it to the dead-letter queue.
	item, err := workitem.Decode(d.Body)
	if err != nil {
		return fmt.Errorf("worker: poison envelope: %w", err)
	}
	log := w.log.With("prediction_id", item.PredictionID, "tenant", item.Tenant)

	pred, err := w.predictions.GetByID(ctx, item.PredictionID)
	if err != nil {
		if errors.Is(err, prediction.ErrNotFound) {
			log.Warn("no prediction row for message, dropping")
			w.ack(ctx, d)
			return nil
		}
		return fmt.Errorf("worker: load prediction: %w", err)
	}
	if pred.Tenant != item.Tenant {
		// Cross-tenant envelope is a forged or corrupted message, never a
		// retryable condition.
		log.Error("ALERT: envelope tenant does not match prediction row",
			"row_tenant", pred.Tenant,
			"message_id", d.MessageID,
		)
		w.ack(ctx, d)
		return nil
	}
	if pred.Status.Terminal() {
		w.ack(ctx, d)
		return nil
	}

	acquired, err := w.predictions.Acquire(ctx, pred.ID, w.cfg.WorkerID, w.cfg.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("worker: acquire: %w", err)
	}
	if !acquired {
		// Another worker holds the row with a live heartbeat.
		w.ack(ctx, d)
		return nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, pred.ID, d.ReceiptHandle)

	payload, err := w.blobs.GetBytes(ctx, item.BlobKey, w.cfg.MaxDatasetBytes)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return w.fail(ctx, d, item, prediction.ReasonValidation+": dataset is no longer available")
		}
		return fmt.Errorf("worker: download dataset: %w", err)
	}

	header, records, err := parseCSV(payload)
	if err != nil {
		return w.fail(ctx, d, item, prediction.ReasonValidation+": "+err.Error())
	}

	f := frame.Map(header, records)
	if err := frame.Validate(f); err != nil {
		var verr *frame.ValidationError
		detail := "dataset failed validation"
		if errors.As(err, &verr) {
			detail = verr.Detail
		}
		return w.fail(ctx, d, item, prediction.ReasonValidation+": "+detail)
	}

	model, group := w.router.Route(item.Tenant)
	scores := model.Score(f.Rows)

	results := make([]csvio.ResultRow, len(f.Rows))
	var probSum float64
	for i, row := range f.Rows {
		p := scores[i]
		probSum += p
		ex, err := w.explainer.Explain(row, p)
		if err != nil {
			ex = churn.GlobalExplanation(p)
		}
		results[i] = csvio.ResultRow{
			CustomerID:           row.CustomerID,
			ChurnProbability:     p,
			RetentionProbability: 1 - p,
			RiskLevel:            w.cfg.Risk.Level(p),
			Explanation:          encodeExplanation(ex),
			TopRiskFactor:        ex.TopRiskFactor,
			Recommendation:       ex.Recommendation,
		}
	}

	var out bytes.Buffer
	if err := csvio.WriteResults(&out, results); err != nil {
		return fmt.Errorf("worker: serialize results: %w", err)
	}
	outputKey := blobstore.PredictionKey(item.Tenant, pred.ID)
	if _, err := w.blobs.Put(ctx, outputKey, bytes.NewReader(out.Bytes()), blobstore.PutOptions{
		ContentType: "text/csv",
	}); err != nil {
		return fmt.Errorf("worker: upload results: %w", err)
	}

	rowCount := int64(len(f.Rows))
	elapsed := w.cfg.Now().Sub(started)
	metrics := map[string]any{
		prediction.MetricModelVersion:    model.Version(),
		prediction.MetricExperimentGroup: group,
		prediction.MetricRowCount:        rowCount,
		prediction.MetricProcessingSecs:  elapsed.Seconds(),
		prediction.MetricMeanChurnProb:   probSum / float64(rowCount),
		prediction.MetricValidationWarns: int64(len(f.Warnings)),
	}
	completed, err := w.predictions.Complete(ctx, pred.ID, w.cfg.WorkerID, prediction.CompleteParams{
		OutputBlobKey: outputKey,
		RowsProcessed: rowCount,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("worker: complete: %w", err)
	}
	if !completed {
		// Lost the row between acquire and complete; the winner owns the
		// terminal state.
		log.Warn("completion raced, standing down")
		w.ack(ctx, d)
		return nil
	}

	if rerr := w.uploads.MarkParsed(ctx, item.Tenant, item.UploadID, rowCount); rerr != nil {
		log.Warn("refine upload row count failed", "upload_id", item.UploadID, "err", rerr)
	}
	w.emit(ctx, events.Event{
		Type:         events.TypePredictionCompleted,
		Tenant:       item.Tenant,
		UploadID:     item.UploadID,
		PredictionID: pred.ID,
	})
	log.Info("prediction completed",
		"model_version", model.Version(),
		"experiment_group", group,
		"rows", rowCount,
		"warnings", len(f.Warnings),
		"processing_seconds", elapsed.Seconds(),
	)
	w.ack(ctx, d)
	return nil
}

// fail records a terminal business failure and acknowledges the message.
func (w *Worker) fail(ctx context.Context, d workqueue.Delivery, item workitem.Item, message string) error {
	ok, err := w.predictions.Fail(ctx, item.PredictionID, message)
	if err != nil {
		return fmt.Errorf("worker: mark failed: %w", err)
	}
	if ok {
		w.emit(ctx, events.Event{
			Type:         events.TypePredictionFailed,
			Tenant:       item.Tenant,
			UploadID:     item.UploadID,
			PredictionID: item.PredictionID,
			Reason:       message,
		})
		if uerr := w.uploads.MarkFailed(ctx, item.Tenant, item.UploadID); uerr != nil {
			w.log.Warn("mark upload failed", "upload_id", item.UploadID, "err", uerr)
		}
	}
	w.log.Info("prediction failed", "prediction_id", item.PredictionID, "reason", message)
	w.ack(ctx, d)
	return nil
}

// heartbeat keeps row ownership and queue invisibility alive while a message
// is being processed. It stops when the surrounding Process call returns.
func (w *Worker) heartbeat(ctx context.Context, predictionID, receiptHandle string) {
	interval := w.cfg.VisibilityTimeout * 3 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ok, err := w.predictions.Heartbeat(ctx, predictionID, w.cfg.WorkerID); err != nil {
			w.log.Warn("heartbeat failed", "prediction_id", predictionID, "err", err)
		} else if !ok {
			// Lost ownership; stop extending so the winner is undisturbed.
			return
		}
		if err := w.queue.ExtendVisibility(ctx, receiptHandle, w.cfg.VisibilityTimeout); err != nil {
			w.log.Warn("extend visibility failed", "prediction_id", predictionID, "err", err)
		}
	}
}

func (w *Worker) emit(ctx context.Context, ev events.Event) {
	if w.emitter == nil {
		return
	}
	if err := w.emitter.Emit(ctx, ev); err != nil {
		w.log.Warn("event emit failed", "type", ev.Type, "err", err)
	}
}

func parseCSV(payload []byte) (header []string, records [][]string, err error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("dataset is not parseable as CSV")
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("dataset is empty")
	}
	return all[0], all[1:], nil
}

func encodeExplanation(ex churn.Explanation) string {
	payload, err := json.Marshal(map[string]string{
		"summary":         ex.Summary,
		"top_risk_factor": ex.TopRiskFactor,
		"recommendation":  ex.Recommendation,
	})
	if err != nil {
		return `{"summary":"unavailable"}`
	}
	return string(payload)
}
