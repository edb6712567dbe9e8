package ingestapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
)

type predictionSummary struct {
	ID            string    `json:"id"`
	UploadID      int64     `json:"upload_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	RowsProcessed *int64    `json:"rows_processed"`
}

type predictionDetail struct {
	predictionSummary
	Metrics      map[string]any `json:"metrics,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func summarize(p prediction.Prediction) predictionSummary {
	return predictionSummary{
		ID:            p.ID,
		UploadID:      p.UploadID,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		RowsProcessed: p.RowsProcessed,
	}
}

func (h *handler) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	preds, err := h.cfg.Predictions.ListRecent(r.Context(), p.Tenant, h.cfg.ListLimit)
	if err != nil {
		h.cfg.Logger.Error("list predictions failed", "tenant", p.Tenant, "err", err)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not list predictions", "retry shortly")
		return
	}
	out := make([]predictionSummary, 0, len(preds))
	for _, pr := range preds {
		out = append(out, summarize(pr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": out})
}

// lookupPrediction validates the path id and loads the row tenant-scoped.
// Unknown and cross-tenant ids produce byte-identical 404s.
func (h *handler) lookupPrediction(w http.ResponseWriter, r *http.Request) (prediction.Prediction, bool) {
	p := principalFrom(r.Context())
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, r, http.StatusBadRequest, CodeInvalidID,
			"prediction id must be a UUID", "check the id returned by the upload call")
		return prediction.Prediction{}, false
	}
	pred, err := h.cfg.Predictions.Get(r.Context(), p.Tenant, id)
	if err != nil {
		if errors.Is(err, prediction.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, CodeNotFound,
				"prediction not found", "check the id returned by the upload call")
			return prediction.Prediction{}, false
		}
		h.cfg.Logger.Error("get prediction failed", "tenant", p.Tenant, "prediction_id", id, "err", err)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not load the prediction", "retry shortly")
		return prediction.Prediction{}, false
	}
	return pred, true
}

func (h *handler) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	pred, ok := h.lookupPrediction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, predictionDetail{
		predictionSummary: summarize(pred),
		Metrics:           pred.Metrics,
		ErrorMessage:      pred.ErrorMessage,
	})
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	pred, ok := h.lookupPrediction(w, r)
	if !ok {
		return
	}
	if pred.Status != prediction.StatusCompleted {
		h.writeError(w, r, http.StatusConflict, CodeNotReady,
			"prediction results are not ready for download",
			"poll the prediction until its status is 'completed'")
		return
	}

	url, err := h.cfg.Blobs.PresignGet(r.Context(), pred.OutputBlobKey, h.cfg.DownloadTTL, "churn_predictions.csv")
	if err != nil {
		h.cfg.Logger.Error("presign download failed", "prediction_id", pred.ID, "err", err)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not generate a download link", "retry shortly")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"download_url": url,
		"expires_in":   int(h.cfg.DownloadTTL / time.Second),
	})
}
