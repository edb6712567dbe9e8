package ingestapi

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/csvio"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/upload"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workitem"
)

// multipartOverhead is the outer-body allowance for multipart boundaries and
// part headers beyond the dataset bytes themselves.
const multipartOverhead int64 = 64 << 10

// handleUploadCSV accepts one dataset, persists it, and queues a prediction.
// On a 202 the work item is durably queued and the prediction row is visible
// to subsequent reads.
func (h *handler) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)

	if h.cfg.Limiter != nil {
		d, err := h.cfg.Limiter.Allow(ctx, p.Tenant)
		if err != nil {
			h.cfg.Logger.Error("rate limit check failed", "tenant", p.Tenant, "err", err)
			h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
				"service temporarily unavailable", "retry shortly")
			return
		}
		if !d.Allowed {
			h.emit(ctx, events.Event{Type: events.TypeUploadRejected, Tenant: p.Tenant, Reason: "rate_limited"})
			h.writeRateLimited(w, r, d.RetryAfter)
			return
		}
	}
	h.emit(ctx, events.Event{Type: events.TypeUploadReceived, Tenant: p.Tenant})

	// The size limit applies to the dataset itself, so the outer body gets an
	// allowance for multipart framing and the exact check runs on the part.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			h.rejectUpload(w, r, p.Tenant, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
				"file exceeds the upload size limit",
				"split the dataset or remove unused columns")
			return
		}
		h.rejectUpload(w, r, p.Tenant, http.StatusBadRequest, CodeMissingFile,
			"multipart field 'file' is required",
			"send the dataset as multipart/form-data with field name 'file'")
		return
	}
	defer func() { _ = file.Close() }()

	if !acceptableContentType(header.Header.Get("Content-Type")) {
		h.rejectUpload(w, r, p.Tenant, http.StatusBadRequest, CodeBadContentType,
			"unsupported content type for field 'file'",
			"upload the dataset as text/csv")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		if isBodyTooLarge(err) {
			h.rejectUpload(w, r, p.Tenant, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
				"file exceeds the upload size limit",
				"split the dataset or remove unused columns")
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, CodeInternal,
			"could not read the uploaded file", "retry the upload")
		return
	}
	if int64(len(payload)) > h.cfg.MaxUploadBytes {
		h.rejectUpload(w, r, p.Tenant, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			"file exceeds the upload size limit",
			"split the dataset or remove unused columns")
		return
	}

	insp, err := csvio.Inspect(bytes.NewReader(payload), csvio.InspectLimits{
		MaxRows: h.cfg.MaxRows,
		MaxCols: h.cfg.MaxCols,
	})
	if err != nil {
		status, code, msg, hint := classifyInspectError(err)
		h.rejectUpload(w, r, p.Tenant, status, code, msg, hint)
		return
	}

	filename := blobstore.SanitizeFilename(header.Filename)
	up, err := h.cfg.Uploads.Create(ctx, upload.Upload{
		Tenant:    p.Tenant,
		Filename:  filename,
		SizeBytes: int64(len(payload)),
		RowCount:  insp.DataRows,
		Status:    upload.StatusReceived,
	})
	if err != nil {
		h.cfg.Logger.Error("create upload row failed", "tenant", p.Tenant, "err", err)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not record the upload", "retry shortly")
		return
	}

	blobKey := blobstore.UploadKey(p.Tenant, up.ID, filename)
	if _, err := h.cfg.Blobs.Put(ctx, blobKey, bytes.NewReader(payload), blobstore.PutOptions{
		ContentType: "text/csv",
	}); err != nil {
		h.cfg.Logger.Error("blob upload failed", "tenant", p.Tenant, "upload_id", up.ID, "err", err)
		if ferr := h.cfg.Uploads.MarkFailed(ctx, p.Tenant, up.ID); ferr != nil {
			h.cfg.Logger.Error("mark upload failed", "upload_id", up.ID, "err", ferr)
		}
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not store the dataset", "retry shortly")
		return
	}
	if err := h.cfg.Uploads.SetBlobKey(ctx, p.Tenant, up.ID, blobKey); err != nil {
		h.cfg.Logger.Error("record blob key failed", "tenant", p.Tenant, "upload_id", up.ID, "err", err)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not record the upload", "retry shortly")
		return
	}

	// The prediction row must exist before the message: workers treat the row
	// as the idempotency anchor and acknowledge messages with no row.
	pred := prediction.Prediction{
		ID:       uuid.NewString(),
		UploadID: up.ID,
		Tenant:   p.Tenant,
		Status:   prediction.StatusQueued,
	}
	if err := h.cfg.Predictions.Create(ctx, pred); err != nil {
		h.cfg.Logger.Error("create prediction row failed", "tenant", p.Tenant, "upload_id", up.ID, "err", err)
		// Compensate: without a prediction row the blob would never be read.
		if derr := h.cfg.Blobs.Delete(ctx, blobKey); derr != nil {
			h.cfg.Logger.Warn("delete orphaned blob failed", "key", blobKey, "err", derr)
		}
		if ferr := h.cfg.Uploads.MarkFailed(ctx, p.Tenant, up.ID); ferr != nil {
			h.cfg.Logger.Error("mark upload failed", "upload_id", up.ID, "err", ferr)
		}
		if errors.Is(err, prediction.ErrDuplicateID) {
			h.writeError(w, r, http.StatusConflict, CodeConflict,
				"a prediction with this id already exists", "retry the upload")
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not queue the prediction", "retry shortly")
		return
	}

	body, err := workitem.Encode(workitem.Item{
		PredictionID:  pred.ID,
		UploadID:      up.ID,
		Tenant:        p.Tenant,
		BlobKey:       blobKey,
		SchemaVersion: workitem.SchemaVersion,
	})
	if err == nil {
		var msgID string
		msgID, err = h.cfg.Queue.Publish(ctx, body, p.Tenant, pred.ID)
		if err == nil {
			if serr := h.cfg.Predictions.SetQueueMessageID(ctx, pred.ID, msgID); serr != nil {
				h.cfg.Logger.Warn("record queue message id failed", "prediction_id", pred.ID, "err", serr)
			}
		}
	}
	if err != nil {
		h.cfg.Logger.Error("enqueue failed", "tenant", p.Tenant, "prediction_id", pred.ID, "err", err)
		if _, ferr := h.cfg.Predictions.Fail(ctx, pred.ID, prediction.ReasonEnqueueFailed+": work item was not queued"); ferr != nil {
			h.cfg.Logger.Error("mark prediction failed", "prediction_id", pred.ID, "err", ferr)
		}
		if ferr := h.cfg.Uploads.MarkFailed(ctx, p.Tenant, up.ID); ferr != nil {
			h.cfg.Logger.Error("mark upload failed", "upload_id", up.ID, "err", ferr)
		}
		h.emit(ctx, events.Event{
			Type: events.TypeUploadRejected, Tenant: p.Tenant,
			UploadID: up.ID, Reason: "enqueue_failed",
		})
		h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
			"could not queue the prediction", "retry shortly")
		return
	}

	h.emit(ctx, events.Event{
		Type: events.TypeUploadAccepted, Tenant: p.Tenant,
		UploadID: up.ID, PredictionID: pred.ID,
	})
	h.cfg.Logger.Info("upload accepted",
		"tenant", p.Tenant,
		"upload_id", up.ID,
		"prediction_id", pred.ID,
		"size_bytes", len(payload),
		"rows", insp.DataRows,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"upload_id":     up.ID,
		"prediction_id": pred.ID,
		"status":        "queued",
	})
}

func (h *handler) rejectUpload(w http.ResponseWriter, r *http.Request, tenant string, status int, code, msg, hint string) {
	h.emit(r.Context(), events.Event{Type: events.TypeUploadRejected, Tenant: tenant, Reason: code})
	h.writeError(w, r, status, code, msg, hint)
}

// acceptableContentType admits text/csv and application/octet-stream. A part
// without a Content-Type header is treated as octet-stream.
func acceptableContentType(v string) bool {
	if strings.TrimSpace(v) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}
	switch mt {
	case "text/csv", "application/octet-stream":
		return true
	default:
		return false
	}
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func classifyInspectError(err error) (status int, code, msg, hint string) {
	switch {
	case errors.Is(err, csvio.ErrTooManyRows):
		return http.StatusBadRequest, CodeTooManyRows,
			"dataset has too many rows",
			"split the dataset into smaller files"
	case errors.Is(err, csvio.ErrTooManyCols):
		return http.StatusBadRequest, CodeTooManyCols,
			"dataset has too many columns",
			"remove columns the prediction does not need"
	case errors.Is(err, csvio.ErrFormulaCell):
		return http.StatusBadRequest, CodeFormulaCell,
			"a cell looks like a spreadsheet formula",
			"remove leading '=', '+', '-' or '@' characters from data cells"
	case errors.Is(err, csvio.ErrNotUTF8):
		return http.StatusBadRequest, CodeInvalidCSV,
			"file is not valid UTF-8",
			"re-export the dataset as UTF-8 encoded CSV"
	case errors.Is(err, csvio.ErrEmpty):
		return http.StatusBadRequest, CodeInvalidCSV,
			"file contains no data rows",
			"include a header row and at least one data row"
	default:
		return http.StatusBadRequest, CodeInvalidCSV,
			"file could not be parsed as CSV",
			"re-export the dataset as CSV and retry"
	}
}
