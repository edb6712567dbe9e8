// Package ingestapi is the tenant-facing HTTP surface: dataset upload,
// prediction status, and result download.
package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadzeb86/churn-saas-sub001/internal/authn"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/blobstore"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/events"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/ratelimit"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/upload"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/workqueue"
)

var ErrInvalidConfig = errors.New("ingestapi: invalid config")

// Stable error codes returned in the error envelope.
const (
	CodeUnauthenticated = "ERR-UNAUTHENTICATED"
	CodeMissingFile     = "ERR-MISSING-FILE"
	CodeBadContentType  = "ERR-BAD-CONTENT-TYPE"
	CodeFileTooLarge    = "ERR-FILE-TOO-LARGE"
	CodeInvalidCSV      = "ERR-INVALID-CSV"
	CodeTooManyRows     = "ERR-TOO-MANY-ROWS"
	CodeTooManyCols     = "ERR-TOO-MANY-COLS"
	CodeFormulaCell     = "ERR-FORMULA-CELL"
	CodeRateLimited     = "ERR-RATE-LIMITED"
	CodeConflict        = "ERR-CONFLICT"
	CodeInvalidID       = "ERR-INVALID-ID"
	CodeNotFound        = "ERR-NOT-FOUND"
	CodeNotReady        = "ERR-NOT-READY"
	CodeUnavailable     = "ERR-UPSTREAM-UNAVAILABLE"
	CodeInternal        = "ERR-INTERNAL"
)

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (authn.Principal, error)
}

type Config struct {
	Verifier    TokenVerifier
	Uploads     upload.Store
	Predictions prediction.Store
	Blobs       blobstore.Store
	Queue       workqueue.Queue
	Limiter     ratelimit.Limiter
	Events      events.Emitter
	Logger      *slog.Logger

	MaxUploadBytes int64
	MaxRows        int64
	MaxCols        int
	DownloadTTL    time.Duration
	ListLimit      int

	// AllowedOrigins enumerates CORS origins. No wildcard: credentials are
	// allowed, so each origin is matched exactly.
	AllowedOrigins []string

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}
	if cfg.Uploads == nil || cfg.Predictions == nil {
		return nil, fmt.Errorf("%w: nil stores", ErrInvalidConfig)
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrInvalidConfig)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10_000
	}
	if cfg.MaxCols <= 0 {
		cfg.MaxCols = 50
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 10 * time.Minute
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("POST /api/csv", h.authenticated(h.handleUploadCSV))
	mux.Handle("GET /api/predictions", h.authenticated(h.handleListPredictions))
	mux.Handle("GET /api/predictions/{id}", h.authenticated(h.handleGetPrediction))
	mux.Handle("GET /api/predictions/{id}/download", h.authenticated(h.handleDownload))
	return h.cors(mux), nil
}

type handler struct {
	cfg Config
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type principalKey struct{}

func principalFrom(ctx context.Context) authn.Principal {
	p, _ := ctx.Value(principalKey{}).(authn.Principal)
	return p
}

// authenticated verifies the bearer token and stashes the principal on the
// request context. Token failures never reveal why the token was rejected.
func (h *handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated,
				"missing or malformed Authorization header",
				"send the token as 'Authorization: Bearer <token>'")
			return
		}
		p, err := h.cfg.Verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, authn.ErrKeySetUnavailable) {
				h.writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable,
					"authentication is temporarily unavailable", "retry shortly")
				return
			}
			h.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated,
				"token rejected", "obtain a fresh token and retry")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(raw[len(prefix):])
	return token, token != ""
}

// cors handles preflight and decorates responses for enumerated origins.
func (h *handler) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(h.cfg.AllowedOrigins))
	for _, o := range h.cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			allowed[o] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Credentials", "true")
			hdr.Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
			hdr.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
				hdr.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, Origin, X-Requested-With")
				hdr.Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
	ReferenceID string `json:"reference_id"`
}

// writeError emits the stable error envelope and logs the full detail under
// the same reference id. Responses never carry internals.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message, suggestion string) {
	ref := uuid.NewString()
	h.cfg.Logger.Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", code,
		"reference_id", ref,
	)
	writeJSON(w, status, map[string]any{"error": errorBody{
		Code:        code,
		Message:     message,
		Suggestion:  suggestion,
		ReferenceID: ref,
	}})
}

func (h *handler) writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	h.writeError(w, r, http.StatusTooManyRequests, CodeRateLimited,
		"upload rate limit exceeded",
		fmt.Sprintf("retry after %d seconds", secs))
}

func (h *handler) emit(ctx context.Context, ev events.Event) {
	if h.cfg.Events == nil {
		return
	}
	if err := h.cfg.Events.Emit(ctx, ev); err != nil {
		h.cfg.Logger.Warn("event emit failed", "type", ev.Type, "tenant", ev.Tenant, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
