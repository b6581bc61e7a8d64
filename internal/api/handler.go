// Package api serves search and page retrieval over HTTP for the
// orchestration layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/catalog"
	"github.com/sga-jerrylin/DKR-SGA/internal/retriever"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/logger"
)

// Service is the part of the library the API exposes.
type Service interface {
	SearchWith(ctx context.Context, docID, query string, opts retriever.Options) ([]retriever.RetrievedPage, error)
	GetPage(ctx context.Context, docID string, pageNum int) (retriever.RetrievedPage, error)
	Document(ctx context.Context, docID string) (catalog.Document, error)
	Documents(ctx context.Context) ([]catalog.Document, error)
	CacheStats(ctx context.Context, docID string) (cache.Stats, error)
	ClearCache(ctx context.Context, docID string) (int, error)
}

type SearchResponse struct {
	DocID     string                    `json:"doc_id"`
	Query     string                    `json:"query"`
	Pages     []retriever.RetrievedPage `json:"pages"`
	CorePages int                       `json:"core_pages"`
	Failed    int                       `json:"failed_pages"`
	LatencyMs int64                     `json:"latency_ms"`
	RequestID string                    `json:"request_id,omitempty"`
}

type Handler struct {
	svc       Service
	cfg       config.APIConfig
	retrieval config.RetrievalConfig
	logger    *slog.Logger
}

func NewHandler(svc Service, cfg config.APIConfig, retrieval config.RetrievalConfig) *Handler {
	return &Handler{
		svc:       svc,
		cfg:       cfg,
		retrieval: retrieval,
		logger:    slog.Default().With("component", "api"),
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	docID := r.PathValue("id")

	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	topK, err := intParam(q.Get("k"), 0, 1, h.cfg.MaxTopK)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "k: "+err.Error())
		return
	}
	window, err := intParam(q.Get("w"), -1, 0, h.cfg.MaxContextWindow)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "w: "+err.Error())
		return
	}
	batched := h.retrieval.Batched
	switch q.Get("mode") {
	case "":
	case "batched":
		batched = true
	case "sequential":
		batched = false
	default:
		h.writeError(w, http.StatusBadRequest, "mode must be batched or sequential")
		return
	}

	pages, err := h.svc.SearchWith(ctx, docID, query, retriever.Options{
		TopK:          topK,
		ContextWindow: window,
		Batched:       batched,
	})
	if err != nil {
		h.writeServiceError(ctx, w, "search", err)
		return
	}

	resp := SearchResponse{
		DocID:     docID,
		Query:     query,
		Pages:     pages,
		LatencyMs: time.Since(start).Milliseconds(),
		RequestID: logger.RequestID(ctx),
	}
	for _, p := range pages {
		if p.IsCore {
			resp.CorePages++
		}
		if !p.Success {
			resp.Failed++
		}
	}
	logger.FromContext(ctx).Info("search completed",
		"doc_id", docID,
		"query", query,
		"pages", len(pages),
		"failed", resp.Failed,
		"latency_ms", resp.LatencyMs,
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	pageNum, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "page must be a number")
		return
	}
	page, err := h.svc.GetPage(r.Context(), r.PathValue("id"), pageNum)
	if err != nil {
		h.writeServiceError(r.Context(), w, "get page", err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, "get document", err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Documents(r.Context())
	if err != nil {
		h.writeServiceError(r.Context(), w, "list documents", err)
		return
	}
	if docs == nil {
		docs = []catalog.Document{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CacheStats(r.Context(), r.URL.Query().Get("doc_id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, "cache stats", err)
		return
	}
	total := stats.Hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"containers":   stats.Containers,
		"cached_pages": stats.Entries,
		"bytes":        stats.Bytes,
		"hits":         stats.Hits,
		"misses":       stats.Misses,
		"hit_rate":     hitRate,
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearCache(r.Context(), r.URL.Query().Get("doc_id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, "cache invalidate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "removed": n})
}

// intParam parses an optional integer query parameter bounded to [lo, hi].
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if n < lo || n > hi {
		return 0, errors.New("must be between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrDocumentNotFound), errors.Is(err, apperrors.ErrPageOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrResolverUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(ctx).Error(op+" failed", "error", err)
		h.writeError(w, status, op+" failed")
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
