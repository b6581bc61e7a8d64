package api

import (
	"net/http"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
	"github.com/sga-jerrylin/DKR-SGA/pkg/middleware"
)

// NewRouter builds the API handler.
//
// Route table:
//
//	GET    /api/v1/documents                      → list documents
//	GET    /api/v1/documents/{id}                 → document artifacts
//	GET    /api/v1/documents/{id}/search?q=&k=&w= → search and resolve
//	GET    /api/v1/documents/{id}/pages/{page}    → resolve one page
//	GET    /api/v1/cache/stats[?doc_id=]          → cache statistics
//	POST   /api/v1/cache/invalidate[?doc_id=]     → drop cached pages
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Auth → RateLimit → Timeout → Metrics → mux
func NewRouter(h *Handler, cfg config.APIConfig, m *metrics.Metrics, limiter *middleware.Limiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/documents", h.ListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	mux.HandleFunc("GET /api/v1/documents/{id}/search", h.Search)
	mux.HandleFunc("GET /api/v1/documents/{id}/pages/{page}", h.GetPage)

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	if cfg.RequestTimeout > 0 {
		chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	}
	chain = middleware.RateLimit(limiter)(chain)
	chain = middleware.Auth(cfg.Keys)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(chain)
	chain = middleware.RequestID(chain)
	return chain
}
