// Package api provides the admin HTTP API for the backbone: the schema
// registry interface, inbox ingestion and inspection, DLQ replay and a
// topology dump.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store"
	"github.com/xraph/backbone/topology"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler is the root HTTP handler for the admin API.
type Handler struct {
	store     store.Store
	schemas   *schema.Registry
	processor *inbox.Processor
	dlqSvc    *dlq.Service
	topo      *topology.Topology
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewHandler creates a new admin API handler. topo may be nil when the
// process runs without a broker.
func NewHandler(
	s store.Store,
	schemas *schema.Registry,
	processor *inbox.Processor,
	dlqSvc *dlq.Service,
	topo *topology.Topology,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		store:     s,
		schemas:   schemas,
		processor: processor,
		dlqSvc:    dlqSvc,
		topo:      topo,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	// Schemas
	h.mux.HandleFunc("POST /schemas", h.registerSchema)
	h.mux.HandleFunc("GET /schemas", h.listSchemas)
	h.mux.HandleFunc("GET /schemas/types", h.listSchemaTypes)
	h.mux.HandleFunc("GET /schemas/{id}", h.getSchema)
	h.mux.HandleFunc("GET /schemas/active/{eventType}", h.getActiveSchema)
	h.mux.HandleFunc("POST /schemas/{id}/activate", h.activateSchema)
	h.mux.HandleFunc("POST /schemas/{id}/deprecate", h.deprecateSchema)
	h.mux.HandleFunc("POST /schemas/compatibility", h.checkCompatibility)
	h.mux.HandleFunc("POST /validate", h.validatePayload)

	// Inbox
	h.mux.HandleFunc("POST /inbox", h.ingest)
	h.mux.HandleFunc("GET /inbox", h.listInbox)
	h.mux.HandleFunc("GET /inbox/{eventId}", h.getInboxEvent)
	h.mux.HandleFunc("POST /inbox/{eventId}/retry", h.retryInboxEvent)

	// DLQ
	h.mux.HandleFunc("GET /dlq", h.listDLQ)
	h.mux.HandleFunc("GET /dlq/{id}", h.getDLQ)
	h.mux.HandleFunc("POST /dlq/{id}/replay", h.replayDLQ)
	h.mux.HandleFunc("DELETE /dlq", h.purgeDLQ)

	// Operations
	h.mux.HandleFunc("GET /topology", h.getTopology)
	h.mux.HandleFunc("GET /stats", h.getStats)
	h.mux.HandleFunc("GET /healthz", h.healthz)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// violationsResponse is the body of 422 answers.
type violationsResponse struct {
	Error      string `json:"error"`
	Violations any    `json:"violations"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a query parameter as a non-negative int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// queryTime parses an RFC3339 query parameter. A missing parameter yields nil.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil //nolint:nilnil // absent filter
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// storeError maps well-known not-found sentinels to 404 and anything else to 500.
func storeError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, schema.ErrSchemaNotFound),
		errors.Is(err, inbox.ErrEventNotFound),
		errors.Is(err, dlq.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, notFound)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
