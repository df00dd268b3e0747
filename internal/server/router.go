package server

import (
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RouterDeps wires the HTTP surface. Nil handlers are not mounted.
type RouterDeps struct {
	Gateway http.Handler // settlement API, see NewGateway
	Reader  query.Reader // projection reads
	Audit   query.AuditReader
	Hub     *WSHub
	Health  *observability.HealthChecker
	Metrics http.Handler
}

// NewRouter builds the HTTP handler: health probes, the live event stream, projection reads and
// the settlement gateway under /v1.
func NewRouter(deps RouterDeps) http.Handler {
	logger := observability.NewLogger("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	// no timeout: the connection outlives the request
	if deps.Hub != nil {
		r.Get("/v1/events/ws", deps.Hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		if deps.Reader != nil {
			r.Get("/v1/accounts/{account_id}/positions", positionsHandler(deps.Reader))
			r.Get("/v1/accounts/{account_id}/margins", marginsHandler(deps.Reader))
		}
		if deps.Audit != nil {
			r.Get("/v1/accounts/{account_id}/journal", journalHandler(deps.Audit))
			r.Get("/v1/admin/integrity", integrityHandler(deps.Audit))
		}
		if deps.Gateway != nil {
			r.Handle("/v1/*", deps.Gateway)
		}
	})
	return r
}

func positionsHandler(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := accountParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := reader.GetPositions(r.Context(), id)
		writeResult(w, resp, err)
	}
}

func marginsHandler(reader query.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := accountParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := reader.GetMargins(r.Context(), id)
		writeResult(w, resp, err)
	}
}

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// journalHandler pages newest first: ?limit=N&before=<sequence>.
func journalHandler(audit query.AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := accountParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		limit := defaultJournalLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxJournalLimit {
				writeError(w, fmt.Errorf("%w: limit %q not in 1..%d", errs.ErrInvalidRequest, raw, maxJournalLimit))
				return
			}
			limit = n
		}
		var before *int64
		if raw := r.URL.Query().Get("before"); raw != "" {
			seq, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, fmt.Errorf("%w: before %q", errs.ErrInvalidRequest, raw))
				return
			}
			before = &seq
		}
		entries, err := audit.GetJournalHistory(r.Context(), id, limit, before)
		if entries == nil {
			entries = []query.JournalHistoryEntry{}
		}
		writeResult(w, entries, err)
	}
}

func integrityHandler(audit query.AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := audit.VerifyIntegrity(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if !report.IsHealthy {
			status = http.StatusConflict
		}
		writeJSON(w, status, report)
	}
}

func accountParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "account_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: account_id %q", errs.ErrInvalidRequest, raw)
	}
	return id, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http")
		})
	}
}
