package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cmsworkflow/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	gatherer   prometheus.Gatherer
}

// NewHTTPServer serves the workflow API. A nil gatherer exposes the default
// Prometheus registry on /metrics.
func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger, gatherer prometheus.Gatherer) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, gatherer: gatherer}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) router() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", s.authed(s.handleSession)).Methods(http.MethodGet)

	api.HandleFunc("/pages/{pageID}", s.authed(s.handleSavePage)).Methods(http.MethodPut)
	pages := api.PathPrefix("/pages/{pageID}").Subrouter()
	pages.HandleFunc("/workflow", s.authed(s.handlePageWorkflow)).Methods(http.MethodGet)
	pages.HandleFunc("/requests/publication", s.authed(s.handleRequestPublication)).Methods(http.MethodPost)
	pages.HandleFunc("/requests/deletion", s.authed(s.handleRequestDeletion)).Methods(http.MethodPost)
	pages.HandleFunc("/publish", s.authed(s.handlePublish)).Methods(http.MethodPost)
	pages.HandleFunc("/unpublish", s.authed(s.handleUnpublish)).Methods(http.MethodPost)
	pages.HandleFunc("/decline", s.authed(s.handleDecline)).Methods(http.MethodPost)
	pages.HandleFunc("/request-edit", s.authed(s.handleRequestEdit)).Methods(http.MethodPost)

	reports := api.PathPrefix("/reports").Subrouter()
	reports.HandleFunc("/awaiting-publication", s.authed(s.handleAwaitingPublication)).Methods(http.MethodGet)
	reports.HandleFunc("/awaiting-deletion", s.authed(s.handleAwaitingDeletion)).Methods(http.MethodGet)
	reports.HandleFunc("/my-requests", s.authed(s.handleMyRequests)).Methods(http.MethodGet)
	reports.HandleFunc("/scheduled-deletions", s.authed(s.handleScheduledDeletions)).Methods(http.MethodGet)

	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, session Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"member":        session.Member,
		"expiresAt":     session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
