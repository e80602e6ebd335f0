package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/mailarchive/cache"
	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
)

// TimeoutHeader lets a client override the request timeout, in seconds.
const TimeoutHeader = "X-Mailarchive-Timeout-Seconds"

const (
	DefaultRequestTimeout = 30 * time.Second
	MaxRequestTimeout     = 600 * time.Second
)

// Controller is the synchronization control surface exposed over HTTP.
type Controller interface {
	SyncNow(ctx context.Context, accountID int64) ([]cache.Mailbox, error)
	DeleteMailboxes(ctx context.Context, accountID int64, names []string) ([]uint64, error)
	SetEnabled(ctx context.Context, accountID int64, enabled bool) error
	Running() []int64
}

// MailboxLister lists cached or live remote mailboxes.
type MailboxLister interface {
	ListMailboxes(ctx context.Context, accountID int64, remote bool) ([]cache.Mailbox, error)
}

// Registry reports the executor registry state.
type Registry interface {
	Len() int
	Uptime() time.Duration
}

// Server represents the HTTP API server
type Server struct {
	addr           string
	apiKey         string
	allowedHosts   []string
	controller     Controller
	mailboxes      MailboxLister
	registry       Registry
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	server         *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr           string
	APIKey         string
	AllowedHosts   []string
	Controller     Controller
	Mailboxes      MailboxLister
	Registry       Registry
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Controller == nil || options.Mailboxes == nil || options.Registry == nil {
		return nil, fmt.Errorf("controller, mailbox lister and registry are required for HTTP API server")
	}

	s := &Server{
		addr:           options.Addr,
		apiKey:         options.APIKey,
		allowedHosts:   options.AllowedHosts,
		controller:     options.Controller,
		mailboxes:      options.Mailboxes,
		registry:       options.Registry,
		defaultTimeout: options.DefaultTimeout,
		maxTimeout:     options.MaxTimeout,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = DefaultRequestTimeout
	}
	if s.maxTimeout <= 0 {
		s.maxTimeout = MaxRequestTimeout
	}
	return s, nil
}

// Start runs the HTTP API server until ctx is done.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.metricsMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)
	router.Use(s.timeoutMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/mailboxes", s.handleListMailboxes).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/mailboxes", s.handleDeleteMailboxes).Methods("DELETE")
	v1.HandleFunc("/accounts/{id:[0-9]+}/sync", s.handleSync).Methods("POST")
	v1.HandleFunc("/accounts/{id:[0-9]+}/enable", s.handleSetEnabled(true)).Methods("POST")
	v1.HandleFunc("/accounts/{id:[0-9]+}/disable", s.handleSetEnabled(false)).Methods("POST")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "elapsed", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, errs.InvalidParameter, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, errs.InvalidParameter, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, errs.InvalidParameter, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, errs.InvalidParameter, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestTimeout reads the timeout header. Missing, malformed and zero values
// fall back to the default; larger values are capped at the ceiling.
func (s *Server) requestTimeout(r *http.Request) time.Duration {
	timeout := s.defaultTimeout
	if v := r.Header.Get(TimeoutHeader); v != "" {
		if secs, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	if timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}
	return timeout
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.requestTimeout(r)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := newTimeoutWriter()
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case <-done:
			tw.flushTo(w)
		case <-ctx.Done():
			tw.expire()
			metrics.HTTPRequestTimeoutsTotal.Inc()
			logger.Warn("HTTP API request timed out", "path", r.URL.Path, "timeout", timeout)
			s.writeAPIError(w, errs.New(errs.RequestTimeout,
				"Request timed out after %d seconds (timeout set via %s header, max allowed: %d seconds)",
				int(timeout.Seconds()), TimeoutHeader, int(s.maxTimeout.Seconds())))
		}
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string    `json:"message"`
	Code    errs.Code `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code errs.Code, message string) {
	s.writeJSON(w, status, ErrorResponse{Message: message, Code: code})
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	s.writeError(w, code.HTTPStatus(), code, err.Error())
}

func accountID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errs.New(errs.InvalidParameter, "invalid account id %q", mux.Vars(r)["id"])
	}
	return id, nil
}
