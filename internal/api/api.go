// Package api provides the HTTP surface of marketbot: the Facebook Messenger
// webhook (verification handshake plus event intake) and the admin endpoints
// for takeover control and the global bot switch.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/pipeline"
	"github.com/tandaumarket/marketbot/internal/store"
	"github.com/tandaumarket/marketbot/internal/takeover"
)

// Server timeouts.
const (
	DefaultAddr         = ":8080"
	readHeaderTimeout   = 5 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	VerifyToken string // Facebook webhook verification token
	AdminToken  string // bearer token protecting the admin endpoints
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the Facebook webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAdminToken sets the bearer token required by admin endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// Server wires the webhook and admin endpoints to the processing pipeline.
type Server struct {
	opts     Opts
	pipe     *pipeline.Pipeline
	store    store.Store
	takeover *takeover.Gate
	httpSrv  *http.Server
}

// NewServer creates the API server. Verify and admin tokens fall back to the
// VERIFY_TOKEN and ADMIN_API_TOKEN environment variables.
func NewServer(pipe *pipeline.Pipeline, st store.Store, gate *takeover.Gate, options ...Option) (*Server, error) {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.VerifyToken == "" {
		opts.VerifyToken = os.Getenv("VERIFY_TOKEN")
	}
	if opts.AdminToken == "" {
		opts.AdminToken = os.Getenv("ADMIN_API_TOKEN")
	}
	if opts.VerifyToken == "" {
		return nil, errors.New("webhook verify token must be provided")
	}
	if opts.AdminToken == "" {
		return nil, errors.New("admin API token must be provided")
	}
	s := &Server{opts: opts, pipe: pipe, store: st, takeover: gate}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.healthHandler)
	r.Get("/webhook", s.verifyHandler)
	r.Post("/webhook", s.webhookHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(s.opts.AdminToken))
		r.Get("/bot-status", s.getBotStatusHandler)
		r.Post("/bot-status", s.setBotStatusHandler)
		r.Post("/takeover/{userID}/start", s.startTakeoverHandler)
		r.Post("/takeover/{userID}/stop", s.stopTakeoverHandler)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	slog.Info("API server shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetBotStatus()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"bot_status": string(status),
	}))
}

// bearerAuth rejects requests whose Authorization header does not carry the
// expected bearer token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Debug("Server rejecting unauthorized admin request", "path", r.URL.Path)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
