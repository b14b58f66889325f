// Package server exposes the location API over HTTP and WebSocket and
// holds the service configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/geo"
	"github.com/shaunagostinho/geowatch/internal/permission"
)

const maxOneShotWait = 30 * time.Second

// Server serves the location API to HTTP and WebSocket clients.
type Server struct {
	cfg   *Config
	loc   *geo.Location
	perms *permission.Store
	webFS fs.FS
	log   *zap.Logger

	// oneShotWait caps one-shot position and heading requests.
	oneShotWait time.Duration

	sessions   map[string]*session
	sessionsMu sync.RWMutex

	upgrader websocket.Upgrader
}

// New creates a new Server.
func New(cfg *Config, loc *geo.Location, perms *permission.Store, webFS fs.FS, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		loc:         loc,
		perms:       perms,
		webFS:       webFS,
		log:         log,
		oneShotWait: maxOneShotWait,
		sessions:    make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Location API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/api/position/last", s.handleLastPosition)
	mux.HandleFunc("/api/heading", s.handleHeading)
	mux.HandleFunc("/api/permission", s.handlePermission)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves until ctx is cancelled, then shuts down and closes every
// WebSocket session, which removes the watches they own.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
		s.closeSessions()
	}()

	s.log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	Provider   geo.ProviderStatus   `json:"provider"`
	Permission geo.PermissionStatus `json:"permission"`
	Watches    geo.Stats            `json:"watches"`
	Sessions   int                  `json:"sessions"`
}

func (s *Server) status(ctx context.Context) (statusResponse, error) {
	provider, err := s.loc.ProviderStatus(ctx)
	if err != nil {
		return statusResponse{}, err
	}
	s.sessionsMu.RLock()
	n := len(s.sessions)
	s.sessionsMu.RUnlock()
	return statusResponse{
		Provider:   provider,
		Permission: s.perms.Status(),
		Watches:    s.loc.Stats(),
		Sessions:   n,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	opts, err := optionsFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.requirePermission(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.oneShotWait)
	defer cancel()
	sample, err := s.loc.CurrentPosition(ctx, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleLastPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.requirePermission(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	sample, err := s.loc.LastKnownPosition(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sample == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleHeading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.requirePermission(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.oneShotWait)
	defer cancel()
	heading, err := s.loc.Heading(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heading)
}

type permissionRequest struct {
	Status    string `json:"status"`
	AutoGrant *bool  `json:"autoGrant,omitempty"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": s.perms.Status()})

	case http.MethodPost:
		var req permissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		status, err := permission.ParseStatus(req.Status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.perms.Set(status)
		if req.AutoGrant != nil {
			s.perms.SetAutoGrant(*req.AutoGrant)
		}
		s.persistPermission(status, req.AutoGrant)
		writeJSON(w, http.StatusOK, map[string]any{"status": status})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// persistPermission writes a runtime permission change back to the config
// file so it survives restarts and file reloads.
func (s *Server) persistPermission(status geo.PermissionStatus, autoGrant *bool) {
	patch := map[string]any{"status": status}
	if autoGrant != nil {
		patch["autoGrant"] = *autoGrant
	}
	data, err := json.Marshal(map[string]any{"permission": patch})
	if err != nil {
		return
	}
	if err := s.cfg.UpdateFromJSON(data); err != nil {
		s.log.Warn("permission not persisted", zap.Error(err))
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) requirePermission(ctx context.Context) error {
	status, err := s.loc.RequestPermissions(ctx)
	if err != nil {
		return err
	}
	if status != geo.PermissionGranted {
		return geo.ErrPermissionDenied
	}
	return nil
}

// optionsFromQuery reads one-shot options from URL query parameters.
func optionsFromQuery(r *http.Request) (geo.WatchOptions, error) {
	q := r.URL.Query()
	var opts geo.WatchOptions
	ints := []struct {
		key string
		dst *int64
	}{
		{"timeout", &opts.TimeoutMs},
		{"maximumAge", &opts.MaximumAgeMs},
	}
	for _, p := range ints {
		if v := q.Get(p.key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return opts, errors.Join(geo.ErrInvalidOptions, err)
			}
			*p.dst = n
		}
	}
	if v := q.Get("accuracy"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.Join(geo.ErrInvalidOptions, err)
		}
		opts.Accuracy = geo.Accuracy(n)
	}
	if v := q.Get("enableHighAccuracy"); v != "" {
		opts.EnableHighAccuracy = truthy(v)
	}
	return opts, opts.Validate()
}

// apiError is the error body of HTTP responses and WebSocket replies.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toAPIError(err error) (int, apiError) {
	var provErr *geo.ProviderError
	switch {
	case errors.Is(err, geo.ErrPermissionDenied):
		return http.StatusForbidden, apiError{"permission_denied", err.Error()}
	case errors.Is(err, geo.ErrServicesDisabled):
		return http.StatusServiceUnavailable, apiError{"services_disabled", err.Error()}
	case errors.Is(err, geo.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiError{"timeout", err.Error()}
	case errors.Is(err, geo.ErrInvalidOptions):
		return http.StatusBadRequest, apiError{"invalid_options", err.Error()}
	case errors.As(err, &provErr):
		return http.StatusBadGateway, apiError{"provider", err.Error()}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, apiError{"cancelled", err.Error()}
	default:
		return http.StatusInternalServerError, apiError{"internal", err.Error()}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, body := toAPIError(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]apiError{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
