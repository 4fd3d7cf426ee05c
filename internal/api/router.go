package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	qmerrors "github.com/rcourtman/quartermaster/internal/errors"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/utils"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 64 * 1024

// StatusReader reports the entitlement status.
type StatusReader interface {
	Latest() (status.EntitlementStatus, bool)
	Check(ctx context.Context) (status.EntitlementStatus, error)
}

// ConfigStore reads and writes rhsm.conf values.
type ConfigStore interface {
	GetConfig(ctx context.Context, property string) (rhsm.ConfigValue, error)
	SetConfig(ctx context.Context, property string, value rhsm.ConfigValue) (rhsm.ConfigValue, error)
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build"`
	GitCommit string `json:"commit"`
}

// Options wire the router's dependencies.
type Options struct {
	WebSocket      http.HandlerFunc
	Status         StatusReader
	Config         ConfigStore
	Version        VersionInfo
	AllowEmbedding bool
	AllowedOrigins string
}

// Router handles HTTP routing
type Router struct {
	mux     *http.ServeMux
	opts    Options
	started time.Time
}

// NewRouter creates a new router instance
func NewRouter(opts Options) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		opts:    opts,
		started: time.Now(),
	}
	r.setupRoutes()
	return SecurityHeadersWithConfig(r, opts.AllowEmbedding, opts.AllowedOrigins)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/status", r.handleStatus)
	r.mux.HandleFunc("/api/rhsm/config", r.handleRHSMConfig)
	if r.opts.WebSocket != nil {
		r.mux.HandleFunc("/ws", r.opts.WebSocket)
	}
	r.mux.Handle("/", newPanelAssets())
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.started).Seconds(),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := r.opts.Version
	v.Version = utils.NormalizeVersion(v.Version)
	if v.Version == "" {
		v.Version = "dev"
	}
	writeJSON(w, v)
}

type statusResponse struct {
	Status     status.EntitlementStatus `json:"status"`
	Code       int                      `json:"code"`
	Registered bool                     `json:"registered"`
}

// handleStatus serves the last observed status, querying the bus when
// nothing has been observed yet or ?refresh=true is given.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.opts.Status == nil {
		http.Error(w, "Status unavailable", http.StatusServiceUnavailable)
		return
	}

	current, known := r.opts.Status.Latest()
	if !known || utils.ParseBool(req.URL.Query().Get("refresh")) {
		var err error
		current, err = r.opts.Status.Check(req.Context())
		if err != nil {
			writeError(w, "check_status", err)
			return
		}
	}
	writeJSON(w, statusResponse{Status: current, Code: current.Code(), Registered: current.Registered()})
}

type configRequest struct {
	Property string      `json:"property"`
	Type     string      `json:"t"`
	Value    interface{} `json:"v"`
}

func (r *Router) handleRHSMConfig(w http.ResponseWriter, req *http.Request) {
	if r.opts.Config == nil {
		http.Error(w, "Config unavailable", http.StatusServiceUnavailable)
		return
	}

	switch req.Method {
	case http.MethodGet:
		property := strings.TrimSpace(req.URL.Query().Get("property"))
		if property == "" {
			http.Error(w, "property is required", http.StatusBadRequest)
			return
		}
		value, err := r.opts.Config.GetConfig(req.Context(), property)
		if err != nil {
			writeError(w, "config get", err)
			return
		}
		writeJSON(w, configRequest{Property: property, Type: value.Type, Value: value.Value})

	case http.MethodPut:
		var body configRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		body.Property = strings.TrimSpace(body.Property)
		if body.Property == "" {
			http.Error(w, "property is required", http.StatusBadRequest)
			return
		}
		stored, err := r.opts.Config.SetConfig(req.Context(), body.Property, rhsm.ConfigValue{Type: body.Type, Value: body.Value})
		if err != nil {
			writeError(w, "config set", err)
			return
		}
		writeJSON(w, configRequest{Property: body.Property, Type: stored.Type, Value: stored.Value})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	if err := utils.WriteJSON(w, http.StatusOK, data); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// writeError maps gateway errors onto HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, qmerrors.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, qmerrors.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, qmerrors.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, qmerrors.ErrConnectionFailed), errors.Is(err, qmerrors.ErrTimeout):
		code = http.StatusServiceUnavailable
	}
	log.Warn().Err(err).Str("op", op).Int("status", code).Msg("API request failed")

	body := map[string]interface{}{
		"error":     err.Error(),
		"op":        op,
		"retryable": qmerrors.IsRetryableError(err),
	}
	if werr := utils.WriteJSON(w, code, body); werr != nil {
		log.Error().Err(werr).Msg("Failed to write error response")
	}
}
