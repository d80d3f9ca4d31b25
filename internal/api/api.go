// Package api serves the operator HTTP surface: the live item snapshot,
// operator forget, health, pusher stations and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/internal/itemmanager"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// Engine is the controller surface the API reads and mutates.
type Engine interface {
	Snapshot() []types.Item
	Get(barcode string) (types.Item, bool)
	Forget(barcode string) (types.Item, error)
	GetStatus() map[string]interface{}
	Alerts() []string
}

// Options configures the router.
type Options struct {
	Pushers        types.PusherTable
	Metrics        http.Handler // nil disables /metrics
	AllowedOrigins []string     // CORS origins for the dashboard; empty allows all
	Logger         *zap.Logger
}

type handler struct {
	engine  Engine
	pushers types.PusherTable
	log     *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(engine Engine, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handler{engine: engine, pushers: opts.Pushers, log: opts.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get("/api/status", h.status)
	r.Get("/api/pushers", h.listPushers)
	r.Route("/api/items", func(r chi.Router) {
		r.Get("/", h.listItems)
		r.Get("/{barcode}", h.getItem)
		r.Delete("/{barcode}", h.forgetItem)
	})
	r.Post("/mark-item-routed", h.markItemRouted)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	alerts := h.engine.Alerts()
	if len(alerts) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "alerts": alerts})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStatus())
}

func (h *handler) listPushers(w http.ResponseWriter, r *http.Request) {
	pushers := h.pushers
	if pushers == nil {
		pushers = types.PusherTable{}
	}
	writeJSON(w, http.StatusOK, pushers)
}

func (h *handler) listItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *handler) getItem(w http.ResponseWriter, r *http.Request) {
	barcode := chi.URLParam(r, "barcode")
	item, ok := h.engine.Get(barcode)
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *handler) forgetItem(w http.ResponseWriter, r *http.Request) {
	h.forget(w, chi.URLParam(r, "barcode"))
}

// markItemRouted is the dashboard's legacy "item handled" button.
func (h *handler) markItemRouted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Barcode string `json:"barcode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Barcode == "" {
		writeError(w, http.StatusBadRequest, "barcode required")
		return
	}
	h.forget(w, req.Barcode)
}

func (h *handler) forget(w http.ResponseWriter, barcode string) {
	item, err := h.engine.Forget(barcode)
	switch {
	case errors.Is(err, itemmanager.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case err != nil:
		h.log.Error("forget failed", zap.String("barcode", barcode), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "item": item})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{"success": false, "error": msg})
}
