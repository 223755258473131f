// Package router exposes the session, layer and strategy API over HTTP.
package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation"
	"github.com/mohammed-shakir/tile-prefetch/internal/layers"
	"github.com/mohammed-shakir/tile-prefetch/internal/mapper"
	"github.com/mohammed-shakir/tile-prefetch/internal/session"
	"github.com/mohammed-shakir/tile-prefetch/internal/strategy"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
)

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

type HotspotLister interface {
	Top(n int) []hotness.Entry
}

type Deps struct {
	Sessions    *session.Manager
	Selector    *strategy.Selector
	Hotspots    HotspotLister
	Invalidator *invalidation.Applier
	// Mapper enables rolling hotspots up to a coarser resolution.
	Mapper mapper.Interface
	Logger *slog.Logger
}

type api struct {
	Deps
	log *slog.Logger
}

// Mount registers the /v1 routes on r.
func Mount(r chi.Router, d Deps) {
	a := &api{Deps: d, log: d.Logger}
	if a.log == nil {
		a.log = slog.Default()
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(instrument)

		r.Post("/sessions", a.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", a.closeSession)
			r.Post("/events", a.postEvents)
			r.Get("/status", a.status)
			r.Put("/sources", a.putSources)
			r.Get("/layers", a.listLayers)
			r.Post("/layers", a.addLayer)
			r.Patch("/layers/{layerID}", a.patchLayer)
			r.Delete("/layers/{layerID}", a.deleteLayer)
			r.Post("/datasets", a.applyDataset)
		})
		r.Get("/strategy", a.strategy)
		r.Get("/hotspots", a.hotspots)
		r.Post("/invalidations", a.invalidate)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics labelled by the matched route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrClosed),
		errors.Is(err, layers.ErrLayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, layers.ErrDuplicateLayer):
		return http.StatusConflict
	case errors.Is(err, tiles.ErrInvalidTile), errors.Is(err, tiles.ErrUnusableTemplate),
		errors.Is(err, tiles.ErrTooManyTiles),
		errors.Is(err, invalidation.ErrTooManyTiles), errors.Is(err, invalidation.ErrInvalidEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + ": must be an integer")
	}
	return n, nil
}
