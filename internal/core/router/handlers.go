package router

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	"github.com/mohammed-shakir/tile-prefetch/internal/mapper"
	"github.com/mohammed-shakir/tile-prefetch/internal/session"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
	"github.com/mohammed-shakir/tile-prefetch/internal/viewport"
)

const maxEventsPerRequest = 256

type createSessionReq struct {
	Sources []model.TileSource `json:"sources"`
}

type eventsReq struct {
	Events []viewport.Event `json:"events"`
}

type layerPatch struct {
	Visible *bool    `json:"visible,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

func validateSources(srcs []model.TileSource) error {
	for _, s := range srcs {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("source name is required")
		}
		usable := false
		for _, t := range s.Tiles {
			if tiles.Usable(t) {
				usable = true
				break
			}
		}
		if !usable {
			return errors.New("source " + s.Name + ": no usable tile template")
		}
	}
	return nil
}

func (a *api) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := a.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return s, true
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateSources(req.Sources); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s, err := a.Sessions.Create(req.Sources)
	if err != nil {
		a.log.ErrorContext(r.Context(), "session create failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID()})
}

func (a *api) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req eventsReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxEventsPerRequest {
		writeError(w, http.StatusBadRequest, errors.New("events: expected 1..256 entries"))
		return
	}
	ctx := logger.WithSession(r.Context(), s.ID())
	accepted := 0
	for i, ev := range req.Events {
		if err := s.HandleEvent(ev); err != nil {
			if errors.Is(err, session.ErrClosed) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			a.log.DebugContext(ctx, "viewport event rejected", "index", i, "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": err.Error(), "index": i, "accepted": accepted,
			})
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Status(r.Context()))
}

func (a *api) putSources(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req createSessionReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateSources(req.Sources); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.SetSources(req.Sources)
	writeJSON(w, http.StatusOK, s.Sources())
}

func (a *api) listLayers(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Layers().All())
}

func (a *api) addLayer(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var l model.LayerDescriptor
	if err := decode(w, r, &l); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(l.ID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("layer id is required"))
		return
	}
	if err := s.Layers().Register(l); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	got, _ := s.Layers().Get(l.ID)
	writeJSON(w, http.StatusCreated, got)
}

func (a *api) patchLayer(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "layerID")
	var p layerPatch
	if err := decode(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p.Visible == nil && p.Opacity == nil {
		writeError(w, http.StatusBadRequest, errors.New("nothing to update"))
		return
	}
	if p.Visible != nil {
		if err := s.Layers().SetVisibility(id, *p.Visible); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	if p.Opacity != nil {
		if err := s.Layers().SetOpacity(id, *p.Opacity); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	got, err := s.Layers().Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *api) deleteLayer(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.Layers().Unregister(chi.URLParam(r, "layerID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateDataset(d model.DatasetDescriptor) error {
	if d.FeatureCount < 0 {
		return errors.New("feature_count must not be negative")
	}
	if d.Zoom < 0 || d.Zoom > tiles.MaxZoom {
		return errors.New("zoom out of range")
	}
	return nil
}

func (a *api) applyDataset(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var d model.DatasetDescriptor
	if err := decode(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(d.ID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("dataset id is required"))
		return
	}
	if err := validateDataset(d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.ApplyDataset(d)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// strategy answers without touching any session.
func (a *api) strategy(w http.ResponseWriter, r *http.Request) {
	if a.Selector == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("strategy selector not configured"))
		return
	}
	features, err := queryInt(r, "features", -1)
	if err != nil || features < 0 {
		writeError(w, http.StatusBadRequest, errors.New("features: required non-negative integer"))
		return
	}
	zoom, err := queryInt(r, "zoom", -1)
	if err != nil || zoom < 0 || zoom > tiles.MaxZoom {
		writeError(w, http.StatusBadRequest, errors.New("zoom: required integer in 0..24"))
		return
	}
	ds := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if ds == "" {
		ds = "dataset"
	}
	writeJSON(w, http.StatusOK, a.Selector.Recommend(model.DatasetDescriptor{ID: ds, FeatureCount: features, Zoom: zoom}))
}

func (a *api) hotspots(w http.ResponseWriter, r *http.Request) {
	if a.Hotspots == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, errors.New("limit: integer in 1..1000"))
		return
	}
	res, err := queryInt(r, "res", -1)
	if err != nil || res > 15 {
		writeError(w, http.StatusBadRequest, errors.New("res: integer in 0..15"))
		return
	}
	if res < 0 {
		writeJSON(w, http.StatusOK, a.Hotspots.Top(limit))
		return
	}
	if a.Mapper == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("cell mapper not configured"))
		return
	}
	writeJSON(w, http.StatusOK, rollUp(a.Hotspots.Top(maxRollUpCells), a.Mapper, res, limit))
}

const maxRollUpCells = 10_000

// rollUp sums cell scores into their parents at res. Cells already at or
// above res are kept as they are.
func rollUp(entries []hotness.Entry, m mapper.Interface, res, limit int) []hotness.Entry {
	sum := make(map[string]float64, len(entries))
	for _, e := range entries {
		cell := e.Cell
		if p, err := m.ToParent(e.Cell, res); err == nil {
			cell = p
		}
		sum[cell] += e.Score
	}
	out := make([]hotness.Entry, 0, len(sum))
	for c, s := range sum {
		out = append(out, hotness.Entry{Cell: c, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Cell < out[j].Cell
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	if a.Invalidator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("invalidation disabled"))
		return
	}
	var ev invalidation.Event
	if err := decode(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.Invalidator.Apply(r.Context(), ev)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
