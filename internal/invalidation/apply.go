// Package invalidation turns upstream tile-change events into ledger
// invalidations so changed tiles are prefetched again.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
)

var (
	ErrInvalidEvent = errors.New("invalid invalidation event")
	ErrTooManyTiles = errors.New("invalidation covers too many tiles")
)

// Target forgets prefetched tiles; source "" means every source.
type Target interface {
	Invalidate(ctx context.Context, source string, ts model.Tiles) (int, error)
}

type CellMapper interface {
	CellForPoint(p model.LngLat, res int) (string, error)
	CellsForBBox(b model.BBox, res int) ([]string, error)
}

type HotnessResetter interface {
	Reset(cells ...string)
}

type Options struct {
	Logger     *slog.Logger
	Mapper     CellMapper
	Hotness    HotnessResetter
	Res        int
	MaxTiles   int
	DedupeSize int
}

type Applier struct {
	target Target
	opts   Options
	log    *slog.Logger
	ver    *versionDedupe
}

type Result struct {
	Tiles   int `json:"tiles"`
	Skipped int `json:"skipped"`
	URLs    int `json:"urls"`
	Cells   int `json:"cells"`
}

func NewApplier(target Target, opts Options) *Applier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = 4096
	}
	if opts.Res <= 0 {
		opts.Res = 6
	}
	return &Applier{
		target: target,
		opts:   opts,
		log:    opts.Logger,
		ver:    newVersionDedupe(opts.DedupeSize),
	}
}

// Apply validates ev, drops tiles already invalidated at the same or a newer
// version and forgets the rest. Versions are recorded only once the target
// succeeded, so a failed event can be redelivered. Hotspot cells under the
// event are reset.
func (a *Applier) Apply(ctx context.Context, ev Event) (Result, error) {
	var res Result
	if err := ev.Validate(); err != nil {
		observability.IncInvalidation("invalid")
		return res, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ts, err := a.tilesFor(ev)
	if err != nil {
		observability.IncInvalidation("invalid")
		return res, err
	}
	res.Tiles = len(ts)

	keep := ts[:0:0]
	var keys []string
	for _, t := range ts {
		k := ev.Source + "|" + t.String()
		if a.ver.isNewer(k, ev.Version) {
			keep = append(keep, t)
			keys = append(keys, k)
		}
	}
	res.Skipped = len(ts) - len(keep)
	if len(keep) == 0 {
		observability.IncInvalidation("skip_version")
		return res, nil
	}

	n, err := a.target.Invalidate(ctx, ev.Source, keep)
	if err != nil {
		observability.IncInvalidation("error")
		return res, fmt.Errorf("invalidate %d tiles: %w", len(keep), err)
	}
	res.URLs = n
	a.ver.record(keys, ev.Version)

	res.Cells = a.resetHotness(ev, keep)
	observability.IncInvalidation("applied")
	a.log.Debug("tiles invalidated",
		"source", ev.Source, "op", ev.Op, "version", ev.Version,
		"tiles", len(keep), "skipped", res.Skipped, "urls", n)
	return res, nil
}

func (a *Applier) tilesFor(ev Event) (model.Tiles, error) {
	if len(ev.Tiles) > 0 {
		out := make(model.Tiles, 0, len(ev.Tiles))
		seen := make(map[model.Tile]struct{}, len(ev.Tiles))
		for _, k := range ev.Tiles {
			t, err := tiles.ParseKey(strings.TrimSpace(k))
			if err != nil {
				return nil, err
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
		if len(out) > a.opts.MaxTiles {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTiles, len(out), a.opts.MaxTiles)
		}
		return out, nil
	}

	b := ev.BBox.Model()
	var total int64
	for z := ev.MinZoom; z <= ev.MaxZoom; z++ {
		n, err := tiles.Count(b, z, 0)
		if err != nil {
			return nil, err
		}
		total += n
		if total > int64(a.opts.MaxTiles) {
			return nil, fmt.Errorf("%w: more than %d up to zoom %d", ErrTooManyTiles, a.opts.MaxTiles, z)
		}
	}
	out := make(model.Tiles, 0, total)
	for z := ev.MinZoom; z <= ev.MaxZoom; z++ {
		ts, err := tiles.ForBounds(b, z, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}

func (a *Applier) resetHotness(ev Event, ts model.Tiles) int {
	if a.opts.Hotness == nil || a.opts.Mapper == nil {
		return 0
	}
	var cells []string
	if ev.BBox != nil {
		cs, err := a.opts.Mapper.CellsForBBox(ev.BBox.Model(), a.opts.Res)
		if err != nil {
			a.log.Debug("hotspot reset skipped", "err", err)
			return 0
		}
		cells = cs
	} else {
		seen := make(map[string]struct{}, len(ts))
		for _, t := range ts {
			c, err := a.opts.Mapper.CellForPoint(tiles.Bounds(t).Center(), a.opts.Res)
			if err != nil {
				continue
			}
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				cells = append(cells, c)
			}
		}
	}
	if len(cells) > 0 {
		a.opts.Hotness.Reset(cells...)
	}
	return len(cells)
}
