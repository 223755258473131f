package tiles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

var ErrUnusableTemplate = errors.New("unusable tile template")

// Usable reports whether tmpl addresses a single tile.
func Usable(tmpl string) bool {
	tmpl = strings.TrimSpace(tmpl)
	if tmpl == "" {
		return false
	}
	hasRow := strings.Contains(tmpl, "{y}") || strings.Contains(tmpl, "{-y}")
	return strings.Contains(tmpl, "{z}") && strings.Contains(tmpl, "{x}") && hasRow
}

// ExpandTemplate substitutes {z}, {x}, {y} and the TMS row {-y}.
func ExpandTemplate(tmpl string, t model.Tile) (string, error) {
	if !Usable(tmpl) {
		return "", fmt.Errorf("%w: %q", ErrUnusableTemplate, tmpl)
	}
	tms := (uint32(1) << t.Z) - 1 - t.Y
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
		"{-y}", strconv.FormatUint(uint64(tms), 10),
	)
	return r.Replace(strings.TrimSpace(tmpl)), nil
}

// URLsForSource expands one URL per tile for src. When a source lists several
// mirrors the one a map client would pick is used, (x+y) mod len, so the
// warmed URL matches the later real request. Templates that cannot be used
// are counted as skipped; the source is unusable when none of them work.
func URLsForSource(src model.TileSource, ts model.Tiles) (urls []string, skipped int, err error) {
	var usable []string
	for _, tmpl := range src.Tiles {
		if Usable(tmpl) {
			usable = append(usable, tmpl)
			continue
		}
		skipped++
	}
	if len(usable) == 0 {
		return nil, skipped, fmt.Errorf("source %q: %w", src.Name, ErrUnusableTemplate)
	}
	urls = make([]string, 0, len(ts))
	for _, t := range ts {
		tmpl := usable[(uint64(t.X)+uint64(t.Y))%uint64(len(usable))]
		u, err := ExpandTemplate(tmpl, t)
		if err != nil {
			return nil, skipped, fmt.Errorf("source %q: %w", src.Name, err)
		}
		urls = append(urls, u)
	}
	return urls, skipped, nil
}
