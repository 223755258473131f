// Package mapper converts between geographic coordinates and H3 cells.
package mapper

import (
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

type Interface interface {
	CellForPoint(p model.LngLat, res int) (string, error)
	CellsForBBox(bb model.BBox, res int) ([]string, error)
	ToParent(cell string, parentRes int) (string, error)
}
