// Package hotness tracks how often predicted viewports land in each H3 cell.
package hotness

type Interface interface {
	Inc(cell string)
	Score(cell string) float64
	Reset(cells ...string)
}

// Entry is one cell and its decayed score.
type Entry struct {
	Cell  string  `json:"cell"`
	Score float64 `json:"score"`
}
