// Package readingorder turns unordered OCR detections into a single string in
// human reading order: rows top to bottom, fragments left to right within a row.
package readingorder

import (
	"math"
	"sort"
	"strings"
)

// DefaultRowTolerance is the row height, in the detections' own coordinate
// space, used when none is configured.
const DefaultRowTolerance = 30.0

// Point is a vertex of a detection region.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one recognized text fragment.
type Detection struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Region     []Point `json:"region"`
}

// Geometry identifies the coordinate space a recognizer reports regions in.
// Each space carries its own acceptance threshold.
type Geometry int

const (
	// GeometryPolygon is raw pixel-space polygons or boxes.
	GeometryPolygon Geometry = iota
	// GeometryNormalized is page-relative geometry scaled to 0..1000.
	GeometryNormalized
)

// Threshold returns the minimum confidence a detection needs to be kept.
func (g Geometry) Threshold() float64 {
	if g == GeometryNormalized {
		return 0.55
	}
	return 0.5
}

func (g Geometry) String() string {
	if g == GeometryNormalized {
		return "normalized"
	}
	return "polygon"
}

// Grouping selects how detections are assigned to visual rows.
type Grouping int

const (
	// GroupAnchored starts a new row once a centroid is row tolerance or more
	// below the first centroid of the current row. Two detections closer than
	// the tolerance always share a row.
	GroupAnchored Grouping = iota
	// GroupBanded uses row = floor(centroid_y / tolerance).
	GroupBanded
)

// Reconstructor orders detections. The zero value uses polygon geometry,
// anchored grouping and DefaultRowTolerance.
type Reconstructor struct {
	Geometry     Geometry
	RowTolerance float64
	Grouping     Grouping
}

// Result is a reconstruction together with what was filtered on the way.
type Result struct {
	Text      string
	Kept      int
	Dropped   int // below threshold or blank
	Malformed int // unreadable region, sorted last
}

// Reconstruct orders pixel-space detections with the polygon threshold and
// returns the joined text.
func Reconstruct(detections []Detection, rowTolerance float64) string {
	r := Reconstructor{Geometry: GeometryPolygon, RowTolerance: rowTolerance}
	return r.Order(detections).Text
}

type entry struct {
	text      string
	cy, x     float64
	row       float64
	malformed bool
}

// Order filters, sorts and joins detections. It never fails: a detection whose
// region cannot be interpreted is placed after every well-formed one.
func (r Reconstructor) Order(detections []Detection) Result {
	tol := r.RowTolerance
	if tol <= 0 || math.IsNaN(tol) || math.IsInf(tol, 0) {
		tol = DefaultRowTolerance
	}
	threshold := r.Geometry.Threshold()

	var res Result
	entries := make([]entry, 0, len(detections))
	for _, d := range detections {
		text := strings.TrimSpace(d.Text)
		if text == "" || d.Confidence < threshold {
			res.Dropped++
			continue
		}
		cy, x, ok := regionKey(d.Region)
		if !ok {
			res.Malformed++
			entries = append(entries, entry{text: text, row: math.Inf(1), x: math.Inf(1), malformed: true})
			continue
		}
		entries = append(entries, entry{text: text, cy: cy, x: x})
	}

	switch r.Grouping {
	case GroupBanded:
		for i := range entries {
			if !entries[i].malformed {
				entries[i].row = math.Floor(entries[i].cy / tol)
			}
		}
	default:
		assignAnchoredRows(entries, tol)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.malformed != b.malformed {
			return b.malformed
		}
		if a.row != b.row {
			return a.row < b.row
		}
		return a.x < b.x
	})

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.text
	}
	res.Kept = len(entries)
	res.Text = strings.Join(texts, " ")
	return res
}

func assignAnchoredRows(entries []entry, tol float64) {
	idx := make([]int, 0, len(entries))
	for i, e := range entries {
		if !e.malformed {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return entries[idx[a]].cy < entries[idx[b]].cy
	})

	var row, anchor float64
	for n, i := range idx {
		switch {
		case n == 0:
			anchor = entries[i].cy
		case entries[i].cy-anchor >= tol:
			row++
			anchor = entries[i].cy
		}
		entries[i].row = row
	}
}

// regionKey returns the vertical centroid and leftmost x of a region. Two
// points are read as opposite box corners; more points as a polygon whose
// vertical extent is taken from min and max y.
func regionKey(region []Point) (cy, x float64, ok bool) {
	if len(region) < 2 {
		return 0, 0, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxY := math.Inf(-1)
	for _, p := range region {
		if !finite(p.X) || !finite(p.Y) {
			return 0, 0, false
		}
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	return (minY + maxY) / 2, minX, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
