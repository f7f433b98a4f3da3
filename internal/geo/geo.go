// Package geo holds the spherical-earth helpers shared by the spatial index
// and the reservation queue: points, haversine distance and grid cells.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadius is the mean earth radius in metres used for every distance.
const EarthRadius = 6371000.0

// metresPerDegreeLat is the length of one degree of latitude on the sphere.
const metresPerDegreeLat = EarthRadius * math.Pi / 180

var ErrInvalidPoint = errors.New("invalid coordinates")

// Point is a WGS84-ish latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidPoint, p.Lat, p.Lon)
	}
	return nil
}

// Distance returns the great-circle distance between a and b in metres.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Cell is one square of a fixed-precision lat/lon grid.
type Cell struct {
	Row int64
	Col int64
}

func (c Cell) String() string { return fmt.Sprintf("%d:%d", c.Row, c.Col) }

// Grid partitions the sphere into cells of Size degrees on each side.
type Grid struct {
	Size float64
}

func (g Grid) CellOf(p Point) Cell {
	return Cell{
		Row: int64(math.Floor((p.Lat + 90) / g.Size)),
		Col: int64(math.Floor((p.Lon + 180) / g.Size)),
	}
}

// Ring returns the cells at Chebyshev distance r from center. Ring 0 is the
// center cell itself. Columns wrap around the antimeridian; rows outside the
// poles are dropped.
func (g Grid) Ring(center Cell, r int) []Cell {
	if r == 0 {
		return []Cell{center}
	}
	maxRow := int64(math.Ceil(180/g.Size)) - 1
	cols := int64(math.Ceil(360 / g.Size))
	seen := make(map[Cell]struct{}, 8*r)
	out := make([]Cell, 0, 8*r)
	add := func(row, col int64) {
		if row < 0 || row > maxRow {
			return
		}
		col = ((col % cols) + cols) % cols
		c := Cell{Row: row, Col: col}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	rr := int64(r)
	for d := -rr; d <= rr; d++ {
		add(center.Row-rr, center.Col+d)
		add(center.Row+rr, center.Col+d)
	}
	for d := -rr + 1; d <= rr-1; d++ {
		add(center.Row+d, center.Col-rr)
		add(center.Row+d, center.Col+rr)
	}
	return out
}

// RingLowerBound is a lower bound, in metres, on the distance from any point
// inside the ring-0 cell of anchor to any point in ring r or further.
func (g Grid) RingLowerBound(anchor Point, r int) float64 {
	if r <= 0 {
		return 0
	}
	steps := float64(r - 1)
	latSpan := g.Size * metresPerDegreeLat

	// Longitude spans shrink towards the poles, so take the narrowest band
	// the ring can reach.
	extreme := math.Min(90, math.Abs(anchor.Lat)+float64(r+1)*g.Size)
	lonSpan := latSpan * math.Cos(radians(extreme))

	// Great circles bulge poleward, so shave a little off the flat estimate.
	return 0.99 * steps * math.Min(latSpan, lonSpan)
}

// MaxRings is the number of rings that must be visited to cover radius metres
// around anchor.
func (g Grid) MaxRings(anchor Point, radius float64) int {
	latSpan := g.Size * metresPerDegreeLat
	extreme := math.Min(89.9, math.Abs(anchor.Lat)+radius/metresPerDegreeLat+g.Size)
	span := math.Min(latSpan, latSpan*math.Cos(radians(extreme)))
	n := int(math.Ceil(radius/span)) + 1
	limit := int(math.Ceil(360/g.Size)) / 2
	if n > limit {
		n = limit
	}
	return n
}

// Adjacent reports whether a and b are the same cell or touch, including
// diagonally.
func Adjacent(a, b Cell) bool {
	return abs(a.Row-b.Row) <= 1 && abs(a.Col-b.Col) <= 1
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
