// Package geo holds the strict point-in-polygon predicate used for tagging.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Epsilon is the relative tolerance for treating a point as lying on an edge.
// It is scaled by the edge length, so it holds for both degrees and feet.
const Epsilon = 1e-9

// Within reports whether pt lies strictly inside g: inside the shell, outside
// every hole, and not on any ring edge or vertex. g must be an orb.Polygon or
// orb.MultiPolygon; other geometries contain nothing.
func Within(pt orb.Point, g orb.Geometry) bool {
	if g == nil {
		return false
	}
	return WithinBound(pt, g, g.Bound())
}

// WithinBound is Within with the bound of g already computed.
func WithinBound(pt orb.Point, g orb.Geometry, b orb.Bound) bool {
	if !b.Contains(pt) {
		return false
	}
	switch v := g.(type) {
	case orb.Polygon:
		if onPolygonBoundary(pt, v) {
			return false
		}
		return planar.PolygonContains(v, pt)
	case orb.MultiPolygon:
		for _, p := range v {
			if onPolygonBoundary(pt, p) {
				return false
			}
		}
		return planar.MultiPolygonContains(v, pt)
	default:
		return false
	}
}

// OnBoundary reports whether pt lies on any ring edge of g within Epsilon.
func OnBoundary(pt orb.Point, g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return onPolygonBoundary(pt, v)
	case orb.MultiPolygon:
		for _, p := range v {
			if onPolygonBoundary(pt, p) {
				return true
			}
		}
	}
	return false
}

func onPolygonBoundary(pt orb.Point, p orb.Polygon) bool {
	for _, r := range p {
		if onRing(pt, r) {
			return true
		}
	}
	return false
}

func onRing(pt orb.Point, r orb.Ring) bool {
	n := len(r)
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		a := r[i]
		b := r[(i+1)%n]
		if onSegment(pt, a, b) {
			return true
		}
	}
	return false
}

// onSegment tests collinearity by the cross product (twice the triangle area)
// against Epsilon scaled by the squared segment length, then checks that pt
// projects inside [a, b].
func onSegment(pt, a, b orb.Point) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Abs(pt[0]-a[0]) <= Epsilon && math.Abs(pt[1]-a[1]) <= Epsilon
	}
	cross := (pt[0]-a[0])*dy - (pt[1]-a[1])*dx
	if math.Abs(cross) > Epsilon*l2 {
		return false
	}
	dot := (pt[0]-a[0])*dx + (pt[1]-a[1])*dy
	return dot >= -Epsilon*l2 && dot <= l2*(1+Epsilon)
}

// Area is the planar area of a polygonal geometry, always non-negative.
func Area(g orb.Geometry) float64 {
	return math.Abs(planar.Area(g))
}
