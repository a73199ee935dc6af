// Package geo contains pure geographic computation helpers shared by the
// geofence, throttle and route modules. Nothing here holds state.
package geo

import (
	"math"

	"coursier/internal/types"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// HaversineMeters is HaversineKm in metres.
func HaversineMeters(a, b types.Point) float64 {
	return HaversineKm(a, b) * 1000
}

// PathLengthKm sums the haversine length of consecutive segments.
func PathLengthKm(points []types.Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

// SqDist is the squared planar distance in degree space.
func SqDist(a, b types.Point) float64 {
	dx := a.Lng - b.Lng
	dy := a.Lat - b.Lat
	return dx*dx + dy*dy
}

// SqSegDist is the squared planar distance in degree space from p to the
// segment a-b.
func SqSegDist(p, a, b types.Point) float64 {
	x, y := a.Lng, a.Lat
	dx := b.Lng - x
	dy := b.Lat - y

	if dx != 0 || dy != 0 {
		t := ((p.Lng-x)*dx + (p.Lat-y)*dy) / (dx*dx + dy*dy)
		if t > 1 {
			x, y = b.Lng, b.Lat
		} else if t > 0 {
			x += dx * t
			y += dy * t
		}
	}

	dx = p.Lng - x
	dy = p.Lat - y
	return dx*dx + dy*dy
}

// Lerp linearly interpolates between a and b; f is clamped to [0,1].
func Lerp(a, b types.Point, f float64) types.Point {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return types.Point{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
