// README: Polyline simplification (radial pre-filter then Douglas-Peucker) and endpoint anchoring.
package route

import (
	"coursier/internal/geo"
	"coursier/internal/types"
)

// DefaultToleranceDeg is about 2 m at the equator.
const DefaultToleranceDeg = 0.00002

// Simplify reduces points while keeping every dropped point within
// tolerance degrees of the result. The first and last input points are
// always kept. A tolerance <= 0 returns the input unchanged.
func Simplify(points []types.Point, tolerance float64) []types.Point {
	if len(points) <= 2 || tolerance <= 0 {
		return append([]types.Point(nil), points...)
	}
	sqTol := tolerance * tolerance
	return douglasPeucker(radialFilter(points, sqTol), sqTol)
}

func radialFilter(points []types.Point, sqTol float64) []types.Point {
	last := len(points) - 1
	out := []types.Point{points[0]}
	prev := points[0]
	keptLast := false
	for i := 1; i <= last; i++ {
		if geo.SqDist(points[i], prev) > sqTol {
			out = append(out, points[i])
			prev = points[i]
			keptLast = i == last
		}
	}
	if !keptLast {
		out = append(out, points[last])
	}
	return out
}

// douglasPeucker runs iteratively with an explicit stack of intervals.
func douglasPeucker(points []types.Point, sqTol float64) []types.Point {
	last := len(points) - 1
	if last < 2 {
		return points
	}
	keep := make([]bool, len(points))
	keep[0], keep[last] = true, true

	stack := [][2]int{{0, last}}
	for len(stack) > 0 {
		span := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		first, end := span[0], span[1]

		maxSq, index := 0.0, 0
		for i := first + 1; i < end; i++ {
			if d := geo.SqSegDist(points[i], points[first], points[end]); d > maxSq {
				maxSq, index = d, i
			}
		}
		if maxSq > sqTol {
			keep[index] = true
			if index-first > 1 {
				stack = append(stack, [2]int{first, index})
			}
			if end-index > 1 {
				stack = append(stack, [2]int{index, end})
			}
		}
	}

	out := make([]types.Point, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

// AnchorEndpoints overwrites the first and last point with the exact stop
// coordinates so the drawn line ends on the markers. Nil stops leave the
// corresponding end untouched.
func AnchorEndpoints(points []types.Point, pickup, dropoff *types.Point) []types.Point {
	out := append([]types.Point(nil), points...)
	if len(out) == 0 {
		if pickup != nil {
			out = append(out, *pickup)
		}
		if dropoff != nil {
			out = append(out, *dropoff)
		}
		return out
	}
	if pickup != nil {
		out[0] = *pickup
	}
	if dropoff != nil {
		if len(out) == 1 {
			out = append(out, *dropoff)
		} else {
			out[len(out)-1] = *dropoff
		}
	}
	return out
}
