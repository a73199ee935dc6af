package geo

import (
	"math"
	"testing"

	"coursier/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 5.3599, Lng: -4.0083},
			b:         types.Point{Lat: 5.3599, Lng: -4.0083},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Plateau to Cocody (~5km)",
			a:         types.Point{Lat: 5.3200, Lng: -4.0200},
			b:         types.Point{Lat: 5.3550, Lng: -3.9850},
			wantKm:    5.5,
			tolerance: 0.5,
		},
		{
			name:      "Abidjan to Dakar (~1760km)",
			a:         types.Point{Lat: 5.3600, Lng: -4.0083},
			b:         types.Point{Lat: 14.7167, Lng: -17.4677},
			wantKm:    1810,
			tolerance: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 5.0, Lng: -4.0}
	b := types.Point{Lat: 6.0, Lng: -3.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestHaversineMeters_SmallOffset(t *testing.T) {
	// 0.0001 degree of latitude is ~11.1m everywhere.
	a := types.Point{Lat: 5.3000, Lng: -4.0000}
	b := types.Point{Lat: 5.3001, Lng: -4.0000}
	if got := HaversineMeters(a, b); math.Abs(got-11.12) > 0.1 {
		t.Errorf("HaversineMeters() = %f, want ~11.12", got)
	}
}

func TestPathLengthKm(t *testing.T) {
	pts := []types.Point{{Lat: 5.30, Lng: -4.00}, {Lat: 5.31, Lng: -4.00}, {Lat: 5.32, Lng: -4.00}}
	want := HaversineKm(pts[0], pts[2])
	if got := PathLengthKm(pts); math.Abs(got-want) > 0.001 {
		t.Errorf("PathLengthKm() = %f, want %f", got, want)
	}
	if got := PathLengthKm(nil); got != 0 {
		t.Errorf("PathLengthKm(nil) = %f, want 0", got)
	}
}

func TestSqSegDist(t *testing.T) {
	a := types.Point{Lat: 0, Lng: 0}
	b := types.Point{Lat: 0, Lng: 10}

	cases := []struct {
		name string
		p    types.Point
		want float64
	}{
		{"above middle", types.Point{Lat: 2, Lng: 5}, 4},
		{"before start", types.Point{Lat: 0, Lng: -3}, 9},
		{"after end", types.Point{Lat: 4, Lng: 13}, 25},
		{"on segment", types.Point{Lat: 0, Lng: 7}, 0},
	}
	for _, tc := range cases {
		if got := SqSegDist(tc.p, a, b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: SqSegDist() = %f, want %f", tc.name, got, tc.want)
		}
	}

	// Degenerate segment falls back to point distance.
	if got := SqSegDist(types.Point{Lat: 3, Lng: 4}, a, a); math.Abs(got-25) > 1e-9 {
		t.Errorf("degenerate: got %f, want 25", got)
	}
}

func TestLerp(t *testing.T) {
	a := types.Point{Lat: 0, Lng: 0}
	b := types.Point{Lat: 2, Lng: 4}
	if got := Lerp(a, b, 0.5); got != (types.Point{Lat: 1, Lng: 2}) {
		t.Errorf("Lerp(0.5) = %v", got)
	}
	if got := Lerp(a, b, -1); got != a {
		t.Errorf("Lerp(-1) = %v, want a", got)
	}
	if got := Lerp(a, b, 3); got != b {
		t.Errorf("Lerp(3) = %v, want b", got)
	}
}

func TestPointValid(t *testing.T) {
	if !(types.Point{Lat: 5.3, Lng: -4}).Valid() {
		t.Error("expected valid point")
	}
	for _, p := range []types.Point{{Lat: 91, Lng: 0}, {Lat: 0, Lng: 181}, {Lat: math.NaN(), Lng: 0}, {Lat: 0, Lng: math.Inf(1)}} {
		if p.Valid() {
			t.Errorf("expected %v to be invalid", p)
		}
	}
}
