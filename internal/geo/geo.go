// Package geo provides the spherical geometry used by trip planning and
// rerouting: great-circle distance, bearing/destination math, route
// resampling and similarity scoring, and the encoded polyline codec.
package geo

import (
	"math"
)

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is an axis-aligned bounding box over coordinates.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b Point) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b Point) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLng := toRad(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := toDeg(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Destination returns the point reached by travelling distanceM meters from p
// on the given initial bearing (degrees).
func Destination(p Point, bearingDeg, distanceM float64) Point {
	lat1 := toRad(p.Lat)
	lng1 := toRad(p.Lng)
	brng := toRad(bearingDeg)
	delta := distanceM / EarthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) +
		math.Cos(lat1)*math.Sin(delta)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(
		math.Sin(brng)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	return Point{Lat: toDeg(lat2), Lng: normalizeLng(toDeg(lng2))}
}

func normalizeLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

// Interpolate returns the point at fraction t of the great-circle segment
// from a to b.
func Interpolate(a, b Point, t float64) Point {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	return Destination(a, Bearing(a, b), Haversine(a, b)*t)
}

// PerpendicularOffset returns a point offset perpendicular to the great-circle
// line from a to b, anchored at fraction t along it. Positive distance goes
// right of the direction of travel, negative left.
func PerpendicularOffset(a, b Point, t, distanceM float64) Point {
	anchor := Interpolate(a, b, t)
	side := 90.0
	if distanceM < 0 {
		side = -90.0
		distanceM = -distanceM
	}
	return Destination(anchor, math.Mod(Bearing(a, b)+side+360, 360), distanceM)
}

// Length returns the cumulative haversine length of a route in meters.
func Length(route []Point) float64 {
	var total float64
	for i := 1; i < len(route); i++ {
		total += Haversine(route[i-1], route[i])
	}
	return total
}

// BoundsOf returns the bounding box of a route, or a zero Bounds for an
// empty route.
func BoundsOf(route []Point) Bounds {
	if len(route) == 0 {
		return Bounds{}
	}
	b := Bounds{
		MinLat: route[0].Lat, MaxLat: route[0].Lat,
		MinLng: route[0].Lng, MaxLng: route[0].Lng,
	}
	for _, p := range route[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b
}

// Resample returns n points spaced evenly by cumulative route distance. The
// first and last input points are always preserved. Routes with fewer than
// two points are returned as-is.
func Resample(route []Point, n int) []Point {
	if len(route) < 2 || n < 2 {
		return route
	}

	total := Length(route)
	if total == 0 {
		out := make([]Point, n)
		for i := range out {
			out[i] = route[0]
		}
		return out
	}

	out := make([]Point, 0, n)
	out = append(out, route[0])

	step := total / float64(n-1)
	target := step
	var walked float64

	seg := 1
	for len(out) < n-1 && seg < len(route) {
		segLen := Haversine(route[seg-1], route[seg])
		for walked+segLen >= target && len(out) < n-1 {
			frac := 0.0
			if segLen > 0 {
				frac = (target - walked) / segLen
			}
			out = append(out, Interpolate(route[seg-1], route[seg], frac))
			target += step
		}
		walked += segLen
		seg++
	}

	for len(out) < n-1 {
		out = append(out, route[len(route)-1])
	}
	out = append(out, route[len(route)-1])
	return out
}

// Similarity scores how closely candidate follows reference, as one minus the
// average haversine offset between aligned samples normalized by the
// reference length, clamped to [0,1]. Identical routes score 1; routes whose
// average offset reaches the reference length score 0. At least minSamples
// aligned pairs are compared.
func Similarity(reference, candidate []Point, minSamples int) float64 {
	if len(reference) == 0 || len(candidate) == 0 {
		return 0
	}
	if minSamples < 2 {
		minSamples = 2
	}

	refLen := Length(reference)
	if refLen == 0 {
		// degenerate reference: identical single location or not
		if Haversine(reference[0], candidate[0]) == 0 {
			return 1
		}
		return 0
	}

	a := Resample(reference, minSamples)
	b := Resample(candidate, minSamples)

	var sum float64
	for i := range a {
		sum += Haversine(a[i], b[i])
	}
	avg := sum / float64(len(a))

	s := 1 - avg/refLen
	return math.Max(0, math.Min(1, s))
}
