package geo

import (
	"strings"
)

// polylineScale is the 1e-5 degree precision of the encoded polyline format.
const polylineScale = 1e5

// EncodePolyline encodes a route using the standard encoded polyline
// algorithm at 1e-5 precision.
func EncodePolyline(route []Point) string {
	var sb strings.Builder
	var prevLat, prevLng int64

	for _, p := range route {
		lat := int64(round(p.Lat * polylineScale))
		lng := int64(round(p.Lng * polylineScale))
		encodeSigned(&sb, lat-prevLat)
		encodeSigned(&sb, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return sb.String()
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int64(f - 0.5))
	}
	return float64(int64(f + 0.5))
}

func encodeSigned(sb *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((0x20|(u&0x1f))+63))
		u >>= 5
	}
	sb.WriteByte(byte(u + 63))
}

// DecodePolyline decodes an encoded polyline back into coordinates. Invalid
// trailing data is ignored, matching upstream provider behavior.
func DecodePolyline(s string) []Point {
	var route []Point
	var lat, lng int64
	i := 0

	for i < len(s) {
		dLat, n, ok := decodeSigned(s[i:])
		if !ok {
			break
		}
		i += n
		dLng, n, ok := decodeSigned(s[i:])
		if !ok {
			break
		}
		i += n

		lat += dLat
		lng += dLng
		route = append(route, Point{
			Lat: float64(lat) / polylineScale,
			Lng: float64(lng) / polylineScale,
		})
	}
	return route
}

func decodeSigned(s string) (int64, int, bool) {
	var u int64
	var shift uint
	for i := 0; i < len(s); i++ {
		b := int64(s[i]) - 63
		if b < 0 {
			return 0, 0, false
		}
		u |= (b & 0x1f) << shift
		if b < 0x20 {
			v := u >> 1
			if u&1 != 0 {
				v = ^v
			}
			return v, i + 1, true
		}
		shift += 5
	}
	return 0, 0, false
}
