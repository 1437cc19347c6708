// Package location produces synthetic GPS samples that move along a looped
// route. It stands in for a device location provider.
package location

import (
	"hash/fnv"
	"math"

	"github.com/drblury/transitflow/internal/runtime/messages"
)

const earthRadiusMeters = 6371000.0

// DefaultCenter is the reference point routes are laid out around.
var DefaultCenter = messages.Position{Latitude: 51.5074, Longitude: -0.1278}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b messages.Position) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing from a to b in degrees clockwise from north.
func Bearing(a, b messages.Position) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLon := radians(b.Longitude - a.Longitude)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(degrees(math.Atan2(y, x))+360, 360)
}

// Interpolate returns the point at fraction t of the way from a to b. The
// routes are short enough for linear interpolation.
func Interpolate(a, b messages.Position, t float64) messages.Position {
	return messages.Position{
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*t,
		Longitude: a.Longitude + (b.Longitude-a.Longitude)*t,
	}
}

// Offset moves p by north and east meters.
func Offset(p messages.Position, north, east float64) messages.Position {
	dLat := north / earthRadiusMeters
	dLon := east / (earthRadiusMeters * math.Cos(radians(p.Latitude)))
	return messages.Position{
		Latitude:  p.Latitude + degrees(dLat),
		Longitude: p.Longitude + degrees(dLon),
	}
}

// Waypoints lays out a closed loop for routeID around center. The same
// route id always yields the same loop.
func Waypoints(routeID string, center messages.Position, count int, radiusMeters float64) []messages.Position {
	if count < 3 {
		count = 8
	}
	if radiusMeters <= 0 {
		radiusMeters = 1500
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(routeID))
	seed := h.Sum32()

	// Shift each route's loop so routes do not overlap exactly.
	angle := float64(seed%360) * math.Pi / 180
	origin := Offset(center, math.Cos(angle)*radiusMeters, math.Sin(angle)*radiusMeters)

	points := make([]messages.Position, count)
	for i := range points {
		theta := 2 * math.Pi * float64(i) / float64(count)
		// Vary the radius a little so the loop is not a perfect circle.
		r := radiusMeters * (0.8 + 0.4*float64((seed>>uint(i%24))&1))
		points[i] = Offset(origin, math.Cos(theta)*r, math.Sin(theta)*r)
	}
	return points
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
