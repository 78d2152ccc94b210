package geo

import (
	"math"

	"github.com/example/pickup-matching/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// ServiceArea is the circular bound requests must fall inside.
type ServiceArea struct {
	Center  models.Coord
	RadiusM float64
}

// Contains reports whether c lies within the service area. A zero radius
// disables the check, which keeps local runs friction-free.
func (s ServiceArea) Contains(c models.Coord) bool {
	if s.RadiusM <= 0 {
		return true
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return false
	}
	return Haversine(s.Center.Lat, s.Center.Lon, c.Lat, c.Lon) <= s.RadiusM
}
