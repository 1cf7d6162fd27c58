package position

import (
	"fmt"
	"math"
)

// Point is a user location. Planar stores use X/Y as a local Cartesian
// offset; haversine stores read Y as latitude and X as longitude in degrees.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Metric selects how distances between two points are computed.
type Metric int

const (
	// Planar is Euclidean distance over X/Y offsets, in the same units as the
	// broadcast radius.
	Planar Metric = iota
	// Haversine is great-circle distance in kilometres.
	Haversine
)

// ParseMetric converts a configuration string into a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "planar":
		return Planar, nil
	case "haversine":
		return Haversine, nil
	default:
		return Planar, fmt.Errorf("position: unknown distance metric %q", s)
	}
}

func (m Metric) String() string {
	if m == Haversine {
		return "haversine"
	}
	return "planar"
}

// Distance returns the distance between a and b under m.
func (m Metric) Distance(a, b Point) float64 {
	if m == Haversine {
		return haversine(a.Y, a.X, b.Y, b.X)
	}
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

const earthRadiusKm = 6371

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)
	lat1 = lat1 * (math.Pi / 180)
	lat2 = lat2 * (math.Pi / 180)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
