package geometry

import (
	"math"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000

// Distance returns the great-circle distance in meters between two points
// given in decimal degrees, using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	radlat1 := lat1 * math.Pi / 180
	radlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	sinLat := math.Sin(dlat / 2)
	sinLon := math.Sin(dlon / 2)
	a := sinLat*sinLat + math.Cos(radlat1)*math.Cos(radlat2)*sinLon*sinLon
	if a > 1 {
		a = 1
	}
	return EarthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the initial course in degrees [0, 360) from the first
// point towards the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	// β = atan2(X,Y),
	// X = cos θb * sin ∆L
	// Y = cos θa * sin θb – sin θa * cos θb * cos ∆L
	lat1 *= math.Pi / 180
	lon1 *= math.Pi / 180
	lat2 *= math.Pi / 180
	lon2 *= math.Pi / 180
	X := math.Cos(lat2) * math.Sin(lon2-lon1)
	Y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(lon2-lon1)
	v := math.Atan2(X, Y) / math.Pi * 180
	if v < 0 {
		v += 360
	}
	return v
}

func CardinalDirection(degrees int) string {
	if degrees < 23 {
		return "N"
	} else if degrees < 68 {
		return "NE"
	} else if degrees < 113 {
		return "E"
	} else if degrees < 158 {
		return "SE"
	} else if degrees < 203 {
		return "S"
	} else if degrees < 248 {
		return "SW"
	} else if degrees < 293 {
		return "W"
	} else if degrees < 338 {
		return "NW"
	} else {
		return "N"
	}
}
