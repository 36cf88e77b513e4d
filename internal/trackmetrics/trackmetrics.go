// Package trackmetrics derives trekking distance and elevation gain from a
// parsed GPX track. It performs no I/O; callers fetch the GPX and persist
// the result.
package trackmetrics

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"runroute.dev/route-metrics/internal/geometry"
	"runroute.dev/route-metrics/internal/gpx/reader"
)

// MissingElevation selects how points without an <ele> reading take part
// in elevation gain.
type MissingElevation int

const (
	// SkipMissing ignores points without elevation and compares the next
	// point that has one against the last known elevation.
	SkipMissing MissingElevation = iota
	// MissingAsZero treats a missing elevation as 0 m.
	MissingAsZero
)

func (m MissingElevation) String() string {
	switch m {
	case SkipMissing:
		return "skip"
	case MissingAsZero:
		return "zero"
	default:
		return "unknown"
	}
}

func ParseMissingElevation(s string) (MissingElevation, error) {
	switch s {
	case "", "skip":
		return SkipMissing, nil
	case "zero":
		return MissingAsZero, nil
	default:
		return SkipMissing, fmt.Errorf("unknown missing elevation policy %q", s)
	}
}

type Metrics struct {
	DistanceMeters      float64
	ElevationGainMeters float64
}

type Labels struct {
	Distance  string
	Elevation string
}

// Result is the value handed to the persistence adapters.
type Result struct {
	DistanceMeters      float64 `json:"distanceMeters"`
	ElevationGainMeters float64 `json:"elevationGainMeters"`
	DistanceLabel       string  `json:"distanceLabel"`
	ElevationLabel      string  `json:"elevationLabel"`
	Points              int     `json:"points"`
}

// Compute walks the points once, accumulating the haversine distance and
// the positive elevation deltas of each adjacent pair.
func Compute(points []reader.Trackpoint, missing MissingElevation) Metrics {
	var m Metrics
	if len(points) < 2 {
		return m
	}

	lastEle, haveEle := elevation(points[0], missing)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		m.DistanceMeters += geometry.Distance(prev.Lat, prev.Lon, cur.Lat, cur.Lon)

		ele, ok := elevation(cur, missing)
		if !ok {
			continue
		}
		if haveEle && ele > lastEle {
			m.ElevationGainMeters += ele - lastEle
		}
		lastEle, haveEle = ele, true
	}
	return m
}

func elevation(p reader.Trackpoint, missing MissingElevation) (float64, bool) {
	if p.HasEle {
		return p.Ele, true
	}
	if missing == MissingAsZero {
		return 0, true
	}
	return 0, false
}

// Format renders distance as kilometers with one decimal and elevation gain
// as whole meters, both rounded half away from zero.
func Format(m Metrics) Labels {
	km := math.Round(m.DistanceMeters/100) / 10
	ele := math.Round(m.ElevationGainMeters)
	return Labels{
		Distance:  strconv.FormatFloat(km, 'f', 1, 64) + "km",
		Elevation: strconv.FormatFloat(ele, 'f', 0, 64) + "m",
	}
}

// FromGPX parses, measures and formats a GPX document. Errors from the
// parser are returned unchanged; for reader.ErrEmptyTrack the zero Result
// is returned alongside the error.
func FromGPX(gpx []byte, missing MissingElevation) (Result, error) {
	r, err := reader.Open(bytes.NewReader(gpx))
	if err != nil {
		return Result{}, &reader.ParseError{Err: err}
	}
	points, err := reader.Points(r)
	if err != nil && !errors.Is(err, reader.ErrEmptyTrack) {
		return Result{}, err
	}
	res := NewResult(Compute(points, missing), len(points))
	return res, err
}

func NewResult(m Metrics, points int) Result {
	l := Format(m)
	return Result{
		DistanceMeters:      m.DistanceMeters,
		ElevationGainMeters: m.ElevationGainMeters,
		DistanceLabel:       l.Distance,
		ElevationLabel:      l.Elevation,
		Points:              points,
	}
}
