package reader

import (
	"bufio"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrEmptyTrack is returned by Points when the document is valid GPX but
// holds no track points.
var ErrEmptyTrack = errors.New("gpx: no track points")

// Trackpoint is one GPS fix. Ele is only meaningful when HasEle is set.
type Trackpoint struct {
	Lat    float64
	Lon    float64
	Ele    float64
	HasEle bool
}

// ParseError wraps any failure to read the document as well-formed GPX.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "gpx: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MalformedTrackpointError reports a track point with a missing,
// non-numeric or out of range attribute. Index is the zero based position
// of the point in document order.
type MalformedTrackpointError struct {
	Index int
	Field string
	Value string
}

func (e *MalformedTrackpointError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("gpx: trackpoint %d: missing %s", e.Index, e.Field)
	}
	return fmt.Sprintf("gpx: trackpoint %d: bad %s %q", e.Index, e.Field, e.Value)
}

type gpxTrkPointBody struct {
	Ele *string `xml:"ele"`
}

// Points returns every trkpt in the document, in document order, no matter
// which trk or trkseg it sits under.
func Points(r io.Reader) ([]Trackpoint, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	var points []Trackpoint
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, &ParseError{err}
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if depth == 0 && el.Name.Local != "gpx" {
				return nil, &ParseError{fmt.Errorf("root element is <%s>, not <gpx>", el.Name.Local)}
			}
			if el.Name.Local != "trkpt" {
				depth++
				continue
			}
			p, err := decodePoint(dec, el, len(points))
			if err != nil {
				return nil, err
			}
			points = append(points, p)

		case xml.EndElement:
			depth--
			if depth == 0 {
				if err := trailing(dec); err != nil {
					return nil, err
				}
				return finish(points)
			}
		}
	}

	if depth == 0 {
		return nil, &ParseError{errors.New("no <gpx> root element")}
	}
	return finish(points)
}

// trailing reads the rest of the input after the root element. Only
// whitespace, comments and processing instructions may follow it.
func trailing(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return &ParseError{err}
		}

		switch el := tok.(type) {
		case xml.StartElement:
			return &ParseError{fmt.Errorf("unexpected <%s> after the root element", el.Name.Local)}
		case xml.CharData:
			if strings.TrimSpace(string(el)) != "" {
				return &ParseError{errors.New("text after the root element")}
			}
		}
	}
}

func finish(points []Trackpoint) ([]Trackpoint, error) {
	if len(points) == 0 {
		return []Trackpoint{}, ErrEmptyTrack
	}
	return points, nil
}

func decodePoint(dec *xml.Decoder, el xml.StartElement, idx int) (Trackpoint, error) {
	var p Trackpoint
	var err error
	if p.Lat, err = coordinate(el, "lat", 90, idx); err != nil {
		return p, err
	}
	if p.Lon, err = coordinate(el, "lon", 180, idx); err != nil {
		return p, err
	}

	var body gpxTrkPointBody
	if err := dec.DecodeElement(&body, &el); err != nil {
		return p, &ParseError{err}
	}
	if body.Ele == nil {
		return p, nil
	}
	v := strings.TrimSpace(*body.Ele)
	if v == "" {
		return p, nil
	}
	ele, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(ele) || math.IsInf(ele, 0) {
		return p, &MalformedTrackpointError{Index: idx, Field: "ele", Value: v}
	}
	p.Ele = ele
	p.HasEle = true
	return p, nil
}

func coordinate(el xml.StartElement, name string, limit float64, idx int) (float64, error) {
	for _, attr := range el.Attr {
		if attr.Name.Local != name {
			continue
		}
		v := strings.TrimSpace(attr.Value)
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || f < -limit || f > limit {
			return 0, &MalformedTrackpointError{Index: idx, Field: name, Value: attr.Value}
		}
		return f, nil
	}
	return 0, &MalformedTrackpointError{Index: idx, Field: name}
}

// Open wraps r so that gzip compressed GPX is decompressed on the fly.
func Open(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}
