package upstream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/twpayne/go-polyline"

	"github.com/dragonhuntr/lokal/internal/models"
)

type kmlPlacemark struct {
	Name        string          `xml:"name"`
	LineStrings []kmlLineString `xml:"LineString"`
	Multi       []kmlLineString `xml:"MultiGeometry>LineString"`
}

type kmlLineString struct {
	Coordinates string `xml:"coordinates"`
}

// parseTrace extracts every named placemark's line coordinates from a KML
// document, wherever the placemarks are nested.
func parseTrace(routeID string, body []byte) (models.RouteTrace, error) {
	trace := models.RouteTrace{RouteID: routeID}
	dec := xml.NewDecoder(bytes.NewReader(body))

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.RouteTrace{}, &ValidationError{Endpoint: "route_trace", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Placemark" {
			continue
		}

		var pm kmlPlacemark
		if err := dec.DecodeElement(&pm, &start); err != nil {
			return models.RouteTrace{}, &ValidationError{Endpoint: "route_trace", Field: "Placemark", Err: err}
		}
		var coords []models.Coordinate
		for _, ls := range append(pm.LineStrings, pm.Multi...) {
			parsed, err := parseKMLCoordinates(ls.Coordinates)
			if err != nil {
				return models.RouteTrace{}, &ValidationError{Endpoint: "route_trace", Field: "Placemark " + pm.Name, Err: err}
			}
			coords = append(coords, parsed...)
		}
		if len(coords) == 0 {
			continue
		}
		trace.Placemarks = append(trace.Placemarks, models.Placemark{
			Name:        strings.TrimSpace(pm.Name),
			Coordinates: coords,
		})
	}

	if len(trace.Placemarks) == 0 {
		return models.RouteTrace{}, &ValidationError{Endpoint: "route_trace", Err: errors.New("no placemarks with line coordinates")}
	}
	trace.Polyline = encodeTrace(trace.Placemarks)
	return trace, nil
}

// parseKMLCoordinates reads whitespace separated "lon,lat[,alt]" tuples.
func parseKMLCoordinates(s string) ([]models.Coordinate, error) {
	fields := strings.Fields(s)
	coords := make([]models.Coordinate, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("malformed coordinate %q", f)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed latitude %q", parts[1])
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("coordinate %q out of range", f)
		}
		coords = append(coords, models.Coordinate{Latitude: lat, Longitude: lon})
	}
	return coords, nil
}

func encodeTrace(placemarks []models.Placemark) string {
	var points [][]float64
	for _, pm := range placemarks {
		for _, c := range pm.Coordinates {
			points = append(points, []float64{c.Latitude, c.Longitude})
		}
	}
	return string(polyline.EncodeCoords(points))
}
