package sentry

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// UnknownLocation is the address given to records with no usable position.
const UnknownLocation = "Unknown location"

var coordinatePattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)

// NormalizeLocation extracts a Location from a raw record, trying in order:
//
//  1. a "coordinates" object with latitude/longitude (or lat/lng)
//  2. latitude/longitude on a "location" object or on the record itself
//  3. a "lat, lng" pair inside a "location" or "address" string
//
// When none yields valid coordinates the result carries nil coordinates and
// the original text (or UnknownLocation) as address. It never panics.
func NormalizeLocation(raw map[string]any) Location {
	if raw == nil {
		return Location{Address: UnknownLocation}
	}

	locObj, _ := raw["location"].(map[string]any)
	locText, _ := raw["location"].(string)
	address := firstNonEmpty(stringField(locObj, "address"), stringField(raw, "address"), strings.TrimSpace(locText))

	if coords, ok := raw["coordinates"].(map[string]any); ok {
		if lat, lng, ok := latLng(coords); ok {
			return Location{Latitude: &lat, Longitude: &lng, Address: firstNonEmpty(stringField(coords, "address"), address)}
		}
	}
	if coords, ok := locObj["coordinates"].(map[string]any); ok {
		if lat, lng, ok := latLng(coords); ok {
			return Location{Latitude: &lat, Longitude: &lng, Address: address}
		}
	}

	if lat, lng, ok := latLng(locObj); ok {
		return Location{Latitude: &lat, Longitude: &lng, Address: address}
	}
	if lat, lng, ok := latLng(raw); ok {
		return Location{Latitude: &lat, Longitude: &lng, Address: address}
	}

	for _, text := range []string{locText, stringField(raw, "address"), stringField(locObj, "address")} {
		if lat, lng, ok := ParseCoordinates(text); ok {
			return Location{Latitude: &lat, Longitude: &lng, Address: address}
		}
	}

	if address == "" {
		address = UnknownLocation
	}
	return Location{Address: address}
}

// NormalizeLocationValue normalizes a bare location value: a string,
// an object in any supported shape, or nil.
func NormalizeLocationValue(v any) Location {
	switch loc := v.(type) {
	case Location:
		return loc
	case *Location:
		if loc != nil {
			return *loc
		}
	case map[string]any:
		if _, nested := loc["coordinates"]; nested {
			return NormalizeLocation(loc)
		}
		return NormalizeLocation(map[string]any{"location": loc})
	case string:
		return NormalizeLocation(map[string]any{"location": loc})
	}
	return Location{Address: UnknownLocation}
}

// ParseCoordinates finds the first "lat, lng" pair in text and validates its ranges.
func ParseCoordinates(text string) (lat, lng float64, ok bool) {
	m := coordinatePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || !validLatLng(lat, lng) {
		return 0, 0, false
	}
	return lat, lng, true
}

func latLng(m map[string]any) (float64, float64, bool) {
	if m == nil {
		return 0, 0, false
	}
	lat, okLat := number(m["latitude"])
	if !okLat {
		lat, okLat = number(m["lat"])
	}
	lng, okLng := number(m["longitude"])
	if !okLng {
		lng, okLng = number(m["lng"])
	}
	if !okLat || !okLng || !validLatLng(lat, lng) {
		return 0, 0, false
	}
	return lat, lng, true
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func validLatLng(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
