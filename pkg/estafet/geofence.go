package estafet

import (
	"math"

	"estafet/models"
)

const earthRadiusM = 6371000.0

// Coords is a reported or configured lat/lng pair in degrees.
type Coords struct {
	Lat float64
	Lng float64
}

// GeofenceResult is the verdict for one reported location against a session
// anchor. ShouldBlock is only ever true in enforce mode.
type GeofenceResult struct {
	DistanceM    float64
	WithinBounds bool
	ShouldBlock  bool
	Warning      string
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ValidateGeofence is a pure check of a reported location against an anchor
// and radius. A nil reported location is "unknown": warn mode proceeds with a
// warning, enforce mode blocks only when blockUnlocated is set (per-session
// policy knob). Distance is -1 when no location was reported.
func ValidateGeofence(anchor Coords, radiusM float64, mode models.GeofenceMode, blockUnlocated bool, reported *Coords) GeofenceResult {
	if mode == models.GeofenceOff {
		return GeofenceResult{DistanceM: -1, WithinBounds: true}
	}
	if reported == nil {
		res := GeofenceResult{DistanceM: -1, WithinBounds: false, Warning: "no location reported"}
		if mode == models.GeofenceEnforce && blockUnlocated {
			res.ShouldBlock = true
		}
		return res
	}
	d := Haversine(anchor.Lat, anchor.Lng, reported.Lat, reported.Lng)
	res := GeofenceResult{DistanceM: d, WithinBounds: d <= radiusM}
	if !res.WithinBounds {
		if mode == models.GeofenceEnforce {
			res.ShouldBlock = true
		} else {
			res.Warning = "outside session geofence"
		}
	}
	return res
}
