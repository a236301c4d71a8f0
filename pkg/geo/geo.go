package geo

import (
	"math"
	"sort"
	"unicode"

	"github.com/cuemby/perimeter/pkg/types"
)

// EarthRadiusM is the mean Earth radius used by Haversine. No ellipsoid
// correction is applied; error stays well under a meter at site scale (<1 km).
const EarthRadiusM = 6371000.0

// DefaultMarginM widens the candidate search to tolerate GPS noise
const DefaultMarginM = 200.0

// Candidate is a geofence near a coordinate, with its exact distance
type Candidate struct {
	Code      string  `json:"geofence_code"`
	Name      string  `json:"name"`
	RadiusM   float64 `json:"radius_m"`
	DistanceM float64 `json:"distance_m"`
	IsInside  bool    `json:"is_inside"`
}

// Distance returns the great-circle distance in meters between two coordinates
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Inside reports whether distance falls within radius. The boundary is closed.
func Inside(distanceM, radiusM float64) bool {
	return distanceM <= radiusM
}

// Evaluate computes the candidate for a single geofence regardless of margin
func Evaluate(lat, lon float64, fence *types.GeofenceDefinition) Candidate {
	d := Distance(lat, lon, fence.CenterLat, fence.CenterLon)
	return Candidate{
		Code:      fence.Code,
		Name:      fence.Name,
		RadiusM:   fence.RadiusM,
		DistanceM: d,
		IsInside:  Inside(d, fence.RadiusM),
	}
}

// Resolve returns every active geofence whose radius plus marginM reaches the
// coordinate, nearest first. A negative margin is treated as zero.
func Resolve(lat, lon, marginM float64, fences []*types.GeofenceDefinition) []Candidate {
	if marginM < 0 {
		marginM = 0
	}

	var out []Candidate
	for _, fence := range fences {
		if fence == nil || !fence.Active {
			continue
		}
		c := Evaluate(lat, lon, fence)
		if fence.RadiusM+marginM >= c.DistanceM {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// ValidateCoordinate rejects NaN, infinite and out-of-range coordinates
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return &types.ValidationError{Field: "latitude", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return &types.ValidationError{Field: "longitude", Reason: "must be within [-180, 180]"}
	}
	return nil
}

// ValidateIdentifier rejects empty identifiers and identifiers holding
// control characters. Store keys join identifiers with NUL.
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return &types.ValidationError{Field: field, Reason: "must not be empty"}
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return &types.ValidationError{Field: field, Reason: "must not contain control characters"}
		}
	}
	return nil
}

// ValidateGeofence checks a definition before it is persisted
func ValidateGeofence(fence *types.GeofenceDefinition) error {
	if err := ValidateIdentifier("code", fence.Code); err != nil {
		return err
	}
	if err := ValidateCoordinate(fence.CenterLat, fence.CenterLon); err != nil {
		return err
	}
	if math.IsNaN(fence.RadiusM) || fence.RadiusM <= 0 {
		return &types.ValidationError{Field: "radius_m", Reason: "must be positive"}
	}
	return nil
}
