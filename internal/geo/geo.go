// Package geo holds the stateless distance and similarity primitives used by
// place coherence and story clustering.
package geo

import (
	"math"
	"math/bits"
)

const (
	earthRadiusKM = 6371.0

	// FingerprintBits is the fixed width of a content fingerprint.
	FingerprintBits = 64
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// coherenceTier maps an upper distance bound (inclusive) to a coherence value.
type coherenceTier struct {
	maxKM     float64
	coherence float64
}

var coherenceTiers = []coherenceTier{
	{maxKM: 50, coherence: 1.0},
	{maxKM: 200, coherence: 0.8},
	{maxKM: 1000, coherence: 0.5},
	{maxKM: 3000, coherence: 0.2},
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// Distance is Haversine over two points.
func Distance(a, b Point) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// DistanceToCoherence converts a distance to a [0,1] coherence value.
// Exact tier boundaries map to the higher tier.
func DistanceToCoherence(km float64) float64 {
	if math.IsNaN(km) {
		return 0
	}
	for _, tier := range coherenceTiers {
		if km <= tier.maxKM {
			return tier.coherence
		}
	}
	return 0
}

// Hamming counts differing bits between two 64-bit fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
