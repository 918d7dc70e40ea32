package storycluster

import (
	"math"
	"strings"
	"time"

	"horse.fit/geostory/internal/geo"
)

const (
	distanceWeight = 0.6
	entityWeight   = 0.4
	// entitySaturation is the shared entity count at which the entity score tops out.
	entitySaturation = 3
)

// Score ranks a qualifying cluster from the closest member fingerprint and the
// number of shared entities.
func Score(minHammingDistance, sharedEntities int) float64 {
	distanceScore := 1 - float64(minHammingDistance)/float64(geo.FingerprintBits)
	entityScore := math.Min(1, float64(sharedEntities)/entitySaturation)
	return distanceScore*distanceWeight + entityScore*entityWeight
}

// shouldJoin requires the score to exceed the threshold strictly.
func shouldJoin(score, threshold float64) bool {
	return score > threshold
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// normalizeEntities trims, lowercases and deduplicates entity texts.
func normalizeEntities(entities []string) map[string]struct{} {
	out := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		key := strings.ToLower(strings.TrimSpace(e))
		if key == "" {
			continue
		}
		out[key] = struct{}{}
	}
	return out
}

func sharedCount(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for key := range a {
		if _, ok := b[key]; ok {
			n++
		}
	}
	return n
}
