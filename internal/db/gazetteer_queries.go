package db

import (
	"context"
	"fmt"
	"strings"
)

// GazetteerPlace is one place with every name variant it is known by.
type GazetteerPlace struct {
	PlaceID       int64
	CanonicalName string
	CountryCode   string
	Names         []string
}

// Coordinates is a WGS84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// ListGazetteerPlaces returns every place with its canonical name first in
// Names followed by the remaining variants.
func (p *Pool) ListGazetteerPlaces(ctx context.Context) ([]GazetteerPlace, error) {
	const q = `
SELECT
	p.place_id,
	p.canonical_name,
	COALESCE(p.country_code, ''),
	COALESCE(n.name, '')
FROM geo.places p
LEFT JOIN geo.place_names n
	ON n.place_id = p.place_id
ORDER BY p.place_id ASC, n.is_canonical DESC NULLS LAST, n.place_name_id ASC
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query gazetteer places: %w", err)
	}
	defer rows.Close()

	places := make([]GazetteerPlace, 0, 256)
	for rows.Next() {
		var (
			placeID       int64
			canonicalName string
			countryCode   string
			name          string
		)
		if err := rows.Scan(&placeID, &canonicalName, &countryCode, &name); err != nil {
			return nil, fmt.Errorf("scan gazetteer place: %w", err)
		}

		if len(places) == 0 || places[len(places)-1].PlaceID != placeID {
			places = append(places, GazetteerPlace{
				PlaceID:       placeID,
				CanonicalName: canonicalName,
				CountryCode:   countryCode,
				Names:         []string{canonicalName},
			})
		}

		current := &places[len(places)-1]
		name = strings.TrimSpace(name)
		if name == "" || containsFold(current.Names, name) {
			continue
		}
		current.Names = append(current.Names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gazetteer places: %w", err)
	}

	return places, nil
}

// GetPlaceCoordinates returns nil coordinates when the place has none.
func (p *Pool) GetPlaceCoordinates(ctx context.Context, placeID int64) (*Coordinates, error) {
	const q = `
SELECT latitude, longitude
FROM geo.places
WHERE place_id = $1
`

	var lat, lon *float64
	if err := p.QueryRow(ctx, q, placeID).Scan(&lat, &lon); err != nil {
		return nil, notFound(err, "place", placeID)
	}
	if lat == nil || lon == nil {
		return nil, nil
	}
	return &Coordinates{Latitude: *lat, Longitude: *lon}, nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
