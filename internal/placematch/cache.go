package placematch

import (
	"context"
	"sync"
	"time"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/globaltime"
)

type placeLoader func(ctx context.Context) ([]db.GazetteerPlace, error)

// placeCache holds the compiled gazetteer for ttl. A failed refresh keeps
// serving the previous list; only a cold cache surfaces the error.
type placeCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	places    []compiledPlace
	fetchedAt time.Time
	loaded    bool
}

type cacheRead struct {
	places    []compiledPlace
	refreshed bool
	stale     bool
	err       error
}

func newPlaceCache(ttl time.Duration) *placeCache {
	return &placeCache{ttl: ttl}
}

func (c *placeCache) get(ctx context.Context, load placeLoader) cacheRead {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && globaltime.Since(c.fetchedAt) < c.ttl {
		return cacheRead{places: c.places}
	}

	places, err := load(ctx)
	if err != nil {
		if c.loaded {
			return cacheRead{places: c.places, stale: true, err: err}
		}
		return cacheRead{err: err}
	}

	c.places = compilePlaces(places)
	c.fetchedAt = globaltime.UTC()
	c.loaded = true
	return cacheRead{places: c.places, refreshed: true}
}

// invalidate forces the next get to reload while keeping the current list
// as the fallback.
func (c *placeCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}
