package geofence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/types"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a loaded geofence set is served before reloading
const DefaultTTL = 5 * time.Minute

// Source loads the authoritative geofence set
type Source interface {
	ListGeofences(ctx context.Context) ([]*types.GeofenceDefinition, error)
}

// Cache serves the geofence set from memory and reloads it from Source once
// the TTL lapses or after Invalidate. Concurrent misses share one load.
type Cache struct {
	source Source
	ttl    time.Duration
	clock  quartz.Clock

	mu         sync.RWMutex
	fences     []*types.GeofenceDefinition
	loadedAt   time.Time
	loaded     bool
	generation uint64

	group singleflight.Group
}

// NewCache creates a cache in front of source. A non-positive ttl uses DefaultTTL.
func NewCache(source Source, ttl time.Duration, clock quartz.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		clock:  clock,
	}
}

// Get returns the current geofence set. The returned slice is shared and must
// not be modified.
func (c *Cache) Get(ctx context.Context) ([]*types.GeofenceDefinition, error) {
	c.mu.RLock()
	if c.loaded && c.clock.Since(c.loadedAt) < c.ttl {
		fences := c.fences
		c.mu.RUnlock()
		return fences, nil
	}
	generation := c.generation
	c.mu.RUnlock()

	v, err, _ := c.group.Do(fmt.Sprint(generation), func() (interface{}, error) {
		fences, err := c.source.ListGeofences(ctx)
		if err != nil {
			return nil, types.Transient("load geofences", err)
		}

		c.mu.Lock()
		// An Invalidate during the load means this result may predate it
		if c.generation == generation {
			c.fences = fences
			c.loadedAt = c.clock.Now()
			c.loaded = true
		}
		c.mu.Unlock()
		return fences, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.GeofenceDefinition), nil
}

// Invalidate forces the next Get to reload
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = false
	c.fences = nil
	c.generation++
}
