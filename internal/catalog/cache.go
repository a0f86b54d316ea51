// Package catalog caches the slot and resource catalog and seeds it from YAML.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"github.com/patrickmn/go-cache"
)

const (
	slotKeyPrefix     = "slot:"
	resourceKeyPrefix = "resource:"
)

// Cached is a read-through cache in front of a booking.Catalog. Lookups that fail are not cached.
type Cached struct {
	source booking.Catalog
	store  *cache.Cache
	ttl    time.Duration
}

// NewCached wraps source. A non-positive ttl keeps entries until Invalidate is called.
func NewCached(source booking.Catalog, ttl time.Duration) (*Cached, error) {
	if source == nil {
		return nil, errors.New("catalog: nil source")
	}
	expiration := ttl
	if ttl <= 0 {
		expiration = cache.NoExpiration
	}
	cleanup := 2 * ttl
	if ttl <= 0 {
		cleanup = 0
	}
	return &Cached{
		source: source,
		store:  cache.New(expiration, cleanup),
		ttl:    expiration,
	}, nil
}

func (cached *Cached) GetSlot(ctx context.Context, slotID booking.SlotID) (booking.Slot, error) {
	key := slotKeyPrefix + slotID.String()
	if value, found := cached.store.Get(key); found {
		return value.(booking.Slot), nil
	}
	slot, err := cached.source.GetSlot(ctx, slotID)
	if err != nil {
		return booking.Slot{}, err
	}
	cached.store.Set(key, slot, cached.ttl)
	return slot, nil
}

func (cached *Cached) GetResources(ctx context.Context, resourceIDs []booking.ResourceID) ([]booking.Resource, error) {
	found := make(map[booking.ResourceID]booking.Resource, len(resourceIDs))
	var missing []booking.ResourceID
	for _, resourceID := range resourceIDs {
		if value, ok := cached.store.Get(resourceKeyPrefix + resourceID.String()); ok {
			found[resourceID] = value.(booking.Resource)
			continue
		}
		missing = append(missing, resourceID)
	}
	if len(missing) > 0 {
		loaded, err := cached.source.GetResources(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, resource := range loaded {
			found[resource.ID] = resource
			cached.store.Set(resourceKeyPrefix+resource.ID.String(), resource, cached.ttl)
		}
	}
	resources := make([]booking.Resource, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		resource, ok := found[resourceID]
		if !ok {
			return nil, booking.ErrUnknownResource
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

// Invalidate drops every cached entry, typically after an import.
func (cached *Cached) Invalidate() {
	cached.store.Flush()
}
