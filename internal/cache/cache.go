// Package cache holds the last-known feature collections per project.
// Collections are written wholesale on every successful fetch and read
// back instantly on project selection while the network fetch runs.
// Staleness is tolerated by design; the cache is a display optimization,
// never a correctness source. A bounded in-memory LRU fronts the durable
// snapshot store so recently browsed projects read without touching disk.
package cache

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/models"
)

// defaultCapacity bounds the in-memory layer to recently used projects.
const defaultCapacity = 16

// SnapshotStore is the durable layer beneath the in-memory cache.
// Implemented by *store.Store; nil means memory-only operation.
type SnapshotStore interface {
	SaveSnapshot(projectID string, payload []byte) error
	LoadSnapshot(projectID string) ([]byte, time.Time, error)
	DeleteSnapshot(projectID string) error
	DeleteAllSnapshots() error
}

// Cache is the entity cache. Single writer (the session controller),
// multiple readers.
type Cache struct {
	mem    *lru[string, models.CachedCollection]
	disk   SnapshotStore
	logger zerolog.Logger
}

// New creates a cache backed by the given snapshot store.
func New(disk SnapshotStore, logger zerolog.Logger) *Cache {
	return &Cache{
		mem:    newLRU[string, models.CachedCollection](defaultCapacity),
		disk:   disk,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Save replaces the cached collection for a project wholesale.
func (c *Cache) Save(projectID string, features []models.Feature) {
	c.write(models.CachedCollection{
		ProjectID: projectID,
		Features:  features,
		SavedAt:   time.Now().UTC(),
	})
}

// write persists a collection to both layers exactly as given. The
// payload carries the whole collection so SavedAt survives round trips.
func (c *Cache) write(col models.CachedCollection) {
	c.mem.put(col.ProjectID, col)

	if c.disk == nil {
		return
	}
	payload, err := json.Marshal(col)
	if err != nil {
		c.logger.Error().Err(err).Str("project", col.ProjectID).Msg("snapshot marshal failed")
		return
	}
	if err := c.disk.SaveSnapshot(col.ProjectID, payload); err != nil {
		c.logger.Warn().Err(err).Str("project", col.ProjectID).Msg("snapshot save failed")
	}
}

// collection returns the full cached collection from memory or disk.
func (c *Cache) collection(projectID string) (models.CachedCollection, bool) {
	if col, ok := c.mem.get(projectID); ok {
		return col, true
	}

	if c.disk == nil {
		return models.CachedCollection{}, false
	}
	payload, savedAt, err := c.disk.LoadSnapshot(projectID)
	if err != nil {
		c.logger.Warn().Err(err).Str("project", projectID).Msg("snapshot load failed")
		return models.CachedCollection{}, false
	}
	if payload == nil {
		return models.CachedCollection{}, false
	}

	var col models.CachedCollection
	if err := json.Unmarshal(payload, &col); err != nil {
		c.logger.Warn().Err(err).Str("project", projectID).Msg("snapshot decode failed")
		return models.CachedCollection{}, false
	}
	col.ProjectID = projectID
	if col.SavedAt.IsZero() {
		col.SavedAt = savedAt
	}

	c.mem.put(projectID, col)
	return col, true
}

// Load returns the last saved collection, or false on a miss. A miss is
// a normal case, not an error.
func (c *Cache) Load(projectID string) ([]models.Feature, bool) {
	col, ok := c.collection(projectID)
	if !ok {
		return nil, false
	}
	return col.Features, true
}

// Remove deletes one feature from a project's cached collection in
// place. Used for deleted change events, which never trigger a refetch.
// The collection keeps its original save time; nothing was fetched.
func (c *Cache) Remove(projectID, featureID string) {
	col, ok := c.collection(projectID)
	if !ok {
		return
	}

	kept := make([]models.Feature, 0, len(col.Features))
	for _, f := range col.Features {
		if f.ID != featureID {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(col.Features) {
		return
	}
	col.Features = kept
	c.write(col)
}

// Clear removes a project's cached collection.
func (c *Cache) Clear(projectID string) {
	c.mem.remove(projectID)
	if c.disk == nil {
		return
	}
	if err := c.disk.DeleteSnapshot(projectID); err != nil {
		c.logger.Warn().Err(err).Str("project", projectID).Msg("snapshot delete failed")
	}
}

// ClearAll removes every cached collection.
func (c *Cache) ClearAll() {
	c.mem.reset()
	if c.disk == nil {
		return
	}
	if err := c.disk.DeleteAllSnapshots(); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot clear failed")
	}
}
