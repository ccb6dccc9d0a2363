// Package refdata caches backend reference data (sites, checkpoints)
// on disk so geofence and patrol checks work offline.
package refdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"example.com/fieldsync/internal/domain"
)

// Snapshot is one cached pull of reference data. Staleness is
// tolerated: sites and checkpoints change rarely, and an old snapshot
// beats none when the device is offline.
type Snapshot struct {
	Sites       []domain.Site       `cbor:"sites"`
	Checkpoints []domain.Checkpoint `cbor:"checkpoints"`
	FetchedAt   time.Time           `cbor:"fetched_at"`
}

// Cache holds the snapshot in memory and mirrors it to a file. It
// implements the site and checkpoint sources the attendance gate and
// patrol verifier consume.
type Cache struct {
	mu       sync.RWMutex
	path     string
	snapshot Snapshot
}

// Open loads the snapshot at path if one exists. A missing file is
// not an error; the cache starts empty until the first refresh.
func Open(path string) (*Cache, error) {
	cache := &Cache{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache, nil
		}
		return nil, fmt.Errorf("reading reference cache %q: %w", path, err)
	}
	if err := cbor.Unmarshal(data, &cache.snapshot); err != nil {
		// A corrupt snapshot is discarded, not fatal: the next online
		// refresh rewrites it.
		cache.snapshot = Snapshot{}
	}
	return cache, nil
}

// Refresh replaces the snapshot and rewrites the file via temp file
// and rename, so a crash mid-write leaves the previous snapshot
// intact.
func (c *Cache) Refresh(sites []domain.Site, checkpoints []domain.Checkpoint) error {
	snapshot := Snapshot{
		Sites:       sites,
		Checkpoints: checkpoints,
		FetchedAt:   time.Now().UTC(),
	}

	data, err := cbor.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding reference snapshot: %w", err)
	}

	tmpPath := c.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
	return nil
}

// Sites returns the cached sites.
func (c *Cache) Sites() []domain.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Site, len(c.snapshot.Sites))
	copy(out, c.snapshot.Sites)
	return out
}

// Checkpoints returns the cached checkpoints of a site ordered by
// their order index.
func (c *Cache) Checkpoints(siteID string) []domain.Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Checkpoint, 0)
	for _, cp := range c.snapshot.Checkpoints {
		if cp.SiteID == siteID {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// FetchedAt reports when the snapshot was last refreshed; zero when
// the cache has never been filled.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.FetchedAt
}
