// Package cache provides the durable key-value capability consumed by
// the metrics ingest: best-effort TTL storage backed by a single JSON
// file written atomically (temp file + rename). In-memory state
// elsewhere in the system stays authoritative; this is a durability
// hint, not a source of truth.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrCorruptedCache marks a cache file that cannot be decoded.
	ErrCorruptedCache = errors.New("cache file is corrupted")
	// ErrIncompatibleVersion marks an unknown schema version.
	ErrIncompatibleVersion = errors.New("cache schema version is incompatible")
)

const schemaVersion = 1

type entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"` // unix millis; 0 = never
}

type fileData struct {
	Entries   map[string]entry `json:"entries"`
	SchemaVer int              `json:"schema_version"`
}

// FileCache is a thread-safe file-backed TTL store.
type FileCache struct {
	path    string
	mu      sync.Mutex
	entries map[string]entry
}

// Open loads the cache at path, starting empty if the file does not
// exist yet.
func Open(path string) (*FileCache, error) {
	c := &FileCache{path: path, entries: make(map[string]entry)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedCache, err)
	}
	if data.SchemaVer != schemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	if data.Entries != nil {
		c.entries = data.Entries
	}
	return c, nil
}

// Set stores value under key with the given TTL. A non-positive TTL
// stores the entry without expiry.
func (c *FileCache) Set(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{Value: raw, ExpiresAt: expires}
	return c.persistLocked()
}

// Get returns the raw value stored under key. Expired entries are
// dropped lazily and reported as absent.
func (c *FileCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.ExpiresAt != 0 && e.ExpiresAt < time.Now().UnixMilli() {
		delete(c.entries, key)
		return nil, false
	}
	return e.Value, true
}

// Purge removes all expired entries and persists the result. Returns
// the number of entries removed.
func (c *FileCache) Purge() (int, error) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.ExpiresAt != 0 && e.ExpiresAt < now {
			delete(c.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.persistLocked()
}

// Len returns the number of stored entries, expired ones included.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// persistLocked writes the cache atomically: temp file first, then
// rename over the real path. Callers must hold c.mu.
func (c *FileCache) persistLocked() error {
	data := fileData{Entries: c.entries, SchemaVer: schemaVersion}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}
