package filestore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	jsonx "autopilot/internal/shared/json"
)

// CollectionConfig configures a Collection.
type CollectionConfig struct {
	FilePath string      // empty = in-memory only
	Perm     os.FileMode // file permissions; default 0o600
	Name     string      // used in error messages
}

// Collection is an in-memory map mirrored to one JSON file. Every mutation
// is persisted atomically before it becomes visible; a mutation whose write
// fails is rolled back.
//
// Another process may rewrite the file between calls. Refresh picks up such
// changes by comparing the file's modification time with the last one seen.
type Collection[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]V
	filePath string
	perm     os.FileMode
	name     string
	modTime  time.Time

	marshalDoc   func(map[K]V) ([]byte, error)
	unmarshalDoc func([]byte) (map[K]V, error)
	cloneValue   func(V) V
}

// NewCollection creates a Collection. Call Load to populate it from disk.
func NewCollection[K comparable, V any](cfg CollectionConfig) *Collection[K, V] {
	perm := cfg.Perm
	if perm == 0 {
		perm = 0o600
	}
	name := cfg.Name
	if name == "" {
		name = "collection"
	}
	return &Collection[K, V]{
		items:    make(map[K]V),
		filePath: cfg.FilePath,
		perm:     perm,
		name:     name,
	}
}

// SetMarshalDoc sets the encoder for the on-disk envelope.
func (c *Collection[K, V]) SetMarshalDoc(fn func(map[K]V) ([]byte, error)) {
	c.marshalDoc = fn
}

// SetUnmarshalDoc sets the decoder for the on-disk envelope.
func (c *Collection[K, V]) SetUnmarshalDoc(fn func([]byte) (map[K]V, error)) {
	c.unmarshalDoc = fn
}

// SetCloneValue sets a deep copy used for rollback snapshots. Without it
// values are copied by assignment.
func (c *Collection[K, V]) SetCloneValue(fn func(V) V) {
	c.cloneValue = fn
}

// Path returns the backing file.
func (c *Collection[K, V]) Path() string {
	return c.filePath
}

// Load reads the backing file into memory. A missing file leaves the
// collection empty.
func (c *Collection[K, V]) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

// Refresh reloads the file when it changed on disk since the last load or
// write.
func (c *Collection[K, V]) Refresh() error {
	if c.filePath == "" {
		return nil
	}
	info, err := os.Stat(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: stat %s: %w", c.name, c.filePath, err)
	}

	c.mu.RLock()
	stale := !info.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Collection[K, V]) loadLocked() error {
	if c.filePath == "" {
		return nil
	}
	info, err := os.Stat(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		c.items = make(map[K]V)
		c.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: stat %s: %w", c.name, c.filePath, err)
	}
	data, err := ReadFileOrEmpty(c.filePath)
	if err != nil {
		return fmt.Errorf("%s: read %s: %w", c.name, c.filePath, err)
	}

	items := make(map[K]V)
	if len(data) > 0 {
		if c.unmarshalDoc != nil {
			items, err = c.unmarshalDoc(data)
		} else {
			err = jsonx.Unmarshal(data, &items)
		}
		if err != nil {
			return fmt.Errorf("%s: decode %s: %w", c.name, c.filePath, err)
		}
		if items == nil {
			items = make(map[K]V)
		}
	}
	c.items = items
	c.modTime = info.ModTime()
	return nil
}

// Get returns the value for key and whether it exists.
func (c *Collection[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if ok && c.cloneValue != nil {
		v = c.cloneValue(v)
	}
	return v, ok
}

// Len returns the number of items.
func (c *Collection[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// ReadLocked calls fn with the live map under a read lock. fn must not
// retain or modify it.
func (c *Collection[K, V]) ReadLocked(fn func(items map[K]V)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.items)
}

// ErrUnchanged may be returned by a Mutate callback that left the map as it
// was; nothing is written and Mutate returns nil.
var ErrUnchanged = errors.New("collection unchanged")

// Mutate gives fn exclusive access to the live map and persists the result.
// If fn fails, or the write fails, the map is restored to its prior state.
// A write failure is returned wrapped in *PersistError.
func (c *Collection[K, V]) Mutate(fn func(items map[K]V) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[K]V, len(c.items))
	for k, v := range c.items {
		if c.cloneValue != nil {
			v = c.cloneValue(v)
		}
		snapshot[k] = v
	}

	if err := fn(c.items); err != nil {
		c.items = snapshot
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}
	if err := c.persistLocked(); err != nil {
		c.items = snapshot
		return &PersistError{Name: c.name, Path: c.filePath, Err: err}
	}
	return nil
}

// PersistError reports that a mutation could not be written to disk.
type PersistError struct {
	Name string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: persist %s: %v", e.Name, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func (c *Collection[K, V]) persistLocked() error {
	if c.filePath == "" {
		return nil
	}

	var data []byte
	var err error
	if c.marshalDoc != nil {
		data, err = c.marshalDoc(c.items)
	} else {
		data, err = jsonx.MarshalDocument(c.items)
	}
	if err != nil {
		return err
	}
	if err := AtomicWrite(c.filePath, data, c.perm); err != nil {
		return err
	}
	if info, err := os.Stat(c.filePath); err == nil {
		c.modTime = info.ModTime()
	}
	return nil
}
