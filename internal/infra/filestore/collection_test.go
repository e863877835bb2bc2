package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	jsonx "autopilot/internal/shared/json"
)

func newTestCollection(t *testing.T) *Collection[string, int] {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "counts.json")
	return NewCollection[string, int](CollectionConfig{FilePath: fp, Name: "counts"})
}

func put(c *Collection[string, int], key string, value int) error {
	return c.Mutate(func(items map[string]int) error {
		items[key] = value
		return nil
	})
}

func TestCollectionMutatePersists(t *testing.T) {
	c := newTestCollection(t)
	if err := put(c, "a", 1); err != nil {
		t.Fatal(err)
	}

	reloaded := NewCollection[string, int](CollectionConfig{FilePath: c.Path(), Name: "counts"})
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if v, ok := reloaded.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
}

func TestCollectionMutateErrorRollsBack(t *testing.T) {
	c := newTestCollection(t)
	_ = put(c, "a", 1)

	err := c.Mutate(func(items map[string]int) error {
		items["a"] = 99
		items["b"] = 2
		return errors.New("rejected")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if v, _ := c.Get("a"); v != 1 {
		t.Fatalf("expected rollback to 1, got %d", v)
	}
	if c.Len() != 1 {
		t.Fatalf("expected len=1, got %d", c.Len())
	}
}

func TestCollectionPersistFailureRollsBack(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory permissions differ on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "locked")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	c := NewCollection[string, int](CollectionConfig{FilePath: filepath.Join(dir, "counts.json"), Name: "counts"})
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err := put(c, "a", 1)
	var persistErr *PersistError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected rollback, len=%d", c.Len())
	}
}

func TestCollectionCustomEnvelope(t *testing.T) {
	c := newTestCollection(t)
	type doc struct {
		Counts map[string]int `json:"counts"`
	}
	c.SetMarshalDoc(func(items map[string]int) ([]byte, error) {
		return jsonx.MarshalDocument(doc{Counts: items})
	})
	c.SetUnmarshalDoc(func(data []byte) (map[string]int, error) {
		var d doc
		if err := jsonx.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d.Counts, nil
	})
	if err := put(c, "x", 7); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatal(err)
	}
	var d doc
	if err := jsonx.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Counts["x"] != 7 {
		t.Fatalf("unexpected document: %s", data)
	}
}

func TestCollectionRefreshPicksUpExternalWrites(t *testing.T) {
	c := newTestCollection(t)
	if err := put(c, "a", 1); err != nil {
		t.Fatal(err)
	}

	// Another writer replaces the file.
	later := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(c.Path(), []byte(`{"a":1,"b":2}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(c.Path(), later, later); err != nil {
		t.Fatal(err)
	}

	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("Get(b) = %v, %v", v, ok)
	}
}

func TestCollectionLoadMissingFile(t *testing.T) {
	c := newTestCollection(t)
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty collection")
	}
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
}

func TestCollectionInMemory(t *testing.T) {
	c := NewCollection[string, int](CollectionConfig{})
	if err := put(c, "a", 1); err != nil {
		t.Fatal(err)
	}
	c.ReadLocked(func(items map[string]int) {
		if items["a"] != 1 {
			t.Fatalf("unexpected items %v", items)
		}
	})
}

func TestCollectionUnchangedSkipsWrite(t *testing.T) {
	c := newTestCollection(t)
	err := c.Mutate(func(map[string]int) error { return ErrUnchanged })
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if _, statErr := os.Stat(c.Path()); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected no file, stat err=%v", statErr)
	}
}
