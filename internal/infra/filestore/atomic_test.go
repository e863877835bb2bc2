package filestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteCreatesParentsAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "queue", "default.queue.json")

	if err := AtomicWrite(target, []byte(`[]`), 0o600); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if err := AtomicWrite(target, []byte(`[{"type":"markCompleted"}]`), 0o600); err != nil {
		t.Fatalf("AtomicWrite overwrite: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `[{"type":"markCompleted"}]` {
		t.Fatalf("unexpected content: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the target file, got %v", names)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
}

func TestReadFileOrEmptyMissingReturnsNilNil(t *testing.T) {
	data, err := ReadFileOrEmpty(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil data, got: %s", data)
	}
}

func TestRemoveIfExists(t *testing.T) {
	target := filepath.Join(t.TempDir(), "q.json")
	if err := RemoveIfExists(target); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := RemoveIfExists(target); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	t.Setenv("AUTOPILOT_TEST_ROOT", "/srv/autopilot")

	cases := []struct {
		configured, fallback, want string
	}{
		{"", ".autopilot/tasks.json", ".autopilot/tasks.json"},
		{"~/tasks.json", "", filepath.Join(home, "tasks.json")},
		{"$AUTOPILOT_TEST_ROOT/queue", "", "/srv/autopilot/queue"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := ResolvePath(tc.configured, tc.fallback); got != tc.want {
			t.Fatalf("ResolvePath(%q, %q) = %q, want %q", tc.configured, tc.fallback, got, tc.want)
		}
	}
}
