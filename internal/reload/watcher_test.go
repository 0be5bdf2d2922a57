package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/timzifer/wearsync/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateIncludesSourcesIconAndRoot(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "10-base.yaml")
	override := filepath.Join(dir, "20-override.yaml")
	icon := filepath.Join(dir, "icon.png")

	writeFile(t, base, "name: watch")
	writeFile(t, override, "hot_reload: true")
	writeFile(t, icon, "png")

	cfg := &config.Config{
		Sources:   []string{base, override},
		Companion: config.CompanionConfig{IconFile: icon},
	}

	var watcher Watcher
	if err := watcher.Update(dir, cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(watcher.files) != 4 {
		t.Fatalf("expected 4 tracked files, got %d", len(watcher.files))
	}
	for _, path := range []string{base, override, icon, dir} {
		if _, ok := watcher.files[path]; !ok {
			t.Fatalf("%s not tracked", path)
		}
	}
}

func TestWatcherReportsIconOnceItAppears(t *testing.T) {
	dir := t.TempDir()
	icon := filepath.Join(dir, "icon.png")

	cfg := &config.Config{Companion: config.CompanionConfig{IconFile: icon}}

	watcher, err := NewWatcher("", cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if changed, _ := watcher.Check(); len(changed) != 0 {
		t.Fatalf("missing file reported before it exists: %v", changed)
	}

	writeFile(t, icon, "png")
	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !reflect.DeepEqual(changed, []string{icon}) {
		t.Fatalf("Check() = %v, want [%s]", changed, icon)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	cfg := &config.Config{Sources: []string{fileA, fileB}}

	watcher, err := NewWatcher("", cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	expected := []string{fileA, fileB}
	sort.Strings(expected)
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("Check() = %v, want %v", changed, expected)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update("", &config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
