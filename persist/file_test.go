package persist

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileProvider_SaveLoad(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	want := []byte(`{"groups":{}}`)
	if err := p.Save(ctx, CategorySubscriptions, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := p.Load(ctx, CategorySubscriptions)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Load = %q, want %q", got, want)
	}
}

func TestFileProvider_LoadMissing(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	defer p.Close()

	data, err := p.Load(context.Background(), CategorySchedules)
	if err != nil {
		t.Fatalf("Load of missing category failed: %v", err)
	}
	if data != nil {
		t.Errorf("Load of missing category = %q, want nil", data)
	}
}

func TestFileProvider_SaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Save(ctx, CategorySoftBans, []byte("first")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := p.Save(ctx, CategorySoftBans, []byte("second")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// No temp files may survive a completed save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileProvider_WatchSeesExternalChange(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	defer p.Close()

	var mu sync.Mutex
	changed := make(map[string]int)
	if err := p.Watch(func(category string) {
		mu.Lock()
		changed[category]++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// An external process rewriting the file must trigger the callback.
	path := filepath.Join(dir, CategoryFeeds+".json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := changed[CategoryFeeds]
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("external change was not observed")
}

func TestFileProvider_WatchIgnoresOwnSaves(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	defer p.Close()

	var mu sync.Mutex
	fired := 0
	if err := p.Watch(func(string) {
		mu.Lock()
		fired++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := p.Save(context.Background(), CategoryMembership, []byte("{}")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	time.Sleep(2 * changeDebounce)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("own save triggered %d change callbacks", fired)
	}
}
