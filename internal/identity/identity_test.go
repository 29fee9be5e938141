package identity

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLoad_MintsAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(id, "user_") {
		t.Errorf("id = %q, want user_ prefix", id)
	}

	raw, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	if err != nil {
		t.Fatalf("reading persisted id: %v", err)
	}
	if strings.TrimSpace(string(raw)) != id {
		t.Errorf("persisted %q, returned %q", raw, id)
	}
}

func TestLoad_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if first != second {
		t.Errorf("ids differ across loads: %q vs %q", first, second)
	}
}

func TestLoad_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load into missing dir: %v", err)
	}
}

func TestLoad_IgnoresEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id == "" {
		t.Error("blank persisted file should mint a fresh id")
	}
}

func TestLoad_ConcurrentFirstUse(t *testing.T) {
	dir := t.TempDir()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := Load(dir)
			if err != nil {
				t.Errorf("Load: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent loaders diverged: %q vs %q", ids[0], ids[i])
		}
	}
}
