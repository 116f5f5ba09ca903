package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data", "sample.json")

	want := []sample{{Name: "a", Count: 1}, {Name: "b", Count: 2}}
	if err := Persist(path, want); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, ok, err := Load[[]sample](path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("Load: ok = false, want true")
	}
	if len(got) != len(want) || got[0].Name != "a" || got[1].Count != 2 {
		t.Errorf("Load round-trip = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	got, ok, err := Load[[]sample](path)
	if err != nil {
		t.Fatalf("Load: unexpected error %v", err)
	}
	if ok {
		t.Errorf("Load: ok = true for missing file, want false")
	}
	if len(got) != 0 {
		t.Errorf("Load: got %+v, want zero value", got)
	}
}

func TestLoadCorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, ok, err := Load[[]sample](path)
	if err != nil {
		t.Fatalf("Load: unexpected error %v", err)
	}
	if ok {
		t.Errorf("Load: ok = true for corrupt file, want false")
	}
	if len(got) != 0 {
		t.Errorf("Load: got %+v, want zero value", got)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original corrupt file still present at %s", path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	foundQuarantined := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && e.Name() != "corrupt.json" {
			foundQuarantined = true
		}
	}
	if !foundQuarantined {
		t.Errorf("expected a quarantined file in %s, got entries %v", dir, entries)
	}
}

func TestPersistEmptyPayloadRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")

	if err := Persist(path, []sample{{Name: "x"}}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist after first persist: %v", err)
	}

	if err := Persist(path, []sample(nil)); err != nil {
		t.Fatalf("Persist empty: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file removed after persisting empty payload, stat err = %v", err)
	}
}

func TestReinterpret(t *testing.T) {
	var loose any = map[string]any{"name": "a", "count": float64(2)}
	got, ok, err := Reinterpret[sample](loose)
	if err != nil {
		t.Fatalf("Reinterpret: %v", err)
	}
	if !ok {
		t.Fatalf("Reinterpret: ok = false")
	}
	if got.Name != "a" || got.Count != 2 {
		t.Errorf("Reinterpret = %+v, want {a 2}", got)
	}
}
