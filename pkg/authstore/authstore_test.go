package authstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesEmptyDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "auth_info")
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	creds, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("creds = %v, want empty", creds)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected auth dir to be created, stat err = %v", err)
	}
}

func TestSaveMergesAndLoadRoundTrips(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := store.Save(Credentials{
		"creds":             json.RawMessage(`{"me":{"id":"5511999999999:1@s.whatsapp.net"}}`),
		"pre-key/1":         json.RawMessage(`{"k":1}`),
		"app-state:regular": json.RawMessage(`[1,2]`),
	}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Save(Credentials{"pre-key/1": json.RawMessage(`null`), "session": json.RawMessage(`"abc"`)}); err != nil {
		t.Fatalf("second Save error: %v", err)
	}

	creds, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(creds) != 3 {
		t.Fatalf("creds keys = %d, want 3: %v", len(creds), creds)
	}
	if _, ok := creds["pre-key/1"]; ok {
		t.Fatal("expected null value to remove key")
	}
	if got := string(creds["app-state:regular"]); got != `[1,2]` {
		t.Fatalf("app-state = %s", got)
	}
	if got := string(creds["session"]); got != `"abc"` {
		t.Fatalf("session = %s", got)
	}
}

func TestLoadRejectsCorruptCredential(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "creds.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, _ := New(dir)
	if _, err := store.Load(); err == nil {
		t.Fatal("expected corrupt credential error")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "auth")
	store, _ := New(dir)
	if err := store.Save(Credentials{"creds": json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second Clear error: %v", err)
	}

	creds, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("creds after clear = %v, want empty", creds)
	}
}

func TestNewRequiresDirectory(t *testing.T) {
	t.Parallel()

	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
