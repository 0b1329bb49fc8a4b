package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if !IsSessionID(id) {
			t.Fatalf("Expected 8 hex characters, got %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate session id %q after %d ids", id, i)
		}
		seen[id] = true
	}
}

func TestIsSessionID(t *testing.T) {
	cases := map[string]bool{
		"ab12cd34":  true,
		"AB12CD34":  false,
		"ab12cd3":   false,
		"ab12cd345": false,
		"../etc/pw": false,
	}
	for in, want := range cases {
		if got := IsSessionID(in); got != want {
			t.Errorf("IsSessionID(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestPurgeDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")

	if err := PurgeDir(dir); err != nil {
		t.Fatalf("PurgeDir on missing dir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.mid"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := MakeDir(filepath.Join(dir, "nested")); err != nil {
		t.Fatal(err)
	}

	if err := PurgeDir(dir); err != nil {
		t.Fatalf("PurgeDir failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Expected directory to survive purge: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty directory, got %d entries", len(entries))
	}
}

func TestWriteFileAndFindByPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ab12cd34_song.mid")

	n, err := WriteFile(path, strings.NewReader("MThd"))
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 bytes written, got %d", n)
	}

	got, ok := FindByPrefix(dir, "ab12cd34", ".xml", ".mid")
	if !ok || got != path {
		t.Errorf("Expected %s, got %s (found=%v)", path, got, ok)
	}
	if _, ok := FindByPrefix(dir, "ab12cd34", ".wav"); ok {
		t.Error("Expected no match for .wav")
	}
	if _, ok := FindByPrefix(dir, "ffffffff", ".mid"); ok {
		t.Error("Expected no match for unknown prefix")
	}
}
