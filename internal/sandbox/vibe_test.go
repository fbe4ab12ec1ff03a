package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVibeDisks(t *testing.T) {
	dir := t.TempDir()
	e := NewVibe(dir, "base.raw")
	if err := os.WriteFile(filepath.Join(dir, "base.raw"), []byte("base-image"), 0o644); err != nil {
		t.Fatalf("seed base: %v", err)
	}

	t.Run("lazy clone", func(t *testing.T) {
		disk, err := e.ensureDisk("family")
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if disk != filepath.Join(dir, "family.raw") {
			t.Fatalf("disk path = %q", disk)
		}
		data, err := os.ReadFile(disk)
		if err != nil || string(data) != "base-image" {
			t.Fatalf("clone content: %q err=%v", data, err)
		}
		// Second call reuses the existing disk.
		if err := os.WriteFile(disk, []byte("mutated"), 0o644); err != nil {
			t.Fatalf("mutate: %v", err)
		}
		if _, err := e.ensureDisk("family"); err != nil {
			t.Fatalf("ensure again: %v", err)
		}
		data, _ = os.ReadFile(disk)
		if string(data) != "mutated" {
			t.Fatal("existing disk was re-cloned")
		}
	})

	t.Run("stats exclude base", func(t *testing.T) {
		stats, err := e.Stats()
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if len(stats) != 1 || stats[0].Folder != "family" {
			t.Fatalf("stats = %+v", stats)
		}
	})

	t.Run("reset removes disk", func(t *testing.T) {
		if err := e.Reset("family"); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if _, err := os.Stat(e.DiskPath("family")); !os.IsNotExist(err) {
			t.Fatal("disk survived reset")
		}
		// Resetting a folder with no disk is fine.
		if err := e.Reset("family"); err != nil {
			t.Fatalf("reset empty: %v", err)
		}
	})

	t.Run("missing base fails", func(t *testing.T) {
		other := NewVibe(t.TempDir(), "base.raw")
		if _, err := other.ensureDisk("x"); err == nil {
			t.Fatal("expected missing-base error")
		}
	})
}
