package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveResults(t *testing.T) {
	dir := t.TempDir()
	files := map[string]bool{
		"3f2a_out.avi": true,
		"9bc1.jpg":     true,
		"keep.txt":     false,
		"clip.mp4":     false,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := removeResults(dir)
	if err != nil {
		t.Fatalf("removeResults() error = %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	for name, gone := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if gone && !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
		if !gone && err != nil {
			t.Errorf("%s should still exist: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "nested.jpg")); err != nil {
		t.Errorf("directories must be left alone: %v", err)
	}
}

func TestRemoveResultsMissingDir(t *testing.T) {
	n, err := removeResults(filepath.Join(t.TempDir(), "absent"))
	if err != nil || n != 0 {
		t.Errorf("removeResults(missing) = %d, %v; want 0, nil", n, err)
	}
}
