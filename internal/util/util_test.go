package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTaskIDPrefixAndUnique(t *testing.T) {
	a := NewTaskID()
	b := NewTaskID()
	if !strings.HasPrefix(a, "task_") {
		t.Fatalf("expected task_ prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}

func TestMoveRefusesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	dst := filepath.Join(dir, "nested", "b.png")
	if err := os.WriteFile(src, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Move(src, dst); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed, stat err=%v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "img" {
		t.Fatalf("unexpected destination content %q err=%v", got, err)
	}

	if err := os.WriteFile(src, []byte("again"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Move(src, dst); err == nil {
		t.Fatalf("expected error moving onto existing file")
	}
}
