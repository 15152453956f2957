package dump

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWriter_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dumps")

	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("Dump directory not created: %v", err)
	}
	if w.Dir() != dir {
		t.Errorf("Expected dir %s, got %s", dir, w.Dir())
	}
}

func TestNewWriter_EmptyDir(t *testing.T) {
	if _, err := NewWriter(""); err == nil {
		t.Fatal("Expected error for empty directory")
	}
}

func TestWrite(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte{0x30, 0x39, 0x01, 0x00}
	path, err := w.Write(DirectionIn, data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	name := filepath.Base(path)
	if !strings.HasPrefix(name, "dns_in_") {
		t.Errorf("Expected direction tag in name, got %s", name)
	}
	if !strings.HasSuffix(name, ".bin") {
		t.Errorf("Expected .bin extension, got %s", name)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Error("Dumped bytes differ from input")
	}
}

func TestWrite_UniqueNames(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		path, writeErr := w.Write(DirectionOut, []byte{byte(i)})
		if writeErr != nil {
			t.Fatalf("Write %d failed: %v", i, writeErr)
		}
		if seen[path] {
			t.Fatalf("Duplicate dump file name: %s", path)
		}
		seen[path] = true
	}
}

func TestWrite_UnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Remove the directory out from under the writer
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Write(DirectionIn, []byte{0x00}); err == nil {
		t.Fatal("Expected error writing into removed directory")
	}
}
