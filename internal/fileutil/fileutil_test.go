package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDigestFileIsStable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	da, size, err := DigestFile(a)
	if err != nil {
		t.Fatal(err)
	}
	db, _, err := DigestFile(b)
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Fatalf("expected equal digests, got %s and %s", da, db)
	}
	if size != 11 {
		t.Fatalf("unexpected size %d", size)
	}
	if len(da) != 64 {
		t.Fatalf("expected 256-bit hex digest, got %q", da)
	}

	other, _, err := Digest(strings.NewReader("hello world!"))
	if err != nil {
		t.Fatal(err)
	}
	if other == da {
		t.Fatal("expected different content to produce a different digest")
	}
}

func TestMoveIntoPlaceCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "partial", "a.txt")
	dst := filepath.Join(dir, "root", "nested", "a.txt")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MoveIntoPlace(src, dst); err != nil {
		t.Fatalf("MoveIntoPlace: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content" {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed, stat err %v", err)
	}
}

func TestCopyFileVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	content := make([]byte, 128*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatalf("CopyFileVerified: %v", err)
	}
	want, _, _ := DigestFile(src)
	got, _, _ := DigestFile(dst)
	if want != got {
		t.Fatalf("digest mismatch after copy")
	}
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveIfExists(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
	path := filepath.Join(dir, "present")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RemoveIfExists(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed")
	}
}
