package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultFileIO_WriteCreatesParent(t *testing.T) {
	ctx := context.Background()
	fn := filepath.Join(t.TempDir(), "a", "b", "file.txt")
	fio := NewFileIO()
	if err := fio.WriteFile(ctx, fn, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ba, err := fio.ReadFile(ctx, fn)
	if err != nil || string(ba) != "x" {
		t.Fatalf("ReadFile got %q, %v", ba, err)
	}
}

func TestDefaultFileIO_NotExistIsNotRetried(t *testing.T) {
	ctx := context.Background()
	fio := NewFileIO()
	_, err := fio.ReadFile(ctx, filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadFile of missing file got %v, expected os.ErrNotExist", err)
	}
	if err := fio.Remove(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Remove of missing file got %v, expected os.ErrNotExist", err)
	}
}

// Negative control: a permanent error surfaces instead of being swallowed.
func TestDefaultFileIO_PermanentErrorSurface(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fn := filepath.Join(base, "no_parent", "file.txt")
	// A file at the parent path makes MkdirAll inside WriteFile fail.
	if err := os.WriteFile(filepath.Dir(fn), []byte("blockdir"), 0o644); err != nil {
		t.Fatalf("prep: %v", err)
	}
	fio := NewFileIO()
	if err := fio.WriteFile(ctx, fn, []byte("x"), 0o644); err == nil {
		t.Fatalf("expected error when parent path is a file")
	}
}

func TestDefaultFileIO_Rename(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fio := NewFileIO()
	src, dst := filepath.Join(base, "src"), filepath.Join(base, "dst")
	fio.WriteFile(ctx, src, []byte("x"), 0o644)
	if err := fio.Rename(ctx, src, dst); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	srcFound, err := fio.Exists(ctx, src)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	dstFound, err := fio.Exists(ctx, dst)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if srcFound || !dstFound {
		t.Errorf("Rename did not move the file")
	}
}

func TestDefaultFileIO_ExistsReportsErrors(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	fio := NewFileIO()

	if found, err := fio.Exists(ctx, filepath.Join(base, "missing")); err != nil || found {
		t.Errorf("Exists of missing file got %v, %v", found, err)
	}
	found, err := fio.Exists(ctx, filepath.Join(base, strings.Repeat("n", 300)))
	if err == nil || found {
		t.Errorf("Exists of a name above NAME_MAX got %v, %v, expected an error", found, err)
	}
}

func TestDirPermission(t *testing.T) {
	if got := dirPermission(0o644); got != 0o755 {
		t.Errorf("dirPermission(0644) = %o, expected 0755", got)
	}
	if got := dirPermission(0o600); got != 0o700 {
		t.Errorf("dirPermission(0600) = %o, expected 0700", got)
	}
}
