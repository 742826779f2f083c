// Package journaltest provides the shared scaffolding the package's tests
// are built on: a slog handler that routes through testing.T, thin
// must-succeed wrappers around Create/Open, and file-level corruption
// helpers (truncate, flip-bit) for exercising the recovery paths.
package journaltest

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	journal "github.com/andreyvit/pjournal"
)

// Logger returns an slog.Logger that writes through t.Log, so a failing
// test shows the library's own diagnostics inline.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	n := len(buf)
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return n, nil
}

// Options builds a journal.Options with the given user magic and a logger
// wired to t.
func Options(t testing.TB, userMagic uint64) journal.Options {
	return journal.Options{
		UserMagic: userMagic,
		Logger:    Logger(t),
	}
}

func MustCreate(t testing.TB, dir, name string, opts journal.Options) *journal.Storage {
	t.Helper()
	s, err := journal.Create(dir, name, opts)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return s
}

func MustOpen(t testing.TB, dir, name string, mode journal.OpenMode, opts journal.Options) *journal.Storage {
	t.Helper()
	s, err := journal.Open(dir, name, mode, opts)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	return s
}

func Must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// CheckpointPath returns the canonical checkpoint path for name in dir.
func CheckpointPath(dir, name string) string {
	return filepath.Join(dir, name+".pchkp")
}

// CheckpointTmpPath returns the in-progress checkpoint path for name in dir.
func CheckpointTmpPath(dir, name string) string {
	return filepath.Join(dir, name+".pchkp.taking")
}

// SegmentPath returns the path of segment id of journal name in dir.
func SegmentPath(dir, name string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.pseg", name, id))
}

// FileSize stats path and fails the test on error.
func FileSize(t testing.TB, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}

// Exists reports whether path exists, failing the test on any error other
// than "not exist".
func Exists(t testing.TB, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("stat %s: %v", path, err)
	return false
}

// TruncateFile truncates path to newSize, simulating a torn write.
func TruncateFile(t testing.TB, path string, newSize int64) {
	t.Helper()
	if err := os.Truncate(path, newSize); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
}

// FlipByte XORs the byte at offset in path with 0xFF, corrupting it.
func FlipByte(t testing.TB, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("read %s at %d: %v", path, offset, err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatalf("write %s at %d: %v", path, offset, err)
	}
}

// Eq fails the test unless got and want hold the same bytes.
func Eq(t testing.TB, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, wanted %q", got, want)
	}
}
