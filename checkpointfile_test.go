package journal

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.pchkp")

	cf, err := createCheckpointFile(path, 0x55, 10, 2, 7, 4096)
	if err != nil {
		t.Fatalf("createCheckpointFile: %v", err)
	}
	payload := []byte("a checkpoint payload that is not itself 8-byte aligned in length!")
	if _, err := cf.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cf.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rcf, err := openCheckpointFile(f, path)
	if err != nil {
		t.Fatalf("openCheckpointFile: %v", err)
	}
	defer rcf.close()

	r, size, err := rcf.payloadReader()
	if err != nil {
		t.Fatalf("payloadReader: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("payload size = %d, wanted %d", size, len(payload))
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q, wanted %q", got, payload)
	}
}

func TestCheckpointFileRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.pchkp")

	cf, err := createCheckpointFile(path, 1, 0, 0, 1, 4096)
	if err != nil {
		t.Fatalf("createCheckpointFile: %v", err)
	}
	if _, err := cf.Write([]byte("some payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cf.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-16); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := openCheckpointFile(f, path); err == nil {
		t.Fatal("expected an error opening a truncated checkpoint")
	}
}

func TestCheckpointFileAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.pchkp")

	cf, err := createCheckpointFile(path, 1, 0, 0, 1, 4096)
	if err != nil {
		t.Fatalf("createCheckpointFile: %v", err)
	}
	if err := cf.abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed after abort, stat err = %v", err)
	}
}
