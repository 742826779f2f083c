package journal

import (
	"bytes"
	"strings"
	"testing"
)

func TestAlignedSize(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 15: 16, 16: 16}
	for in, want := range cases {
		if got := alignedSize(in); got != want {
			t.Errorf("alignedSize(%d) = %d, wanted %d", in, got, want)
		}
	}
}

func TestPadding(t *testing.T) {
	cases := map[int]int{0: 0, 1: 7, 7: 1, 8: 0, 9: 7}
	for in, want := range cases {
		if got := padding(in); got != want {
			t.Errorf("padding(%d) = %d, wanted %d", in, got, want)
		}
	}
}

func TestCRC32UpdateMatchesWholeBuffer(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := crc32Update(0, data)

	split := crc32Update(0, data[:10])
	split = crc32Update(split, data[10:])
	if whole != split {
		t.Fatalf("crc32Update is not incremental: whole=%#x split=%#x", whole, split)
	}
}

func TestStreamingCRC32MatchesDirect(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 5000) // > 64KiB chunk size
	direct := crc32Update(0, data)

	got, err := streamingCRC32(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("streamingCRC32: %v", err)
	}
	if got != direct {
		t.Fatalf("streamingCRC32 = %#x, wanted %#x", got, direct)
	}
}

func TestEnsureHeaderSize(t *testing.T) {
	if _, err := ensureHeaderSize(10, 32); err == nil {
		t.Fatal("expected error for declared size smaller than canonical")
	}
	if _, err := ensureHeaderSize(maxHeaderSize+8, 32); err == nil {
		t.Fatal("expected error for declared size exceeding maxHeaderSize")
	}
	got, err := ensureHeaderSize(32, 32)
	if err != nil || got != 32 {
		t.Fatalf("ensureHeaderSize(32,32) = (%d,%v), wanted (32,nil)", got, err)
	}
	got, err = ensureHeaderSize(48, 32)
	if err != nil || got != 48 {
		t.Fatalf("ensureHeaderSize(48,32) = (%d,%v), wanted (48,nil)", got, err)
	}
}

func TestCorruptErrorMessageNamesPathAndReason(t *testing.T) {
	err := corruptf("segment", GenMismatch, "/tmp/x.pseg", "next id %d wrong", 3)
	if !strings.Contains(err.Error(), "/tmp/x.pseg") {
		t.Fatalf("expected path in error message, got %q", err.Error())
	}
	if err.Reason != GenMismatch {
		t.Fatalf("expected reason GenMismatch, got %v", err.Reason)
	}
}
