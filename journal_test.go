package journal_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	journal "github.com/andreyvit/pjournal"
	"github.com/andreyvit/pjournal/internal/journaltest"
)

func readAllCheckpoint(t testing.TB, s *journal.Storage) []byte {
	t.Helper()
	var payload []byte
	err := s.ReplayCheckpoint(func(r io.Reader, size int64) error {
		b, err := io.ReadAll(r)
		payload = b
		return err
	})
	journaltest.Must(t, err)
	return payload
}

func readAllRecords(t testing.TB, s *journal.Storage) []string {
	t.Helper()
	var out []string
	err := s.ReplayRecord(func(opcode, opversion uint32, payload []byte) bool {
		out = append(out, string(payload))
		return true
	})
	journaltest.Must(t, err)
	return out
}

// TestCreateWriteReplay covers create -> write checkpoint -> append
// records -> close -> reopen -> replay both checkpoint and records.
func TestCreateWriteReplay(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 0x1234)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())

	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("checkpoint-payload"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))

	for i := 0; i < 3; i++ {
		_, err := s.AppendRecord(1, 0, []byte(fmt.Sprintf("record-%d", i)))
		journaltest.Must(t, err)
	}
	journaltest.Must(t, s.Close())

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s2.Close()

	journaltest.Eq(t, readAllCheckpoint(t, s2), []byte("checkpoint-payload"))

	got := readAllRecords(t, s2)
	want := []string{"record-0", "record-1", "record-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, wanted %v", got, want)
	}
}

// TestWriteAfterCheckpoint covers a second checkpoint cycle: segment
// rotation, obsolete segment cleanup, and replay reflecting only the
// records appended after the latest checkpoint.
func TestWriteAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 0xAB)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())

	w0, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w0.Write([]byte("c0"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))

	for i := 0; i < 2; i++ {
		_, err := s.AppendRecord(1, 0, []byte(fmt.Sprintf("a%d", i)))
		journaltest.Must(t, err)
	}

	w1, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w1.Write([]byte("c1"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))

	_, err = s.AppendRecord(1, 0, []byte("b0"))
	journaltest.Must(t, err)

	journaltest.Must(t, s.Close())

	if journaltest.Exists(t, journaltest.SegmentPath(dir, "j", 0)) {
		t.Fatal("expected obsolete segment 0 to be removed after the second checkpoint")
	}

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s2.Close()

	journaltest.Eq(t, readAllCheckpoint(t, s2), []byte("c1"))

	got := readAllRecords(t, s2)
	want := []string{"b0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, wanted %v", got, want)
	}
}

// TestReopenAppendReplayAcrossSegments reopens a journal read-write,
// appends into a fresh segment chained after the existing one, and
// verifies a subsequent read-only open replays records from both
// segments in order.
func TestReopenAppendReplayAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 0x77)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("base"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))
	_, err = s.AppendRecord(1, 0, []byte("first"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.Close())

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDWR, opts)
	journaltest.Must(t, s2.MakeWritable())
	_, err = s2.AppendRecord(2, 0, []byte("second"))
	journaltest.Must(t, err)
	journaltest.Must(t, s2.Close())

	s3 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s3.Close()

	got := readAllRecords(t, s3)
	want := []string{"first", "second"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, wanted %v", got, want)
	}
}

// TestGenerationMonotonicAndRestoredOnReopen checks that the generation
// only ever advances while writing and that reopening reports the same
// end-of-storage position the writer last observed.
func TestGenerationMonotonicAndRestoredOnReopen(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 3)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, ckptGen, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("c"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))

	prev := s.Generation()
	if prev != ckptGen {
		t.Fatalf("generation after first checkpoint = %d, wanted the checkpoint's %d", prev, ckptGen)
	}
	for i := 0; i < 3; i++ {
		_, err := s.AppendRecord(1, 0, []byte("payload"))
		journaltest.Must(t, err)
		if g := s.Generation(); g <= prev {
			t.Fatalf("generation did not advance: %d -> %d", prev, g)
		} else {
			prev = g
		}
	}
	journaltest.Must(t, s.Close())

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s2.Close()
	if g := s2.Generation(); g != prev {
		t.Fatalf("generation after reopen = %d, wanted %d", g, prev)
	}
}

// TestSegmentDirSymlink routes segment files through the NAME.segments
// symlink into a separate directory and verifies both the layout and
// that reopening follows the link.
func TestSegmentDirSymlink(t *testing.T) {
	dir := t.TempDir()
	segDir := filepath.Join(dir, "segstore")
	if err := os.Mkdir(segDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	opts := journaltest.Options(t, 5)
	opts.SegmentDir = segDir

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("cp"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))
	_, err = s.AppendRecord(1, 0, []byte("rec"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.Close())

	link := filepath.Join(dir, "j.segments")
	if target, err := os.Readlink(link); err != nil {
		t.Fatalf("expected %s to be a symlink: %v", link, err)
	} else if target != "segstore" {
		t.Fatalf("symlink target = %q, wanted relative %q", target, "segstore")
	}
	if !journaltest.Exists(t, journaltest.SegmentPath(segDir, "j", 0)) {
		t.Fatal("expected segment 0 in the segments directory")
	}
	if journaltest.Exists(t, journaltest.SegmentPath(dir, "j", 0)) {
		t.Fatal("did not expect segment 0 next to the checkpoint")
	}

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, journaltest.Options(t, 5))
	defer s2.Close()
	got := readAllRecords(t, s2)
	if !reflect.DeepEqual(got, []string{"rec"}) {
		t.Fatalf("got %v, wanted [rec]", got)
	}
}

// TestStatClassifiesFiles probes checkpoint, segment and unrelated files
// without constructing a Storage around them.
func TestStatClassifiesFiles(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 0xC0FFEE)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("x"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))
	_, err = s.AppendRecord(1, 0, []byte("r"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.Close())

	checkKind := func(path string, want journal.FileKind) {
		t.Helper()
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		defer f.Close()
		st, err := journal.Stat(f)
		if err != nil {
			t.Fatalf("Stat %s: %v", path, err)
		}
		if st.Kind != want {
			t.Fatalf("Stat(%s).Kind = %v, wanted %v", path, st.Kind, want)
		}
		if want != journal.KindUnknown && st.UserMagic != 0xC0FFEE {
			t.Fatalf("Stat(%s).UserMagic = %#x, wanted 0xC0FFEE", path, st.UserMagic)
		}
	}
	checkKind(journaltest.CheckpointPath(dir, "j"), journal.KindCheckpoint)
	checkKind(journaltest.SegmentPath(dir, "j", 0), journal.KindSegment)

	other := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(other, []byte("hello, this is not a journal file at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	checkKind(other, journal.KindUnknown)
}

// TestTornTailRecovery simulates a crash mid-append: the second record's
// tail never made it to disk. Replay must stop cleanly after the last
// complete record, with no error.
func TestTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 7)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write(nil)
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))

	_, err = s.AppendRecord(1, 0, []byte("full-record"))
	journaltest.Must(t, err)

	segPath := journaltest.SegmentPath(dir, "j", 0)
	fullSize := journaltest.FileSize(t, segPath)

	_, err = s.AppendRecord(1, 0, []byte("torn-record-payload-that-never-lands"))
	journaltest.Must(t, err)

	journaltest.Must(t, s.Close())

	// Truncate partway into the second record's body, well short of its tail.
	journaltest.TruncateFile(t, segPath, fullSize+24)

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s2.Close()

	got := readAllRecords(t, s2)
	want := []string{"full-record"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, wanted %v", got, want)
	}
}

// TestCheckpointCRCCorruption flips a payload byte in an otherwise intact
// checkpoint file; opening it must hard-fail with a CorruptError, per the
// rule that checkpoint corruption never passes silently.
func TestCheckpointCRCCorruption(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 99)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w.Write([]byte("sensitive-payload"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))
	journaltest.Must(t, s.Close())

	journaltest.FlipByte(t, journaltest.CheckpointPath(dir, "j"), 55)

	_, err = journal.Open(dir, "j", journal.RDONLY, opts)
	if err == nil {
		t.Fatal("expected an error opening a tampered checkpoint")
	}
	var ce *journal.CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *journal.CorruptError, got %T: %v", err, err)
	}
}

// TestConcurrentCreateRejection covers create-exclusive semantics: a
// second Create for the same name must fail distinctly.
func TestConcurrentCreateRejection(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 1)

	s1 := journaltest.MustCreate(t, dir, "j", opts)
	defer s1.Close()

	_, err := journal.Create(dir, "j", opts)
	if !errors.Is(err, journal.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

// TestRollbackOfAbortedCheckpoint covers the non-first checkpoint abort
// path: the in-progress file is unlinked, the prior checkpoint stays
// canonical and replayable.
func TestRollbackOfAbortedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opts := journaltest.Options(t, 55)

	s := journaltest.MustCreate(t, dir, "j", opts)
	journaltest.Must(t, s.MakeWritable())
	w0, _, err := s.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w0.Write([]byte("c0-payload"))
	journaltest.Must(t, err)
	journaltest.Must(t, s.CloseCheckpoint(true))
	journaltest.Must(t, s.Close())

	s2 := journaltest.MustOpen(t, dir, "j", journal.RDWR, opts)
	journaltest.Must(t, s2.MakeWritable())
	w1, _, err := s2.CreateCheckpoint()
	journaltest.Must(t, err)
	_, err = w1.Write(bytes.Repeat([]byte{'x'}, 1<<20))
	journaltest.Must(t, err)
	journaltest.Must(t, s2.CloseCheckpoint(false))
	journaltest.Must(t, s2.Close())

	if journaltest.Exists(t, journaltest.CheckpointTmpPath(dir, "j")) {
		t.Fatal("expected no .pchkp.taking file after an aborted checkpoint")
	}

	s3 := journaltest.MustOpen(t, dir, "j", journal.RDONLY, opts)
	defer s3.Close()
	journaltest.Eq(t, readAllCheckpoint(t, s3), []byte("c0-payload"))
}
