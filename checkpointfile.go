package journal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
)

// checkpointFile is the writable or readable view of a checkpoint file.
// Writable instances accumulate a whole-file CRC32 as the payload streams
// through; readable instances verify that CRC and the tail record once,
// at open time.
type checkpointFile struct {
	rf *recordFile

	// writable mode
	w *bufio.Writer

	// readable mode
	payloadSize int64
}

type recordFileWriter struct{ rf *recordFile }

func (w *recordFileWriter) Write(p []byte) (int, error) {
	return w.rf.writev([][]byte{p})
}

// createCheckpointFile creates a new checkpoint file at path and writes
// its header, returning a writer ready to stream the application's
// payload through a buffer of bufSize bytes.
func createCheckpointFile(path string, userMagic, generation, nextSegID, uid uint64, bufSize int) (*checkpointFile, error) {
	rf, err := createRecordFile(path, recordKindCheckpoint, true)
	if err != nil {
		return nil, err
	}
	ok := false
	defer closeAndDeleteUnlessOK(rf.f, &ok)

	if err := rf.init(userMagic, generation, nextSegID, uid); err != nil {
		return nil, err
	}
	ok = true

	cf := &checkpointFile{rf: rf}
	cf.w = bufio.NewWriterSize(&recordFileWriter{rf}, bufSize)
	return cf, nil
}

// Write streams checkpoint payload bytes; it is the writer exposed to the
// application by CreateCheckpoint.
func (cf *checkpointFile) Write(p []byte) (int, error) {
	return cf.w.Write(p)
}

func (cf *checkpointFile) Generation() uint64 { return cf.rf.generation }

// commit pads to 8-byte alignment, builds and finalizes the checkpoint
// tail, and closes.
func (cf *checkpointFile) commit() error {
	if err := cf.w.Flush(); err != nil {
		return ioErrorf("flush", err)
	}

	end, err := cf.rf.f.Seek(0, io.SeekEnd)
	if err != nil {
		return ioErrorf("seek", err)
	}
	dataSize := uint64(end - cf.rf.dataBegin)
	paddedEnd := alignedSize64(end)
	if paddedEnd > end {
		if _, err := cf.rf.writev([][]byte{zeroPad[:paddedEnd-end]}); err != nil {
			return err
		}
		end = paddedEnd
	}

	tail := checkpointTail{
		Generation:    cf.rf.generation,
		DataSize:      dataSize,
		FormatVersion: formatVersion,
		Flags:         0,
	}
	tmBuf := le64(checkpointTailMagic)
	tailBuf := tail.encode()

	crc := cf.rf.crc
	crc = crc32Update(crc, tmBuf)
	crc = crc32Update(crc, tailBuf[:checkpointTailSize-4])
	tail.CPCRC32 = crc
	tailBuf = tail.encode()

	return cf.rf.commit([][]byte{tmBuf, tailBuf})
}

// abort discards a checkpoint file that will never be committed, closing
// and removing it.
func (cf *checkpointFile) abort() error {
	path := cf.rf.path
	cf.rf.f.Close()
	return os.Remove(path)
}

func (cf *checkpointFile) path() string { return cf.rf.path }

// openCheckpointFile parses the header, verifies 8-byte file-size
// alignment, recomputes the whole-file CRC32 by streaming the file in
// 64 KiB chunks, and validates the tail.
func openCheckpointFile(f *os.File, path string) (*checkpointFile, error) {
	rf, err := openReadableRecordFile(f, path, recordKindCheckpoint)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, ioErrorf("stat", err)
	}
	size := info.Size()
	if size%8 != 0 {
		return nil, corruptf("checkpoint", BadHeader, path, "file size %d is not 8-byte aligned", size)
	}
	minSize := rf.dataBegin + 8 + checkpointTailSize
	if size < minSize {
		return nil, corruptf("checkpoint", BadHeader, path, "file size %d smaller than header+tail minimum %d", size, minSize)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, ioErrorf("seek", err)
	}
	computedCRC, err := streamingCRC32(f, size-4)
	if err != nil {
		return nil, ioErrorf("read", err)
	}

	tailMagicOffset := size - 8 - checkpointTailSize
	tailRegion := make([]byte, 8+checkpointTailSize)
	if _, err := f.ReadAt(tailRegion, tailMagicOffset); err != nil {
		return nil, ioErrorf("read", err)
	}
	gotTailMagic := binary.LittleEndian.Uint64(tailRegion[:8])
	if gotTailMagic != checkpointTailMagic {
		return nil, corruptf("checkpoint", MagicMismatch, path, "tail magic mismatch at offset %d", tailMagicOffset)
	}
	tail, err := decodeCheckpointTail(tailRegion[8:])
	if err != nil {
		return nil, corruptf("checkpoint", BadHeader, path, "%v", err)
	}

	if computedCRC != tail.CPCRC32 {
		return nil, corruptf("checkpoint", SizeMismatch, path, "crc32 mismatch: computed %#x, stored %#x", computedCRC, tail.CPCRC32)
	}
	if tail.Generation != rf.generation {
		return nil, corruptf("checkpoint", GenMismatch, path, "tail generation %d != header generation %d", tail.Generation, rf.generation)
	}
	if tail.FormatVersion > formatVersion {
		return nil, corruptf("checkpoint", VersionMismatch, path, "tail format version %d unsupported", tail.FormatVersion)
	}
	if tail.Flags != 0 {
		return nil, corruptf("checkpoint", BadHeader, path, "non-zero flags %#x", tail.Flags)
	}
	measured := uint64(tailMagicOffset - rf.dataBegin)
	if tail.DataSize > measured || alignedSize64(rf.dataBegin+int64(tail.DataSize)) != tailMagicOffset {
		return nil, corruptf("checkpoint", SizeMismatch, path, "tail data_size %d inconsistent with payload range [%d,%d)", tail.DataSize, rf.dataBegin, tailMagicOffset)
	}

	return &checkpointFile{rf: rf, payloadSize: int64(tail.DataSize)}, nil
}

// payloadReader returns a reader bounded to exactly the checkpoint's
// payload range, positioned at data-begin, for ReplayCheckpoint.
func (cf *checkpointFile) payloadReader() (io.Reader, int64, error) {
	if _, err := cf.rf.f.Seek(cf.rf.dataBegin, io.SeekStart); err != nil {
		return nil, 0, ioErrorf("seek", err)
	}
	return io.NewSectionReader(cf.rf.f, cf.rf.dataBegin, cf.payloadSize), cf.payloadSize, nil
}

func (cf *checkpointFile) close() error {
	return cf.rf.closeReadable()
}
