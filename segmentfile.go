package journal

import (
	"encoding/binary"
	"os"
)

// segmentFile is the writable or readable view of a segment file: an
// append-only sequence of operation records with no tail record at all —
// "closed" just means fsynced and the descriptor closed.
type segmentFile struct {
	rf *recordFile
}

// createSegmentFile creates a new segment with id segID, generation
// matching the preceding checkpoint or segment, and next-segment id =
// segID+1.
func createSegmentFile(path string, userMagic, generation, segID, uid uint64) (*segmentFile, error) {
	rf, err := createRecordFile(path, recordKindSegment, false)
	if err != nil {
		return nil, err
	}
	ok := false
	defer closeAndDeleteUnlessOK(rf.f, &ok)

	if err := rf.init(userMagic, generation, segID+1, uid); err != nil {
		return nil, err
	}
	ok = true
	return &segmentFile{rf: rf}, nil
}

func (sf *segmentFile) Generation() uint64 { return sf.rf.generation }
func (sf *segmentFile) NextSegID() uint64  { return sf.rf.nextSegID }
func (sf *segmentFile) UserMagic() uint64  { return sf.rf.userMagic }
func (sf *segmentFile) Path() string       { return sf.rf.path }

// close fsyncs and closes the file; a segment file carries no tail
// record, so closing it just means fsynced and the descriptor closed.
func (sf *segmentFile) close() error {
	return sf.rf.commit(nil)
}

func (sf *segmentFile) abort() error {
	path := sf.rf.path
	sf.rf.f.Close()
	return os.Remove(path)
}

// AppendRecord builds a header, pads the payload to 8-byte alignment,
// builds a tail whose CRC32 covers header, aligned payload and the tail's
// own data_size echo, then writes (magic || header || payload || padding
// || tail) as one vectored append.
//
// It returns the total bytes written — magic, header, aligned payload and
// tail — which is also how far the storage generation advances for this
// record.
func (sf *segmentFile) AppendRecord(opcode, opversion uint32, payload []byte) (written int, err error) {
	if len(payload) > MaxOperationSize {
		return 0, corruptf("operation", SizeMismatch, sf.rf.path, "payload size %d exceeds maximum %d", len(payload), MaxOperationSize)
	}

	hdr := operationHeader{
		StructureSize: operationHeaderSize,
		Opcode:        opcode,
		OpVersion:     opversion,
		DataSize:      uint32(len(payload)),
	}
	hdrBuf := hdr.encode()
	pad := padding(len(payload))

	tail := operationTail{DataSize: uint32(len(payload))}
	tailBuf := tail.encode()

	crc := crc32Update(0, hdrBuf)
	crc = crc32Update(crc, payload)
	if pad > 0 {
		crc = crc32Update(crc, zeroPad[:pad])
	}
	crc = crc32Update(crc, tailBuf[:4])
	tail.CRC32 = crc
	tailBuf = tail.encode()

	bufs := [][]byte{le64(storageOperationMagic), hdrBuf, payload}
	if pad > 0 {
		bufs = append(bufs, zeroPad[:pad])
	}
	bufs = append(bufs, tailBuf)

	return sf.rf.writev(bufs)
}

// recordByteSize is the exact on-disk footprint of one operation record
// carrying a payload of the given length: magic, canonical header, aligned
// payload, tail. It is the amount AppendRecord writes and the amount the
// generation advances per record.
func recordByteSize(payloadLen int) int {
	return 8 + operationHeaderSize + alignedSize(payloadLen) + operationTailSize
}

// readRecord treats a short read or magic mismatch on the leading prefix,
// or any validation failure thereafter, as "end of valid data" — ok is
// false and err is nil, since this class of corruption terminates the
// chain cleanly rather than propagating.
func (sf *segmentFile) readRecord() (opcode, opversion uint32, payload []byte, ok bool, err error) {
	prefix := make([]byte, 8+operationHeaderSize)
	n, rerr := sf.rf.readv([][]byte{prefix})
	if rerr != nil {
		return 0, 0, nil, false, nil
	}
	if n < len(prefix) {
		return 0, 0, nil, false, nil
	}
	magic := binary.LittleEndian.Uint64(prefix[:8])
	if magic != storageOperationMagic {
		return 0, 0, nil, false, nil
	}

	hdr, decErr := decodeOperationHeader(prefix[8:])
	if decErr != nil {
		return 0, 0, nil, false, nil
	}
	declared, sizeErr := ensureHeaderSize(int(hdr.StructureSize), operationHeaderSize)
	if sizeErr != nil {
		return 0, 0, nil, false, nil
	}
	if hdr.DataSize > MaxOperationSize {
		return 0, 0, nil, false, nil
	}

	extLen := declared - operationHeaderSize
	paddedPayload := alignedSize(int(hdr.DataSize))
	rest := make([]byte, extLen+paddedPayload+operationTailSize)
	n2, rerr2 := sf.rf.readv([][]byte{rest})
	if rerr2 != nil || n2 < len(rest) {
		return 0, 0, nil, false, nil
	}

	ext := rest[:extLen]
	payloadBuf := rest[extLen : extLen+int(hdr.DataSize)]
	tailBuf := rest[extLen+paddedPayload:]
	tail, decErr2 := decodeOperationTail(tailBuf)
	if decErr2 != nil {
		return 0, 0, nil, false, nil
	}
	if tail.DataSize != hdr.DataSize {
		return 0, 0, nil, false, nil
	}

	crc := crc32Update(0, prefix[8:])
	crc = crc32Update(crc, ext)
	crc = crc32Update(crc, rest[extLen:extLen+paddedPayload])
	crc = crc32Update(crc, tailBuf[:4])
	if crc != tail.CRC32 {
		return 0, 0, nil, false, nil
	}

	return hdr.Opcode, hdr.OpVersion, payloadBuf, true, nil
}

// openSegmentFileForReading parses and validates a segment's header in
// the same way writable mode's init counterpart does, without the
// whole-file CRC check segments don't carry.
func openSegmentFileForReading(f *os.File, path string) (*segmentFile, error) {
	rf, err := openReadableRecordFile(f, path, recordKindSegment)
	if err != nil {
		return nil, err
	}
	return &segmentFile{rf: rf}, nil
}

// checkChainID validates that this segment's declared next-segment id is
// consistent with id, the id parsed from its own filename — the only
// place a segment's own id is recorded at all.
func (sf *segmentFile) checkChainID(id uint64) error {
	if sf.rf.nextSegID != id+1 {
		return corruptf("segment", GenMismatch, sf.rf.path, "next_segment_id %d != filename id %d + 1", sf.rf.nextSegID, id)
	}
	return nil
}

func (sf *segmentFile) closeReader() error { return sf.rf.closeReadable() }
