package journal

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// formatVersion is the only version this package knows how to write or
// read; a reader encountering a higher version in a header rejects it
// rather than guessing at unknown semantics.
const formatVersion = 1

func packMagic(s string) uint64 {
	if len(s) != 8 {
		panic("magic must be exactly 8 bytes")
	}
	return binary.LittleEndian.Uint64([]byte(s))
}

// tailMagic derives a tail-record magic from the corresponding head magic
// by reversing its bytes, giving every tail a value that cannot collide
// with any head magic constant in this format.
func tailMagic(head uint64) uint64 {
	return bits.ReverseBytes64(head)
}

var (
	storageCheckpointMagic = packMagic("PJRNCHKP")
	storageSegmentMagic    = packMagic("PJRNSEGM")
	storageOperationMagic  = packMagic("PJRNOPRC")

	checkpointTailMagic = tailMagic(storageCheckpointMagic)
)

// fileHeaderSize is the canonical (compile-time known) size of fileHeader.
// A reader accepts any declared size >= this and skips the remainder as
// unrecognized extension bytes, per the header-size negotiation rule.
const fileHeaderSize = 32

// fileHeader is the common prefix of checkpoint and segment files,
// following the 8-byte storage magic and the 8-byte user magic.
type fileHeader struct {
	StructureSize uint32
	FormatVersion uint32
	Generation    uint64
	NextSegID     uint64
	UID           uint64
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil || n != fileHeaderSize {
		panic(fmt.Sprintf("fileHeader encode: n=%d err=%v", n, err))
	}
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < fileHeaderSize {
		return h, fmt.Errorf("short header buffer: %d bytes", len(buf))
	}
	_, err := binary.Decode(buf, binary.LittleEndian, &h)
	return h, err
}

// checkpointTailSize is 32, not the 28 bytes the five logical fields would
// occupy unpadded: a reserved field pads the tail so that tailMagic (8
// bytes, already aligned) plus the tail itself is a multiple of 8, which
// the checkpoint-close algorithm requires to keep the whole file 8-byte
// aligned (the payload region is separately zero-padded up to the tail).
// The reserved field sits before CPCRC32 rather than after it, so that
// CPCRC32 remains the literal last 4 bytes of the file — matching the
// whole-file CRC definition "over bytes [0, file_end-4)" exactly, instead
// of leaving it 4 bytes short of the true end.
const checkpointTailSize = 32

// checkpointTail is written immediately after checkpointTailMagic at the
// very end of a checkpoint file.
type checkpointTail struct {
	Generation    uint64
	DataSize      uint64
	FormatVersion uint32
	Flags         uint32
	_             uint32
	CPCRC32       uint32
}

func (t checkpointTail) encode() []byte {
	buf := make([]byte, checkpointTailSize)
	n, err := binary.Encode(buf, binary.LittleEndian, t)
	if err != nil || n != checkpointTailSize {
		panic(fmt.Sprintf("checkpointTail encode: n=%d err=%v", n, err))
	}
	return buf
}

func decodeCheckpointTail(buf []byte) (checkpointTail, error) {
	var t checkpointTail
	if len(buf) < checkpointTailSize {
		return t, fmt.Errorf("short tail buffer: %d bytes", len(buf))
	}
	_, err := binary.Decode(buf, binary.LittleEndian, &t)
	return t, err
}

// operationHeaderSize is the canonical size of operationHeader.
const operationHeaderSize = 16

// operationHeader precedes the payload of an operation record, itself
// preceded by storageOperationMagic.
type operationHeader struct {
	StructureSize uint32
	Opcode        uint32
	OpVersion     uint32
	DataSize      uint32
}

func (h operationHeader) encode() []byte {
	buf := make([]byte, operationHeaderSize)
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil || n != operationHeaderSize {
		panic(fmt.Sprintf("operationHeader encode: n=%d err=%v", n, err))
	}
	return buf
}

func decodeOperationHeader(buf []byte) (operationHeader, error) {
	var h operationHeader
	if len(buf) < operationHeaderSize {
		return h, fmt.Errorf("short operation header buffer: %d bytes", len(buf))
	}
	_, err := binary.Decode(buf, binary.LittleEndian, &h)
	return h, err
}

// operationTailSize is the size of operationTail; already 8-byte aligned.
const operationTailSize = 8

// operationTail closes an operation record: its DataSize must echo the
// header's, and its CRC32 covers everything from the operation header
// through the tail's own DataSize field (i.e. everything but the leading
// operation magic and the CRC32 field itself).
type operationTail struct {
	DataSize uint32
	CRC32    uint32
}

func (t operationTail) encode() []byte {
	buf := make([]byte, operationTailSize)
	n, err := binary.Encode(buf, binary.LittleEndian, t)
	if err != nil || n != operationTailSize {
		panic(fmt.Sprintf("operationTail encode: n=%d err=%v", n, err))
	}
	return buf
}

func decodeOperationTail(buf []byte) (operationTail, error) {
	var t operationTail
	if len(buf) < operationTailSize {
		return t, fmt.Errorf("short operation tail buffer: %d bytes", len(buf))
	}
	_, err := binary.Decode(buf, binary.LittleEndian, &t)
	return t, err
}
