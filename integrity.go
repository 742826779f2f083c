package journal

import (
	"hash/crc32"
	"io"
)

// alignedSize rounds n up to the next multiple of 8, matching every
// variable-length region's on-disk padding rule.
func alignedSize(n int) int {
	return (n + 7) &^ 7
}

func alignedSize64(n int64) int64 {
	return (n + 7) &^ 7
}

// padding returns the number of zero bytes needed after n bytes to reach
// the next 8-byte boundary.
func padding(n int) int {
	return alignedSize(n) - n
}

var zeroPad [8]byte

// crc32Update extends seed with the IEEE CRC32 of data. Used in two modes
// by the rest of the package: whole-file (checkpoints, accumulated over
// each write and recomputed over the streamed bytes on open) and
// per-record (operation records, computed incrementally over header,
// payload and tail prefix).
//
// CRC32 is mandated by the wire format itself (see the checkpoint tail and
// operation tail layouts in fileformat.go): it is not an implementation
// detail that could be swapped for a faster hash, since any conforming
// reader must be able to recompute the identical 32-bit value.
func crc32Update(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, data)
}

// streamingCRC32 computes the CRC32 of r in bounded-size chunks rather than
// requiring the whole file in memory. A memory-mapped implementation would
// be faster but is strictly a performance choice, not a correctness one;
// this is the one (and only) implementation provided, since no platform
// abstraction for mmap appears anywhere in the reference material and a
// correct fallback must exist regardless.
func streamingCRC32(r io.Reader, n int64) (uint32, error) {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	var crc uint32
	for n > 0 {
		want := int64(chunk)
		if n < want {
			want = n
		}
		read, err := io.ReadFull(r, buf[:want])
		if read > 0 {
			crc = crc32Update(crc, buf[:read])
		}
		n -= int64(read)
		if err != nil {
			return crc, err
		}
	}
	return crc, nil
}

// maxHeaderSize caps how many bytes a declared header structure_size may
// request, preventing an attacker- or corruption-controlled field from
// driving an unbounded allocation.
const maxHeaderSize = 4096

// ensureHeaderSize validates a header's self-declared size against the
// compile-time known size of the structure and the hard cap above,
// enabling forward-compatible header extension: a future writer may add
// trailing fields, and an older reader skips them rather than failing.
func ensureHeaderSize(declared, canonical int) (int, error) {
	if declared < canonical {
		return 0, corruptf("header", SizeMismatch, "", "declared header size %d smaller than canonical %d", declared, canonical)
	}
	if declared > maxHeaderSize {
		return 0, corruptf("header", SizeMismatch, "", "declared header size %d exceeds cap %d", declared, maxHeaderSize)
	}
	return declared, nil
}

// MaxOperationSize bounds the payload size of a single operation record,
// preventing a corrupted data_size field from driving an unbounded read.
const MaxOperationSize = 64 * 1024 * 1024
