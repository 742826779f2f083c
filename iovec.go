package journal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// writevFull writes every byte of bufs to f as a single vectored syscall, so
// that a crash mid-write can only ever produce a torn write detectable at
// replay via a magic or CRC mismatch, never a half-written structured
// field landing cleanly on a record boundary. A short write is treated as
// a hard I/O error by the caller, per the record-file contract.
func writevFull(f *os.File, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}

	raw, err := f.SyscallConn()
	if err != nil {
		return 0, ioErrorf("writev", err)
	}

	var n int
	var werr error
	ctlErr := raw.Write(func(fd uintptr) bool {
		n, werr = unix.Writev(int(fd), bufs)
		return true
	})
	if ctlErr != nil {
		return 0, ioErrorf("writev", ctlErr)
	}
	if werr != nil {
		return n, ioErrorf("writev", werr)
	}
	if n != total {
		return n, ioErrorf("writev", fmt.Errorf("short write: wrote %d of %d bytes", n, total))
	}
	return n, nil
}

// readvFull reads into every buffer in bufs as a single vectored syscall,
// returning the total bytes read. Unlike writevFull, a short read is not
// itself an error here — callers interpret "fewer bytes than requested" as
// "end of valid data" per the replay termination rules.
func readvFull(f *os.File, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}

	raw, err := f.SyscallConn()
	if err != nil {
		return 0, ioErrorf("readv", err)
	}

	var n int
	var rerr error
	ctlErr := raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Readv(int(fd), bufs)
		return true
	})
	if ctlErr != nil {
		return 0, ioErrorf("readv", ctlErr)
	}
	if rerr != nil {
		return n, ioErrorf("readv", rerr)
	}
	return n, nil
}
