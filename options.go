package journal

import (
	"context"
	"log/slog"
)

// OpenMode selects how Open attaches to an existing journal.
type OpenMode int

const (
	// RDONLY opens a journal strictly for reading; the returned Storage
	// never transitions to Writable.
	RDONLY OpenMode = iota
	// RDWR opens a journal for reading, leaving it in Readable state until
	// the caller invokes MakeWritable.
	RDWR
	// WRONLY is an alias for RDWR in this implementation: the core always
	// validates the checkpoint it opens, so there is no write-only fast
	// path that skips that check.
	WRONLY
)

// OpenFlags are the flags recognized at open/create time.
type OpenFlags uint32

const (
	// OFNoSegdir: do not create or follow the segments-directory symlink;
	// segments live alongside the checkpoint.
	OFNoSegdir OpenFlags = 1 << iota
	// OFNoBakSeg: when a new segment file would collide with an existing
	// one, overwrite rather than preserving the existing file as *.bak.
	OFNoBakSeg
)

// Options configures a Storage. It is a plain struct passed to the
// constructors, not a config-file or environment parser: the core is a
// library embedded by an application, which owns its own configuration
// surface.
type Options struct {
	// UserMagic identifies the application's payload format. Open rejects
	// a checkpoint carrying a different user magic, unless UserMagic is
	// zero, in which case the checkpoint's own user magic is accepted.
	// Segments are then chained only if their user magic matches the
	// checkpoint's.
	UserMagic uint64

	// SegmentDir is the directory new segment files are created in, used
	// only by Create. Empty means "same directory as the checkpoint".
	SegmentDir string

	Flags OpenFlags

	// CheckpointBufSize is the size of the buffered stream handed to the
	// application while a checkpoint is being taken. Zero means the
	// default of 64 KiB.
	CheckpointBufSize int

	Context context.Context
	Logger  *slog.Logger
}

const defaultCheckpointBufSize = 64 * 1024

func (o *Options) setDefaults() {
	if o.CheckpointBufSize <= 0 {
		o.CheckpointBufSize = defaultCheckpointBufSize
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
