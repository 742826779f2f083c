package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Storage is the top-level session object: it owns the checkpoint and
// segment directory handles, tracks the state machine, and is the only
// entry point an application uses to open, append to, checkpoint, replay
// and close a journal. A Storage is exclusively owned by its caller; it
// shares no global state with any other Storage.
//
// Concurrency: a Storage is not internally synchronized beyond the mutex
// guarding its own state transitions. At most one goroutine may be
// appending, taking, or closing a checkpoint at a time; concurrent writer
// use is a caller bug.
type Storage struct {
	mu sync.Mutex

	name      string
	ckptDir   string
	segDir    string
	ckptDirF  *os.File
	segDirF   *os.File
	userMagic uint64
	noSegdir  bool
	noBakSeg  bool
	cpBufSize int

	context context.Context
	logger  *slog.Logger

	state State

	generation  uint64
	lastSegID   uint64 // id of the most recently known segment (active, or last in read chain)
	nextSegIDAt uint64 // the consistent checkpoint's declared next-segment id

	activeSeg    *segmentFile // set once Writable
	activeCkptRd *checkpointFile
	replayQueue  []uint64 // segment ids discovered by discoverChain, ascending

	// firstCkpt is the as-yet-uncommitted checkpoint created by Create,
	// held here until the application's first CreateCheckpoint call picks
	// it up; nil once that checkpoint commits or aborts. Its presence is
	// what distinguishes "first checkpoint" from a rotation — a storage
	// produced by Open never has one.
	firstCkpt *checkpointFile

	// bookkeeping for the in-progress checkpoint / rotation protocol
	pendingCkpt     *checkpointFile
	pendingNewSegID uint64
	obsoleteFromID  uint64

	// create-stage bookkeeping for CREATED-state rollback
	createdSymlink bool
}

func newUID() uint64 {
	u := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i])
	}
	return v
}

func (s *Storage) canonicalCkptPath() string {
	name, _ := BuildFilename(s.name, KindCheckpoint, 0)
	return filepath.Join(s.ckptDir, name)
}

func (s *Storage) tmpCkptPath() string {
	return filepath.Join(s.ckptDir, checkpointTmpFilename(s.name))
}

func (s *Storage) symlinkPath() string {
	name, _ := BuildFilename(s.name, KindSegdir, 0)
	return filepath.Join(s.ckptDir, name)
}

func (s *Storage) segPath(id uint64) string {
	name, _ := BuildFilename(s.name, KindSegment, id)
	return filepath.Join(s.segDir, name)
}

// newSegmentFile creates the segment at segID, resolving a collision with
// a leftover file at that path: by default the leftover is preserved
// under a "*.bak" name (falling back to "*.bak.N" if that's also taken);
// with OFNoBakSeg it is simply removed.
func (s *Storage) newSegmentFile(segID uint64, generation uint64) (*segmentFile, error) {
	path := s.segPath(segID)
	sf, err := createSegmentFile(path, s.userMagic, generation, segID, newUID())
	if err == nil || !errors.Is(err, ErrAlreadyExists) {
		return sf, err
	}

	if s.noBakSeg {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, ioErrorf("remove", rmErr)
		}
		return createSegmentFile(path, s.userMagic, generation, segID, newUID())
	}

	bak, err := nextBackupPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(path, bak); err != nil {
		return nil, ioErrorf("rename", err)
	}
	return createSegmentFile(path, s.userMagic, generation, segID, newUID())
}

func nextBackupPath(path string) (string, error) {
	candidate := path + ".bak"
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", ioErrorf("lstat", err)
		}
		candidate = fmt.Sprintf("%s.bak.%d", path, i)
	}
}

// Name returns the journal's name.
func (s *Storage) Name() string { return s.name }

// Generation returns the current end-of-storage generation.
func (s *Storage) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// State returns the current Storage Session state.
func (s *Storage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stat probes an arbitrary open file without constructing a Storage
// around it, classifying it as a checkpoint, segment, or unknown file.
func Stat(f *os.File) (FileStat, error) {
	return fileKind(f)
}

func openDirHandle(dir string) (*os.File, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, ioErrorf("opendir", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErrorf("stat", err)
	}
	if !info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}
	return f, nil
}

func fsyncDir(dirf *os.File) error {
	if err := dirf.Sync(); err != nil {
		return &fsyncFailedError{Path: dirf.Name(), Cause: err}
	}
	return nil
}

// Create is create-exclusive: it fails with ErrAlreadyExists if a
// checkpoint with the canonical name already exists in dir. On success
// the Storage is in StateCreated; the very first checkpoint object
// already exists (header written, not yet committed) and is waiting for
// the application's first CreateCheckpoint / CloseCheckpoint(true) call,
// which is also what creates segment 0.
func Create(dir, name string, opts Options) (*Storage, error) {
	opts.setDefaults()
	if !IsValidName(name) {
		return nil, fmt.Errorf("%w: invalid journal name %q", ErrInvalidArgument, name)
	}

	ckptDirF, err := openDirHandle(dir)
	if err != nil {
		return nil, err
	}
	ok := false
	defer closeUnlessOK(ckptDirF, &ok)

	s := &Storage{
		name:      name,
		ckptDir:   dir,
		segDir:    dir,
		ckptDirF:  ckptDirF,
		userMagic: opts.UserMagic,
		noSegdir:  opts.Flags&OFNoSegdir != 0,
		noBakSeg:  opts.Flags&OFNoBakSeg != 0,
		cpBufSize: opts.CheckpointBufSize,
		context:   opts.Context,
		logger:    opts.Logger,
		state:     StateCreated,
	}

	if opts.SegmentDir != "" && !s.noSegdir {
		absSegDir, err := filepath.Abs(opts.SegmentDir)
		if err != nil {
			return nil, err
		}
		absCkptDir, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		if absSegDir != absCkptDir {
			target, err := segdirSymlinkTarget(dir, opts.SegmentDir)
			if err != nil {
				return nil, err
			}
			if err := os.Symlink(target, s.symlinkPath()); err != nil {
				if os.IsExist(err) {
					return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, s.symlinkPath())
				}
				return nil, ioErrorf("symlink", err)
			}
			s.createdSymlink = true
			s.segDir = opts.SegmentDir
		}
	}
	if s.noSegdir || !s.createdSymlink {
		// No symlink means segDir is the same directory as ckptDir (or
		// noSegdir means segments live alongside the checkpoint either
		// way): reuse the already-open directory handle instead of
		// opening it a second time.
		s.segDirF = ckptDirF
	} else {
		segDirF, err := openDirHandle(s.segDir)
		if err != nil {
			s.rollbackCreated()
			return nil, err
		}
		s.segDirF = segDirF
	}

	cf, err := createCheckpointFile(s.canonicalCkptPath(), s.userMagic, 0, 0, newUID(), s.cpBufSize)
	if err != nil {
		s.rollbackCreated()
		if s.segDirF != nil && s.segDirF != s.ckptDirF {
			s.segDirF.Close()
		}
		return nil, err
	}
	s.firstCkpt = cf

	ok = true
	return s, nil
}

func (s *Storage) rollbackCreated() {
	if s.firstCkpt != nil {
		s.firstCkpt.abort()
		s.firstCkpt = nil
	}
	if s.createdSymlink {
		os.Remove(s.symlinkPath())
	}
}

// Open opens for reading or for reading and writing. On success the
// Storage is in StateReadable (RDWR) or StateReadonly
// (RDONLY) unless the segments directory could not be opened, in which
// case the Storage is forced into StateReadonly regardless of the
// requested mode — a journal with no readable segments is still valid if
// its checkpoint is valid.
func Open(dir, name string, mode OpenMode, opts Options) (*Storage, error) {
	opts.setDefaults()
	if !IsValidName(name) {
		return nil, fmt.Errorf("%w: invalid journal name %q", ErrInvalidArgument, name)
	}

	ckptDirF, err := openDirHandle(dir)
	if err != nil {
		return nil, err
	}
	ok := false
	defer closeUnlessOK(ckptDirF, &ok)

	s := &Storage{
		name:      name,
		ckptDir:   dir,
		segDir:    dir,
		ckptDirF:  ckptDirF,
		userMagic: opts.UserMagic,
		noSegdir:  opts.Flags&OFNoSegdir != 0,
		noBakSeg:  opts.Flags&OFNoBakSeg != 0,
		cpBufSize: opts.CheckpointBufSize,
		context:   opts.Context,
		logger:    opts.Logger,
	}

	ckptPath := s.canonicalCkptPath()
	ckptF, err := os.Open(ckptPath)
	if err != nil {
		return nil, ioErrorf("open", err)
	}
	cf, err := openCheckpointFile(ckptF, ckptPath)
	if err != nil {
		ckptF.Close()
		return nil, err
	}
	if opts.UserMagic != 0 && cf.rf.userMagic != opts.UserMagic {
		cf.close()
		return nil, corruptf("checkpoint", MagicMismatch, ckptPath, "user magic %#x does not match expected %#x", cf.rf.userMagic, opts.UserMagic)
	}
	s.activeCkptRd = cf
	s.userMagic = cf.rf.userMagic
	s.generation = cf.rf.generation
	s.nextSegIDAt = cf.rf.nextSegID

	if err := s.openSegdirForReading(); err != nil {
		s.logger.LogAttrs(s.context, slog.LevelWarn, "journal: segments directory unavailable, forcing readonly", slog.String("journal", name), slog.Any("err", err))
		s.state = StateReadonly
	} else if err := s.discoverChain(); err != nil {
		return nil, err
	} else if mode == RDONLY {
		s.state = StateReadonly
	} else {
		s.state = StateReadable
	}

	ok = true
	return s, nil
}

func (s *Storage) openSegdirForReading() error {
	if s.noSegdir {
		s.segDirF = s.ckptDirF
		return nil
	}
	link := s.symlinkPath()
	target, err := os.Readlink(link)
	if err != nil {
		s.segDirF = s.ckptDirF
		return nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.ckptDir, target)
	}
	segDirF, err := openDirHandle(target)
	if err != nil {
		return err
	}
	s.segDir = target
	s.segDirF = segDirF
	return nil
}

// Close performs destructor-time cleanup, dispatching on the current
// state.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch s.state {
	case StateClosed:
		return nil
	case StateCreated:
		s.rollbackCreated()
	case StateReadable, StateReadonly:
		if s.activeCkptRd != nil {
			s.activeCkptRd.close()
		}
	case StateWritable:
		err = s.closeWritable()
	}

	if s.ckptDirF != nil {
		s.ckptDirF.Close()
	}
	if s.segDirF != nil && s.segDirF != s.ckptDirF {
		s.segDirF.Close()
	}
	s.state = StateClosed
	return err
}

// closeWritable handles the two ways a Writable-state close can leave
// things: a checkpoint still in progress, or none.
func (s *Storage) closeWritable() error {
	if s.pendingCkpt != nil {
		return s.closeCheckpointLocked(false, true)
	}
	if s.firstCkpt != nil {
		// Made writable but the first checkpoint cycle was never started:
		// the uncommitted checkpoint from Create is still open.
		s.rollbackCreated()
		return nil
	}
	if s.activeSeg != nil {
		if s.activeSeg.rf.opCount == 0 {
			return s.activeSeg.abort()
		}
		return s.activeSeg.close()
	}
	return nil
}
