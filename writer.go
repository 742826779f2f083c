package journal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// isFirstCheckpoint reports whether the very first checkpoint of a
// just-created storage is still pending: Create leaves its uncommitted
// checkpoint object in firstCkpt, and it stays there until it commits or
// aborts. A storage produced by Open never has one, so its next
// checkpoint is always a rotation.
func (s *Storage) isFirstCheckpoint() bool { return s.firstCkpt != nil }

// MakeWritable transitions Created or Readable into Writable. From
// Readable it discards the cached checkpoint read-handle and, if no
// segment is already active (the ordinary case — all prior segments on
// disk were properly closed), creates the next writable segment so
// appends have somewhere to go.
func (s *Storage) MakeWritable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
		// nothing to do: activeSeg stays nil until the first checkpoint
		// commits and creates segment 0.
	case StateReadable:
		if s.activeCkptRd != nil {
			s.activeCkptRd.close()
			s.activeCkptRd = nil
		}
		if s.activeSeg == nil {
			newID := s.nextWritableSegID()
			sf, err := s.newSegmentFile(newID, s.generation)
			if err != nil {
				return err
			}
			s.activeSeg = sf
			s.lastSegID = newID
		}
		s.replayQueue = nil
	default:
		return fmt.Errorf("%w: make_writable from state %v", ErrInvalidState, s.state)
	}

	s.state = StateWritable
	return nil
}

// nextWritableSegID is the id the reader chain discovery left off at:
// the first id that was missing, failed validation, or (if the chain was
// empty) the checkpoint's own declared next-segment id.
func (s *Storage) nextWritableSegID() uint64 {
	if len(s.replayQueue) > 0 {
		return s.replayQueue[len(s.replayQueue)-1] + 1
	}
	return s.nextSegIDAt
}

// AppendRecord delegates to the active segment file's append protocol and
// advances the storage generation by the bytes actually written. It does
// not auto-rotate on size; rotation only happens at checkpoint time.
func (s *Storage) AppendRecord(opcode, opversion uint32, payload []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWritable {
		return 0, fmt.Errorf("%w: append_record requires Writable state, have %v", ErrInvalidState, s.state)
	}
	if s.activeSeg == nil {
		return 0, fmt.Errorf("%w: no active segment; take an initial checkpoint before appending", ErrInvalidState)
	}

	n, err := s.activeSeg.AppendRecord(opcode, opversion, payload)
	if err != nil {
		s.logger.LogAttrs(s.context, slog.LevelError, "journal: append failed", slog.String("journal", s.name), slog.Any("err", err))
		return n, err
	}
	s.generation += uint64(n)
	return n, nil
}

// CreateCheckpoint begins taking a checkpoint and returns a writer the
// caller streams checkpoint payload into, plus the checkpoint's
// generation.
func (s *Storage) CreateCheckpoint() (io.Writer, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWritable {
		return nil, 0, fmt.Errorf("%w: create_checkpoint requires Writable state, have %v", ErrInvalidState, s.state)
	}
	if s.pendingCkpt != nil {
		return nil, 0, fmt.Errorf("%w: a checkpoint is already in progress", ErrInvalidState)
	}

	if s.isFirstCheckpoint() {
		// The checkpoint object created by Create() is still open and
		// uncommitted; reuse it directly, skipping rotation entirely.
		cf := s.firstCkpt
		s.pendingCkpt = cf
		return cf, cf.Generation(), nil
	}

	if s.activeSeg == nil {
		return nil, 0, fmt.Errorf("%w: the first checkpoint was discarded; no consistent checkpoint to rotate from", ErrInvalidState)
	}

	oldSeg := s.activeSeg
	oldNextSegID := s.nextSegIDAt
	newSegID := oldSeg.NextSegID()

	if err := oldSeg.close(); err != nil {
		return nil, 0, err
	}
	newSeg, err := s.newSegmentFile(newSegID, s.generation)
	if err != nil {
		return nil, 0, err
	}
	s.activeSeg = newSeg
	s.lastSegID = newSegID
	s.obsoleteFromID = oldNextSegID
	s.pendingNewSegID = newSegID

	cf, err := createCheckpointFile(s.tmpCkptPath(), s.userMagic, s.generation, newSegID, newUID(), s.cpBufSize)
	if err != nil {
		return nil, 0, err
	}
	s.pendingCkpt = cf
	return cf, cf.Generation(), nil
}

// CloseCheckpoint finishes the in-progress checkpoint, either committing
// it or aborting it. Aborting removes the in-progress checkpoint file; a
// segment rotation done by CreateCheckpoint stays in place, with the new
// segment remaining the active one.
func (s *Storage) CloseCheckpoint(commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCheckpointLocked(commit, false)
}

func (s *Storage) closeCheckpointLocked(commit bool, destructing bool) error {
	cf := s.pendingCkpt
	if cf == nil {
		return fmt.Errorf("%w: no checkpoint in progress", ErrInvalidState)
	}
	wasFirst := s.isFirstCheckpoint()

	if commit {
		if err := cf.commit(); err != nil {
			s.rollbackPendingCheckpoint(cf, wasFirst)
			return err
		}
		if wasFirst {
			seg0, err := s.newSegmentFile(0, cf.Generation())
			if err != nil {
				return err
			}
			s.activeSeg = seg0
			s.lastSegID = 0
			// s.nextSegIDAt stays 0: that's the canonical checkpoint's
			// declared next-segment id, fixed when it was created, and
			// segment 0 (just created) is exactly what it points at.
		} else {
			if err := os.Rename(cf.path(), s.canonicalCkptPath()); err != nil {
				s.rollbackPendingCheckpoint(cf, wasFirst)
				return ioErrorf("rename", err)
			}
			if err := fsyncDir(s.ckptDirF); err != nil {
				s.rollbackPendingCheckpoint(cf, wasFirst)
				return err
			}
			for id := s.obsoleteFromID; id < s.pendingNewSegID; id++ {
				if err := os.Remove(s.segPath(id)); err != nil && !os.IsNotExist(err) {
					s.logger.LogAttrs(s.context, slog.LevelWarn, "journal: failed to remove obsolete segment", slog.String("journal", s.name), slog.Uint64("id", id), slog.Any("err", err))
				}
			}
			s.nextSegIDAt = s.pendingNewSegID
		}
		s.firstCkpt = nil
		s.pendingCkpt = nil
		return nil
	}

	if err := s.rollbackPendingCheckpoint(cf, wasFirst); err != nil {
		return err
	}

	if destructing && wasFirst {
		if s.activeSeg != nil {
			s.activeSeg.abort()
			s.activeSeg = nil
		}
		if s.createdSymlink {
			os.Remove(s.symlinkPath())
		}
	}
	return nil
}

// rollbackPendingCheckpoint discards cf, the checkpoint that was pending
// commit: it unlinks it (harmless no-op if a rename already moved it out
// from under this path) and fsyncs the checkpoint directory so that
// unlink is durable, then clears s.pendingCkpt so the dead object is
// never retried. For a later checkpoint, the previous consistent
// checkpoint — the canonical file, untouched unless the rename already
// replaced it — is left as it was, so the caller may retry a fresh
// CreateCheckpoint/CloseCheckpoint cycle.
//
// When cf was the very first checkpoint, cf is the canonical file itself,
// so no consistent checkpoint remains. s.firstCkpt is cleared too, so a
// later CreateCheckpoint never hands back this now-closed object again;
// it returns ErrInvalidState instead.
func (s *Storage) rollbackPendingCheckpoint(cf *checkpointFile, wasFirst bool) error {
	if err := cf.abort(); err != nil && !os.IsNotExist(err) {
		return ioErrorf("unlink checkpoint", err)
	}
	if err := fsyncDir(s.ckptDirF); err != nil {
		return err
	}
	s.pendingCkpt = nil
	if wasFirst {
		s.firstCkpt = nil
	}
	return nil
}
