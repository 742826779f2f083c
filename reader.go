package journal

import (
	"fmt"
	"io"
	"os"
)

// discoverChain starts at the checkpoint's declared next-segment id, opens
// segments in ascending id order, validates each against the expected
// user magic and the filename/next-id chain rule, and stops at the first
// missing or failing segment. The surviving prefix becomes the replay
// queue; discoverChain never returns an error — a short chain is valid,
// exactly like a torn segment tail, and a segment that cannot be opened
// simply ends the chain.
func (s *Storage) discoverChain() error {
	var ids []uint64
	id := s.nextSegIDAt
	expectGen := s.generation

	for {
		path := s.segPath(id)
		f, err := os.Open(path)
		if err != nil {
			break
		}

		sf, err := openSegmentFileForReading(f, path)
		if err != nil {
			f.Close()
			break
		}
		if sf.UserMagic() != s.userMagic {
			sf.closeReader()
			break
		}
		if err := sf.checkChainID(id); err != nil {
			sf.closeReader()
			break
		}
		if sf.Generation() != expectGen {
			sf.closeReader()
			break
		}

		ids = append(ids, id)
		expectGen += s.segmentByteSpan(sf)
		next := sf.NextSegID()
		sf.closeReader()
		id = next
	}

	s.replayQueue = ids
	if len(ids) > 0 {
		s.lastSegID = ids[len(ids)-1]
	}
	// expectGen now sits just past the last valid record of the chain: that
	// is the end-of-storage position, which both Generation() and the next
	// writable segment's declared generation must reflect.
	s.generation = expectGen
	return nil
}

// segmentByteSpan sums a segment's valid record bytes, using the same
// accounting AppendRecord uses for the generation, by reading it end to
// end. This lets discoverChain validate that each subsequent segment's
// declared generation matches the running tally rather than only the
// first segment against the checkpoint.
func (s *Storage) segmentByteSpan(sf *segmentFile) uint64 {
	var total uint64
	for {
		_, _, payload, ok, err := sf.readRecord()
		if err != nil || !ok {
			break
		}
		total += uint64(recordByteSize(len(payload)))
	}
	return total
}

// ReplayCheckpoint hands the checkpoint's payload to handler as a reader
// bounded to exactly its size. It is valid only while the checkpoint's
// read handle is still open, i.e. before MakeWritable discards it.
func (s *Storage) ReplayCheckpoint(handler func(r io.Reader, size int64) error) error {
	s.mu.Lock()
	cf := s.activeCkptRd
	s.mu.Unlock()

	if cf == nil {
		return fmt.Errorf("%w: replay_checkpoint requires an open checkpoint read handle", ErrInvalidState)
	}
	r, size, err := cf.payloadReader()
	if err != nil {
		return err
	}
	return handler(r, size)
}

// ReplayRecord iterates the discovered segment chain in ascending id
// order, delivering each valid operation record to handler in turn.
// Within a segment, reading ends at its end of file or at its first
// invalid record, and replay moves on to the next queued segment. Replay
// stops, without error, at the first of: handler returning false, a
// queued segment that can no longer be opened, or the queue being
// exhausted.
func (s *Storage) ReplayRecord(handler func(opcode, opversion uint32, payload []byte) bool) error {
	s.mu.Lock()
	queue := append([]uint64(nil), s.replayQueue...)
	s.mu.Unlock()

	for _, id := range queue {
		path := s.segPath(id)
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		sf, err := openSegmentFileForReading(f, path)
		if err != nil {
			f.Close()
			return nil
		}

		stop := false
		for {
			opcode, opversion, payload, ok, rerr := sf.readRecord()
			if rerr != nil || !ok {
				break
			}
			if !handler(opcode, opversion, payload) {
				stop = true
				break
			}
		}
		sf.closeReader()
		if stop {
			return nil
		}
	}
	return nil
}
