// Package journal implements a crash-consistent journal storage engine: a
// durable, append-only log of operations paired with periodic consolidated
// snapshots ("checkpoints").
//
// A journal is a named set of files in one or two filesystem directories:
// a single consistent Checkpoint File, an optional in-progress checkpoint
// being taken, and an ordered chain of Segment Files holding the operation
// records appended since the checkpoint. The on-disk format is designed to
// be bit-exact across implementations: any reader that understands this
// package's magics, headers and CRC32 discipline can recover a journal
// written by a different process, or a different language entirely.
//
// # File format
//
// Checkpoint files:
//
//	file = storage_magic user_magic FileHeader payload pad tail_magic CheckpointTail
//
// Segment files:
//
//	file = storage_magic user_magic FileHeader record*
//	record = operation_magic OperationHeader payload pad OperationTail
//
// All multi-byte integers are little-endian. Every variable-length region
// is padded with zero bytes to an 8-byte boundary. Every header carries its
// own declared size so that future fields can be appended without breaking
// older readers (see [ensureHeaderSize]).
//
// # Lifecycle
//
// A [Storage] moves through the states described by [State]: it is created
// or opened, optionally made writable, and closed. Only one goroutine may
// drive a writable Storage at a time; see the concurrency note on
// [Storage] for the exact rules.
//
// Corruption encountered while replaying operation records is never
// reported as an error: the replay stops at the first bad record, and the
// caller can keep writing from that point onward. Corruption encountered
// while opening a checkpoint is always reported, since an unusable
// checkpoint means the storage has no known-good state to resume from.
package journal
