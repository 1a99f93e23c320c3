package eventstore

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the root class for every eventstore error.
var Error = errs.Class("eventstore")

// RevisionConflictError is returned when expected_rev does not match the
// stream's current revision (spec §4.B step 2).
type RevisionConflictError struct {
	Stream   string
	Expected int64
	Actual   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("eventstore: revision conflict on stream %q: expected %d, actual %d", e.Stream, e.Expected, e.Actual)
}

// CommandIDReuseError is returned when (stream_id, command_id) was already
// committed with a different payload set.
type CommandIDReuseError struct {
	Stream    string
	CommandID string
}

func (e *CommandIDReuseError) Error() string {
	return fmt.Sprintf("eventstore: command id %q reused on stream %q with a different payload", e.CommandID, e.Stream)
}

// TenantMismatchError is returned when a reader's tenant does not match a
// record's tenant_id (and the reader is not the system tenant).
type TenantMismatchError struct {
	Expected string
	Actual   string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("eventstore: tenant mismatch: expected %q, record belongs to %q", e.Expected, e.Actual)
}

// StreamNotFoundError is returned when a stream has never been appended to.
type StreamNotFoundError struct {
	Stream string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("eventstore: stream %q not found", e.Stream)
}

// OverloadedError reports a write rejected because it would exceed the
// admission controller's current concurrency limit. The controller itself
// only returns false from TryAcquire; its caller builds this error.
// Retryable.
type OverloadedError struct {
	CurrentLimit int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("eventstore: overloaded, current_limit=%d", e.CurrentLimit)
}

// PayloadTooLargeError is returned when an event payload exceeds the
// configured cap.
type PayloadTooLargeError struct {
	Size, Max int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("eventstore: payload too large: %d bytes, max %d", e.Size, e.Max)
}

// CorruptedError marks a torn write or CRC failure found during recovery
// or read.
type CorruptedError struct {
	Segment string
	Offset  int64
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("eventstore: corrupted segment %q at offset %d", e.Segment, e.Offset)
}

// CheckpointRegressionError is returned when a projection batch commit
// would move last_applied_global_pos backwards or sideways.
type CheckpointRegressionError struct {
	Projection        string
	Proposed, Current uint64
}

func (e *CheckpointRegressionError) Error() string {
	return fmt.Sprintf("eventstore: checkpoint regression for projection %q: proposed %d, current %d", e.Projection, e.Proposed, e.Current)
}

// StorageFullError marks the store out of disk space on the write path.
var StorageFullError = Error.New("storage full")

// StoreUnhealthyError is returned by every append once the writer has
// quiesced after an environmental failure (spec §7).
var StoreUnhealthyError = Error.New("store unhealthy, restart required")

// SystemTenant is the privileged tenant token allowed to cross tenant
// boundaries (spec §3).
const SystemTenant = "system"
