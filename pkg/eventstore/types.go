package eventstore

// Command is one caller-supplied append: a stream, its idempotency key,
// the expected revision, and the events to add (spec §4.B).
type Command struct {
	StreamID    string
	CommandID   string
	ExpectedRev int64 // 0 = must not exist, N>0 = must equal N, -1 = any
	Events      [][]byte
}

// CommandResult is what a successfully-processed Command returns.
type CommandResult struct {
	FirstRev       uint64
	LastRev        uint64
	FirstGlobalPos uint64
	LastGlobalPos  uint64
}

// Event is a single record as handed back by the reader (spec §3).
type Event struct {
	GlobalPos   uint64
	StreamID    string
	StreamRev   uint64
	TenantID    string
	CommandID   string
	TimestampMs uint64
	Payload     []byte
}
