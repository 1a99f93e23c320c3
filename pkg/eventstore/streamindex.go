package eventstore

import (
	"container/list"
	"sync"
)

// Locator pinpoints a single stream revision's record on disk (spec §3
// "Stream index entry").
type Locator struct {
	SegmentFirstPos uint64
	Offset          int64
}

// commandResult remembers the outcome of one committed command, for
// idempotent re-append (spec §3, (stream_id, command_id) uniqueness).
type commandResult struct {
	payloadFingerprint string
	firstRev, lastRev  uint64
	firstPos, lastPos  uint64
}

// streamState is the in-memory record for one stream.
type streamState struct {
	tenantID      string
	currentRev    uint64
	headGlobalPos uint64
	locators      map[uint64]Locator // stream_rev -> locator; may be partially evicted
	commands      map[string]commandResult
}

// StreamIndex maps stream_id to streamState (spec §4.C). Reads take brief
// read locks; the writer takes the exclusive lock once per applied record,
// while holding the store's global write lock for the whole commit
// (spec §5). A bounded LRU evicts locator lists for cold streams; the
// evicted data is rebuilt on demand by scanning segments (see
// Store.fetchStreamRevision and Store.scanForRevision).
type StreamIndex struct {
	mu    sync.RWMutex
	byID  map[string]*streamState
	lru   *list.List
	elem  map[string]*list.Element
	limit int
}

// NewStreamIndex returns an empty index that evicts locator lists for the
// least-recently-touched stream once more than limit streams are tracked.
// limit <= 0 disables eviction.
func NewStreamIndex(limit int) *StreamIndex {
	return &StreamIndex{
		byID:  make(map[string]*streamState),
		lru:   list.New(),
		elem:  make(map[string]*list.Element),
		limit: limit,
	}
}

// snapshot is a point-in-time, lock-free-to-use copy of a stream's public
// state, returned by Lookup.
type snapshot struct {
	exists        bool
	tenantID      string
	currentRev    uint64
	headGlobalPos uint64
}

// Lookup returns a snapshot of stream_id's state.
func (idx *StreamIndex) Lookup(streamID string) snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	st, ok := idx.byID[streamID]
	if !ok {
		return snapshot{}
	}
	return snapshot{exists: true, tenantID: st.tenantID, currentRev: st.currentRev, headGlobalPos: st.headGlobalPos}
}

// FindCommand returns the recorded result of command_id on stream_id, if any.
func (idx *StreamIndex) FindCommand(streamID, commandID string) (commandResult, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	st, ok := idx.byID[streamID]
	if !ok {
		return commandResult{}, false
	}
	cr, ok := st.commands[commandID]
	return cr, ok
}

// Locator returns the on-disk locator for stream_id's revision rev, and
// whether it was found in-memory (a miss means evicted or unknown; the
// caller falls back to a trailer scan).
func (idx *StreamIndex) Locator(streamID string, rev uint64) (Locator, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	st, ok := idx.byID[streamID]
	if !ok {
		return Locator{}, false
	}
	loc, ok := st.locators[rev]
	return loc, ok
}

// applied is what a single committed record contributes to a stream's
// index entry, used both by live commits and recovery replay.
type applied struct {
	streamID  string
	tenantID  string
	commandID string
	payload   []byte
	rev       uint64
	globalPos uint64
	locator   Locator
}

// Apply updates the index for one durably-committed record. Must be
// called with the global write lock held (or, during recovery, before
// any reader is attached).
func (idx *StreamIndex) Apply(a applied) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	st, ok := idx.byID[a.streamID]
	if !ok {
		st = &streamState{
			tenantID: a.tenantID,
			locators: make(map[uint64]Locator),
			commands: make(map[string]commandResult),
		}
		idx.byID[a.streamID] = st
	}
	st.currentRev = a.rev
	st.headGlobalPos = a.globalPos
	st.locators[a.rev] = a.locator

	if a.commandID != "" {
		cr, exists := st.commands[a.commandID]
		if !exists {
			cr = commandResult{firstRev: a.rev, firstPos: a.globalPos}
		}
		cr.payloadFingerprint = chainFingerprint(cr.payloadFingerprint, a.payload)
		cr.lastRev = a.rev
		cr.lastPos = a.globalPos
		st.commands[a.commandID] = cr
	}

	idx.touch(a.streamID)
	idx.evictIfNeeded()
}

// SetLocator records a rebuilt locator for an already-known stream
// revision without disturbing current_rev/head/commands, used when a
// trailer scan re-warms an evicted entry (spec §4.C).
func (idx *StreamIndex) SetLocator(streamID string, rev uint64, loc Locator) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	st, ok := idx.byID[streamID]
	if !ok {
		return
	}
	st.locators[rev] = loc
	idx.touch(streamID)
	idx.evictIfNeeded()
}

// snapshotEntries returns a point-in-time copy of every tracked stream's
// durable position, for Store.Snapshot.
func (idx *StreamIndex) snapshotEntries() []snapshotEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entries := make([]snapshotEntry, 0, len(idx.byID))
	for streamID, st := range idx.byID {
		entries = append(entries, snapshotEntry{
			StreamID:      streamID,
			TenantID:      st.tenantID,
			CurrentRev:    st.currentRev,
			HeadGlobalPos: st.headGlobalPos,
		})
	}
	return entries
}

func (idx *StreamIndex) touch(streamID string) {
	if el, ok := idx.elem[streamID]; ok {
		idx.lru.MoveToFront(el)
		return
	}
	idx.elem[streamID] = idx.lru.PushFront(streamID)
}

func (idx *StreamIndex) evictIfNeeded() {
	if idx.limit <= 0 {
		return
	}
	for idx.lru.Len() > idx.limit {
		back := idx.lru.Back()
		if back == nil {
			return
		}
		streamID := back.Value.(string)
		idx.lru.Remove(back)
		delete(idx.elem, streamID)
		if st, ok := idx.byID[streamID]; ok {
			// Evict only the locator cache; current_rev/head/commands stay,
			// since they're cheap and needed for every append's conflict
			// check. Locators are rebuilt on demand from segment trailers.
			st.locators = make(map[uint64]Locator)
		}
	}
}
