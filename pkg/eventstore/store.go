// Package eventstore is the durable, append-only event log and reader:
// per-stream optimistic concurrency, a monotonic global position, batched
// multi-stream atomic commits, and crash-safe recovery (spec §2-§4 A-D).
package eventstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Config controls store-wide limits (spec §4.A, §3).
type Config struct {
	SegmentSizeCap int64
	PayloadSizeCap int
	LocatorCache   int // max streams with a warm locator cache; 0 = unbounded
}

// DefaultConfig returns the spec's default limits.
func DefaultConfig() Config {
	return Config{
		SegmentSizeCap: DefaultSegmentSizeCap,
		PayloadSizeCap: DefaultPayloadSizeCap,
		LocatorCache:   4096,
	}
}

// Store is an open event log: segments on disk, a stream index in
// memory, and the single writer goroutine's serialization point.
type Store struct {
	log    *zap.Logger
	dir    string
	config Config

	index *StreamIndex

	mu            sync.Mutex // global write lock (spec §4.B step 1, §5)
	segments      []*segmentMeta
	active        *segment
	globalPos     uint64
	unhealthy     atomic.Bool
	unhealthyErr  atomic.Value

	groupMu        sync.Mutex
	pendingReqs    []*appendRequest
	commitInFlight bool
}

type segmentMeta struct {
	firstGlobalPos uint64
}

// Open recovers (if necessary) and opens the event log rooted at path,
// creating path/events/ if it does not exist (spec §6 on-disk layout).
func Open(path string, config Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	eventsDir := filepath.Join(path, "events")
	if err := os.MkdirAll(eventsDir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}

	s := &Store{
		log:    log,
		dir:    eventsDir,
		config: config,
		index:  NewStreamIndex(config.LocatorCache),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover walks every segment file in ascending first-global-pos order,
// replaying records into the stream index and truncating any torn tail
// (spec §4.A "Recovery on open").
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Error.Wrap(err)
	}

	var firstPositions []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if pos, ok := parseSegmentName(e.Name()); ok {
			firstPositions = append(firstPositions, pos)
		}
	}
	sort.Slice(firstPositions, func(i, j int) bool { return firstPositions[i] < firstPositions[j] })

	hint, hintOK := loadSnapshot(s.dir)

	var maxGlobalPos uint64
	for _, first := range firstPositions {
		path := segmentPath(s.dir, first)
		records, _, err := recoverSegment(path)
		if err != nil {
			return err
		}
		for _, rr := range records {
			s.replay(first, rr)
			if rr.Record.GlobalPos > maxGlobalPos {
				maxGlobalPos = rr.Record.GlobalPos
			}
		}
		s.segments = append(s.segments, &segmentMeta{firstGlobalPos: first})
	}

	s.globalPos = maxGlobalPos

	if hintOK {
		s.checkSnapshotHint(hint)
	}

	var activeFirst uint64
	if len(firstPositions) > 0 {
		activeFirst = firstPositions[len(firstPositions)-1]
	}
	active, err := openSegmentForAppend(s.dir, activeFirst)
	if err != nil {
		return err
	}
	if len(firstPositions) == 0 {
		s.segments = append(s.segments, &segmentMeta{firstGlobalPos: 0})
	}
	s.active = active
	return nil
}

// checkSnapshotHint compares a loaded stream index snapshot against the
// authoritative index just rebuilt from segment trailers. The hint is
// never trusted for recovery itself (spec §4.A: the index is always
// rebuilt by scanning segments) — this only catches a stale or corrupt
// snapshot file early, by logging when it disagrees with what recovery
// actually found, instead of carrying a silently wrong hint forward.
func (s *Store) checkSnapshotHint(hint []snapshotEntry) {
	mismatches := 0
	for _, e := range hint {
		snap := s.index.Lookup(e.StreamID)
		if !snap.exists || snap.currentRev != e.CurrentRev || snap.headGlobalPos != e.HeadGlobalPos {
			mismatches++
		}
	}
	if mismatches > 0 {
		s.log.Warn("stream index snapshot hint diverged from recovered state, ignoring",
			zap.Int("mismatched_streams", mismatches), zap.Int("hint_streams", len(hint)))
		return
	}
	s.log.Info("stream index snapshot hint matched recovered state", zap.Int("streams", len(hint)))
}

func (s *Store) replay(segmentFirst uint64, rr recoveredRecord) {
	s.index.Apply(applied{
		streamID:  rr.Record.StreamID,
		tenantID:  rr.Record.TenantID,
		commandID: rr.Record.CommandID,
		payload:   rr.Record.Payload,
		rev:       rr.Record.StreamRev,
		globalPos: rr.Record.GlobalPos,
		locator:   Locator{SegmentFirstPos: segmentFirst, Offset: rr.Offset},
	})
}

// Close releases the active segment's file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.close()
}

// isUnhealthy reports whether the store has quiesced after an
// environmental failure (spec §7).
func (s *Store) isUnhealthy() (bool, error) {
	if !s.unhealthy.Load() {
		return false, nil
	}
	return true, StoreUnhealthyError
}

func (s *Store) quiesce(cause error) {
	if s.unhealthy.CompareAndSwap(false, true) {
		s.unhealthyErr.Store(cause)
		s.log.Error("store quiesced after environmental failure", zap.Error(cause))
	}
}
