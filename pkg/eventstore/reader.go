package eventstore

import (
	"sort"
)

// ReadStream returns up to maxCount records for streamID starting at
// fromRev (inclusive), enforcing tenant isolation unless the caller is the
// system tenant (spec §4.D, §3 tenant isolation).
func (s *Store) ReadStream(streamID string, fromRev uint64, maxCount int, tenantID string) ([]Event, error) {
	snap := s.index.Lookup(streamID)
	if !snap.exists {
		return nil, &StreamNotFoundError{Stream: streamID}
	}
	if tenantID != SystemTenant && snap.tenantID != tenantID {
		return nil, &TenantMismatchError{Expected: tenantID, Actual: snap.tenantID}
	}
	if fromRev == 0 {
		fromRev = 1
	}

	var events []Event
	for rev := fromRev; rev <= snap.currentRev && (maxCount <= 0 || len(events) < maxCount); rev++ {
		rec, err := s.fetchStreamRevision(streamID, rev)
		if err != nil {
			return events, err
		}
		if rec == nil {
			continue
		}
		events = append(events, recordToEvent(rec))
	}
	return events, nil
}

// ReadGlobal returns up to maxCount records in global position order
// starting at fromPos (inclusive). It is intended for trusted,
// cross-tenant callers such as projection readers (spec §4.D): no tenant
// filtering is applied.
func (s *Store) ReadGlobal(fromPos uint64, maxCount int) ([]Event, error) {
	s.mu.Lock()
	segs := make([]*segmentMeta, len(s.segments))
	copy(segs, s.segments)
	s.mu.Unlock()

	sort.Slice(segs, func(i, j int) bool { return segs[i].firstGlobalPos < segs[j].firstGlobalPos })

	var events []Event
	for _, meta := range segs {
		if maxCount > 0 && len(events) >= maxCount {
			break
		}
		records, err := scanSegmentLive(segmentPath(s.dir, meta.firstGlobalPos))
		if err != nil {
			return events, err
		}
		for _, rr := range records {
			if rr.Record.GlobalPos < fromPos {
				continue
			}
			events = append(events, recordToEvent(rr.Record))
			if maxCount > 0 && len(events) >= maxCount {
				break
			}
		}
	}
	return events, nil
}

// GetStreamRevision returns streamID's current revision, enforcing tenant
// isolation the same way ReadStream does.
func (s *Store) GetStreamRevision(streamID, tenantID string) (uint64, error) {
	snap := s.index.Lookup(streamID)
	if !snap.exists {
		return 0, &StreamNotFoundError{Stream: streamID}
	}
	if tenantID != SystemTenant && snap.tenantID != tenantID {
		return 0, &TenantMismatchError{Expected: tenantID, Actual: snap.tenantID}
	}
	return snap.currentRev, nil
}

// fetchStreamRevision locates and decodes a single record for streamID at
// rev, via the in-memory locator cache when warm, or a segment scan when
// the locator has been evicted (spec §4.C eviction note).
func (s *Store) fetchStreamRevision(streamID string, rev uint64) (*Record, error) {
	if loc, ok := s.index.Locator(streamID, rev); ok {
		return s.readAt(loc)
	}
	return s.scanForRevision(streamID, rev)
}

func (s *Store) readAt(loc Locator) (*Record, error) {
	path := segmentPath(s.dir, loc.SegmentFirstPos)
	records, err := scanSegmentLive(path)
	if err != nil {
		return nil, err
	}
	for _, rr := range records {
		if rr.Offset == loc.Offset {
			return rr.Record, nil
		}
	}
	return nil, &CorruptedError{Segment: path, Offset: loc.Offset}
}

// scanForRevision rebuilds a single revision's location by scanning every
// segment in ascending order with scanSegmentLive, which decodes every
// trailer-confirmed record, and re-warms the locator cache with the first
// record matching streamID and rev. It returns nil, nil if none matches.
func (s *Store) scanForRevision(streamID string, rev uint64) (*Record, error) {
	s.mu.Lock()
	segs := make([]*segmentMeta, len(s.segments))
	copy(segs, s.segments)
	s.mu.Unlock()

	sort.Slice(segs, func(i, j int) bool { return segs[i].firstGlobalPos < segs[j].firstGlobalPos })

	for _, meta := range segs {
		records, err := scanSegmentLive(segmentPath(s.dir, meta.firstGlobalPos))
		if err != nil {
			return nil, err
		}
		for _, rr := range records {
			if rr.Record.StreamID == streamID && rr.Record.StreamRev == rev {
				s.index.SetLocator(streamID, rev, Locator{SegmentFirstPos: meta.firstGlobalPos, Offset: rr.Offset})
				return rr.Record, nil
			}
		}
	}
	return nil, nil
}

func recordToEvent(r *Record) Event {
	return Event{
		GlobalPos:   r.GlobalPos,
		StreamRev:   r.StreamRev,
		TimestampMs: r.TimestampMs,
		StreamID:    r.StreamID,
		TenantID:    r.TenantID,
		CommandID:   r.CommandID,
		Payload:     r.Payload,
	}
}
