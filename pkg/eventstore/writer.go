package eventstore

import (
	"context"
	"time"
)

type appendRequest struct {
	commands []Command
	tenantID string
	resultCh chan appendOutcome
}

type appendOutcome struct {
	results []CommandResult
	errs    []error // parallel to commands; nil entry = success
}

// Append is the single-command convenience form of AppendBatch (spec §4.B).
func (s *Store) Append(ctx context.Context, streamID, commandID string, expectedRev int64, events [][]byte, tenantID string) (CommandResult, error) {
	results, errs, err := s.AppendBatch(ctx, []Command{{
		StreamID:    streamID,
		CommandID:   commandID,
		ExpectedRev: expectedRev,
		Events:      events,
	}}, tenantID)
	if err != nil {
		return CommandResult{}, err
	}
	if errs[0] != nil {
		return CommandResult{}, errs[0]
	}
	return results[0], nil
}

// AppendBatch commits commands across one or more streams atomically: all
// succeed and become durable together, or (if any fails validation) none
// do (spec §4.B). It returns one CommandResult/error pair per command,
// plus a top-level error only for call-level failures (e.g. StoreUnhealthy).
func (s *Store) AppendBatch(ctx context.Context, commands []Command, tenantID string) ([]CommandResult, []error, error) {
	if unhealthy, cause := s.isUnhealthy(); unhealthy {
		return nil, nil, cause
	}
	for _, cmd := range commands {
		for _, e := range cmd.Events {
			if len(e) > s.config.PayloadSizeCap {
				return nil, nil, &PayloadTooLargeError{Size: len(e), Max: s.config.PayloadSizeCap}
			}
		}
	}

	req := &appendRequest{commands: commands, tenantID: tenantID, resultCh: make(chan appendOutcome, 1)}

	s.groupMu.Lock()
	s.pendingReqs = append(s.pendingReqs, req)
	leader := !s.commitInFlight
	if leader {
		s.commitInFlight = true
	}
	s.groupMu.Unlock()

	if leader {
		s.runCommitRound()
	}

	select {
	case out := <-req.resultCh:
		return out.results, out.errs, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// runCommitRound drains whatever requests piled up while it was not the
// leader's turn and commits them as one group (spec §4.B "Fsync
// batching"): every caller's completion still happens strictly after its
// own batch's fsync returns, but the fsync syscall itself is shared.
func (s *Store) runCommitRound() {
	s.groupMu.Lock()
	batch := s.pendingReqs
	s.pendingReqs = nil
	s.groupMu.Unlock()

	s.commit(batch)

	s.groupMu.Lock()
	s.commitInFlight = false
	// if more requests arrived mid-commit, hand leadership to the next one
	if len(s.pendingReqs) > 0 {
		s.commitInFlight = true
		go s.runCommitRound()
	}
	s.groupMu.Unlock()
}

type commandOutcome struct {
	result CommandResult
	err    error
	record []*Record // records to write, empty if nothing to durably add (idempotent hit)
}

// commitSlot pairs one request with the outcomes of its own commands
// within a shared commit round.
type commitSlot struct {
	req  *appendRequest
	outs []commandOutcome
}

// commit executes the commit protocol (spec §4.B steps 1-8) over every
// command in every request of this group-commit round.
func (s *Store) commit(batch []*appendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]commitSlot, len(batch))

	pendingRev := map[string]uint64{}
	pendingCmd := map[string]map[string]commandResult{} // streamID -> commandID -> fingerprint and result so far

	var allRecords []*Record
	now := uint64(time.Now().UnixMilli())

	for bi, req := range batch {
		outs := make([]commandOutcome, len(req.commands))
		for ci, cmd := range req.commands {
			out := s.validateAndAssign(cmd, req.tenantID, now, pendingRev, pendingCmd)
			outs[ci] = out
			allRecords = append(allRecords, out.record...)
		}
		slots[bi] = commitSlot{req: req, outs: outs}
	}

	if len(allRecords) > 0 {
		if s.active.size+int64(totalEncodedSize(allRecords)) > s.config.SegmentSizeCap {
			if err := s.rollSegment(allRecords[0].GlobalPos); err != nil {
				s.failAll(slots, err)
				return
			}
		}

		offsets, err := s.active.appendBatch(allRecords)
		if err != nil {
			s.quiesce(err)
			s.failAll(slots, StoreUnhealthyError)
			return
		}

		idx := 0
		activeFirst := s.active.firstGlobalPos
		for _, sl := range slots {
			for ci := range sl.outs {
				out := &sl.outs[ci]
				if out.err != nil || len(out.record) == 0 {
					continue
				}
				for range out.record {
					rec := allRecords[idx]
					s.index.Apply(applied{
						streamID:  rec.StreamID,
						tenantID:  rec.TenantID,
						commandID: rec.CommandID,
						payload:   rec.Payload,
						rev:       rec.StreamRev,
						globalPos: rec.GlobalPos,
						locator:   Locator{SegmentFirstPos: activeFirst, Offset: offsets[idx]},
					})
					if rec.GlobalPos > s.globalPos {
						s.globalPos = rec.GlobalPos
					}
					idx++
				}
			}
		}
	}

	for _, sl := range slots {
		results := make([]CommandResult, len(sl.outs))
		errs := make([]error, len(sl.outs))
		for i, out := range sl.outs {
			results[i] = out.result
			errs[i] = out.err
		}
		sl.req.resultCh <- appendOutcome{results: results, errs: errs}
	}
}

func (s *Store) failAll(slots []commitSlot, cause error) {
	for _, sl := range slots {
		errs := make([]error, len(sl.outs))
		for i := range errs {
			errs[i] = cause
		}
		sl.req.resultCh <- appendOutcome{results: make([]CommandResult, len(sl.outs)), errs: errs}
	}
}

// validateAndAssign implements spec §4.B steps 2-4 for a single command,
// against the group's shared in-flight revision/command-id state so that
// commands from different coalesced calls touching the same stream are
// still serialized correctly.
func (s *Store) validateAndAssign(cmd Command, tenantID string, nowMs uint64, pendingRev map[string]uint64, pendingCmd map[string]map[string]commandResult) commandOutcome {
	snap := s.index.Lookup(cmd.StreamID)
	baseRev, ok := pendingRev[cmd.StreamID]
	if !ok {
		baseRev = snap.currentRev
	}

	// idempotency check (step 3)
	if cmd.CommandID != "" {
		if cr, found := s.index.FindCommand(cmd.StreamID, cmd.CommandID); found {
			if cr.payloadFingerprint == fingerprintSet(cmd.Events) {
				return commandOutcome{result: CommandResult{
					FirstRev: cr.firstRev, LastRev: cr.lastRev,
					FirstGlobalPos: cr.firstPos, LastGlobalPos: cr.lastPos,
				}}
			}
			return commandOutcome{err: &CommandIDReuseError{Stream: cmd.StreamID, CommandID: cmd.CommandID}}
		}
		if byStream, ok := pendingCmd[cmd.StreamID]; ok {
			if cr, seen := byStream[cmd.CommandID]; seen {
				if cr.payloadFingerprint == fingerprintSet(cmd.Events) {
					// identical repeat within the same uncommitted round: treat
					// as a duplicate of the first occurrence, which already
					// reserved the revisions below.
					return commandOutcome{result: CommandResult{
						FirstRev: cr.firstRev, LastRev: cr.lastRev,
						FirstGlobalPos: cr.firstPos, LastGlobalPos: cr.lastPos,
					}}
				}
				return commandOutcome{err: &CommandIDReuseError{Stream: cmd.StreamID, CommandID: cmd.CommandID}}
			}
		}
	}

	// revision check (step 2)
	switch {
	case cmd.ExpectedRev == 0:
		if baseRev != 0 {
			return commandOutcome{err: &RevisionConflictError{Stream: cmd.StreamID, Expected: 0, Actual: int64(baseRev)}}
		}
	case cmd.ExpectedRev > 0:
		if baseRev != uint64(cmd.ExpectedRev) {
			return commandOutcome{err: &RevisionConflictError{Stream: cmd.StreamID, Expected: cmd.ExpectedRev, Actual: int64(baseRev)}}
		}
	case cmd.ExpectedRev == -1:
		// any revision acceptable
	default:
		return commandOutcome{err: &RevisionConflictError{Stream: cmd.StreamID, Expected: cmd.ExpectedRev, Actual: int64(baseRev)}}
	}

	// assign positions (step 4)
	records := make([]*Record, len(cmd.Events))
	firstRev := baseRev + 1
	for i, payload := range cmd.Events {
		s.globalPos++
		records[i] = &Record{
			GlobalPos:   s.globalPos,
			StreamRev:   baseRev + uint64(i) + 1,
			TimestampMs: nowMs,
			StreamID:    cmd.StreamID,
			TenantID:    tenantID,
			CommandID:   cmd.CommandID,
			Payload:     payload,
		}
	}
	lastRev := baseRev + uint64(len(cmd.Events))
	pendingRev[cmd.StreamID] = lastRev

	var firstPos, lastPos uint64
	if len(records) > 0 {
		firstPos = records[0].GlobalPos
		lastPos = records[len(records)-1].GlobalPos
	}

	if cmd.CommandID != "" {
		byStream, ok := pendingCmd[cmd.StreamID]
		if !ok {
			byStream = map[string]commandResult{}
			pendingCmd[cmd.StreamID] = byStream
		}
		byStream[cmd.CommandID] = commandResult{
			payloadFingerprint: fingerprintSet(cmd.Events),
			firstRev:           firstRev,
			lastRev:            lastRev,
			firstPos:           firstPos,
			lastPos:            lastPos,
		}
	}

	return commandOutcome{
		result: CommandResult{FirstRev: firstRev, LastRev: lastRev, FirstGlobalPos: firstPos, LastGlobalPos: lastPos},
		record: records,
	}
}

func (s *Store) rollSegment(firstGlobalPos uint64) error {
	if err := s.active.close(); err != nil {
		return err
	}
	next, err := openSegmentForAppend(s.dir, firstGlobalPos)
	if err != nil {
		return err
	}
	s.active = next
	s.segments = append(s.segments, &segmentMeta{firstGlobalPos: firstGlobalPos})
	return nil
}

func totalEncodedSize(records []*Record) int {
	total := 0
	for _, r := range records {
		total += r.EncodedSize()
	}
	return total
}
