package projection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftwave/eventstore/pkg/eventstore"
)

// WorkerState names a position in the coordinator's state machine
// (spec §4.G).
type WorkerState int

const (
	Idle WorkerState = iota
	Fetching
	Applying
	ErrorDecision
	Committing
	Failed
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Applying:
		return "applying"
	case ErrorDecision:
		return "error_decision"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorAction is what a registration's on_error handler decides to do
// after a handler invocation fails.
type ErrorAction int

const (
	Skip ErrorAction = iota
	Retry
	StopWorker
)

// View is the staged per-tenant table a handler reads and writes during
// one batch (spec §4.G "staged view"): reads see committed state plus
// any earlier write in the same batch; writes buffer into an ordered op
// list flushed atomically at Committing.
type View struct {
	state      *State
	projection string
	tenantID   string
	ops        []Op
	overlay    map[string]*Op // key -> last staged op in this batch; absent keys read through to state
}

func newView(state *State, projection, tenantID string) *View {
	return &View{state: state, projection: projection, tenantID: tenantID, overlay: map[string]*Op{}}
}

// Get returns key's value as seen by this batch so far.
func (v *View) Get(key string) (map[string]interface{}, bool, error) {
	if op, staged := v.overlay[key]; staged {
		if op.Delete {
			return nil, false, nil
		}
		return op.Row, true, nil
	}
	return v.state.ReadRow(v.projection, v.tenantID, key)
}

// Put stages an upsert, observable to later handler calls in this batch
// for the same tenant.
func (v *View) Put(key string, row map[string]interface{}) {
	op := Op{Key: key, Row: row}
	v.overlay[key] = &op
	v.ops = append(v.ops, op)
}

// Delete stages a delete, observable the same way as Put.
func (v *View) Delete(key string) {
	op := Op{Key: key, Delete: true}
	v.overlay[key] = &op
	v.ops = append(v.ops, op)
}

// viewMark is a point the view can be rolled back to: the ops slice
// length plus a copy of the overlay as they stood right before one
// event's handler call, so a retry only undoes that event's own staged
// writes, not the rest of the batch's (spec's design notes: retries
// must reset to "the pre-event snapshot", not the whole tenant view).
type viewMark struct {
	opsLen  int
	overlay map[string]*Op
}

// mark captures the view's current state, to roll back to on retry.
func (v *View) mark() viewMark {
	overlay := make(map[string]*Op, len(v.overlay))
	for k, op := range v.overlay {
		overlay[k] = op
	}
	return viewMark{opsLen: len(v.ops), overlay: overlay}
}

// rollback discards every op staged since m was captured.
func (v *View) rollback(m viewMark) {
	v.ops = v.ops[:m.opsLen]
	v.overlay = m.overlay
}

// Registration describes one projection's handler contract (spec §4.G).
type Registration struct {
	Name           string
	BatchSize      int
	PollInterval   time.Duration
	Apply          func(event eventstore.Event, view *View) error
	GetTenantID    func(event eventstore.Event) string
	OnError        func(err error, event eventstore.Event) ErrorAction
	EventFilter    func(event eventstore.Event) bool // nil = accept all
}

// reader is the subset of *eventstore.Store a worker needs; narrowed to
// an interface so tests can fake it.
type reader interface {
	ReadGlobal(fromPos uint64, maxCount int) ([]eventstore.Event, error)
}

// Worker drives one projection's state machine against a reader and the
// shared state store (spec §4.G).
type Worker struct {
	reg   Registration
	log   *zap.Logger
	state *State
	store reader

	mu      sync.Mutex
	current WorkerState
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker constructs (but does not start) a worker for reg.
func NewWorker(reg Registration, store reader, state *State, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if reg.BatchSize <= 0 {
		reg.BatchSize = 100
	}
	if reg.PollInterval <= 0 {
		reg.PollInterval = 50 * time.Millisecond
	}
	return &Worker{
		reg:     reg,
		log:     log.With(zap.String("projection", reg.Name)),
		state:   state,
		store:   store,
		current: Idle,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State reports the worker's current state-machine position.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
}

// Run drives the worker's state machine until ctx is cancelled or Stop is
// called; it returns once the current batch (if any) reaches a safe
// boundary (spec §5 "graceful stop").
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if w.State() == Failed {
			return
		}

		progressed, err := w.tick(ctx)
		if err != nil {
			w.log.Error("projection worker failed", zap.Error(err))
			w.setState(Failed)
			return
		}
		if !progressed {
			select {
			case <-time.After(w.reg.PollInterval):
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
	}
}

// Stop requests a graceful shutdown; it does not block.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
}

// Done reports when Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// tick performs Idle->Fetching->Applying->Committing once, returning
// progressed=false when the poll found nothing new (spec §4.G table).
func (w *Worker) tick(ctx context.Context) (progressed bool, err error) {
	w.setState(Fetching)

	checkpoint, _, err := w.state.GetCheckpoint(w.reg.Name)
	if err != nil {
		return false, err
	}

	rawEvents, err := w.store.ReadGlobal(checkpoint+1, w.reg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(rawEvents) == 0 {
		w.setState(Idle)
		return false, nil
	}

	events := rawEvents
	if w.reg.EventFilter != nil {
		filtered := make([]eventstore.Event, 0, len(rawEvents))
		for _, e := range rawEvents {
			if w.reg.EventFilter(e) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if len(events) == 0 {
		// every event the raw fetch returned was filtered out; still
		// advance the checkpoint to the raw fetch's watermark, or the next
		// tick re-fetches and re-filters the same exhausted range forever.
		w.setState(Committing)
		rawLast := rawEvents[len(rawEvents)-1].GlobalPos
		if err := w.state.CommitBatch(w.reg.Name, nil, rawLast); err != nil {
			return false, err
		}
		w.setState(Idle)
		return true, nil
	}

	lastGlobalPos := checkpoint
	views := map[string]*View{}

	i := 0
	w.setState(Applying)
	for i < len(events) {
		event := events[i]
		tenantID := w.reg.GetTenantID(event)
		view, ok := views[tenantID]
		if !ok {
			view = newView(w.state, w.reg.Name, tenantID)
			views[tenantID] = view
		}

		mark := view.mark()
		applyErr := w.reg.Apply(event, view)
		if applyErr == nil {
			lastGlobalPos = event.GlobalPos
			i++
			continue
		}

		w.setState(ErrorDecision)
		action := Skip
		if w.reg.OnError != nil {
			action = w.reg.OnError(applyErr, event)
		}
		switch action {
		case Skip:
			// undo this event's own partial writes; earlier events in the
			// batch keep whatever they already staged.
			view.rollback(mark)
			lastGlobalPos = event.GlobalPos
			i++
			w.setState(Applying)
		case Retry:
			// a retry must start this event from its own pre-event snapshot,
			// not compound whatever the failed attempt had already staged,
			// and must not disturb earlier events' staged writes.
			view.rollback(mark)
			w.setState(Applying)
			if retryErr := w.reg.Apply(event, view); retryErr != nil {
				return false, retryErr
			}
			lastGlobalPos = event.GlobalPos
			i++
		case StopWorker:
			return false, applyErr
		}
	}

	w.setState(Committing)
	opsByTenant := make(map[string][]Op, len(views))
	for tenantID, view := range views {
		opsByTenant[tenantID] = view.ops
	}
	if err := w.state.CommitBatch(w.reg.Name, opsByTenant, lastGlobalPos); err != nil {
		return false, err
	}

	w.setState(Idle)
	return true, nil
}
