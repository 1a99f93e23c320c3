// Package telemetry is a partitioned, append-only sink for operational
// samples (latency histograms, counters). No other package in this module
// writes to it. It is out of core scope (spec.md §1) but
// reuses the event log's record framing rather than inventing a second
// wire format (spec.md's "straightforward partitioned variant").
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftwave/eventstore/pkg/eventstore"
)

// DefaultShardSizeCap rolls a new shard file past this size.
const DefaultShardSizeCap = 16 * 1024 * 1024

// Writer appends telemetry samples under
// dir/<app>/<YYYY-MM-DD>/shard-NNN.tel, one open shard file per
// (app, day) pair.
type Writer struct {
	dir          string
	shardSizeCap int64

	mu     sync.Mutex
	shards map[string]*shardFile
}

type shardFile struct {
	file  *os.File
	size  int64
	index int
}

// New returns a telemetry writer rooted at dir (created if necessary).
func New(dir string, shardSizeCap int64) (*Writer, error) {
	if shardSizeCap <= 0 {
		shardSizeCap = DefaultShardSizeCap
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, eventstore.Error.Wrap(err)
	}
	return &Writer{dir: dir, shardSizeCap: shardSizeCap, shards: map[string]*shardFile{}}, nil
}

// Write appends one telemetry sample for app at timestamp ts. Samples
// carry no stream_rev or global_pos: each record is independent, so
// GlobalPos/StreamRev are left zero and StreamID holds the logical
// sample source.
func (w *Writer) Write(app, source string, ts time.Time, payload []byte) error {
	rec := &eventstore.Record{
		TimestampMs: uint64(ts.UnixMilli()),
		StreamID:    source,
		TenantID:    app,
		Payload:     payload,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := ts.UTC().Format("2006-01-02")
	key := app + "/" + day
	shard, err := w.shardFor(app, day, key)
	if err != nil {
		return err
	}

	buf := rec.Encode(nil)
	if shard.size+int64(len(buf)) > w.shardSizeCap {
		if err := shard.file.Close(); err != nil {
			return eventstore.Error.Wrap(err)
		}
		shard.index++
		shard.size = 0
		if err := w.openShardFile(app, day, shard); err != nil {
			return err
		}
	}

	n, err := shard.file.Write(buf)
	if err != nil {
		return eventstore.Error.Wrap(err)
	}
	shard.size += int64(n)
	return eventstore.Error.Wrap(shard.file.Sync())
}

func (w *Writer) shardFor(app, day, key string) (*shardFile, error) {
	if shard, ok := w.shards[key]; ok {
		return shard, nil
	}
	shard := &shardFile{}
	if err := w.openShardFile(app, day, shard); err != nil {
		return nil, err
	}
	w.shards[key] = shard
	return shard, nil
}

func (w *Writer) openShardFile(app, day string, shard *shardFile) error {
	dir := filepath.Join(w.dir, app, day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return eventstore.Error.Wrap(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("shard-%03d.tel", shard.index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return eventstore.Error.Wrap(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return eventstore.Error.Wrap(err)
	}
	shard.file = f
	shard.size = info.Size()
	return nil
}

// Close releases every open shard file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, shard := range w.shards {
		if err := shard.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return eventstore.Error.Wrap(firstErr)
}
