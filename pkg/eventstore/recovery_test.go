package eventstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftwave/eventstore/pkg/eventstore"
)

// appendRawUnconfirmedRecord simulates a writer mid-appendBatch: a fully
// encoded record with no following trailer, landed on disk but never
// confirmed. It must look like a torn write to a destructive startup
// recovery scan, but must NOT be treated as corruption by a concurrent
// read against the live active segment.
func appendRawUnconfirmedRecord(t *testing.T, segmentPath string) {
	t.Helper()
	f, err := os.OpenFile(segmentPath, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	info, err := f.Stat()
	require.NoError(t, err)

	rec := &eventstore.Record{GlobalPos: 999, StreamRev: 1, StreamID: "dangling", Payload: []byte("mid-write")}
	buf := rec.Encode(nil)
	_, err = f.WriteAt(buf, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Sync())
}

func TestReadGlobal_DoesNotTruncateLiveSegmentOnUnconfirmedTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := eventstore.Open(dir, eventstore.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	_, err = store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("placed")}, "tenant-a")
	require.NoError(t, err)

	segmentPath := filepath.Join(dir, "events", "events-00000000.seg")
	infoBefore, err := os.Stat(segmentPath)
	require.NoError(t, err)

	appendRawUnconfirmedRecord(t, segmentPath)
	infoWithTail, err := os.Stat(segmentPath)
	require.NoError(t, err)
	require.Greater(t, infoWithTail.Size(), infoBefore.Size())

	events, err := store.ReadGlobal(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "only the confirmed record is visible")
	require.Equal(t, "order-1", events[0].StreamID)

	infoAfter, err := os.Stat(segmentPath)
	require.NoError(t, err)
	require.Equal(t, infoWithTail.Size(), infoAfter.Size(), "a live read must never truncate the active segment")
}

func TestRecovery_TruncatesUnconfirmedTailOnReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := eventstore.Open(dir, eventstore.DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("placed")}, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	segmentPath := filepath.Join(dir, "events", "events-00000000.seg")
	infoBefore, err := os.Stat(segmentPath)
	require.NoError(t, err)

	appendRawUnconfirmedRecord(t, segmentPath)

	reopened, err := eventstore.Open(dir, eventstore.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	infoAfter, err := os.Stat(segmentPath)
	require.NoError(t, err)
	require.Equal(t, infoBefore.Size(), infoAfter.Size(), "startup recovery truncates the unconfirmed tail")

	events, err := reopened.ReadStream("order-1", 1, 0, "tenant-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
}
