package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftwave/eventstore/pkg/eventstore"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(t.TempDir(), eventstore.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestAppend_ThenReadBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	result, err := store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("placed"), []byte("paid")}, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.FirstRev)
	require.Equal(t, uint64(2), result.LastRev)

	events, err := store.ReadStream("order-1", 1, 0, "tenant-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "placed", string(events[0].Payload))
	require.Equal(t, "paid", string(events[1].Payload))
	require.Equal(t, uint64(1), events[0].StreamRev)
	require.Equal(t, uint64(2), events[1].StreamRev)
}

func TestAppend_RevisionContiguity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("a")}, "tenant-a")
	require.NoError(t, err)
	_, err = store.Append(ctx, "order-1", "cmd-2", 1, [][]byte{[]byte("b")}, "tenant-a")
	require.NoError(t, err)

	rev, err := store.GetStreamRevision("order-1", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rev)
}

func TestAppend_RevisionConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("a")}, "tenant-a")
	require.NoError(t, err)

	_, err = store.Append(ctx, "order-1", "cmd-2", 0, [][]byte{[]byte("b")}, "tenant-a")
	require.Error(t, err)
	var conflict *eventstore.RevisionConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAppend_IdempotentCommandID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	events := [][]byte{[]byte("a"), []byte("b")}
	first, err := store.Append(ctx, "order-1", "cmd-1", 0, events, "tenant-a")
	require.NoError(t, err)

	second, err := store.Append(ctx, "order-1", "cmd-1", 0, events, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, first, second)

	rev, err := store.GetStreamRevision("order-1", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rev) // the retry did not append again
}

func TestAppend_CommandIDReuseWithDifferentPayloadFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("a")}, "tenant-a")
	require.NoError(t, err)

	_, err = store.Append(ctx, "order-1", "cmd-1", -1, [][]byte{[]byte("different")}, "tenant-a")
	require.Error(t, err)
	var reuse *eventstore.CommandIDReuseError
	require.ErrorAs(t, err, &reuse)
}

func TestRead_TenantIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("a")}, "tenant-a")
	require.NoError(t, err)

	_, err = store.ReadStream("order-1", 1, 0, "tenant-b")
	require.Error(t, err)
	var mismatch *eventstore.TenantMismatchError
	require.ErrorAs(t, err, &mismatch)

	// the system tenant may cross boundaries.
	events, err := store.ReadStream("order-1", 1, 0, eventstore.SystemTenant)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAppendBatch_AtomicAcrossStreams(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	results, errs, err := store.AppendBatch(ctx, []eventstore.Command{
		{StreamID: "a", ExpectedRev: 0, Events: [][]byte{[]byte("1")}},
		{StreamID: "b", ExpectedRev: 0, Events: [][]byte{[]byte("2")}},
	}, "tenant-a")
	require.NoError(t, err)
	for _, e := range errs {
		require.NoError(t, e)
	}
	require.Len(t, results, 2)

	revA, err := store.GetStreamRevision("a", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), revA)
	revB, err := store.GetStreamRevision("b", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), revB)
}

func TestGlobalPosition_MonotonicAcrossStreams(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r1, err := store.Append(ctx, "a", "", -1, [][]byte{[]byte("1")}, "tenant-a")
	require.NoError(t, err)
	r2, err := store.Append(ctx, "b", "", -1, [][]byte{[]byte("2")}, "tenant-a")
	require.NoError(t, err)

	require.Less(t, r1.LastGlobalPos, r2.FirstGlobalPos)
}

func TestRecovery_ReplaysAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := eventstore.Open(dir, eventstore.DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "order-1", "cmd-1", 0, [][]byte{[]byte("a"), []byte("b")}, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := eventstore.Open(dir, eventstore.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	events, err := reopened.ReadStream("order-1", 1, 0, "tenant-a")
	require.NoError(t, err)
	require.Len(t, events, 2)

	rev, err := reopened.GetStreamRevision("order-1", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rev)
}

func TestPayloadTooLarge_Rejected(t *testing.T) {
	cfg := eventstore.DefaultConfig()
	cfg.PayloadSizeCap = 4
	store, err := eventstore.Open(t.TempDir(), cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	_, err = store.Append(context.Background(), "order-1", "cmd-1", 0, [][]byte{[]byte("too-large")}, "tenant-a")
	require.Error(t, err)
	var tooLarge *eventstore.PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}
