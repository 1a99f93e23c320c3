package projection_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftwave/eventstore/pkg/projection"
)

func openTestState(t *testing.T) *projection.State {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "projections")
	state, err := projection.OpenState(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, state.Close()) })
	return state
}

func TestState_ApplyAndReadRow(t *testing.T) {
	state := openTestState(t)

	err := state.ApplyBatch("orders", "tenant-a", []projection.Op{
		{Key: "order-1", Row: map[string]interface{}{"status": "placed"}},
	}, 10)
	require.NoError(t, err)

	row, ok, err := state.ReadRow("orders", "tenant-a", "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "placed", row["status"])

	pos, ok, err := state.GetCheckpoint("orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), pos)
}

func TestState_TenantIsolation(t *testing.T) {
	state := openTestState(t)

	require.NoError(t, state.ApplyBatch("orders", "tenant-a", []projection.Op{
		{Key: "k1", Row: map[string]interface{}{"owner": "a"}},
	}, 1))
	require.NoError(t, state.ApplyBatch("orders", "tenant-b", []projection.Op{
		{Key: "k1", Row: map[string]interface{}{"owner": "b"}},
	}, 2))

	rowA, ok, err := state.ReadRow("orders", "tenant-a", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", rowA["owner"])

	rowB, ok, err := state.ReadRow("orders", "tenant-b", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", rowB["owner"])
}

func TestState_CheckpointRegressionRejected(t *testing.T) {
	state := openTestState(t)

	require.NoError(t, state.ApplyBatch("orders", "tenant-a", nil, 10))
	err := state.ApplyBatch("orders", "tenant-a", nil, 10)
	require.Error(t, err)
	err = state.ApplyBatch("orders", "tenant-a", nil, 5)
	require.Error(t, err)
}

func TestState_DeleteTenant(t *testing.T) {
	state := openTestState(t)

	require.NoError(t, state.ApplyBatch("orders", "tenant-a", []projection.Op{
		{Key: "k1", Row: map[string]interface{}{}},
		{Key: "k2", Row: map[string]interface{}{}},
	}, 1))
	require.NoError(t, state.ApplyBatch("orders", "tenant-b", []projection.Op{
		{Key: "k1", Row: map[string]interface{}{}},
	}, 2))

	deleted, err := state.DeleteTenant("orders", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, ok, err := state.ReadRow("orders", "tenant-a", "k1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = state.ReadRow("orders", "tenant-b", "k1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestState_CommitBatchMultiTenant(t *testing.T) {
	state := openTestState(t)

	err := state.CommitBatch("orders", map[string][]projection.Op{
		"tenant-a": {{Key: "k1", Row: map[string]interface{}{"v": 1}}},
		"tenant-b": {{Key: "k1", Row: map[string]interface{}{"v": 2}}},
	}, 7)
	require.NoError(t, err)

	pos, ok, err := state.GetCheckpoint("orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), pos)
}
