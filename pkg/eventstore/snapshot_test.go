package eventstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []snapshotEntry{
		{StreamID: "order-1", TenantID: "tenant-a", CurrentRev: 3, HeadGlobalPos: 9},
		{StreamID: "order-2", TenantID: "tenant-b", CurrentRev: 1, HeadGlobalPos: 10},
	}

	require.NoError(t, writeSnapshot(dir, entries))

	loaded, ok := loadSnapshot(dir)
	require.True(t, ok)
	require.ElementsMatch(t, entries, loaded)
}

func TestSnapshot_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	_, ok := loadSnapshot(dir)
	require.False(t, ok)
}

func TestSnapshot_CorruptFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSnapshot(dir, []snapshotEntry{{StreamID: "a", CurrentRev: 1}}))

	path := filepath.Join(dir, snapshotFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, ok := loadSnapshot(dir)
	require.False(t, ok)
}
