package indexstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveThenLookup_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "index.db"), dir)
	require.NoError(t, err)
	defer s.Close()

	offsets := []int64{0, 128, 260, 512}
	require.NoError(t, s.Save("/var/log/trace.dlt", 4096, 1700000000, offsets))

	got, ok, err := s.Lookup("/var/log/trace.dlt", 4096, 1700000000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, offsets, got)
}

func TestLookup_MissAfterSizeChange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "index.db"), dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("/var/log/trace.dlt", 4096, 1700000000, []int64{0, 128}))

	_, ok, err := s.Lookup("/var/log/trace.dlt", 8192, 1700000000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLookup_MissForUnknownPath(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "index.db"), dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Lookup("/does/not/exist.dlt", 1, 1)
	require.NoError(t, err)
	require.False(t, ok)
}
