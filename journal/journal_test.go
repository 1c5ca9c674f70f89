package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "db", "journal.db"), "XAUUSD")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	require.NoError(t, j.Record(Entry{Kind: "open_hedge", Ticket: 1, Status: StatusApplied, Description: "Open hedge 1/2 for #1"}))
	require.NoError(t, j.Record(Entry{Kind: "set_stop_loss", Ticket: 2, Status: StatusFailed, Error: "order rejected by broker"}))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "set_stop_loss", entries[0].Kind, "newest first")
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "order rejected by broker", entries[0].Error)
	assert.False(t, entries[1].Time.IsZero())

	entries, err = j.Recent(1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_DisabledIsNilSafe(t *testing.T) {
	j, err := Open("", "XAUUSD")
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, j.Record(Entry{Kind: "noop"}))
	entries, err := j.Recent(5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, j.Close())
}
