package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T, maxSize int64) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "logs", "calls.jsonl"), maxSize, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJournal_RecordLiftsIdentifiers(t *testing.T) {
	j := newTestJournal(t, 0)
	require.NoError(t, j.Record(Event{
		Type: EventRequestDisconnected,
		Data: map[string]interface{}{
			"request_id": int64(42),
			"session_id": "s-1",
			"operator":   "alice",
			"queue":      "support",
			"handled":    true,
		},
	}))

	entries := readEntries(t, j.Path())
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "request_disconnected", e.EventType)
	assert.Equal(t, int64(42), e.RequestID)
	assert.Equal(t, "s-1", e.SessionID)
	assert.Equal(t, "alice", e.Operator)
	assert.Equal(t, "support", e.Queue)
	assert.Equal(t, true, e.Details["handled"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestJournal_ConcurrentWrites(t *testing.T) {
	j := newTestJournal(t, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, j.Record(Event{Type: EventOperatorStats, Data: map[string]interface{}{"n": i}}))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, readEntries(t, j.Path()), 200)
	st, err := os.Stat(j.Path())
	require.NoError(t, err)
	assert.Equal(t, st.Size(), j.Size())
}

func TestJournal_Rotation(t *testing.T) {
	j := newTestJournal(t, 1024)
	details := map[string]interface{}{"note": "padding to make every entry a few hundred bytes long"}
	for i := 0; i < 30; i++ {
		require.NoError(t, j.Record(Event{Type: EventRequestQueued, Data: details}))
	}

	archived, err := os.ReadDir(filepath.Join(filepath.Dir(j.Path()), ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	for _, f := range archived {
		assert.Equal(t, JournalExtension, filepath.Ext(f.Name()))
	}
	assert.LessOrEqual(t, j.Size(), int64(1024))
	assert.NotEmpty(t, readEntries(t, j.Path()))
}

func TestJournal_ChecksumsVerify(t *testing.T) {
	j := newTestJournal(t, 0)
	j.EnableChecksum(true)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(Event{Type: EventRequestRejected, Data: map[string]interface{}{"reason": fmt.Sprintf("r%d", i)}}))
	}
	j.EnableChecksum(false)
	require.NoError(t, j.Record(Event{Type: EventRequestRejected}))
	require.NoError(t, j.Close())

	total, valid, err := VerifyJournal(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, valid)

	// Tamper with the first line.
	data, err := os.ReadFile(j.Path())
	require.NoError(t, err)
	idx := bytes.Index(data, []byte(`"r0"`))
	require.GreaterOrEqual(t, idx, 0)
	data[idx+2] = '9'
	require.NoError(t, os.WriteFile(j.Path(), data, 0644))

	total, valid, err = VerifyJournal(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, valid)
}

func TestJournal_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	j, err := NewJournal(path, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Record(Event{Type: EventRequestQueued}))
	require.NoError(t, j.Close())
	assert.Error(t, j.Record(Event{Type: EventRequestQueued}), "closed journal")

	j, err = NewJournal(path, 0, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	assert.Positive(t, j.Size())
	require.NoError(t, j.Record(Event{Type: EventRequestMoved}))
	assert.Len(t, readEntries(t, path), 2)
}

func TestJournal_AttachRecordsBusEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		j := newTestJournal(t, 0)
		bus := NewBus(16)
		defer bus.Close()
		detach := j.Attach(bus)
		defer detach()

		bus.Publish(EventRequestQueued, map[string]interface{}{"request_id": int64(1), "queue": "q"})
		bus.Publish(EventRequestCommutated, map[string]interface{}{"request_id": int64(1), "operator": "bob"})
		synctest.Wait()

		entries := readEntries(t, j.Path())
		require.Len(t, entries, 2)
		types := []string{entries[0].EventType, entries[1].EventType}
		assert.ElementsMatch(t, []string{"request_queued", "request_commutated"}, types)
	})
}
