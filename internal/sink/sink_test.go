package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/acd/internal/events"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls = append(db.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeDB) all() []execCall {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]execCall(nil), db.calls...)
}

func TestEncodeMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   events.Event
		wantKey string
	}{
		{
			name:    "request event keyed by id",
			event:   events.Event{Type: events.EventRequestQueued, Timestamp: ts, Data: map[string]interface{}{"request_id": int64(17), "queue": "support"}},
			wantKey: "17",
		},
		{
			name:    "operator stats keyed by operator",
			event:   events.Event{Type: events.EventOperatorStats, Timestamp: ts, Data: map[string]interface{}{"operator": "alice", "total": int64(3)}},
			wantKey: "operator:alice",
		},
		{
			name:  "no key",
			event: events.Event{Type: events.EventRequestMoved, Timestamp: ts},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := encodeMessage(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, string(msg.Key))
			assert.Equal(t, ts, msg.Time)
			require.Len(t, msg.Headers, 1)
			assert.Equal(t, string(tt.event.Type), string(msg.Headers[0].Value))

			var got wireEvent
			require.NoError(t, json.Unmarshal(msg.Value, &got))
			assert.Equal(t, string(tt.event.Type), got.Type)
			assert.True(t, ts.Equal(got.Timestamp))
		})
	}
}

func TestKafka_AttachForwardsBusEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w := &fakeWriter{}
		k := newKafka(w, "acd-events", zerolog.Nop())
		bus := events.NewBus(8)
		defer bus.Close()
		defer k.Attach(bus)()

		bus.Publish(events.EventRequestQueued, map[string]interface{}{"request_id": int64(1)})
		bus.Publish(events.EventRequestCommutated, map[string]interface{}{"request_id": int64(1)})
		synctest.Wait()

		assert.Len(t, w.all(), 2)
	})
}

func TestKafka_SendError(t *testing.T) {
	k := newKafka(&fakeWriter{err: errors.New("broker down")}, "acd-events", zerolog.Nop())
	err := k.Send(context.Background(), events.Event{Type: events.EventRequestQueued})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acd-events")
}

func TestRecordFromEvent(t *testing.T) {
	end := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	created := end.Add(-100 * time.Second).Format(time.RFC3339Nano)

	tests := []struct {
		name  string
		event events.Event
		want  CallRecord
		ok    bool
	}{
		{
			name: "handled",
			event: events.Event{Type: events.EventRequestDisconnected, Timestamp: end, Data: map[string]interface{}{
				"request_id": int64(5), "session_id": "s", "queue": "support", "operator": "alice",
				"caller": "555", "priority": 2, "handled": true, "reason": "handled",
				"talk_time_ms": int64(90000), "created_at": created,
			}},
			want: CallRecord{RequestID: 5, SessionID: "s", Queue: "support", Operator: "alice", Caller: "555",
				Priority: 2, Outcome: OutcomeHandled, Reason: "handled", TalkTimeMs: 90000, WaitedMs: 10000, EndedAt: end},
			ok: true,
		},
		{
			name: "dropped before talk",
			event: events.Event{Type: events.EventRequestDisconnected, Timestamp: end, Data: map[string]interface{}{
				"request_id": int64(6), "handled": false, "reason": "attach failed",
			}},
			want: CallRecord{RequestID: 6, Outcome: OutcomeDropped, Reason: "attach failed", EndedAt: end},
			ok:   true,
		},
		{
			name: "rejected",
			event: events.Event{Type: events.EventRequestRejected, Timestamp: end, Data: map[string]interface{}{
				"request_id": int64(7), "reason": "max_wait_exceeded", "caller": "777", "waited_ms": int64(60000),
			}},
			want: CallRecord{RequestID: 7, Outcome: OutcomeRejected, Reason: "max_wait_exceeded", Caller: "777", WaitedMs: 60000, EndedAt: end},
			ok:   true,
		},
		{
			name:  "not terminal",
			event: events.Event{Type: events.EventRequestQueued, Data: map[string]interface{}{"request_id": int64(8)}},
		},
		{
			name:  "no id",
			event: events.Event{Type: events.EventRequestRejected},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RecordFromEvent(tt.event)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPostgres_SchemaAndInsert(t *testing.T) {
	db := &fakeDB{}
	p := newPostgres(db, "call_records", zerolog.Nop())

	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, p.Insert(context.Background(), CallRecord{RequestID: 3, Outcome: OutcomeHandled}))

	calls := db.all()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].sql, `CREATE TABLE IF NOT EXISTS "call_records"`)
	assert.True(t, strings.HasPrefix(calls[1].sql, `INSERT INTO "call_records"`))
	require.Len(t, calls[1].args, 11)
	assert.Equal(t, int64(3), calls[1].args[0])
	assert.Equal(t, OutcomeHandled, calls[1].args[6])
}

func TestPostgres_AttachStoresTerminalEventsOnly(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		db := &fakeDB{}
		p := newPostgres(db, "cdr", zerolog.Nop())
		bus := events.NewBus(8)
		defer bus.Close()
		defer p.Attach(bus)()

		bus.Publish(events.EventRequestQueued, map[string]interface{}{"request_id": int64(1)})
		bus.Publish(events.EventRequestRejected, map[string]interface{}{"request_id": int64(1), "reason": "no_operators"})
		bus.Publish(events.EventRequestDisconnected, map[string]interface{}{"request_id": int64(2), "handled": true})
		synctest.Wait()

		assert.Len(t, db.all(), 2)
	})
}
