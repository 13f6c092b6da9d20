package events

import (
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(10)
		defer bus.Close()

		var got collector
		unsub := bus.Subscribe(EventRequestQueued, got.add)
		defer unsub()

		bus.Publish(EventRequestQueued, map[string]interface{}{"request_id": int64(7), "queue": "support"})
		synctest.Wait()

		evs := got.all()
		require.Len(t, evs, 1)
		assert.Equal(t, EventRequestQueued, evs[0].Type)
		assert.Equal(t, int64(7), evs[0].Data["request_id"])
		assert.Equal(t, "support", evs[0].Data["queue"])
		assert.False(t, evs[0].Timestamp.IsZero())
	})
}

func TestBus_MultipleSubscribers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(10)
		defer bus.Close()

		var a, b collector
		defer bus.Subscribe(EventRequestCommutated, a.add)()
		defer bus.Subscribe(EventRequestCommutated, b.add)()

		bus.Publish(EventRequestCommutated, map[string]interface{}{"operator": "alice"})
		synctest.Wait()

		assert.Len(t, a.all(), 1)
		assert.Len(t, b.all(), 1)
	})
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(1)
		defer bus.Close()

		release := make(chan struct{})
		defer bus.Subscribe(EventSessionStateChanged, func(Event) { <-release })()

		bus.Publish(EventSessionStateChanged, map[string]interface{}{"n": 0})
		synctest.Wait()
		for i := 1; i < 10; i++ {
			bus.Publish(EventSessionStateChanged, map[string]interface{}{"n": i})
		}
		// One event is being handled and one is buffered.
		assert.Equal(t, int64(8), bus.Dropped())
		close(release)
		synctest.Wait()
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(10)
		defer bus.Close()

		var got collector
		unsub := bus.Subscribe(EventRequestRejected, got.add)
		bus.Publish(EventRequestRejected, nil)
		synctest.Wait()

		unsub()
		bus.Publish(EventRequestRejected, nil)
		synctest.Wait()

		assert.Len(t, got.all(), 1)
	})
}

func TestBus_PanicRecovery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(10)
		defer bus.Close()

		defer bus.Subscribe(EventOperatorStats, func(Event) { panic("boom") })()
		var got collector
		defer bus.Subscribe(EventOperatorStats, got.add)()

		bus.Publish(EventOperatorStats, nil)
		bus.Publish(EventOperatorStats, nil)
		synctest.Wait()

		assert.Len(t, got.all(), 2)
	})
}

func TestBus_SubscribeAllSeesEveryType(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(10)
		defer bus.Close()

		var got collector
		unsub := bus.SubscribeAll(got.add)
		for _, et := range AllEventTypes {
			bus.Publish(et, nil)
		}
		synctest.Wait()

		seen := map[EventType]int{}
		for _, e := range got.all() {
			seen[e.Type]++
		}
		for _, et := range AllEventTypes {
			assert.Equal(t, 1, seen[et], string(et))
		}

		unsub()
		bus.Publish(EventRequestMoved, nil)
		synctest.Wait()
		assert.Len(t, got.all(), len(AllEventTypes))
	})
}

func TestBus_NilIsSilent(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(EventRequestQueued, map[string]interface{}{"x": 1})
	})
}

func TestBus_TimestampIsUTC(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := NewBus(1)
		defer bus.Close()
		var got collector
		defer bus.Subscribe(EventRequestMoved, got.add)()

		bus.Publish(EventRequestMoved, nil)
		synctest.Wait()
		require.Len(t, got.all(), 1)
		assert.Equal(t, time.UTC, got.all()[0].Timestamp.Location())
	})
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(EventRequestQueued, func(Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventRequestQueued, map[string]interface{}{
			"request_id": int64(i),
		})
	}
}
