package media

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/acd/internal/acd"
	"github.com/msageha/acd/internal/model"
)

type signalLog struct {
	mu      sync.Mutex
	ready   int
	stopped int
	invalid []string
}

func (s *signalLog) OperatorReadyToCommutate() { s.mu.Lock(); s.ready++; s.mu.Unlock() }
func (s *signalLog) ConversationStopped()      { s.mu.Lock(); s.stopped++; s.mu.Unlock() }
func (s *signalLog) Invalidate(reason string) {
	s.mu.Lock()
	s.invalid = append(s.invalid, reason)
	s.mu.Unlock()
}

func (s *signalLog) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready, s.stopped
}

func TestLoopback_AnswersAfterDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lb := NewLoopback(LoopbackOptions{AnswerDelay: 3 * time.Second, Logger: zerolog.Nop()})
		defer lb.Close()
		sig := &signalLog{}

		leg, err := lb.Invite(context.Background(), acd.InviteRequest{OperatorNumber: "1001", Signals: sig})
		require.NoError(t, err)
		st, _ := lb.State(leg)
		assert.Equal(t, LegRinging, st)

		time.Sleep(2 * time.Second)
		synctest.Wait()
		ready, _ := sig.counts()
		assert.Zero(t, ready)

		time.Sleep(time.Second)
		synctest.Wait()
		ready, _ = sig.counts()
		assert.Equal(t, 1, ready)
		st, _ = lb.State(leg)
		assert.Equal(t, LegAnswered, st)
	})
}

func TestLoopback_TalkTimeEndsBridgedCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lb := NewLoopback(LoopbackOptions{TalkTime: time.Minute, Logger: zerolog.Nop()})
		defer lb.Close()
		sig := &signalLog{}
		ctx := context.Background()

		op, err := lb.Invite(ctx, acd.InviteRequest{OperatorNumber: "1001", Signals: sig})
		require.NoError(t, err)
		synctest.Wait()
		require.NoError(t, lb.Park(ctx, "caller-1"))
		st, _ := lb.State("caller-1")
		assert.Equal(t, LegParked, st)

		require.NoError(t, lb.Continue(ctx, "caller-1"))
		require.NoError(t, lb.Attach(ctx, op, "caller-1"))
		st, _ = lb.State("caller-1")
		assert.Equal(t, LegBridged, st)

		time.Sleep(time.Minute)
		synctest.Wait()
		_, stopped := sig.counts()
		assert.Equal(t, 1, stopped)

		require.NoError(t, lb.Release(ctx, op))
		require.NoError(t, lb.Release(ctx, "caller-1"))
		assert.Zero(t, lb.Legs())
	})
}

func TestLoopback_ReleaseCancelsPendingAnswer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lb := NewLoopback(LoopbackOptions{AnswerDelay: time.Second, Logger: zerolog.Nop()})
		sig := &signalLog{}
		leg, err := lb.Invite(context.Background(), acd.InviteRequest{OperatorNumber: "1001", Signals: sig})
		require.NoError(t, err)
		require.NoError(t, lb.Release(context.Background(), leg))

		time.Sleep(2 * time.Second)
		synctest.Wait()
		ready, _ := sig.counts()
		assert.Zero(t, ready)
	})
}

func TestLoopback_Errors(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{Unreachable: []string{"1666"}, Logger: zerolog.Nop()})
	ctx := context.Background()

	_, err := lb.Invite(ctx, acd.InviteRequest{OperatorNumber: "1666"})
	assert.Error(t, err)
	assert.ErrorIs(t, lb.Attach(ctx, "nope", "caller"), ErrUnknownLeg)
	assert.ErrorIs(t, lb.Transfer(ctx, "nope", "1002"), ErrUnknownLeg)
	assert.NoError(t, lb.Release(ctx, "nope"))

	lb.Close()
	_, err = lb.Invite(ctx, acd.InviteRequest{OperatorNumber: "1001"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_AcquireRelease(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPool(2, 0)
		ctx := context.Background()

		a, err := p.Acquire(ctx)
		require.NoError(t, err)
		b, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		assert.Equal(t, 2, p.InUse())

		short, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err = p.Acquire(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		p.Release(a)
		p.Release(a)
		p.Release("ep-999")
		assert.Equal(t, 1, p.InUse())

		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, a, c)
	})
}

func TestPool_AcquireDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := NewPool(1, 500*time.Millisecond)
		start := time.Now()
		_, err := p.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, time.Since(start))
	})
}

// The engine runs a whole call over the loopback: ring, bridge, talk, hang up.
func TestLoopback_DrivesDispatcherEndToEnd(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lb := NewLoopback(LoopbackOptions{AnswerDelay: 2 * time.Second, TalkTime: 45 * time.Second, Logger: zerolog.Nop()})
		pool := NewPool(2, 0)
		cfg := model.Config{
			Queues:    []model.QueueConfig{{Name: "support"}},
			Operators: []model.OperatorConfig{{ID: "alice", Phones: []string{"1001"}, Queues: []string{"support"}, Active: true}},
		}
		cfg.ApplyDefaults()
		d, err := acd.Build(cfg, lb, pool, zerolog.Nop())
		require.NoError(t, err)
		d.Init(context.Background())
		defer func() {
			d.Shutdown(context.Background())
			lb.Close()
		}()

		r, err := d.Submit("support", 1, acd.RequestOptions{CallerNumber: "5550100", CallerLeg: "pstn-1"})
		require.NoError(t, err)
		synctest.Wait()
		op := d.Operator("alice")
		require.NotNil(t, op.Session())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.Equal(t, model.SessionConversationStarted, op.Session().State())
		st, _ := lb.State("pstn-1")
		assert.Equal(t, LegBridged, st)

		time.Sleep(45 * time.Second)
		synctest.Wait()
		assert.Nil(t, op.Session())
		assert.Equal(t, model.OperatorStats{Total: 1, Handled: 1}, op.Stats())
		assert.Equal(t, 45*time.Second, d.Queue("support").AvgCallDuration())
		_, live := d.Request(r.ID())
		assert.False(t, live)
		assert.Zero(t, pool.InUse())
		assert.Zero(t, lb.Legs())
	})
}
