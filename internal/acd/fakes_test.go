package acd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

var errFake = errors.New("fake failure")

// fakeConversation records every media call. Invites succeed unless
// failInvite is set; with autoAnswer the operator answers right away.
type fakeConversation struct {
	mu         sync.Mutex
	invites    []InviteRequest
	attached   [][2]Leg
	parked     []Leg
	continued  []Leg
	released   []Leg
	transfers  []string
	failInvite bool
	failAttach bool
	autoAnswer bool
	legSeq     int
}

func (c *fakeConversation) Invite(_ context.Context, req InviteRequest) (Leg, error) {
	c.mu.Lock()
	c.invites = append(c.invites, req)
	if c.failInvite {
		c.mu.Unlock()
		return "", errFake
	}
	c.legSeq++
	leg := Leg(fmt.Sprintf("op-%d", c.legSeq))
	answer := c.autoAnswer
	c.mu.Unlock()
	if answer {
		go req.Signals.OperatorReadyToCommutate()
	}
	return leg, nil
}

func (c *fakeConversation) Attach(_ context.Context, op, ab Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAttach {
		return errFake
	}
	c.attached = append(c.attached, [2]Leg{op, ab})
	return nil
}

func (c *fakeConversation) Park(_ context.Context, leg Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = append(c.parked, leg)
	return nil
}

func (c *fakeConversation) Continue(_ context.Context, leg Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continued = append(c.continued, leg)
	return nil
}

func (c *fakeConversation) Transfer(_ context.Context, _ Leg, number string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, number)
	return nil
}

func (c *fakeConversation) Release(_ context.Context, leg Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, leg)
	return nil
}

func (c *fakeConversation) inviteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.invites)
}

func (c *fakeConversation) releasedLegs() []Leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Leg(nil), c.released...)
}

// fakePool hands out up to size endpoints and never waits.
type fakePool struct {
	mu   sync.Mutex
	size int
	used int
}

func (p *fakePool) Acquire(context.Context) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used >= p.size {
		return "", errFake
	}
	p.used++
	return Endpoint(fmt.Sprintf("ep-%d", p.used)), nil
}

func (p *fakePool) Release(Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used--
}

func (p *fakePool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// recorder collects events delivered to a listener.
type recorder[E any] struct {
	mu     sync.Mutex
	events []E
}

func (r *recorder[E]) add(e E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}

func testEnv(conv Conversation, pool EndpointPool) SessionEnv {
	return SessionEnv{
		Conversation:    conv,
		Endpoints:       pool,
		InviteTimeout:   30 * time.Second,
		EndpointTimeout: time.Second,
		Logger:          zerolog.Nop(),
	}
}

func newTestOperator(id string, phones ...string) *Operator {
	return NewOperator(OperatorOptions{
		PersonID:     id,
		PhoneNumbers: phones,
		Active:       true,
		BusyTimeout:  20 * time.Second,
		Logger:       zerolog.Nop(),
	})
}

func mustRequest(t *testing.T, priority int, opts RequestOptions) *QueueRequest {
	t.Helper()
	r, err := NewQueueRequest(priority, opts)
	if err != nil {
		t.Fatalf("NewQueueRequest(%d): %v", priority, err)
	}
	return r
}

func stateOf(events []SessionEvent) []model.SessionState {
	out := make([]model.SessionState, len(events))
	for i, e := range events {
		out[i] = e.To
	}
	return out
}
