package acd

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/acd/internal/events"
	"github.com/msageha/acd/internal/model"
)

// Options configures a Dispatcher.
type Options struct {
	Conversation    Conversation
	Endpoints       EndpointPool
	InviteTimeout   time.Duration
	EndpointTimeout time.Duration
	// ResetStepOnMove restarts a moved request at step 0 of the destination
	// chain. When false the step carries over and a step past the end of
	// the destination chain rejects the request.
	ResetStepOnMove bool
	Logger          zerolog.Logger
}

// Dispatcher routes queued requests to operators and reacts to session
// outcomes. Queues are scheduled independently; there is no lock spanning
// queues.
type Dispatcher struct {
	env             SessionEnv
	resetStepOnMove bool
	log             zerolog.Logger
	eventBus        *events.Bus

	mu         sync.RWMutex
	queues     map[string]*RequestQueue
	queueOrder []string
	operators  map[string]*Operator
	opQueues   map[string][]string
	requests   map[int64]*QueueRequest

	flight singleflight.Group
	kicks  sync.Map // queue name -> *atomic.Bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewDispatcher creates a Dispatcher with no queues or operators.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = 30 * time.Second
	}
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = 5 * time.Second
	}
	log := opts.Logger.With().Str("component", "dispatcher").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		env: SessionEnv{
			Conversation:    opts.Conversation,
			Endpoints:       opts.Endpoints,
			InviteTimeout:   opts.InviteTimeout,
			EndpointTimeout: opts.EndpointTimeout,
			Logger:          opts.Logger.With().Str("component", "session").Logger(),
		},
		resetStepOnMove: opts.ResetStepOnMove,
		log:             log,
		queues:          make(map[string]*RequestQueue),
		operators:       make(map[string]*Operator),
		opQueues:        make(map[string][]string),
		requests:        make(map[int64]*QueueRequest),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetEventBus sets the event bus for publishing lifecycle events.
func (d *Dispatcher) SetEventBus(bus *events.Bus) {
	d.eventBus = bus
}

// Init binds the dispatcher's background work to ctx.
func (d *Dispatcher) Init(ctx context.Context) {
	d.mu.Lock()
	d.cancel()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()
	d.log.Info().Int("queues", len(d.Queues())).Msg("dispatcher_init")
}

func (d *Dispatcher) baseContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// spawn runs fn on a tracked goroutine bound to the dispatcher context. It
// returns false once Shutdown has begun; closed is read under d.mu so no
// wg.Add can slip past Shutdown's Wait.
func (d *Dispatcher) spawn(fn func(ctx context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return false
	}
	ctx := d.ctx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
	return true
}

// Shutdown stops admissions, cancels sessions that have not reached a
// conversation and waits for background work until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed.Swap(true) {
		d.mu.Unlock()
		return nil
	}
	live := make([]*QueueRequest, 0, len(d.requests))
	for _, r := range d.requests {
		live = append(live, r)
	}
	ops := make([]*Operator, 0, len(d.operators))
	for _, op := range d.operators {
		ops = append(ops, op)
	}
	d.mu.Unlock()
	for _, op := range ops {
		op.stopBusyTimer()
	}
	for _, r := range live {
		if s := r.Session(); s != nil && !s.ConversationReached() {
			s.Cancel()
		}
	}
	d.mu.RLock()
	d.cancel()
	d.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info().Msg("dispatcher_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// AddQueue registers q.
func (d *Dispatcher) AddQueue(q *RequestQueue) error {
	if q == nil {
		return ErrNilQueue
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[q.Name()]; ok {
		return fmt.Errorf("queue %q already registered", q.Name())
	}
	d.queues[q.Name()] = q
	d.queueOrder = append(d.queueOrder, q.Name())
	return nil
}

// Queue returns the named queue or nil.
func (d *Dispatcher) Queue(name string) *RequestQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queues[name]
}

// Queues returns the queues in registration order.
func (d *Dispatcher) Queues() []*RequestQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*RequestQueue, 0, len(d.queueOrder))
	for _, n := range d.queueOrder {
		out = append(out, d.queues[n])
	}
	return out
}

// AddOperator registers op and binds it to the named queues.
func (d *Dispatcher) AddOperator(op *Operator, queues ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.operators[op.PersonID()]; ok {
		return fmt.Errorf("operator %q already registered", op.PersonID())
	}
	for _, name := range queues {
		if _, ok := d.queues[name]; !ok {
			return fmt.Errorf("operator %q: %w: %s", op.PersonID(), ErrUnknownQueue, name)
		}
	}
	d.operators[op.PersonID()] = op
	d.opQueues[op.PersonID()] = slices.Clone(queues)
	for _, name := range queues {
		d.queues[name].AddOperator(op)
	}
	id := op.PersonID()
	op.OnAvailable(func() { d.kickQueuesOf(id) })
	return nil
}

// Operator returns the operator with the given id or nil.
func (d *Dispatcher) Operator(id string) *Operator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.operators[id]
}

// Request returns a live request by id.
func (d *Dispatcher) Request(id int64) (*QueueRequest, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.requests[id]
	return r, ok
}

func (d *Dispatcher) forget(r *QueueRequest) {
	d.mu.Lock()
	delete(d.requests, r.ID())
	d.mu.Unlock()
}

// Submit creates a request and admits it to the named queue. An unknown
// queue rejects the request through its rejected event and returns
// ErrUnknownQueue; the request is never queued.
func (d *Dispatcher) Submit(queue string, priority int, opts RequestOptions) (*QueueRequest, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	r, err := NewQueueRequest(priority, opts)
	if err != nil {
		return nil, err
	}
	r.setLogger(d.log)
	r.AddListener(d.requestListener)

	q := d.Queue(queue)
	if q == nil {
		reason := fmt.Sprintf("unknown queue %q", queue)
		r.Invalidate(reason)
		r.FireRejectedQueueEvent(reason)
		return r, fmt.Errorf("submit: %w: %s", ErrUnknownQueue, queue)
	}

	d.mu.Lock()
	if _, dup := d.requests[r.ID()]; dup {
		d.mu.Unlock()
		return nil, fmt.Errorf("submit request %d: %w", r.ID(), ErrDuplicateRequest)
	}
	d.requests[r.ID()] = r
	d.mu.Unlock()

	r.markChainTrigger("")
	if err := q.QueueCall(r); err != nil {
		d.forget(r)
		return nil, err
	}
	d.Kick(queue)
	return r, nil
}

// Cancel invalidates a live request. A queued request is dropped at the
// next pass; an in-flight session is cancelled.
func (d *Dispatcher) Cancel(id int64) error {
	r, ok := d.Request(id)
	if !ok {
		return fmt.Errorf("cancel %d: %w", id, ErrRequestNotFound)
	}
	r.Invalidate("cancelled")
	if s := r.Session(); s != nil {
		s.Cancel()
	}
	if q := r.TargetQueue(); q != nil {
		d.Kick(q.Name())
	}
	return nil
}

// SetOperatorActive toggles operator availability. Activation kicks every
// queue the operator serves.
func (d *Dispatcher) SetOperatorActive(id string, active bool) error {
	op := d.Operator(id)
	if op == nil {
		return fmt.Errorf("operator %s: %w", id, ErrOperatorNotFound)
	}
	if !op.SetActive(active) || !active {
		return nil
	}
	d.kickQueuesOf(id)
	return nil
}

// kickQueuesOf kicks every queue the operator serves.
func (d *Dispatcher) kickQueuesOf(id string) {
	d.mu.RLock()
	queues := slices.Clone(d.opQueues[id])
	d.mu.RUnlock()
	for _, q := range queues {
		d.Kick(q)
	}
}

// Kick schedules an asynchronous dispatch pass on the named queue.
// Concurrent kicks collapse into one running pass plus at most one
// follow-up, so no kick is lost.
func (d *Dispatcher) Kick(queue string) {
	if d.closed.Load() {
		return
	}
	q := d.Queue(queue)
	if q == nil {
		return
	}
	v, _ := d.kicks.LoadOrStore(queue, new(atomic.Bool))
	pending := v.(*atomic.Bool)
	pending.Store(true)

	d.spawn(func(ctx context.Context) {
		for pending.Load() {
			d.flight.Do(queue, func() (interface{}, error) {
				pending.Store(false)
				d.pass(ctx, q, false)
				return nil, nil
			})
		}
	})
}

// Dispatch runs one synchronous pass over the named queue.
func (d *Dispatcher) Dispatch(ctx context.Context, queue string) error {
	q := d.Queue(queue)
	if q == nil {
		return fmt.Errorf("dispatch: %w: %s", ErrUnknownQueue, queue)
	}
	d.pass(ctx, q, false)
	return nil
}

// Sweep re-checks every parked request: invalid ones are dropped, expired
// ones rejected, and the on-busy chain is re-evaluated for the rest.
func (d *Dispatcher) Sweep(ctx context.Context) {
	for _, q := range d.Queues() {
		if ctx.Err() != nil {
			return
		}
		d.pass(ctx, q, true)
	}
}

// passState carries what one pass learned about operator availability.
type passState struct {
	operators []*Operator
	exhausted bool
	reason    model.BusyReason
}

// pass walks q in order, offering each waiting request to the pool until
// no operator can take more. Requests that could not be offered get their
// on-busy chain evaluated when a trigger is pending or on recheck.
func (d *Dispatcher) pass(ctx context.Context, q *RequestQueue, recheck bool) {
	if d.closed.Load() {
		return
	}
	st := &passState{operators: q.Operators()}
	for _, r := range q.Requests() {
		if ctx.Err() != nil {
			return
		}
		if !r.TryLock() {
			continue
		}
		moved := d.processOne(ctx, q, r, st, recheck)
		r.Unlock()
		if moved != nil {
			d.Kick(moved.Name())
		}
	}
}

func (d *Dispatcher) processOne(ctx context.Context, q *RequestQueue, r *QueueRequest, st *passState, recheck bool) *RequestQueue {
	if r.TargetQueue() != q {
		return nil
	}
	if !r.IsValid() {
		d.reject(q, r, r.InvalidReason())
		return nil
	}
	if r.Session() != nil {
		return nil
	}
	if recheck && q.MaxWait() > 0 && time.Since(r.LastQueuedAt()) > q.MaxWait() {
		d.reject(q, r, "max_wait_exceeded")
		return nil
	}

	reason, pending := r.takeChainTrigger()
	if !st.exhausted {
		if d.offer(q, r, st) {
			return nil
		}
	}
	if !pending && !recheck {
		return nil
	}
	if reason == "" {
		reason = st.reason
	}
	if recheck && !pending {
		reason = model.BusyRecheck
	}

	switch q.Chain().Evaluate(ctx, q, r, reason) {
	case ChainRejected:
		d.reject(q, r, fmt.Sprintf("on_busy_exhausted: %s", reason))
	case ChainMoved:
		return r.TargetQueue()
	}
	return nil
}

// offer tries the pool round-robin, starting after the operator the
// request was last offered to.
func (d *Dispatcher) offer(q *RequestQueue, r *QueueRequest, st *passState) bool {
	ops := st.operators
	active := 0
	start := r.OperatorIndex() + 1
	for i := range ops {
		idx := (start + i) % len(ops)
		op := ops[idx]
		if op.IsActive() {
			active++
		}
		s, ok := op.ProcessRequest(q, r, d.env)
		if !ok {
			continue
		}
		r.SetOperatorIndex(idx)
		s.AddListener(d.sessionListener)
		if !d.spawn(s.Start) {
			s.Cancel()
		}
		return true
	}
	st.exhausted = true
	st.reason = model.BusyAllBusy
	if active == 0 {
		st.reason = model.BusyNoOperators
	}
	return false
}

func (d *Dispatcher) reject(q *RequestQueue, r *QueueRequest, reason string) {
	// A cancel racing a move can leave r in the destination queue.
	if cur := r.TargetQueue(); cur != nil && cur != q {
		cur.Remove(r)
	}
	q.Remove(r)
	if !r.Invalidate(reason) {
		reason = r.InvalidReason()
	}
	if !r.rejected.Swap(true) {
		r.FireRejectedQueueEvent(reason)
	}
	d.forget(r)
}

// MoveRequest relocates r to the named queue. It is the QueueMover used by
// move steps, which run with r's guard held; it does not kick the
// destination.
func (d *Dispatcher) MoveRequest(_ context.Context, r *QueueRequest, queue string) error {
	to := d.Queue(queue)
	if to == nil {
		return fmt.Errorf("move: %w: %s", ErrUnknownQueue, queue)
	}
	from := r.TargetQueue()
	if from == nil {
		return fmt.Errorf("move request %d: %w", r.ID(), ErrRequestNotFound)
	}
	pos, err := moveRequest(r, from, to)
	if err != nil {
		return err
	}
	r.SetOperatorIndex(-1)
	d.eventBus.Publish(events.EventRequestMoved, map[string]interface{}{
		"request_id": r.ID(),
		"from":       from.Name(),
		"to":         to.Name(),
		"position":   pos,
	})
	if d.resetStepOnMove {
		r.SetOnBusyStep(0)
	} else if r.OnBusyStep() >= to.Chain().Len() {
		d.reject(to, r, "on_busy_exhausted_after_move")
		return nil
	}
	r.markChainTrigger("")
	return nil
}

// Move relocates a live request by id and kicks the destination.
func (d *Dispatcher) Move(ctx context.Context, id int64, queue string) error {
	r, ok := d.Request(id)
	if !ok {
		return fmt.Errorf("move %d: %w", id, ErrRequestNotFound)
	}
	r.Lock()
	var err error
	if r.Session() != nil {
		err = fmt.Errorf("move %d: %w", id, ErrRequestBusy)
	} else {
		err = d.MoveRequest(ctx, r, queue)
	}
	r.Unlock()
	if err != nil {
		return err
	}
	d.Kick(queue)
	return nil
}

func (d *Dispatcher) requestListener(ev RequestEvent) {
	r := ev.Request
	switch ev.Type {
	case EventQueued:
		d.eventBus.Publish(events.EventRequestQueued, map[string]interface{}{
			"request_id": r.ID(),
			"queue":      ev.Queue,
			"position":   ev.Position,
			"priority":   r.Priority(),
			"caller":     r.CallerNumber(),
		})
	case EventRejected:
		d.log.Info().Int64("request_id", r.ID()).Str("reason", ev.Reason).Msg("request_rejected")
		d.eventBus.Publish(events.EventRequestRejected, map[string]interface{}{
			"request_id": r.ID(),
			"reason":     ev.Reason,
			"caller":     r.CallerNumber(),
			"waited_ms":  time.Since(r.CreatedAt()).Milliseconds(),
		})
	case EventReadyToCommutate:
		s := ev.Session
		if !d.spawn(func(context.Context) { d.prepareCaller(s) }) {
			s.Cancel()
		}
	}
}

// prepareCaller resumes the parked caller leg and reports it ready.
func (d *Dispatcher) prepareCaller(s *CommutationSession) {
	if leg := s.Request().CallerLeg(); leg != "" && d.env.Conversation != nil {
		ctx, cancel := context.WithTimeout(d.baseContext(), d.env.EndpointTimeout)
		err := d.env.Conversation.Continue(ctx, leg)
		cancel()
		if err != nil {
			s.Invalidate(fmt.Sprintf("caller leg: %v", err))
			return
		}
	}
	s.AbonentReadyToCommutate()
}

func (d *Dispatcher) sessionListener(ev SessionEvent) {
	s := ev.Session
	r := s.Request()
	op := s.Operator()
	d.eventBus.Publish(events.EventSessionStateChanged, map[string]interface{}{
		"session_id": s.ID(),
		"request_id": r.ID(),
		"operator":   op.PersonID(),
		"from":       string(ev.From),
		"to":         string(ev.To),
		"reason":     string(ev.Reason),
	})

	switch ev.To {
	case model.SessionCommutated:
		if q := r.TargetQueue(); q != nil {
			q.Remove(r)
		}
		r.Log("commutated with %s", op.PersonID())
		r.FireCommutatedEvent(s)
		d.eventBus.Publish(events.EventRequestCommutated, map[string]interface{}{
			"request_id": r.ID(),
			"session_id": s.ID(),
			"operator":   op.PersonID(),
			"queue":      s.Queue().Name(),
			"waited_ms":  time.Since(r.CreatedAt()).Milliseconds(),
		})
	case model.SessionHandled, model.SessionInvalid:
		d.sessionEnded(ev, op)
	}
}

func (d *Dispatcher) sessionEnded(ev SessionEvent, op *Operator) {
	s := ev.Session
	r := s.Request()
	q := s.Queue()
	d.publishOperatorStats(op)

	if ev.To == model.SessionHandled || ev.From == model.SessionCommutated || s.ConversationReached() {
		talk := s.TalkTime()
		if s.ConversationReached() {
			q.UpdateCallDuration(talk)
		}
		reason := "handled"
		if ev.To == model.SessionInvalid {
			reason = s.Detail()
			if reason == "" {
				reason = string(ev.Reason)
			}
		}
		r.FireDisconnectedEvent(s, reason)
		d.forget(r)
		d.eventBus.Publish(events.EventRequestDisconnected, map[string]interface{}{
			"request_id":   r.ID(),
			"session_id":   s.ID(),
			"operator":     op.PersonID(),
			"queue":        q.Name(),
			"caller":       r.CallerNumber(),
			"priority":     r.Priority(),
			"handled":      s.ConversationReached(),
			"reason":       reason,
			"talk_time_ms": talk.Milliseconds(),
			"created_at":   r.CreatedAt().UTC().Format(time.RFC3339Nano),
		})
		d.Kick(q.Name())
		return
	}

	// Failed before the caller was bridged: back to waiting.
	r.clearSession(s)
	if d.closed.Load() {
		// Shutting down: the request stays where it is for the snapshot.
		return
	}
	if ev.Reason == model.FailureBusy {
		op.ResetBusyTimer()
	}
	r.Log("offer to %s failed: %s", op.PersonID(), ev.Reason)
	next := d.escalate(d.baseContext(), r, model.BusyReasonFor(ev.Reason))
	// After an endpoint shortage the sweep retries.
	if next != nil && (next != q || ev.Reason != model.FailureNoFreeEndpoints) {
		d.Kick(next.Name())
	}
}

// escalate evaluates the on-busy chain for a request whose session failed
// and returns the queue holding it afterwards, or nil if it was dropped.
func (d *Dispatcher) escalate(ctx context.Context, r *QueueRequest, reason model.BusyReason) *RequestQueue {
	r.Lock()
	defer r.Unlock()
	q := r.TargetQueue()
	if q == nil {
		return nil
	}
	if !r.IsValid() {
		d.reject(q, r, r.InvalidReason())
		return nil
	}
	if r.Session() != nil {
		return q
	}
	switch q.Chain().Evaluate(ctx, q, r, reason) {
	case ChainRejected:
		d.reject(q, r, fmt.Sprintf("on_busy_exhausted: %s", reason))
		return nil
	case ChainMoved:
		return r.TargetQueue()
	}
	return q
}

func (d *Dispatcher) publishOperatorStats(op *Operator) {
	st := op.Stats()
	d.eventBus.Publish(events.EventOperatorStats, map[string]interface{}{
		"operator":             op.PersonID(),
		"total":                st.Total,
		"handled":              st.Handled,
		"on_busy":              st.OnBusy,
		"on_no_free_endpoints": st.OnNoFreeEndpoints,
		"on_no_answer":         st.OnNoAnswer,
		"on_not_started":       st.OnNotStarted,
	})
}

// Snapshot returns the monitoring view of every queue and operator.
func (d *Dispatcher) Snapshot() model.StateSnapshot {
	snap := model.StateSnapshot{
		SchemaVersion: 1,
		FileType:      "state_queues",
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, q := range d.Queues() {
		snap.Queues = append(snap.Queues, q.Snapshot())
	}
	d.mu.RLock()
	ops := make([]*Operator, 0, len(d.operators))
	for _, op := range d.operators {
		ops = append(ops, op)
	}
	d.mu.RUnlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].PersonID() < ops[j].PersonID() })
	for _, op := range ops {
		snap.Operators = append(snap.Operators, op.Snapshot())
	}
	return snap
}
