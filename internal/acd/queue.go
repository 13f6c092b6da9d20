package acd

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

// lastQueueSeq orders queues for lock acquisition when two are held at once.
var lastQueueSeq atomic.Int64

// QueueOptions configures a RequestQueue.
type QueueOptions struct {
	Chain            *OnBusyChain
	MaxWait          time.Duration
	Averager         DurationAverager
	TransferFallback TransferFallback
	Logger           zerolog.Logger
}

// RequestQueue keeps QueueRequests sorted by (priority, id) and maintains
// their 1-based positions.
type RequestQueue struct {
	seq              int64
	name             string
	maxWait          time.Duration
	transferFallback TransferFallback
	log              zerolog.Logger

	mu        sync.RWMutex
	requests  []*QueueRequest
	operators []*Operator
	chain     *OnBusyChain

	avgMu sync.Mutex
	avg   DurationAverager
}

type positionChange struct {
	request  *QueueRequest
	position int
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue(name string, opts QueueOptions) *RequestQueue {
	avg := opts.Averager
	if avg == nil {
		avg = &CumulativeMean{}
	}
	chain := opts.Chain
	if chain == nil {
		chain = NewOnBusyChain(Wait{Policy: LeaveAtThisStep})
	}
	return &RequestQueue{
		seq:              lastQueueSeq.Add(1),
		name:             name,
		maxWait:          opts.MaxWait,
		transferFallback: opts.TransferFallback,
		log:              opts.Logger.With().Str("queue", name).Logger(),
		chain:            chain,
		avg:              avg,
	}
}

func (q *RequestQueue) Name() string           { return q.name }
func (q *RequestQueue) MaxWait() time.Duration { return q.maxWait }

// Chain returns the queue's on-busy behaviour chain.
func (q *RequestQueue) Chain() *OnBusyChain {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.chain
}

// SetChain replaces the on-busy behaviour chain.
func (q *RequestQueue) SetChain(c *OnBusyChain) {
	q.mu.Lock()
	q.chain = c
	q.mu.Unlock()
}

// QueueCall admits r. A request already held by this queue, or valid and
// held by another, is refused.
func (q *RequestQueue) QueueCall(r *QueueRequest) error {
	if r == nil {
		return fmt.Errorf("queue %s: nil request", q.name)
	}
	q.mu.Lock()
	pos, changed, err := q.admitLocked(r)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("queue %s: request %d: %w", q.name, r.id, err)
	}

	q.log.Debug().Int64("request_id", r.id).Int("priority", r.priority).Int("position", pos).Msg("request_queued")
	r.Log("queued in %s at %d", q.name, pos)
	r.FireQueuedEvent(q.name, pos)
	q.notifyChanged(changed)
	return nil
}

func (q *RequestQueue) admitLocked(r *QueueRequest) (int, []positionChange, error) {
	r.mu.Lock()
	switch {
	case !r.valid:
		r.mu.Unlock()
		return 0, nil, ErrInvalidRequest
	case r.queue == q:
		r.mu.Unlock()
		return 0, nil, ErrAlreadyQueued
	case r.queue != nil:
		r.mu.Unlock()
		return 0, nil, ErrQueuedElsewhere
	}
	r.queue = q
	r.lastQueuedAt = time.Now()
	r.mu.Unlock()

	pos, changed := q.placeLocked(r)
	return pos, changed, nil
}

// placeLocked inserts r, already bound to q, at its ordered slot.
func (q *RequestQueue) placeLocked(r *QueueRequest) (int, []positionChange) {
	i := sort.Search(len(q.requests), func(i int) bool {
		return requestLess(r, q.requests[i])
	})
	q.requests = slices.Insert(q.requests, i, r)
	return i + 1, q.renumberLocked(i, r)
}

// renumberLocked recomputes positions from index from on and returns the
// requests (other than skip) whose position moved.
func (q *RequestQueue) renumberLocked(from int, skip *QueueRequest) []positionChange {
	var changed []positionChange
	for i := from; i < len(q.requests); i++ {
		req := q.requests[i]
		req.mu.Lock()
		moved := req.position != i+1
		req.position = i + 1
		req.mu.Unlock()
		if moved && req != skip {
			changed = append(changed, positionChange{request: req, position: i + 1})
		}
	}
	return changed
}

func (q *RequestQueue) indexLocked(r *QueueRequest) int {
	i := sort.Search(len(q.requests), func(i int) bool {
		return !requestLess(q.requests[i], r)
	})
	if i < len(q.requests) && q.requests[i] == r {
		return i
	}
	return -1
}

func (q *RequestQueue) removeLocked(r *QueueRequest) ([]positionChange, bool) {
	i := q.indexLocked(r)
	if i < 0 {
		return nil, false
	}
	q.requests = slices.Delete(q.requests, i, i+1)
	r.mu.Lock()
	r.queue = nil
	r.position = 0
	r.mu.Unlock()
	return q.renumberLocked(i, nil), true
}

// Remove takes r out of the queue. It returns false if r was not queued here.
func (q *RequestQueue) Remove(r *QueueRequest) bool {
	q.mu.Lock()
	changed, ok := q.removeLocked(r)
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.log.Debug().Int64("request_id", r.id).Msg("request_removed")
	q.notifyChanged(changed)
	return true
}

func (q *RequestQueue) notifyChanged(changed []positionChange) {
	for _, c := range changed {
		c.request.FireNumberChangedEvent(q.name, c.position)
	}
}

// moveRequest relocates r from one queue to another atomically: no observer
// sees r in both queues or in neither. Id and priority are unchanged. An
// invalid request is refused and stays where it is.
func moveRequest(r *QueueRequest, from, to *RequestQueue) (int, error) {
	if from == nil || to == nil {
		return 0, ErrNilQueue
	}
	if from == to {
		return 0, fmt.Errorf("move request %d within %s: %w", r.id, from.name, ErrAlreadyQueued)
	}
	first, second := from, to
	if second.seq < first.seq {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	unlock := func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
	if !r.IsValid() {
		unlock()
		return 0, fmt.Errorf("move request %d to %s: %w", r.id, to.name, ErrInvalidRequest)
	}
	fromChanged, ok := from.removeLocked(r)
	if !ok {
		unlock()
		return 0, fmt.Errorf("move request %d from %s: %w", r.id, from.name, ErrRequestNotFound)
	}
	// Both queue locks are held, so nothing else can bind r in between.
	r.mu.Lock()
	r.queue = to
	r.lastQueuedAt = time.Now()
	r.mu.Unlock()
	pos, toChanged := to.placeLocked(r)
	unlock()

	from.notifyChanged(fromChanged)
	r.Log("moved %s -> %s at %d", from.name, to.name, pos)
	r.FireQueuedEvent(to.name, pos)
	to.notifyChanged(toChanged)
	return pos, nil
}

// Requests returns an ordered snapshot of the queue.
func (q *RequestQueue) Requests() []*QueueRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.requests)
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.requests)
}

// Contains reports whether r is currently held by q.
func (q *RequestQueue) Contains(r *QueueRequest) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.indexLocked(r) >= 0
}

// AddOperator appends op to the queue's pool. Pool order is offer order.
func (q *RequestQueue) AddOperator(op *Operator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slices.Contains(q.operators, op) {
		return
	}
	q.operators = append(q.operators, op)
}

// Operators returns the operator pool in offer order.
func (q *RequestQueue) Operators() []*Operator {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.operators)
}

// OperatorByNumber finds the pool operator answering on number.
func (q *RequestQueue) OperatorByNumber(number string) (*Operator, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for i, op := range q.operators {
		if op.AnswersOn(number) {
			return op, i
		}
	}
	return nil, -1
}

// ActiveOperatorsCount counts pool operators that are active.
func (q *RequestQueue) ActiveOperatorsCount() int {
	n := 0
	for _, op := range q.Operators() {
		if op.IsActive() {
			n++
		}
	}
	return n
}

// UpdateCallDuration records one completed call.
func (q *RequestQueue) UpdateCallDuration(d time.Duration) {
	q.avgMu.Lock()
	defer q.avgMu.Unlock()
	q.avg.Add(d)
}

// AvgCallDuration returns the smoothed call duration.
func (q *RequestQueue) AvgCallDuration() time.Duration {
	q.avgMu.Lock()
	defer q.avgMu.Unlock()
	return q.avg.Average()
}

// Snapshot returns the monitoring view of the queue.
func (q *RequestQueue) Snapshot() model.QueueSnapshot {
	reqs := q.Requests()
	snap := model.QueueSnapshot{
		Name:              q.name,
		Length:            len(reqs),
		ActiveOperators:   q.ActiveOperatorsCount(),
		AvgCallDurationMs: q.AvgCallDuration().Milliseconds(),
		Requests:          make([]model.RequestSnapshot, 0, len(reqs)),
	}
	for _, r := range reqs {
		row := r.Snapshot()
		row.QueueName = q.name
		snap.Requests = append(snap.Requests, row)
	}
	return snap
}
