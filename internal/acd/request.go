package acd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

// RequestEventType names a QueueRequest lifecycle event.
type RequestEventType string

const (
	EventRejected         RequestEventType = "rejected"
	EventQueued           RequestEventType = "queued"
	EventNumberChanged    RequestEventType = "number_changed"
	EventReadyToCommutate RequestEventType = "ready_to_commutate"
	EventCommutated       RequestEventType = "commutated"
	EventDisconnected     RequestEventType = "disconnected"
)

// RequestEvent is delivered to request listeners.
type RequestEvent struct {
	Type     RequestEventType
	Request  *QueueRequest
	Queue    string
	Position int
	Reason   string
	Session  *CommutationSession
	At       time.Time
}

// RequestListener receives request lifecycle events.
type RequestListener func(RequestEvent)

const maxRequestNotes = 32

// RequestOptions describes the caller side of a new request.
type RequestOptions struct {
	CallerNumber string
	CallerLeg    Leg
	Resources    Resources
	// Listener, if set, is registered before the request is admitted.
	Listener RequestListener
}

// QueueRequest wraps one call admission. It is owned by the RequestQueue
// currently holding it.
type QueueRequest struct {
	id           int64
	priority     int
	createdAt    time.Time
	callerNumber string
	callerLeg    Leg
	resources    Resources

	// guard serializes dispatch work on this request. onBusyStep and
	// operatorIndex are stored atomically so monitoring can read them, but
	// read-modify-write sequences require the guard.
	guard         sync.Mutex
	onBusyStep    atomic.Int64
	operatorIndex atomic.Int64
	// rejected latches once the rejected event has been fired.
	rejected atomic.Bool

	mu            sync.Mutex
	queue         *RequestQueue
	lastQueuedAt  time.Time
	position      int
	valid         bool
	invalidReason string
	session       *CommutationSession
	notes         []string

	// chainPending asks the next dispatch pass to evaluate the on-busy
	// chain if the request cannot be offered.
	chainPending bool
	chainReason  model.BusyReason

	listeners listenerSet[RequestEvent]
	pump      eventPump[RequestEvent]
	log       zerolog.Logger
}

// NewQueueRequest creates a request with a fresh id. Negative priorities are
// rejected.
func NewQueueRequest(priority int, opts RequestOptions) (*QueueRequest, error) {
	if priority < 0 {
		return nil, fmt.Errorf("priority %d: %w", priority, ErrInvalidPriority)
	}
	r := &QueueRequest{
		id:           nextRequestID(),
		priority:     priority,
		createdAt:    time.Now(),
		callerNumber: opts.CallerNumber,
		callerLeg:    opts.CallerLeg,
		resources:    opts.Resources,
		valid:        true,
		log:          zerolog.Nop(),
	}
	r.operatorIndex.Store(-1)
	if opts.Listener != nil {
		r.listeners.add(opts.Listener)
	}
	return r, nil
}

// setLogger must be called before the request is shared.
func (r *QueueRequest) setLogger(l zerolog.Logger) {
	r.log = l.With().Int64("request_id", r.id).Logger()
}

func (r *QueueRequest) ID() int64            { return r.id }
func (r *QueueRequest) Priority() int        { return r.priority }
func (r *QueueRequest) CreatedAt() time.Time { return r.createdAt }
func (r *QueueRequest) CallerNumber() string { return r.callerNumber }
func (r *QueueRequest) CallerLeg() Leg       { return r.callerLeg }
func (r *QueueRequest) Resources() Resources { return r.resources }

// TargetQueue returns the queue currently holding the request, or nil.
func (r *QueueRequest) TargetQueue() *RequestQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

func (r *QueueRequest) LastQueuedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastQueuedAt
}

// Position is the 1-based position in the holding queue, 0 when not queued.
func (r *QueueRequest) Position() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

func (r *QueueRequest) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// Invalidate marks the request for dropping at the next checkpoint. It
// returns false if the request was already invalid.
func (r *QueueRequest) Invalidate(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return false
	}
	r.valid = false
	r.invalidReason = reason
	return true
}

func (r *QueueRequest) InvalidReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidReason
}

// Session returns the in-flight commutation session, if any.
func (r *QueueRequest) Session() *CommutationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *QueueRequest) setSession(s *CommutationSession) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

// clearSession detaches s if it is still the in-flight session.
func (r *QueueRequest) clearSession(s *CommutationSession) {
	r.mu.Lock()
	if r.session == s {
		r.session = nil
	}
	r.mu.Unlock()
}

// markChainTrigger records a busy trigger for the next pass. An empty
// reason lets the pass use its own offer failure.
func (r *QueueRequest) markChainTrigger(reason model.BusyReason) {
	r.mu.Lock()
	r.chainPending = true
	if reason != "" {
		r.chainReason = reason
	}
	r.mu.Unlock()
}

func (r *QueueRequest) takeChainTrigger() (model.BusyReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.chainReason, r.chainPending
	r.chainPending, r.chainReason = false, ""
	return reason, ok
}

// Lock acquires the request guard.
func (r *QueueRequest) Lock()         { r.guard.Lock() }
func (r *QueueRequest) Unlock()       { r.guard.Unlock() }
func (r *QueueRequest) TryLock() bool { return r.guard.TryLock() }

// OnBusyStep is the index into the owning queue's on-busy chain.
func (r *QueueRequest) OnBusyStep() int        { return int(r.onBusyStep.Load()) }
func (r *QueueRequest) SetOnBusyStep(step int) { r.onBusyStep.Store(int64(step)) }

// OperatorIndex is the pool index of the last operator offered the request.
func (r *QueueRequest) OperatorIndex() int       { return int(r.operatorIndex.Load()) }
func (r *QueueRequest) SetOperatorIndex(idx int) { r.operatorIndex.Store(int64(idx)) }

// Log appends a note to the request's attached log.
func (r *QueueRequest) Log(format string, args ...any) {
	note := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) >= maxRequestNotes {
		r.notes = append(r.notes[:0], r.notes[1:]...)
	}
	r.notes = append(r.notes, note)
}

// Notes returns a copy of the attached log.
func (r *QueueRequest) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

// AddListener registers l for this request's lifecycle events.
func (r *QueueRequest) AddListener(l RequestListener) ListenerID {
	return r.listeners.add(l)
}

func (r *QueueRequest) RemoveListener(id ListenerID) bool {
	return r.listeners.remove(id)
}

func (r *QueueRequest) queueName() string {
	if q := r.TargetQueue(); q != nil {
		return q.Name()
	}
	return ""
}

// Summary is a one-line human readable description for dashboards.
func (r *QueueRequest) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "waiting"
	if !r.valid {
		state = "invalid"
	} else if r.session != nil {
		state = "offered"
	}
	return fmt.Sprintf("#%d caller=%s prio=%d %s", r.id, r.callerNumber, r.priority, state)
}

// Snapshot returns the monitoring row for the request.
func (r *QueueRequest) Snapshot() model.RequestSnapshot {
	r.mu.Lock()
	qn := ""
	if r.queue != nil {
		qn = r.queue.Name()
	}
	snap := model.RequestSnapshot{
		QueueName:    qn,
		TargetQueue:  qn,
		Position:     r.position,
		RequestID:    r.id,
		Priority:     r.priority,
		LastQueuedAt: r.lastQueuedAt.UTC().Format(time.RFC3339),
	}
	r.mu.Unlock()
	snap.OnBusyStep = r.OnBusyStep()
	snap.OperatorIndex = r.OperatorIndex()
	snap.Summary = r.Summary()
	return snap
}

func (r *QueueRequest) fire(ev RequestEvent) {
	ev.Request = r
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.pump.emit(ev, func(e RequestEvent) {
		callListeners(r.log, r.listeners.snapshot(), e)
	})
}

// FireRejectedQueueEvent notifies listeners that the request was dropped.
func (r *QueueRequest) FireRejectedQueueEvent(reason string) {
	r.Log("rejected: %s", reason)
	r.fire(RequestEvent{Type: EventRejected, Reason: reason})
}

// FireQueuedEvent notifies listeners that the request entered queue.
func (r *QueueRequest) FireQueuedEvent(queue string, position int) {
	r.fire(RequestEvent{Type: EventQueued, Queue: queue, Position: position})
}

// FireNumberChangedEvent notifies listeners of a new queue position.
func (r *QueueRequest) FireNumberChangedEvent(queue string, position int) {
	r.fire(RequestEvent{Type: EventNumberChanged, Queue: queue, Position: position})
}

// FireReadyToCommutateEvent asks the caller side to prepare its leg for s.
func (r *QueueRequest) FireReadyToCommutateEvent(s *CommutationSession) {
	r.fire(RequestEvent{Type: EventReadyToCommutate, Session: s, Queue: r.queueName()})
}

// FireCommutatedEvent notifies listeners that the caller is bridged.
func (r *QueueRequest) FireCommutatedEvent(s *CommutationSession) {
	r.fire(RequestEvent{Type: EventCommutated, Session: s})
}

// FireDisconnectedEvent notifies listeners that the conversation ended.
func (r *QueueRequest) FireDisconnectedEvent(s *CommutationSession, reason string) {
	r.fire(RequestEvent{Type: EventDisconnected, Session: s, Reason: reason})
}
