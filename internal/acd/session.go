package acd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

// SessionEnv is what a session needs from its surroundings.
type SessionEnv struct {
	Conversation    Conversation
	Endpoints       EndpointPool
	InviteTimeout   time.Duration
	EndpointTimeout time.Duration
	Logger          zerolog.Logger
}

// SessionEvent is delivered to session listeners after every successful
// state transition.
type SessionEvent struct {
	Session *CommutationSession
	From    model.SessionState
	To      model.SessionState
	Reason  model.FailureReason
	At      time.Time
}

// SessionListener receives session transitions.
type SessionListener func(SessionEvent)

// CommutationSession drives one claimed request towards a bridged
// conversation between the caller leg and the operator leg.
type CommutationSession struct {
	id        string
	env       SessionEnv
	request   *QueueRequest
	queue     *RequestQueue
	resources Resources
	createdAt time.Time
	log       zerolog.Logger

	mu                  sync.Mutex
	state               model.SessionState
	operator            *Operator
	operatorNumber      string
	endpoint            Endpoint
	hasEndpoint         bool
	operatorLeg         Leg
	operatorReady       bool
	abonentReady        bool
	conversationReached bool
	cancelled           bool
	failure             model.FailureReason
	detail              string
	inviteTimer         *time.Timer
	commutatedAt        time.Time
	conversationAt      time.Time
	endedAt             time.Time

	listeners listenerSet[SessionEvent]
	pump      eventPump[SessionEvent]
}

func newCommutationSession(env SessionEnv, q *RequestQueue, r *QueueRequest, op *Operator) *CommutationSession {
	id := model.NewSessionID()
	return &CommutationSession{
		id:             id,
		env:            env,
		request:        r,
		queue:          q,
		resources:      r.Resources(),
		createdAt:      time.Now(),
		log:            env.Logger.With().Str("session_id", id).Int64("request_id", r.ID()).Logger(),
		state:          model.SessionInit,
		operator:       op,
		operatorNumber: op.PrimaryNumber(),
	}
}

func (s *CommutationSession) ID() string             { return s.id }
func (s *CommutationSession) Request() *QueueRequest { return s.request }
func (s *CommutationSession) Queue() *RequestQueue   { return s.queue }
func (s *CommutationSession) Resources() Resources   { return s.resources }
func (s *CommutationSession) CreatedAt() time.Time   { return s.createdAt }

func (s *CommutationSession) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Operator returns the operator currently bound to the session.
func (s *CommutationSession) Operator() *Operator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operator
}

func (s *CommutationSession) OperatorNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorNumber
}

func (s *CommutationSession) FailureReason() model.FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Detail is the raw reason given by the conversation layer, if any.
func (s *CommutationSession) Detail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail
}

// OperatorLeg returns the operator leg handle once the invite succeeded.
func (s *CommutationSession) OperatorLeg() Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorLeg
}

// ConversationReached reports whether the session ever got to
// CONVERSATION_STARTED.
func (s *CommutationSession) ConversationReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationReached
}

// TalkTime is the conversation duration, zero until the session ends after
// reaching CONVERSATION_STARTED.
func (s *CommutationSession) TalkTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.conversationAt)
}

func (s *CommutationSession) AddListener(l SessionListener) ListenerID {
	return s.listeners.add(l)
}

func (s *CommutationSession) RemoveListener(id ListenerID) bool {
	return s.listeners.remove(id)
}

// pendingTransition carries the work that must happen after s.mu is released.
type pendingTransition struct {
	event    SessionEvent
	terminal bool
	handled  bool
	operator *Operator
	timer    *time.Timer
	endpoint Endpoint
	release  bool
	opLeg    Leg
	park     bool
}

// applyLocked checks from → to against the transition table and mutates
// the state. Callers hold s.mu.
func (s *CommutationSession) applyLocked(to model.SessionState, failure model.FailureReason) (pendingTransition, bool) {
	from := s.state
	if err := model.ValidateSessionTransition(from, to); err != nil {
		s.log.Warn().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("invalid_transition")
		return pendingTransition{}, false
	}
	now := time.Now()
	s.state = to
	if failure != model.FailureNone && s.failure == model.FailureNone {
		s.failure = failure
	}
	switch to {
	case model.SessionCommutated:
		s.commutatedAt = now
	case model.SessionConversationStarted:
		s.conversationAt = now
		s.conversationReached = true
	}
	p := pendingTransition{
		event: SessionEvent{Session: s, From: from, To: to, Reason: s.failure, At: now},
	}
	if !model.IsSessionTerminal(to) {
		return p, true
	}
	s.endedAt = now
	if to == model.SessionInvalid && s.failure == model.FailureNone {
		s.failure = model.FailureNotStarted
		p.event.Reason = s.failure
	}
	p.terminal = true
	p.handled = to == model.SessionHandled || s.conversationReached
	p.operator = s.operator
	p.timer, s.inviteTimer = s.inviteTimer, nil
	p.endpoint, p.release = s.endpoint, s.hasEndpoint
	s.hasEndpoint = false
	p.opLeg, s.operatorLeg = s.operatorLeg, ""
	// A caller that never got bridged goes back to waiting.
	p.park = to == model.SessionInvalid && s.commutatedAt.IsZero() && !s.cancelled
	return p, true
}

func (s *CommutationSession) finish(p pendingTransition) {
	if p.terminal {
		if p.timer != nil {
			p.timer.Stop()
		}
		s.releaseLegs(p)
		p.operator.RequestProcessed(s, p.handled)
	}
	s.log.Debug().Str("from", string(p.event.From)).Str("to", string(p.event.To)).Msg("session_transition")
	s.pump.emit(p.event, func(e SessionEvent) {
		callListeners(s.log, s.listeners.snapshot(), e)
	})
}

func (s *CommutationSession) releaseLegs(p pendingTransition) {
	ctx, cancel := context.WithTimeout(context.Background(), s.env.EndpointTimeout)
	defer cancel()
	conv := s.env.Conversation
	if p.opLeg != "" && conv != nil {
		if err := conv.Release(ctx, p.opLeg); err != nil {
			s.log.Warn().Err(err).Msg("release_operator_leg_failed")
		}
	}
	if p.release && s.env.Endpoints != nil {
		s.env.Endpoints.Release(p.endpoint)
	}
	callerLeg := s.request.CallerLeg()
	if callerLeg == "" || conv == nil {
		return
	}
	var err error
	if p.park {
		err = conv.Park(ctx, callerLeg)
	} else {
		err = conv.Release(ctx, callerLeg)
	}
	if err != nil {
		s.log.Warn().Err(err).Bool("park", p.park).Msg("caller_leg_cleanup_failed")
	}
}

// transition moves the session to to. Invalid calls log a warning and leave
// the state alone. Listeners run after the lock is released.
func (s *CommutationSession) transition(to model.SessionState, failure model.FailureReason) bool {
	s.mu.Lock()
	p, ok := s.applyLocked(to, failure)
	s.mu.Unlock()
	if ok {
		s.finish(p)
	}
	return ok
}

func (s *CommutationSession) fail(reason model.FailureReason) bool {
	return s.transition(model.SessionInvalid, reason)
}

// Start acquires an endpoint, invites the operator and asks the caller side
// to get ready. It returns once the invite has been sent; answer and
// bridging progress arrive through LegSignals.
func (s *CommutationSession) Start(ctx context.Context) {
	if st := s.State(); st != model.SessionInit {
		s.log.Warn().Str("state", string(st)).Msg("start_in_wrong_state")
		return
	}
	if s.env.Endpoints == nil || s.env.Conversation == nil {
		s.log.Error().Msg("session_without_media")
		s.fail(model.FailureNotStarted)
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.env.EndpointTimeout)
	ep, err := s.env.Endpoints.Acquire(actx)
	cancel()
	if err != nil {
		s.log.Info().Err(err).Msg("no_free_endpoints")
		s.transition(model.SessionNoFreeEndpoints, model.FailureNoFreeEndpoints)
		s.fail(model.FailureNoFreeEndpoints)
		return
	}

	s.mu.Lock()
	if model.IsSessionTerminal(s.state) {
		s.mu.Unlock()
		s.env.Endpoints.Release(ep)
		return
	}
	s.endpoint, s.hasEndpoint = ep, true
	s.mu.Unlock()

	if !s.request.IsValid() {
		s.fail(model.FailureNotStarted)
		return
	}
	if !s.transition(model.SessionInviting, model.FailureNone) {
		return
	}

	s.mu.Lock()
	if s.state == model.SessionInviting {
		s.inviteTimer = time.AfterFunc(s.env.InviteTimeout, s.inviteExpired)
	}
	op := s.operator
	number := s.operatorNumber
	s.mu.Unlock()

	leg, err := s.env.Conversation.Invite(ctx, InviteRequest{
		SessionID:      s.id,
		Endpoint:       ep,
		OperatorNumber: number,
		CallerNumber:   op.TranslateAbonentNumber(s.request.CallerNumber(), number),
		Resources:      s.resources,
		Signals:        s,
	})
	if err != nil {
		s.log.Info().Err(err).Str("number", number).Msg("invite_failed")
		s.fail(model.FailureBusy)
		return
	}

	s.mu.Lock()
	if model.IsSessionTerminal(s.state) {
		s.mu.Unlock()
		rctx, rcancel := context.WithTimeout(context.Background(), s.env.EndpointTimeout)
		_ = s.env.Conversation.Release(rctx, leg)
		rcancel()
		return
	}
	s.operatorLeg = leg
	s.mu.Unlock()

	s.request.Log("offered to %s via %s", op.PersonID(), number)
	s.request.FireReadyToCommutateEvent(s)
}

func (s *CommutationSession) inviteExpired() {
	s.mu.Lock()
	waiting := !s.operatorReady && !model.IsSessionTerminal(s.state)
	s.mu.Unlock()
	if waiting {
		s.log.Info().Dur("timeout", s.env.InviteTimeout).Msg("invite_timeout")
		s.fail(model.FailureNoAnswer)
	}
}

// OperatorReadyToCommutate records that the operator answered.
func (s *CommutationSession) OperatorReadyToCommutate() { s.legReady(true) }

// AbonentReadyToCommutate records that the caller leg is ready to bridge.
func (s *CommutationSession) AbonentReadyToCommutate() { s.legReady(false) }

// legReady is the two-of-two join: the first ready leg moves the session to
// its *_READY state, the second one triggers Commutate.
func (s *CommutationSession) legReady(operator bool) {
	s.mu.Lock()
	switch s.state {
	case model.SessionInviting, model.SessionOperatorReady, model.SessionAbonentReady:
	default:
		st := s.state
		s.mu.Unlock()
		s.log.Warn().Str("state", string(st)).Bool("operator", operator).Msg("invalid_transition")
		return
	}
	flag := &s.abonentReady
	to := model.SessionAbonentReady
	if operator {
		flag = &s.operatorReady
		to = model.SessionOperatorReady
	}
	if *flag {
		s.mu.Unlock()
		return
	}
	*flag = true
	var timer *time.Timer
	if operator {
		timer, s.inviteTimer = s.inviteTimer, nil
	}
	both := s.operatorReady && s.abonentReady
	var p pendingTransition
	ok := false
	if s.state == model.SessionInviting {
		p, ok = s.applyLocked(to, model.FailureNone)
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if ok {
		s.finish(p)
	}
	if both {
		s.Commutate()
	}
}

// Commutate bridges the two legs. It only takes effect once both legs are
// ready and is a no-op after the session has been commutated.
func (s *CommutationSession) Commutate() {
	s.mu.Lock()
	switch s.state {
	case model.SessionCommutated, model.SessionConversationStarted, model.SessionHandled:
		s.mu.Unlock()
		return
	}
	if !s.operatorReady || !s.abonentReady {
		st := s.state
		s.mu.Unlock()
		s.log.Warn().Str("state", string(st)).Msg("commutate_before_both_ready")
		return
	}
	s.mu.Unlock()

	if !s.request.IsValid() {
		s.fail(model.FailureNotStarted)
		return
	}

	s.mu.Lock()
	p, ok := s.applyLocked(model.SessionCommutated, model.FailureNone)
	opLeg := s.operatorLeg
	s.mu.Unlock()
	if !ok {
		return
	}
	s.finish(p)

	ctx, cancel := context.WithTimeout(context.Background(), s.env.EndpointTimeout)
	err := s.env.Conversation.Attach(ctx, opLeg, s.request.CallerLeg())
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("attach_failed")
		s.Invalidate(fmt.Sprintf("attach: %v", err))
		return
	}
	s.ConversationStarted()
}

// ConversationStarted marks the bridged call as talking.
func (s *CommutationSession) ConversationStarted() {
	s.transition(model.SessionConversationStarted, model.FailureNone)
}

// ConversationStopped ends the session. A conversation that had started is
// HANDLED; anything earlier is invalidated.
func (s *CommutationSession) ConversationStopped() {
	if s.State() == model.SessionConversationStarted {
		s.transition(model.SessionHandled, model.FailureNone)
		return
	}
	s.fail(model.FailureNotStarted)
}

// Invalidate is the commutation-invalid signal: a leg dropped or became
// unusable. Known failure names are recorded as such.
func (s *CommutationSession) Invalidate(reason string) {
	f := model.FailureReason(reason)
	switch f {
	case model.FailureBusy, model.FailureNoAnswer, model.FailureNoFreeEndpoints, model.FailureNotStarted:
	default:
		f = model.FailureNotStarted
	}
	s.mu.Lock()
	if s.detail == "" {
		s.detail = reason
	}
	s.mu.Unlock()
	s.log.Info().Str("reason", reason).Msg("commutation_invalid")
	s.fail(f)
}

// Cancel aborts the session from any non-terminal state and releases both
// legs.
func (s *CommutationSession) Cancel() {
	s.mu.Lock()
	if model.IsSessionTerminal(s.state) {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()
	s.fail(model.FailureNotStarted)
}

// TransferToOperator hands the operator side of a bridged call to the
// queue operator answering on number, or to the queue's fallback transfer
// target when none does. Session state and statistics carry over.
func (s *CommutationSession) TransferToOperator(ctx context.Context, number string) error {
	s.mu.Lock()
	st := s.state
	current := s.operator
	opLeg := s.operatorLeg
	s.mu.Unlock()
	if st != model.SessionCommutated && st != model.SessionConversationStarted {
		return fmt.Errorf("transfer session %s in %s: %w", s.id, st, ErrSessionClosed)
	}

	target, _ := s.queue.OperatorByNumber(number)
	if target == nil {
		if s.queue.transferFallback != nil {
			s.log.Info().Str("number", number).Msg("transfer_fallback")
			return s.queue.transferFallback.TransferCall(ctx, s, number)
		}
		return fmt.Errorf("transfer to %s: %w", number, ErrOperatorNotFound)
	}
	if target == current {
		return nil
	}
	if !target.CallTransferedToOperator(s) {
		return fmt.Errorf("transfer to %s: %w", target.PersonID(), ErrOperatorUnavailable)
	}
	if err := s.env.Conversation.Transfer(ctx, opLeg, number); err != nil {
		target.CallTransferedFromOperator(s)
		return fmt.Errorf("transfer to %s: %w", number, err)
	}

	s.mu.Lock()
	if model.IsSessionTerminal(s.state) {
		s.mu.Unlock()
		target.CallTransferedFromOperator(s)
		return fmt.Errorf("transfer session %s: %w", s.id, ErrSessionClosed)
	}
	s.operator = target
	s.operatorNumber = number
	s.mu.Unlock()

	current.CallTransferedFromOperator(s)
	s.request.Log("transferred %s -> %s", current.PersonID(), target.PersonID())
	s.log.Info().Str("from", current.PersonID()).Str("to", target.PersonID()).Msg("call_transferred")
	return nil
}
