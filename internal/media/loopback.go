// Package media provides an in-process stand-in for the telephony layer so
// the daemon can run end to end without a switch attached.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/acd"
)

var (
	ErrUnknownLeg = errors.New("unknown leg")
	ErrClosed     = errors.New("media layer closed")
)

// LegState is the loopback's view of one call leg.
type LegState string

const (
	LegRinging  LegState = "ringing"
	LegAnswered LegState = "answered"
	LegParked   LegState = "parked"
	LegActive   LegState = "active"
	LegBridged  LegState = "bridged"
)

type leg struct {
	id      acd.Leg
	number  string
	state   LegState
	peer    acd.Leg
	signals acd.LegSignals
	timer   *time.Timer
}

func (l *leg) stop() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// LoopbackOptions tunes the simulated call behaviour.
type LoopbackOptions struct {
	// AnswerDelay is how long an invited operator rings before answering.
	AnswerDelay time.Duration
	// TalkTime ends a bridged call after this long. Zero keeps calls up
	// until a leg is released.
	TalkTime time.Duration
	// Unreachable numbers refuse every invite.
	Unreachable []string
	Logger      zerolog.Logger
}

// Loopback implements acd.Conversation entirely in memory.
type Loopback struct {
	answerDelay time.Duration
	talkTime    time.Duration
	unreachable map[string]bool
	log         zerolog.Logger

	mu     sync.Mutex
	seq    int
	legs   map[acd.Leg]*leg
	closed bool
}

func NewLoopback(opts LoopbackOptions) *Loopback {
	unreachable := make(map[string]bool, len(opts.Unreachable))
	for _, n := range opts.Unreachable {
		unreachable[n] = true
	}
	return &Loopback{
		answerDelay: opts.AnswerDelay,
		talkTime:    opts.TalkTime,
		unreachable: unreachable,
		log:         opts.Logger.With().Str("component", "media").Logger(),
		legs:        make(map[acd.Leg]*leg),
	}
}

// Invite rings the operator number and answers after the configured delay.
func (l *Loopback) Invite(ctx context.Context, req acd.InviteRequest) (acd.Leg, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}
	if l.unreachable[req.OperatorNumber] {
		return "", fmt.Errorf("invite %s: busy here", req.OperatorNumber)
	}
	l.seq++
	lg := &leg{
		id:      acd.Leg(fmt.Sprintf("lb-%d", l.seq)),
		number:  req.OperatorNumber,
		state:   LegRinging,
		signals: req.Signals,
	}
	l.legs[lg.id] = lg
	lg.timer = time.AfterFunc(l.answerDelay, func() { l.answer(lg.id) })
	l.log.Debug().Str("leg", string(lg.id)).Str("number", req.OperatorNumber).Str("caller", req.CallerNumber).Msg("invite")
	return lg.id, nil
}

func (l *Loopback) answer(id acd.Leg) {
	l.mu.Lock()
	lg, ok := l.legs[id]
	if !ok || lg.state != LegRinging {
		l.mu.Unlock()
		return
	}
	lg.state = LegAnswered
	lg.timer = nil
	signals := lg.signals
	l.mu.Unlock()

	l.log.Debug().Str("leg", string(id)).Msg("answered")
	if signals != nil {
		signals.OperatorReadyToCommutate()
	}
}

// Attach bridges two legs and, with a talk time set, schedules the hangup.
func (l *Loopback) Attach(ctx context.Context, operatorLeg, abonentLeg acd.Leg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.legs[operatorLeg]
	if !ok {
		return fmt.Errorf("attach %s: %w", operatorLeg, ErrUnknownLeg)
	}
	caller := l.callerLegLocked(abonentLeg)
	op.stop()
	op.state = LegBridged
	op.peer = abonentLeg
	if caller != nil {
		caller.state = LegBridged
		caller.peer = operatorLeg
	}
	if l.talkTime > 0 {
		op.timer = time.AfterFunc(l.talkTime, func() { l.hangup(operatorLeg) })
	}
	return nil
}

func (l *Loopback) hangup(id acd.Leg) {
	l.mu.Lock()
	lg, ok := l.legs[id]
	if !ok || lg.state != LegBridged {
		l.mu.Unlock()
		return
	}
	lg.timer = nil
	signals := lg.signals
	l.mu.Unlock()

	l.log.Debug().Str("leg", string(id)).Msg("hangup")
	if signals != nil {
		signals.ConversationStopped()
	}
}

// callerLegLocked returns the record for a caller leg, creating it on first
// sight. Caller legs come from outside the loopback.
func (l *Loopback) callerLegLocked(id acd.Leg) *leg {
	if id == "" {
		return nil
	}
	lg, ok := l.legs[id]
	if !ok {
		lg = &leg{id: id, state: LegActive}
		l.legs[id] = lg
	}
	return lg
}

func (l *Loopback) Park(ctx context.Context, id acd.Leg) error {
	return l.setCallerState(ctx, id, LegParked)
}

func (l *Loopback) Continue(ctx context.Context, id acd.Leg) error {
	return l.setCallerState(ctx, id, LegActive)
}

func (l *Loopback) setCallerState(ctx context.Context, id acd.Leg, st LegState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if lg := l.callerLegLocked(id); lg != nil {
		lg.state = st
	}
	return nil
}

// Transfer re-points a leg at another number.
func (l *Loopback) Transfer(ctx context.Context, id acd.Leg, number string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.legs[id]
	if !ok {
		return fmt.Errorf("transfer %s: %w", id, ErrUnknownLeg)
	}
	if l.unreachable[number] {
		return fmt.Errorf("transfer to %s: busy here", number)
	}
	lg.number = number
	return nil
}

// Release hangs up a leg. Releasing an unknown leg is a no-op.
func (l *Loopback) Release(_ context.Context, id acd.Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.legs[id]
	if !ok {
		return nil
	}
	lg.stop()
	if peer, ok := l.legs[lg.peer]; ok && peer.peer == id {
		peer.peer = ""
	}
	delete(l.legs, id)
	return nil
}

// State reports a leg's state and whether the loopback knows it.
func (l *Loopback) State(id acd.Leg) (LegState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.legs[id]
	if !ok {
		return "", false
	}
	return lg.state, true
}

// Number returns the number a leg currently rings.
func (l *Loopback) Number(id acd.Leg) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.legs[id]; ok {
		return lg.number
	}
	return ""
}

// Legs returns how many legs are live.
func (l *Loopback) Legs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.legs)
}

// Close stops every pending answer and hangup and refuses new work.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, lg := range l.legs {
		lg.stop()
	}
}

var _ acd.Conversation = (*Loopback)(nil)
