package acd

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

// OperatorOptions configures an Operator.
type OperatorOptions struct {
	PersonID       string
	PersonDesc     string
	PhoneNumbers   []string
	Active         bool
	CallerIDPrefix string
	BusyTimeout    time.Duration
	Logger         zerolog.Logger
}

// Operator is a claimable agent. Its single claim slot holds at most one
// session, and is occupied exactly while that session is not terminal.
type Operator struct {
	personID       string
	personDesc     string
	phoneNumbers   []string
	callerIDPrefix string
	busyTimeout    time.Duration
	log            zerolog.Logger

	mu          sync.Mutex
	active      bool
	session     *CommutationSession
	busyUntil   time.Time
	busyTimer   *time.Timer
	onAvailable func()
	stats       model.OperatorStats
}

// NewOperator creates an operator from opts.
func NewOperator(opts OperatorOptions) *Operator {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 20 * time.Second
	}
	return &Operator{
		personID:       opts.PersonID,
		personDesc:     opts.PersonDesc,
		phoneNumbers:   slices.Clone(opts.PhoneNumbers),
		callerIDPrefix: opts.CallerIDPrefix,
		busyTimeout:    busy,
		active:         opts.Active,
		log:            opts.Logger.With().Str("operator", opts.PersonID).Logger(),
	}
}

func (o *Operator) PersonID() string   { return o.personID }
func (o *Operator) PersonDesc() string { return o.personDesc }

// PhoneNumbers returns the addresses this operator answers on.
func (o *Operator) PhoneNumbers() []string { return slices.Clone(o.phoneNumbers) }

// PrimaryNumber is the number dialled when the operator is invited.
func (o *Operator) PrimaryNumber() string {
	if len(o.phoneNumbers) == 0 {
		return ""
	}
	return o.phoneNumbers[0]
}

func (o *Operator) AnswersOn(number string) bool {
	return slices.Contains(o.phoneNumbers, number)
}

func (o *Operator) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SetActive toggles availability and reports whether it changed.
func (o *Operator) SetActive(active bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == active {
		return false
	}
	o.active = active
	o.log.Info().Bool("active", active).Msg("operator_availability")
	return true
}

// IsBusy reports whether the busy timer is running.
func (o *Operator) IsBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Now().Before(o.busyUntil)
}

// Session returns the session in the claim slot, or nil.
func (o *Operator) Session() *CommutationSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// ProcessRequest tries to claim this operator for r. It never blocks on
// media or network work: it fails fast when the slot is taken, the operator
// is inactive or its busy timer runs. On success the slot holds a new INIT
// session which the caller must Start.
func (o *Operator) ProcessRequest(q *RequestQueue, r *QueueRequest, env SessionEnv) (*CommutationSession, bool) {
	o.mu.Lock()
	if !o.active || o.session != nil || time.Now().Before(o.busyUntil) {
		o.mu.Unlock()
		o.log.Debug().Int64("request_id", r.ID()).Msg("claim_rejected")
		return nil, false
	}
	s := newCommutationSession(env, q, r, o)
	o.session = s
	o.mu.Unlock()

	r.setSession(s)
	o.log.Debug().Int64("request_id", r.ID()).Str("session_id", s.ID()).Msg("claim_acquired")
	return s, true
}

// RequestProcessed releases the claim held by s and counts its outcome:
// Total once, plus Handled or exactly one failure counter.
func (o *Operator) RequestProcessed(s *CommutationSession, handled bool) bool {
	reason := s.FailureReason()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != s {
		o.log.Warn().Str("session_id", s.ID()).Msg("request_processed_for_foreign_session")
		return false
	}
	o.session = nil
	o.stats.Total++
	switch {
	case handled:
		o.stats.Handled++
	case reason == model.FailureBusy:
		o.stats.OnBusy++
	case reason == model.FailureNoFreeEndpoints:
		o.stats.OnNoFreeEndpoints++
	case reason == model.FailureNoAnswer:
		o.stats.OnNoAnswer++
	default:
		o.stats.OnNotStarted++
	}
	o.log.Debug().Str("session_id", s.ID()).Bool("handled", handled).Str("reason", string(reason)).Msg("request_processed")
	return true
}

// OnAvailable registers fn to run when the busy timer lapses and the
// operator can take an offer again.
func (o *Operator) OnAvailable(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAvailable = fn
}

// ResetBusyTimer keeps the operator out of offers for the busy timeout. It
// is a no-op returning false for inactive operators.
func (o *Operator) ResetBusyTimer() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return false
	}
	o.busyUntil = time.Now().Add(o.busyTimeout)
	if o.busyTimer != nil {
		o.busyTimer.Stop()
	}
	o.busyTimer = time.AfterFunc(o.busyTimeout, o.busyExpired)
	return true
}

func (o *Operator) busyExpired() {
	o.mu.Lock()
	fn := o.onAvailable
	free := o.active && o.session == nil && !time.Now().Before(o.busyUntil)
	o.mu.Unlock()
	if free && fn != nil {
		o.log.Debug().Msg("busy_timer_expired")
		fn()
	}
}

// stopBusyTimer cancels a pending expiry callback.
func (o *Operator) stopBusyTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busyTimer != nil {
		o.busyTimer.Stop()
		o.busyTimer = nil
	}
}

// CallTransferedFromOperator releases the slot held by s without counting
// an outcome; the session continues with another operator.
func (o *Operator) CallTransferedFromOperator(s *CommutationSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != s {
		return false
	}
	o.session = nil
	o.log.Info().Str("session_id", s.ID()).Msg("call_transfered_from")
	return true
}

// CallTransferedToOperator claims the slot for an in-flight session.
func (o *Operator) CallTransferedToOperator(s *CommutationSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || o.session != nil {
		return false
	}
	o.session = s
	o.log.Info().Str("session_id", s.ID()).Msg("call_transfered_to")
	return true
}

// TranslateAbonentNumber formats the caller number presented to the
// operator. Internal operator extensions see the bare number; external
// ones get the caller id prefix.
func (o *Operator) TranslateAbonentNumber(abonentNumber, operatorNumber string) string {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, abonentNumber)
	if isExtension(operatorNumber) || o.callerIDPrefix == "" || strings.HasPrefix(n, "+") {
		return n
	}
	return o.callerIDPrefix + n
}

func isExtension(number string) bool {
	if number == "" || len(number) > 4 {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Stats returns a copy of the outcome counters.
func (o *Operator) Stats() model.OperatorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Snapshot returns the monitoring view of the operator.
func (o *Operator) Snapshot() model.OperatorSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := model.OperatorSnapshot{
		ID:     o.personID,
		Desc:   o.personDesc,
		Active: o.active,
		Busy:   time.Now().Before(o.busyUntil),
		Stats:  o.stats,
	}
	if o.session != nil {
		snap.SessionID = o.session.ID()
	}
	return snap
}
