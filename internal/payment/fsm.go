package payment

import (
	"time"

	"paycore/internal/common/money"
)

// Trigger is a named transition of the payment state machine. Trigger names
// are the only vocabulary accepted when a transition is derived from remote
// input.
type Trigger string

const (
	TriggerConfirmPrepared   Trigger = "confirm_prepared"
	TriggerConfirmLock       Trigger = "confirm_lock"
	TriggerConfirmChargeSent Trigger = "confirm_charge_sent"
	TriggerConfirmPayment    Trigger = "confirm_payment"
	TriggerMarkAsPaid        Trigger = "mark_as_paid"
	TriggerFail              Trigger = "fail"
	TriggerReleaseLock       Trigger = "release_lock"
	TriggerStartRefund       Trigger = "start_refund"
	TriggerConfirmRefund     Trigger = "confirm_refund"
	TriggerCancelRefund      Trigger = "cancel_refund"
	TriggerMarkAsRefunded    Trigger = "mark_as_refunded"
)

// transitions is the closed table of legal payment status transitions.
// confirm_refund resolves its target dynamically, see applyTrigger.
var transitions = map[Status]map[Trigger]Status{
	StatusNew: {
		TriggerConfirmPrepared: StatusPrepared,
		TriggerConfirmLock:     StatusPreAuth,
		TriggerFail:            StatusFailed,
	},
	StatusPrepared: {
		TriggerConfirmLock:    StatusPreAuth,
		TriggerConfirmPayment: StatusPartial,
		TriggerFail:           StatusFailed,
	},
	StatusPreAuth: {
		TriggerConfirmChargeSent: StatusInCharge,
		TriggerConfirmPayment:    StatusPartial,
		TriggerReleaseLock:       StatusFailed,
		TriggerFail:              StatusFailed,
	},
	StatusInCharge: {
		TriggerConfirmPayment: StatusPartial,
	},
	StatusPartial: {
		TriggerConfirmPayment: StatusPartial,
		TriggerMarkAsPaid:     StatusPaid,
		TriggerStartRefund:    StatusRefundStarted,
		TriggerMarkAsRefunded: StatusRefunded,
	},
	StatusPaid: {
		TriggerStartRefund: StatusRefundStarted,
	},
	StatusRefundStarted: {
		TriggerConfirmRefund:  StatusPaid,
		TriggerCancelRefund:   StatusPaid,
		TriggerMarkAsRefunded: StatusRefunded,
	},
}

// remoteAllowlist is the closed set of trigger names acceptable when derived
// from paywall input (push callbacks and status polls). Anything outside it
// is dropped before reaching the entity.
var remoteAllowlist = map[Trigger]bool{
	TriggerConfirmPrepared:   true,
	TriggerConfirmLock:       true,
	TriggerConfirmChargeSent: true,
	TriggerConfirmPayment:    true,
	TriggerMarkAsPaid:        true,
	TriggerFail:              true,
	TriggerConfirmRefund:     true,
	TriggerMarkAsRefunded:    true,
}

// AllowedFromRemote reports whether a trigger name may be invoked from
// remote input.
func AllowedFromRemote(t Trigger) bool {
	return remoteAllowlist[t]
}

// TransitionHook observes committed status transitions.
type TransitionHook func(from, to Status, trigger Trigger)

// Subscribe registers a transition observer on the payment. Hooks run
// synchronously after the status change, in registration order.
func (p *Payment) Subscribe(hook TransitionHook) {
	p.hooks = append(p.hooks, hook)
}

// May reports whether the trigger could fire from the current status,
// including payload-free guard conditions. Callers always test May before
// firing; an illegal trigger is a silent no-op.
func (p *Payment) May(t Trigger) bool {
	if _, ok := transitions[p.Status][t]; !ok {
		return false
	}
	switch t {
	case TriggerMarkAsPaid:
		return p.IsFullyPaid()
	case TriggerMarkAsRefunded:
		return p.IsFullyRefunded()
	}
	return true
}

// IsFullyPaid reports whether the paid amount covers the required amount.
func (p *Payment) IsFullyPaid() bool {
	return p.AmountPaid.GreaterThanOrEqual(p.AmountRequired)
}

// IsFullyRefunded reports whether everything paid has been refunded.
func (p *Payment) IsFullyRefunded() bool {
	return p.AmountRefunded.IsPositive() &&
		p.AmountRefunded.GreaterThanOrEqual(p.AmountPaid)
}

// applyTrigger fires a trigger, mutating amounts and status. Returns false
// without mutating anything when the transition is not legal.
func (p *Payment) applyTrigger(t Trigger, amount *money.Amount) bool {
	if !p.May(t) {
		return false
	}

	target := transitions[p.Status][t]
	now := time.Now().UTC()

	switch t {
	case TriggerConfirmPayment:
		if amount == nil || !amount.IsPositive() {
			return false
		}
		p.AmountPaid = p.AmountPaid.Add(*amount)
		p.LastPaymentOn = &now

	case TriggerConfirmLock:
		if amount != nil {
			p.AmountLocked = *amount
		} else {
			p.AmountLocked = p.AmountRequired
		}

	case TriggerConfirmRefund:
		if amount == nil || !amount.IsPositive() {
			return false
		}
		p.AmountRefunded = p.AmountRefunded.Add(*amount)
		if p.AmountPaid.Sub(p.AmountRefunded).LessThan(p.AmountRequired) {
			target = StatusPartial
		}

	case TriggerReleaseLock:
		p.AmountLocked = money.Zero()

	case TriggerMarkAsRefunded:
		p.RefundedOn = &now
	}

	from := p.Status
	p.Status = target
	for _, hook := range p.hooks {
		hook(from, target, t)
	}
	return true
}

// ConfirmPrepared records that the paywall acknowledged the transaction.
func (p *Payment) ConfirmPrepared() bool {
	return p.applyTrigger(TriggerConfirmPrepared, nil)
}

// ConfirmLock records a pre-authorization. When amount is nil the full
// required amount is locked.
func (p *Payment) ConfirmLock(amount *money.Amount) bool {
	return p.applyTrigger(TriggerConfirmLock, amount)
}

// ConfirmChargeSent records that a charge was accepted for asynchronous
// confirmation.
func (p *Payment) ConfirmChargeSent() bool {
	return p.applyTrigger(TriggerConfirmChargeSent, nil)
}

// ConfirmPayment credits amount to the paid total. Callers must pass the
// delta of a partial payment, never the cumulative total.
func (p *Payment) ConfirmPayment(amount money.Amount) bool {
	return p.applyTrigger(TriggerConfirmPayment, &amount)
}

// MarkAsPaid closes a fully-paid payment.
func (p *Payment) MarkAsPaid() bool {
	return p.applyTrigger(TriggerMarkAsPaid, nil)
}

// Fail moves the payment to FAILED.
func (p *Payment) Fail() bool {
	return p.applyTrigger(TriggerFail, nil)
}

// ReleaseLock releases a pre-authorization and fails the payment.
// It returns the amount that was released.
func (p *Payment) ReleaseLock() (money.Amount, bool) {
	released := p.AmountLocked
	if !p.applyTrigger(TriggerReleaseLock, nil) {
		return money.Zero(), false
	}
	return released, true
}

// StartRefund opens a refund on a paid or partially paid payment.
func (p *Payment) StartRefund() bool {
	return p.applyTrigger(TriggerStartRefund, nil)
}

// ConfirmRefund credits amount to the refunded total.
func (p *Payment) ConfirmRefund(amount money.Amount) bool {
	return p.applyTrigger(TriggerConfirmRefund, &amount)
}

// CancelRefund abandons a started refund.
func (p *Payment) CancelRefund() bool {
	return p.applyTrigger(TriggerCancelRefund, nil)
}

// MarkAsRefunded closes a fully refunded payment.
func (p *Payment) MarkAsRefunded() bool {
	return p.applyTrigger(TriggerMarkAsRefunded, nil)
}

// TryTrigger dispatches a trigger by name through a closed mapping. Unknown
// names and illegal transitions are no-ops returning false. This is the only
// path by which remote-derived trigger names reach the entity.
func (p *Payment) TryTrigger(t Trigger, amount *money.Amount) bool {
	switch t {
	case TriggerConfirmPrepared:
		return p.ConfirmPrepared()
	case TriggerConfirmLock:
		return p.ConfirmLock(amount)
	case TriggerConfirmChargeSent:
		return p.ConfirmChargeSent()
	case TriggerConfirmPayment:
		if amount == nil {
			return false
		}
		return p.ConfirmPayment(*amount)
	case TriggerMarkAsPaid:
		return p.MarkAsPaid()
	case TriggerFail:
		return p.Fail()
	case TriggerReleaseLock:
		_, ok := p.ReleaseLock()
		return ok
	case TriggerStartRefund:
		return p.StartRefund()
	case TriggerConfirmRefund:
		if amount == nil {
			return false
		}
		return p.ConfirmRefund(*amount)
	case TriggerCancelRefund:
		return p.CancelRefund()
	case TriggerMarkAsRefunded:
		return p.MarkAsRefunded()
	}
	return false
}

// Fire is the hard-error variant of TryTrigger for callers that treat a
// rejected transition as a bug.
func (p *Payment) Fire(t Trigger, amount *money.Amount) error {
	from := p.Status
	if !p.TryTrigger(t, amount) {
		return NewInvalidTransitionError(from, t)
	}
	return nil
}

// FraudTrigger is a named transition of the fraud state machine.
type FraudTrigger string

const (
	FraudFlagLegit FraudTrigger = "flag_as_legit"
	FraudFlagFraud FraudTrigger = "flag_as_fraud"
	FraudFlagCheck FraudTrigger = "flag_for_check"
)

// fraudTransitions: ACCEPTED and REJECTED are terminal; CHECK may re-enter
// review and resolve either way.
var fraudTransitions = map[FraudStatus]map[FraudTrigger]FraudStatus{
	FraudUnknown: {
		FraudFlagLegit: FraudAccepted,
		FraudFlagFraud: FraudRejected,
		FraudFlagCheck: FraudCheck,
	},
	FraudCheck: {
		FraudFlagLegit: FraudAccepted,
		FraudFlagFraud: FraudRejected,
		FraudFlagCheck: FraudCheck,
	},
}

func (p *Payment) applyFraud(t FraudTrigger, message string) bool {
	target, ok := fraudTransitions[p.FraudStatus][t]
	if !ok {
		return false
	}
	p.FraudStatus = target
	p.FraudMessage = message
	return true
}

// FlagAsLegit marks the payment as reviewed and accepted.
func (p *Payment) FlagAsLegit(message string) bool {
	return p.applyFraud(FraudFlagLegit, message)
}

// FlagAsFraud marks the payment as fraudulent.
func (p *Payment) FlagAsFraud(message string) bool {
	return p.applyFraud(FraudFlagFraud, message)
}

// FlagForCheck queues the payment for manual fraud review.
func (p *Payment) FlagForCheck(message string) bool {
	return p.applyFraud(FraudFlagCheck, message)
}
