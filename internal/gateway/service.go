// Package gateway orchestrates payment operations: it binds payments to
// their processors, runs every mutation inside a row-locking transaction and
// reconciles paywall callbacks and status polls against the payment FSM.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// ErrInvalidAmount is returned for zero, negative or out-of-range amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// ErrUnknownBackend is returned when a payment references an unregistered
// backend slug.
var ErrUnknownBackend = errors.New("unknown payment backend")

// TxRunner executes a function inside a database transaction. Implemented
// by database.DB; tests substitute an in-memory runner.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Publisher publishes payment lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, env *events.Envelope) error
}

// OrderResolver lets the host application re-bind orders to payments loaded
// from storage. Optional; without it the order-based return URL fallback is
// unavailable.
type OrderResolver interface {
	Resolve(ctx context.Context, orderID string) (payment.Order, error)
}

// Service is the charge/refund orchestrator and reconciliation engine.
type Service struct {
	db         TxRunner
	q          database.Querier
	store      Store
	registry   *processor.Registry
	settings   map[string]processor.Settings
	publisher  Publisher
	orders     OrderResolver
	global     []payment.Validator
	perBackend map[string][]payment.Validator
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithOrderResolver attaches a host order resolver.
func WithOrderResolver(r OrderResolver) Option {
	return func(s *Service) { s.orders = r }
}

// WithValidators sets the global and per-backend payment creation
// validators.
func WithValidators(global []payment.Validator, perBackend map[string][]payment.Validator) Option {
	return func(s *Service) {
		s.global = global
		s.perBackend = perBackend
	}
}

// NewService creates the payment service.
func NewService(db TxRunner, q database.Querier, store Store, registry *processor.Registry,
	settings map[string]processor.Settings, publisher Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		db:        db,
		q:         q,
		store:     store,
		registry:  registry,
		settings:  settings,
		publisher: publisher,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) backendSettings(slug string) processor.Settings {
	if cfg, ok := s.settings[slug]; ok {
		return cfg
	}
	return processor.NewSettings(nil)
}

func (s *Service) processorFor(p *payment.Payment) (processor.Processor, error) {
	entry, ok := s.registry.Get(p.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, p.Backend)
	}
	return entry.Factory(p, s.backendSettings(p.Backend)), nil
}

// transitionRecord captures one committed FSM transition for post-commit
// event publication.
type transitionRecord struct {
	from, to payment.Status
	trigger  payment.Trigger
}

func recordTransitions(p *payment.Payment, out *[]transitionRecord) {
	p.Subscribe(func(from, to payment.Status, trigger payment.Trigger) {
		*out = append(*out, transitionRecord{from: from, to: to, trigger: trigger})
	})
}

// advanceAfter fires the opportunistic closing trigger matching the one that
// just credited an amount: a fully paid payment is marked PAID, a fully
// refunded one REFUNDED. The guards in May keep partial amounts in place.
func advanceAfter(p *payment.Payment, applied payment.Trigger) {
	switch applied {
	case payment.TriggerConfirmPayment:
		if p.May(payment.TriggerMarkAsPaid) {
			p.MarkAsPaid()
		}
	case payment.TriggerConfirmRefund:
		if p.May(payment.TriggerMarkAsRefunded) {
			p.MarkAsRefunded()
		}
	}
}

var statusEventTypes = map[payment.Status]string{
	payment.StatusPrepared:      events.EventPaymentPrepared,
	payment.StatusPreAuth:       events.EventPaymentPreAuthorized,
	payment.StatusInCharge:      events.EventPaymentChargeSent,
	payment.StatusPartial:       events.EventPaymentPartiallyPaid,
	payment.StatusPaid:          events.EventPaymentPaid,
	payment.StatusFailed:        events.EventPaymentFailed,
	payment.StatusRefundStarted: events.EventPaymentRefundStarted,
	payment.StatusRefunded:      events.EventPaymentRefunded,
}

// publishTransitions emits one event per committed transition. Publish
// failures are logged, never propagated: the payment mutation has already
// committed.
func (s *Service) publishTransitions(ctx context.Context, p *payment.Payment, recs []transitionRecord) {
	if s.publisher == nil {
		return
	}
	for _, rec := range recs {
		eventType, ok := statusEventTypes[rec.to]
		if !ok {
			continue
		}
		data := events.StatusChangedData{
			OrderID:        p.OrderID,
			Backend:        p.Backend,
			FromStatus:     rec.from.String(),
			ToStatus:       rec.to.String(),
			Trigger:        string(rec.trigger),
			Currency:       string(p.Currency),
			AmountRequired: p.AmountRequired.String(),
			AmountPaid:     p.AmountPaid.String(),
			AmountLocked:   p.AmountLocked.String(),
			AmountRefunded: p.AmountRefunded.String(),
			ExternalID:     p.ExternalID,
		}
		env, err := events.NewEnvelope(eventType, p.ID, data)
		if err != nil {
			s.logger.Error("building payment event", "error", err, "payment_id", p.ID)
			continue
		}
		if err := s.publisher.Publish(ctx, env); err != nil {
			s.logger.Error("publishing payment event",
				"error", err,
				"payment_id", p.ID,
				"type", eventType,
			)
		}
	}
}

// Create validates the order and creates a payment in status NEW bound to
// the chosen backend.
func (s *Service) Create(ctx context.Context, order payment.Order, orderID, backend string, currency money.Currency) (*payment.Payment, error) {
	if !s.registry.Contains(backend) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	if !s.registry.Supports(backend, currency) {
		return nil, fmt.Errorf("backend %s does not accept currency %s", backend, currency)
	}

	validators := payment.MergeValidators(s.global, s.perBackend[backend])
	if err := payment.RunValidators(ctx, validators, order, backend); err != nil {
		return nil, fmt.Errorf("payment validation: %w", err)
	}

	p, err := payment.New(order, orderID, backend, currency)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.Create(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"backend", backend,
		"amount", p.AmountRequired.String(),
		"currency", currency,
	)

	if s.publisher != nil {
		data := events.StatusChangedData{
			OrderID:        p.OrderID,
			Backend:        p.Backend,
			ToStatus:       p.Status.String(),
			Currency:       string(p.Currency),
			AmountRequired: p.AmountRequired.String(),
			AmountPaid:     p.AmountPaid.String(),
			AmountLocked:   p.AmountLocked.String(),
			AmountRefunded: p.AmountRefunded.String(),
		}
		if env, err := events.NewEnvelope(events.EventPaymentCreated, p.ID, data); err == nil {
			if err := s.publisher.Publish(ctx, env); err != nil {
				s.logger.Error("publishing payment event", "error", err, "payment_id", p.ID)
			}
		}
	}
	return p, nil
}

// Get loads a payment, binding the order when a resolver is configured.
func (s *Service) Get(ctx context.Context, id string) (*payment.Payment, error) {
	p, err := s.store.Get(ctx, s.q, id)
	if err != nil {
		return nil, err
	}
	s.bindOrder(ctx, p)
	return p, nil
}

// GetByExternalID loads a payment by the identifier the paywall assigned on
// prepare. Paywall webhooks that reference their own order ID resolve the
// local payment through this lookup.
func (s *Service) GetByExternalID(ctx context.Context, backend, externalID string) (*payment.Payment, error) {
	p, err := s.store.GetByExternalID(ctx, s.q, backend, externalID)
	if err != nil {
		return nil, err
	}
	s.bindOrder(ctx, p)
	return p, nil
}

func (s *Service) bindOrder(ctx context.Context, p *payment.Payment) {
	if s.orders == nil || p.OrderID == "" {
		return
	}
	order, err := s.orders.Resolve(ctx, p.OrderID)
	if err != nil {
		s.logger.Warn("resolving order", "error", err, "payment_id", p.ID, "order_id", p.OrderID)
		return
	}
	p.BindOrder(order)
}

// PrepareTransaction registers the payment with the paywall. On success the
// payment advances to PREPARED and records the paywall-side identifier; on
// paywall failure the payment is failed, the failure is persisted and a lock
// failure is returned.
func (s *Service) PrepareTransaction(ctx context.Context, id string) (*processor.Prepared, error) {
	var (
		prepared *processor.Prepared
		opErr    error
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		s.bindOrder(ctx, p)
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}
		if !p.May(payment.TriggerConfirmPrepared) {
			return payment.NewInvalidTransitionError(p.Status, payment.TriggerConfirmPrepared)
		}

		res, err := proc.Prepare(ctx)
		if err != nil {
			// Commit the failed state; propagate the error afterwards.
			p.Fail()
			if e, ok := payment.AsError(err); ok {
				opErr = e
			} else {
				opErr = payment.NewLockFailure("preparing transaction", err).
					WithContext("payment_id", p.ID)
			}
			snapshot = p
			return s.store.Update(ctx, tx, p)
		}

		p.SetExternalID(res.ExternalID)
		p.ConfirmPrepared()
		if err := p.CheckInvariants(); err != nil {
			return err
		}
		prepared = res
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		s.publishTransitions(ctx, snapshot, recs)
	}
	if opErr != nil {
		s.logger.Warn("prepare transaction failed", "payment_id", id, "error", opErr)
		return nil, opErr
	}
	return prepared, nil
}

// ChargeOutcome reports the result of a charge orchestration.
type ChargeOutcome struct {
	AmountCharged money.Amount   `json:"amount_charged"`
	Async         bool           `json:"async_call"`
	Status        payment.Status `json:"status"`
}

// Charge captures a pre-authorized amount. amount defaults to the full
// locked amount; it must satisfy 0 < amount <= amount_locked. On a
// synchronous success the paid total is credited exactly once and the lock
// decreases by the confirmed amount.
func (s *Service) Charge(ctx context.Context, id string, amount *money.Amount) (*ChargeOutcome, error) {
	var (
		outcome  *ChargeOutcome
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}

		amt := p.AmountLocked
		if amount != nil {
			amt = *amount
		}
		if !amt.IsPositive() || amt.GreaterThan(p.AmountLocked) {
			return fmt.Errorf("%w: charge %s with %s locked", ErrInvalidAmount, amt, p.AmountLocked)
		}

		res, err := proc.Charge(ctx, amt)
		if err != nil {
			return err
		}

		switch {
		case res.AmountCharged != nil || res.Success:
			charged := amt
			if res.AmountCharged != nil {
				charged = *res.AmountCharged
			}
			p.AmountLocked = p.AmountLocked.Sub(charged)
			if !p.ConfirmPayment(charged) {
				return payment.NewInvalidTransitionError(p.Status, payment.TriggerConfirmPayment)
			}
			if p.May(payment.TriggerMarkAsPaid) {
				p.MarkAsPaid()
			}
			outcome = &ChargeOutcome{AmountCharged: charged, Status: p.Status}

		case res.Async:
			if p.May(payment.TriggerConfirmChargeSent) {
				p.ConfirmChargeSent()
			}
			outcome = &ChargeOutcome{Async: true, Status: p.Status}

		default:
			return payment.NewChargeFailure("paywall rejected charge", nil).
				WithContext("payment_id", p.ID).
				WithContext("status_desc", res.StatusDesc)
		}

		if err := p.CheckInvariants(); err != nil {
			return err
		}
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	s.publishTransitions(ctx, snapshot, recs)

	s.logger.Info("charge completed",
		"payment_id", id,
		"async", outcome.Async,
		"status", outcome.Status,
	)
	return outcome, nil
}

// StartRefund opens a refund. amount defaults to the refundable remainder.
// It returns the amount the paywall actually accepted for refund.
func (s *Service) StartRefund(ctx context.Context, id string, amount *money.Amount) (money.Amount, error) {
	var (
		submitted money.Amount
		recs      []transitionRecord
		snapshot  *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}

		if !p.May(payment.TriggerStartRefund) {
			return payment.NewInvalidTransitionError(p.Status, payment.TriggerStartRefund)
		}

		refundable := p.AmountPaid.Sub(p.AmountRefunded)
		amt := refundable
		if amount != nil {
			amt = *amount
		}
		if !amt.IsPositive() || amt.GreaterThan(refundable) {
			return fmt.Errorf("%w: refund %s with %s refundable", ErrInvalidAmount, amt, refundable)
		}

		submitted, err = proc.StartRefund(ctx, amt)
		if err != nil {
			return err
		}

		p.StartRefund()
		if err := p.CheckInvariants(); err != nil {
			return err
		}
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return money.Zero(), err
	}
	s.publishTransitions(ctx, snapshot, recs)
	return submitted, nil
}

// CancelRefund abandons a started refund, returning the payment to PAID.
func (s *Service) CancelRefund(ctx context.Context, id string) (bool, error) {
	var (
		canceled bool
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}
		if !p.May(payment.TriggerCancelRefund) {
			return payment.NewInvalidTransitionError(p.Status, payment.TriggerCancelRefund)
		}

		canceled, err = proc.CancelRefund(ctx)
		if err != nil {
			return err
		}
		if !canceled {
			return nil
		}
		p.CancelRefund()
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return false, err
	}
	if snapshot != nil {
		s.publishTransitions(ctx, snapshot, recs)
	}
	return canceled, nil
}

// ReleaseLock releases a pre-authorization without charging it. The payment
// moves to FAILED and the released amount is returned.
func (s *Service) ReleaseLock(ctx context.Context, id string) (money.Amount, error) {
	var (
		released money.Amount
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}
		if !p.May(payment.TriggerReleaseLock) {
			return payment.NewInvalidTransitionError(p.Status, payment.TriggerReleaseLock)
		}

		if _, err := proc.ReleaseLock(ctx); err != nil {
			return err
		}
		released, _ = p.ReleaseLock()
		if err := p.CheckInvariants(); err != nil {
			return err
		}
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return money.Zero(), err
	}
	s.publishTransitions(ctx, snapshot, recs)
	return released, nil
}

// FetchAndUpdateStatus polls the paywall and applies the reported trigger
// when the allowlist and the FSM permit it. Communication and application
// failures are captured in the report's Exception field; the payment is
// never left partially mutated.
func (s *Service) FetchAndUpdateStatus(ctx context.Context, id string) (*processor.StatusReport, error) {
	var (
		report   *processor.StatusReport
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(p, &recs)

		proc, err := s.processorFor(p)
		if err != nil {
			return err
		}

		report, err = proc.FetchStatus(ctx)
		if err != nil {
			report = &processor.StatusReport{Exception: err.Error()}
			s.logger.Warn("fetching payment status", "payment_id", p.ID, "error", err)
			return nil
		}
		if report == nil || report.Trigger == "" {
			return nil
		}

		if !payment.AllowedFromRemote(report.Trigger) {
			report.Exception = fmt.Sprintf("trigger %q not allowed from remote input", report.Trigger)
			s.logger.Warn("disallowed remote trigger",
				"payment_id", p.ID,
				"trigger", string(report.Trigger),
			)
			return nil
		}

		if !p.TryTrigger(report.Trigger, report.Amount) {
			s.logger.Info("remote trigger not applicable",
				"payment_id", p.ID,
				"trigger", string(report.Trigger),
				"status", p.Status,
			)
			return nil
		}
		advanceAfter(p, report.Trigger)

		if err := p.CheckInvariants(); err != nil {
			report.Exception = err.Error()
			return err
		}
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		if report != nil && report.Exception == "" {
			report.Exception = err.Error()
		}
		if report != nil {
			return report, nil
		}
		return nil, err
	}
	if snapshot != nil {
		s.publishTransitions(ctx, snapshot, recs)
	}
	return report, nil
}

// CallbackResponse is what the HTTP layer writes back to the paywall.
type CallbackResponse struct {
	Status int
	Body   []byte
}

// HandleCallback is the push path. Verification runs before anything else;
// a failed verification yields 403 and no state change. Disallowed or
// inapplicable triggers are logged and still acknowledged with the
// processor's 2xx response so the paywall stops retrying.
func (s *Service) HandleCallback(ctx context.Context, id string, r *http.Request, body []byte) *CallbackResponse {
	p, err := s.store.Get(ctx, s.q, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &CallbackResponse{Status: http.StatusNotFound, Body: []byte("unknown payment")}
		}
		s.logger.Error("loading payment for callback", "payment_id", id, "error", err)
		return &CallbackResponse{Status: http.StatusInternalServerError, Body: []byte("error")}
	}

	proc, err := s.processorFor(p)
	if err != nil {
		s.logger.Error("resolving processor for callback", "payment_id", id, "error", err)
		return &CallbackResponse{Status: http.StatusInternalServerError, Body: []byte("error")}
	}

	if err := proc.VerifyCallback(r, body); err != nil {
		s.logger.Warn("callback verification failed", "payment_id", id, "error", err)
		return &CallbackResponse{Status: http.StatusForbidden, Body: []byte("invalid signature")}
	}

	result, err := proc.HandleCallback(ctx, r, body)
	if err != nil {
		s.logger.Warn("callback rejected", "payment_id", id, "error", err)
		return &CallbackResponse{Status: http.StatusForbidden, Body: []byte("invalid callback")}
	}

	resp := &CallbackResponse{Status: result.ResponseStatus, Body: result.ResponseBody}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if result.Trigger == "" {
		return resp
	}

	if !payment.AllowedFromRemote(result.Trigger) {
		s.logger.Warn("disallowed callback trigger",
			"payment_id", id,
			"trigger", string(result.Trigger),
		)
		return resp
	}

	var (
		recs     []transitionRecord
		snapshot *payment.Payment
	)
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		recordTransitions(locked, &recs)

		if !locked.TryTrigger(result.Trigger, result.Amount) {
			s.logger.Info("callback trigger not applicable",
				"payment_id", id,
				"trigger", string(result.Trigger),
				"status", locked.Status,
			)
			return nil
		}
		advanceAfter(locked, result.Trigger)
		if err := locked.CheckInvariants(); err != nil {
			return err
		}
		snapshot = locked
		return s.store.Update(ctx, tx, locked)
	})
	if err != nil {
		s.logger.Error("applying callback", "payment_id", id, "error", err)
		return &CallbackResponse{Status: http.StatusInternalServerError, Body: []byte("error")}
	}
	if snapshot != nil {
		s.publishTransitions(ctx, snapshot, recs)
	}
	return resp
}

// FlagFraud records a fraud review verdict on the payment and publishes a
// fraud event. Accepted and rejected verdicts are final.
func (s *Service) FlagFraud(ctx context.Context, id string, verdict payment.FraudStatus, message string) (*payment.Payment, error) {
	var snapshot *payment.Payment
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		var ok bool
		switch verdict {
		case payment.FraudAccepted:
			ok = p.FlagAsLegit(message)
		case payment.FraudRejected:
			ok = p.FlagAsFraud(message)
		case payment.FraudCheck:
			ok = p.FlagForCheck(message)
		default:
			return fmt.Errorf("unknown fraud verdict %q", verdict)
		}
		if !ok {
			return fmt.Errorf("fraud status %s is final, cannot move to %s", p.FraudStatus, verdict)
		}
		snapshot = p
		return s.store.Update(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		data := events.FraudFlaggedData{
			Backend:      snapshot.Backend,
			FraudStatus:  snapshot.FraudStatus.String(),
			FraudMessage: snapshot.FraudMessage,
		}
		if env, err := events.NewEnvelope(events.EventPaymentFraudFlagged, snapshot.ID, data); err == nil {
			if err := s.publisher.Publish(ctx, env); err != nil {
				s.logger.Error("publishing fraud event", "error", err, "payment_id", snapshot.ID)
			}
		}
	}
	return snapshot, nil
}

// GetReturnRedirectURL resolves where the buyer lands after the paywall
// round-trip: backend-configured URLs win, the order decides otherwise.
func (s *Service) GetReturnRedirectURL(ctx context.Context, id string, success bool) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	cfg := s.backendSettings(p.Backend)
	return p.ReturnURL(success,
		cfg.String(processor.OptSuccessURL, ""),
		cfg.String(processor.OptFailureURL, ""),
	), nil
}
