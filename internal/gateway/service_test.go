package gateway_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// memStore keeps payments in a map. The Querier argument is ignored; the
// fake transaction runner below never opens a real transaction.
type memStore struct {
	mu       sync.Mutex
	payments map[string]*payment.Payment
}

func newMemStore() *memStore {
	return &memStore{payments: make(map[string]*payment.Payment)}
}

func (s *memStore) Create(ctx context.Context, q database.Querier, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return database.ErrAlreadyExists
	}
	s.payments[p.ID] = p
	return nil
}

func (s *memStore) Get(ctx context.Context, q database.Querier, id string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (s *memStore) GetForUpdate(ctx context.Context, q database.Querier, id string) (*payment.Payment, error) {
	return s.Get(ctx, q, id)
}

func (s *memStore) GetByExternalID(ctx context.Context, q database.Querier, backend, externalID string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Backend == backend && p.ExternalID == externalID {
			return p, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) Update(ctx context.Context, q database.Querier, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return database.ErrNotFound
	}
	s.payments[p.ID] = p
	return nil
}

// fakeTxRunner satisfies gateway.TxRunner without a database. Rollback
// semantics are not emulated; tests assert on what Update persisted.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// capturePublisher records published envelopes.
type capturePublisher struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
}

func (c *capturePublisher) Publish(ctx context.Context, env *events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.envelopes))
	for _, env := range c.envelopes {
		out = append(out, env.Type)
	}
	return out
}

// stubProcessor is a configurable processor.Processor.
type stubProcessor struct {
	prepareFn      func(ctx context.Context) (*processor.Prepared, error)
	chargeFn       func(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error)
	startRefundFn  func(ctx context.Context, amount money.Amount) (money.Amount, error)
	cancelRefundFn func(ctx context.Context) (bool, error)
	releaseLockFn  func(ctx context.Context) (money.Amount, error)
	fetchStatusFn  func(ctx context.Context) (*processor.StatusReport, error)
	verifyFn       func(r *http.Request, body []byte) error
	callbackFn     func(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error)
}

const stubSlug = "stub"

func (s *stubProcessor) Slug() string                         { return stubSlug }
func (s *stubProcessor) DisplayName() string                  { return "Stub" }
func (s *stubProcessor) AcceptedCurrencies() []money.Currency { return []money.Currency{money.USD} }
func (s *stubProcessor) Method() processor.Method             { return processor.MethodRest }

func (s *stubProcessor) Prepare(ctx context.Context) (*processor.Prepared, error) {
	if s.prepareFn != nil {
		return s.prepareFn(ctx)
	}
	return &processor.Prepared{Method: processor.MethodGet, URL: "https://paywall.example/p", ExternalID: "ext-1"}, nil
}

func (s *stubProcessor) Charge(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
	if s.chargeFn != nil {
		return s.chargeFn(ctx, amount)
	}
	charged := amount
	return &processor.ChargeResult{AmountCharged: &charged, Success: true}, nil
}

func (s *stubProcessor) StartRefund(ctx context.Context, amount money.Amount) (money.Amount, error) {
	if s.startRefundFn != nil {
		return s.startRefundFn(ctx, amount)
	}
	return amount, nil
}

func (s *stubProcessor) CancelRefund(ctx context.Context) (bool, error) {
	if s.cancelRefundFn != nil {
		return s.cancelRefundFn(ctx)
	}
	return true, nil
}

func (s *stubProcessor) ReleaseLock(ctx context.Context) (money.Amount, error) {
	if s.releaseLockFn != nil {
		return s.releaseLockFn(ctx)
	}
	return money.Zero(), nil
}

func (s *stubProcessor) FetchStatus(ctx context.Context) (*processor.StatusReport, error) {
	if s.fetchStatusFn != nil {
		return s.fetchStatusFn(ctx)
	}
	return &processor.StatusReport{}, nil
}

func (s *stubProcessor) VerifyCallback(r *http.Request, body []byte) error {
	if s.verifyFn != nil {
		return s.verifyFn(r, body)
	}
	return nil
}

func (s *stubProcessor) HandleCallback(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
	if s.callbackFn != nil {
		return s.callbackFn(ctx, r, body)
	}
	return &processor.CallbackResult{ResponseStatus: http.StatusOK}, nil
}

type fixture struct {
	service   *gateway.Service
	store     *memStore
	publisher *capturePublisher
	stub      *stubProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	stub := &stubProcessor{}
	registry := processor.NewRegistry()
	require.NoError(t, registry.Register(processor.Entry{
		Slug:        stubSlug,
		DisplayName: "Stub",
		Currencies:  []money.Currency{money.USD},
		Factory: func(p *payment.Payment, settings processor.Settings) processor.Processor {
			return stub
		},
	}))
	registry.Freeze()

	store := newMemStore()
	publisher := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	settings := map[string]processor.Settings{
		stubSlug: processor.NewSettings(map[string]string{
			processor.OptSuccessURL: "https://shop.example/ok/{payment_id}",
		}),
	}

	service := gateway.NewService(fakeTxRunner{}, nil, store, registry, settings, publisher, logger)
	return &fixture{service: service, store: store, publisher: publisher, stub: stub}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testOrder(total string) gateway.InlineOrder {
	return gateway.InlineOrder{
		TotalAmount: money.MustFromString(total),
		Description: "Order under test",
		Buyer:       payment.Buyer{Email: "buyer@example.com"},
		SuccessURL:  "https://shop.example/order-ok",
		FailureURL:  "https://shop.example/order-bad",
	}
}

func createPrepared(t *testing.T, f *fixture, total string) *payment.Payment {
	t.Helper()
	p, err := f.service.Create(context.Background(), testOrder(total), "order-1", stubSlug, money.USD)
	require.NoError(t, err)
	_, err = f.service.PrepareTransaction(context.Background(), p.ID)
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("persists NEW payment and publishes created event", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		p, err := f.service.Create(context.Background(), testOrder("100.00"), "order-1", stubSlug, money.USD)
		require.NoError(t, err)
		require.Equal(t, payment.StatusNew, p.Status)

		stored, err := f.store.Get(context.Background(), nil, p.ID)
		require.NoError(t, err)
		require.Equal(t, payment.StatusNew, stored.Status)
		require.Equal(t, []string{events.EventPaymentCreated}, f.publisher.types())
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.service.Create(context.Background(), testOrder("100.00"), "order-1", "ghost", money.USD)
		require.ErrorIs(t, err, gateway.ErrUnknownBackend)
	})

	t.Run("rejects unsupported currency", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.service.Create(context.Background(), testOrder("100.00"), "order-1", stubSlug, money.PLN)
		require.Error(t, err)
	})
}

func TestPrepareTransaction(t *testing.T) {
	t.Parallel()

	t.Run("advances to PREPARED with external ID", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		p, err := f.service.Create(context.Background(), testOrder("100.00"), "order-1", stubSlug, money.USD)
		require.NoError(t, err)

		prepared, err := f.service.PrepareTransaction(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, "https://paywall.example/p", prepared.URL)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
		require.Equal(t, "ext-1", stored.ExternalID)
	})

	t.Run("settled payment cannot be prepared again", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		p := createPrepared(t, f, "100.00")
		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.True(t, stored.ConfirmPayment(money.MustFromString("100.00")))
		require.True(t, stored.MarkAsPaid())

		var prepareCalls int
		f.stub.prepareFn = func(ctx context.Context) (*processor.Prepared, error) {
			prepareCalls++
			return &processor.Prepared{Method: processor.MethodGet, URL: "https://paywall.example/p2", ExternalID: "ext-2"}, nil
		}

		_, err := f.service.PrepareTransaction(context.Background(), p.ID)
		require.True(t, payment.IsKind(err, payment.KindInvalidTransition))
		require.Zero(t, prepareCalls, "paywall must not see a second order")

		after, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPaid, after.Status)
		require.Equal(t, "ext-1", after.ExternalID)
	})

	t.Run("paywall failure fails the payment and persists it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.stub.prepareFn = func(ctx context.Context) (*processor.Prepared, error) {
			return nil, errors.New("paywall down")
		}

		p, err := f.service.Create(context.Background(), testOrder("100.00"), "order-1", stubSlug, money.USD)
		require.NoError(t, err)

		_, err = f.service.PrepareTransaction(context.Background(), p.ID)
		require.Error(t, err)
		require.True(t, payment.IsKind(err, payment.KindLockFailure))

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusFailed, stored.Status)
	})
}

func TestCharge(t *testing.T) {
	t.Parallel()

	lockPayment := func(t *testing.T, f *fixture, total string) *payment.Payment {
		t.Helper()
		p := createPrepared(t, f, total)
		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.True(t, stored.ConfirmLock(nil))
		return stored
	}

	t.Run("sync success credits paid once and releases the lock delta", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := lockPayment(t, f, "100.00")

		outcome, err := f.service.Charge(context.Background(), p.ID, nil)
		require.NoError(t, err)
		require.False(t, outcome.Async)
		require.True(t, outcome.AmountCharged.Equal(money.MustFromString("100.00")))

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPaid, stored.Status)
		require.True(t, stored.AmountPaid.Equal(money.MustFromString("100.00")))
		require.True(t, stored.AmountLocked.IsZero())
	})

	t.Run("partial capture keeps the remainder locked", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := lockPayment(t, f, "100.00")

		amount := money.MustFromString("40.00")
		outcome, err := f.service.Charge(context.Background(), p.ID, &amount)
		require.NoError(t, err)
		require.Equal(t, payment.StatusPartial, outcome.Status)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.True(t, stored.AmountPaid.Equal(money.MustFromString("40.00")))
		require.True(t, stored.AmountLocked.Equal(money.MustFromString("60.00")))
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := lockPayment(t, f, "100.00")

		zero := money.Zero()
		_, err := f.service.Charge(context.Background(), p.ID, &zero)
		require.ErrorIs(t, err, gateway.ErrInvalidAmount)
	})

	t.Run("rejects amount above locked", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := lockPayment(t, f, "100.00")

		over := money.MustFromString("100.01")
		_, err := f.service.Charge(context.Background(), p.ID, &over)
		require.ErrorIs(t, err, gateway.ErrInvalidAmount)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.True(t, stored.AmountPaid.IsZero())
	})

	t.Run("async acceptance moves to IN_CHARGE", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.stub.chargeFn = func(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
			return &processor.ChargeResult{Async: true}, nil
		}
		p := lockPayment(t, f, "100.00")

		outcome, err := f.service.Charge(context.Background(), p.ID, nil)
		require.NoError(t, err)
		require.True(t, outcome.Async)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusInCharge, stored.Status)
		require.True(t, stored.AmountPaid.IsZero())
	})

	t.Run("rejection surfaces as charge failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.stub.chargeFn = func(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
			return &processor.ChargeResult{Success: false, StatusDesc: "DECLINED"}, nil
		}
		p := lockPayment(t, f, "100.00")

		_, err := f.service.Charge(context.Background(), p.ID, nil)
		require.True(t, payment.IsKind(err, payment.KindChargeFailure))
	})
}

func TestHandleCallback(t *testing.T) {
	t.Parallel()

	request := func() *http.Request {
		return httptest.NewRequest(http.MethodPost, "/callback", nil)
	}

	t.Run("completed payment lands on PAID", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		amount := money.MustFromString("100.00")
		f.stub.callbackFn = func(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
			return &processor.CallbackResult{
				Trigger:        payment.TriggerConfirmPayment,
				Amount:         &amount,
				ResponseStatus: http.StatusOK,
				ResponseBody:   []byte("OK"),
			}, nil
		}

		resp := f.service.HandleCallback(context.Background(), p.ID, request(), nil)
		require.Equal(t, http.StatusOK, resp.Status)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPaid, stored.Status)
		require.Contains(t, f.publisher.types(), events.EventPaymentPartiallyPaid)
		require.Contains(t, f.publisher.types(), events.EventPaymentPaid)
	})

	t.Run("cancellation fails the payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.callbackFn = func(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
			return &processor.CallbackResult{Trigger: payment.TriggerFail, ResponseStatus: http.StatusOK}, nil
		}

		resp := f.service.HandleCallback(context.Background(), p.ID, request(), nil)
		require.Equal(t, http.StatusOK, resp.Status)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusFailed, stored.Status)
	})

	t.Run("failed verification yields 403 and no mutation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.verifyFn = func(r *http.Request, body []byte) error {
			return payment.NewInvalidCallbackError("signature mismatch", nil)
		}

		resp := f.service.HandleCallback(context.Background(), p.ID, request(), nil)
		require.Equal(t, http.StatusForbidden, resp.Status)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})

	t.Run("disallowed trigger is dropped but still acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.callbackFn = func(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
			return &processor.CallbackResult{
				Trigger:        payment.Trigger("save"),
				ResponseStatus: http.StatusOK,
				ResponseBody:   []byte("OK"),
			}, nil
		}

		resp := f.service.HandleCallback(context.Background(), p.ID, request(), nil)
		require.Equal(t, http.StatusOK, resp.Status)
		require.Equal(t, []byte("OK"), resp.Body)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})

	t.Run("inapplicable trigger is a silent no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.callbackFn = func(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
			// confirm_refund is meaningless on a PREPARED payment.
			amount := money.MustFromString("10.00")
			return &processor.CallbackResult{
				Trigger:        payment.TriggerConfirmRefund,
				Amount:         &amount,
				ResponseStatus: http.StatusOK,
			}, nil
		}

		resp := f.service.HandleCallback(context.Background(), p.ID, request(), nil)
		require.Equal(t, http.StatusOK, resp.Status)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})

	t.Run("unknown payment yields 404", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		resp := f.service.HandleCallback(context.Background(), "missing", request(), nil)
		require.Equal(t, http.StatusNotFound, resp.Status)
	})
}

func TestFetchAndUpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("partial then full payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		first := money.MustFromString("30.00")
		f.stub.fetchStatusFn = func(ctx context.Context) (*processor.StatusReport, error) {
			return &processor.StatusReport{Trigger: payment.TriggerConfirmPayment, Amount: &first}, nil
		}
		_, err := f.service.FetchAndUpdateStatus(context.Background(), p.ID)
		require.NoError(t, err)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPartial, stored.Status)

		rest := money.MustFromString("70.00")
		f.stub.fetchStatusFn = func(ctx context.Context) (*processor.StatusReport, error) {
			return &processor.StatusReport{Trigger: payment.TriggerConfirmPayment, Amount: &rest}, nil
		}
		_, err = f.service.FetchAndUpdateStatus(context.Background(), p.ID)
		require.NoError(t, err)

		stored, _ = f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPaid, stored.Status)
		require.True(t, stored.AmountPaid.Equal(money.MustFromString("100.00")))
	})

	t.Run("communication failure reported, no mutation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.fetchStatusFn = func(ctx context.Context) (*processor.StatusReport, error) {
			return nil, payment.NewCommunicationError("timeout", nil)
		}

		report, err := f.service.FetchAndUpdateStatus(context.Background(), p.ID)
		require.NoError(t, err)
		require.Contains(t, report.Exception, "timeout")

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})

	t.Run("non-allowlisted trigger annotated, no mutation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		f.stub.fetchStatusFn = func(ctx context.Context) (*processor.StatusReport, error) {
			return &processor.StatusReport{Trigger: payment.TriggerStartRefund}, nil
		}

		report, err := f.service.FetchAndUpdateStatus(context.Background(), p.ID)
		require.NoError(t, err)
		require.Contains(t, report.Exception, "not allowed")

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})

	t.Run("empty trigger is a clean no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		report, err := f.service.FetchAndUpdateStatus(context.Background(), p.ID)
		require.NoError(t, err)
		require.Empty(t, report.Exception)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPrepared, stored.Status)
	})
}

func TestRefundOperations(t *testing.T) {
	t.Parallel()

	paidPayment := func(t *testing.T, f *fixture) *payment.Payment {
		t.Helper()
		p := createPrepared(t, f, "100.00")
		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.True(t, stored.ConfirmPayment(money.MustFromString("100.00")))
		require.True(t, stored.MarkAsPaid())
		return stored
	}

	t.Run("start refund defaults to the refundable remainder", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := paidPayment(t, f)

		var submitted money.Amount
		f.stub.startRefundFn = func(ctx context.Context, amount money.Amount) (money.Amount, error) {
			submitted = amount
			return amount, nil
		}

		got, err := f.service.StartRefund(context.Background(), p.ID, nil)
		require.NoError(t, err)
		require.True(t, got.Equal(money.MustFromString("100.00")))
		require.True(t, submitted.Equal(money.MustFromString("100.00")))

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusRefundStarted, stored.Status)
	})

	t.Run("refund above the refundable remainder is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := paidPayment(t, f)

		over := money.MustFromString("100.01")
		_, err := f.service.StartRefund(context.Background(), p.ID, &over)
		require.ErrorIs(t, err, gateway.ErrInvalidAmount)
	})

	t.Run("refund on an unpaid payment is an invalid transition", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		_, err := f.service.StartRefund(context.Background(), p.ID, nil)
		require.True(t, payment.IsKind(err, payment.KindInvalidTransition))
	})

	t.Run("cancel refund returns to PAID", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := paidPayment(t, f)

		_, err := f.service.StartRefund(context.Background(), p.ID, nil)
		require.NoError(t, err)

		canceled, err := f.service.CancelRefund(context.Background(), p.ID)
		require.NoError(t, err)
		require.True(t, canceled)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusPaid, stored.Status)
	})

	t.Run("paywall refusing cancellation leaves refund open", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := paidPayment(t, f)
		f.stub.cancelRefundFn = func(ctx context.Context) (bool, error) { return false, nil }

		_, err := f.service.StartRefund(context.Background(), p.ID, nil)
		require.NoError(t, err)

		canceled, err := f.service.CancelRefund(context.Background(), p.ID)
		require.NoError(t, err)
		require.False(t, canceled)

		stored, _ := f.store.Get(context.Background(), nil, p.ID)
		require.Equal(t, payment.StatusRefundStarted, stored.Status)
	})
}

func TestReleaseLockOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := createPrepared(t, f, "100.00")
	stored, _ := f.store.Get(context.Background(), nil, p.ID)
	require.True(t, stored.ConfirmLock(nil))

	released, err := f.service.ReleaseLock(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, released.Equal(money.MustFromString("100.00")))

	stored, _ = f.store.Get(context.Background(), nil, p.ID)
	require.Equal(t, payment.StatusFailed, stored.Status)
	require.True(t, stored.AmountLocked.IsZero())
}

func TestFlagFraud(t *testing.T) {
	t.Parallel()

	t.Run("review then acceptance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		got, err := f.service.FlagFraud(context.Background(), p.ID, payment.FraudCheck, "velocity check")
		require.NoError(t, err)
		require.Equal(t, payment.FraudCheck, got.FraudStatus)

		got, err = f.service.FlagFraud(context.Background(), p.ID, payment.FraudAccepted, "manual review ok")
		require.NoError(t, err)
		require.Equal(t, payment.FraudAccepted, got.FraudStatus)
		require.Contains(t, f.publisher.types(), events.EventPaymentFraudFlagged)
	})

	t.Run("final verdict cannot change", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := createPrepared(t, f, "100.00")

		_, err := f.service.FlagFraud(context.Background(), p.ID, payment.FraudRejected, "stolen card")
		require.NoError(t, err)

		_, err = f.service.FlagFraud(context.Background(), p.ID, payment.FraudAccepted, "changed my mind")
		require.Error(t, err)
	})
}

func TestGetReturnRedirectURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := createPrepared(t, f, "100.00")

	url, err := f.service.GetReturnRedirectURL(context.Background(), p.ID, true)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/ok/"+p.ID, url)

	// Failure side has no configured URL; the order decides.
	url, err = f.service.GetReturnRedirectURL(context.Background(), p.ID, false)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/order-bad", url)
}
