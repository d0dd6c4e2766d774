// Package transfer implements a manual bank wire backend. The buyer is
// shown a form with the transfer details; confirmation happens out of band
// when back office staff match the incoming wire and advance the payment
// through the service API. There is no remote paywall to talk to.
package transfer

import (
	"context"
	"net/http"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Slug is the registry key of this backend.
const Slug = "transfer"

// Backend-specific option names.
const (
	OptAccountNumber = "account_number"
	OptAccountHolder = "account_holder"
	OptBankName      = "bank_name"
	OptFormURL       = "form_url"
)

var acceptedCurrencies = []money.Currency{money.EUR, money.PLN}

// Processor is the bank wire adapter bound to a single payment.
type Processor struct {
	p        *payment.Payment
	settings processor.Settings
}

// New creates a transfer processor for one payment.
func New(p *payment.Payment, settings processor.Settings) *Processor {
	return &Processor{p: p, settings: settings}
}

// Entry returns the registry entry for this backend.
func Entry() processor.Entry {
	return processor.Entry{
		Slug:         Slug,
		DisplayName:  "Bank transfer",
		Currencies:   acceptedCurrencies,
		Confirmation: processor.ConfirmPull,
		Factory: func(p *payment.Payment, settings processor.Settings) processor.Processor {
			return New(p, settings)
		},
	}
}

func (pr *Processor) Slug() string                         { return Slug }
func (pr *Processor) DisplayName() string                  { return "Bank transfer" }
func (pr *Processor) AcceptedCurrencies() []money.Currency { return acceptedCurrencies }
func (pr *Processor) Method() processor.Method             { return processor.MethodPost }

// Prepare returns the wire instruction form. The payment ID is the transfer
// title; the matching job keys on it.
func (pr *Processor) Prepare(ctx context.Context) (*processor.Prepared, error) {
	return &processor.Prepared{
		Method: processor.MethodPost,
		URL:    pr.settings.String(OptFormURL, "/transfer-instructions"),
		Fields: []processor.FormField{
			{Name: "account_number", Value: pr.settings.String(OptAccountNumber, "")},
			{Name: "account_holder", Value: pr.settings.String(OptAccountHolder, "")},
			{Name: "bank_name", Value: pr.settings.String(OptBankName, "")},
			{Name: "title", Value: pr.p.ID},
			{Name: "amount", Value: pr.p.AmountRequired.String()},
			{Name: "currency", Value: string(pr.p.Currency)},
		},
		ExternalID: pr.p.ID,
	}, nil
}

// Charge is meaningless for a single-phase wire; there is nothing locked to
// capture.
func (pr *Processor) Charge(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
	return nil, payment.NewChargeFailure("bank transfers cannot be charged", nil).
		WithContext("payment_id", pr.p.ID)
}

// StartRefund records the refund intent; the wire back is issued manually.
func (pr *Processor) StartRefund(ctx context.Context, amount money.Amount) (money.Amount, error) {
	return amount, nil
}

// CancelRefund succeeds as long as the wire back has not left the building.
func (pr *Processor) CancelRefund(ctx context.Context) (bool, error) {
	return true, nil
}

// ReleaseLock has nothing to release.
func (pr *Processor) ReleaseLock(ctx context.Context) (money.Amount, error) {
	return money.Zero(), payment.NewLockFailure("bank transfers hold no lock", nil).
		WithContext("payment_id", pr.p.ID)
}

// FetchStatus has no remote side to poll; the report is always empty.
func (pr *Processor) FetchStatus(ctx context.Context) (*processor.StatusReport, error) {
	return &processor.StatusReport{}, nil
}

// VerifyCallback rejects everything; this backend has no callbacks.
func (pr *Processor) VerifyCallback(r *http.Request, body []byte) error {
	return payment.NewInvalidCallbackError("bank transfer backend accepts no callbacks", nil)
}

// HandleCallback is unreachable behind VerifyCallback but kept total.
func (pr *Processor) HandleCallback(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
	return nil, payment.NewInvalidCallbackError("bank transfer backend accepts no callbacks", nil)
}
