// Package dummy implements a sandbox paywall that approves everything. It
// redirects the buyer to a configurable decision page and accepts
// unauthenticated callbacks, which makes it useful for integration tests
// and local development only.
package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Slug is the registry key of this backend.
const Slug = "dummy"

// OptGatewayURL is the decision page the buyer is redirected to.
const OptGatewayURL = "gateway_url"

var acceptedCurrencies = []money.Currency{
	money.USD, money.EUR, money.GBP, money.PLN,
}

// Processor is the sandbox adapter bound to a single payment.
type Processor struct {
	p        *payment.Payment
	settings processor.Settings
}

// New creates a dummy processor for one payment.
func New(p *payment.Payment, settings processor.Settings) *Processor {
	return &Processor{p: p, settings: settings}
}

// Entry returns the registry entry for this backend.
func Entry() processor.Entry {
	return processor.Entry{
		Slug:         Slug,
		DisplayName:  "Dummy sandbox",
		Currencies:   acceptedCurrencies,
		Confirmation: processor.ConfirmPush,
		Factory: func(p *payment.Payment, settings processor.Settings) processor.Processor {
			return New(p, settings)
		},
	}
}

func (pr *Processor) Slug() string                         { return Slug }
func (pr *Processor) DisplayName() string                  { return "Dummy sandbox" }
func (pr *Processor) AcceptedCurrencies() []money.Currency { return acceptedCurrencies }
func (pr *Processor) Method() processor.Method             { return processor.MethodGet }

// Prepare builds the decision page redirect. The payment's own ID doubles
// as the external ID; there is no remote side to assign one.
func (pr *Processor) Prepare(ctx context.Context) (*processor.Prepared, error) {
	gateway := pr.settings.String(OptGatewayURL, "http://localhost:8000/dummy-paywall")

	q := url.Values{}
	q.Set("payment_id", pr.p.ID)
	q.Set("amount", pr.p.AmountRequired.String())
	q.Set("currency", string(pr.p.Currency))

	return &processor.Prepared{
		Method:     processor.MethodGet,
		URL:        gateway + "?" + q.Encode(),
		ExternalID: pr.p.ID,
	}, nil
}

// Charge succeeds immediately for the full requested amount.
func (pr *Processor) Charge(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
	charged := amount
	return &processor.ChargeResult{AmountCharged: &charged, Success: true}, nil
}

// StartRefund accepts any refund instantly.
func (pr *Processor) StartRefund(ctx context.Context, amount money.Amount) (money.Amount, error) {
	return amount, nil
}

// CancelRefund always succeeds; nothing was ever submitted anywhere.
func (pr *Processor) CancelRefund(ctx context.Context) (bool, error) {
	return true, nil
}

// ReleaseLock releases whatever is locked.
func (pr *Processor) ReleaseLock(ctx context.Context) (money.Amount, error) {
	return pr.p.AmountLocked, nil
}

// FetchStatus reports the payment as fully paid.
func (pr *Processor) FetchStatus(ctx context.Context) (*processor.StatusReport, error) {
	amt := pr.p.AmountRequired
	return &processor.StatusReport{
		Trigger: payment.TriggerConfirmPayment,
		Amount:  &amt,
	}, nil
}

// VerifyCallback accepts everything. Sandbox only.
func (pr *Processor) VerifyCallback(r *http.Request, body []byte) error {
	return nil
}

type callbackBody struct {
	NewStatus string `json:"new_status"`
	Amount    string `json:"amount,omitempty"`
}

// HandleCallback maps the decision page's verdict to a trigger.
func (pr *Processor) HandleCallback(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, payment.NewInvalidCallbackError("parsing dummy callback", err)
	}

	result := &processor.CallbackResult{
		ResponseStatus: http.StatusOK,
		ResponseBody:   []byte("OK"),
		Raw:            json.RawMessage(body),
	}

	switch cb.NewStatus {
	case "paid":
		result.Trigger = payment.TriggerConfirmPayment
		amt := pr.p.AmountRequired
		if cb.Amount != "" {
			parsed, err := money.FromString(cb.Amount)
			if err != nil {
				return nil, payment.NewInvalidCallbackError("parsing callback amount", err)
			}
			amt = parsed
		}
		result.Amount = &amt
	case "locked":
		result.Trigger = payment.TriggerConfirmLock
	case "failed":
		result.Trigger = payment.TriggerFail
	default:
		return nil, payment.NewInvalidCallbackError(
			fmt.Sprintf("unknown status %q", cb.NewStatus), nil)
	}
	return result, nil
}
