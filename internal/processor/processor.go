// Package processor defines the contract every paywall adapter implements
// and the process-wide registry resolving backend slugs to adapters.
package processor

import (
	"context"
	"encoding/json"
	"net/http"

	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// Method is the transport shape of prepare_transaction.
type Method string

const (
	// MethodGet redirects the buyer to a paywall URL.
	MethodGet Method = "GET"
	// MethodPost has the buyer's browser POST a form to the paywall.
	MethodPost Method = "POST"
	// MethodRest talks to the paywall server-to-server over JSON.
	MethodRest Method = "REST"
)

// ConfirmationMethod is how payment confirmation reaches us.
type ConfirmationMethod string

const (
	// ConfirmPush means the paywall calls our callback endpoint.
	ConfirmPush ConfirmationMethod = "PUSH"
	// ConfirmPull means we poll the paywall's status endpoint.
	ConfirmPull ConfirmationMethod = "PULL"
)

// FormField describes one input of a form the caller must POST to the
// paywall.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Prepared is the result of prepare_transaction: either a redirect target or
// a form to POST, plus the paywall-side order identifier.
type Prepared struct {
	Method     Method      `json:"method"`
	URL        string      `json:"url"`
	Fields     []FormField `json:"fields,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
}

// ChargeResult is the outcome of charging a pre-authorized amount.
type ChargeResult struct {
	AmountCharged *money.Amount `json:"amount_charged,omitempty"`
	Success       bool          `json:"success"`
	// Async means the paywall accepted the charge and the confirmation
	// will arrive via callback.
	Async      bool            `json:"async_call"`
	StatusDesc string          `json:"status_desc,omitempty"`
	Raw        json.RawMessage `json:"raw_response,omitempty"`
}

// StatusReport is the result of polling the paywall. An empty Trigger means
// no advancement is warranted. Exception is filled by the reconciliation
// engine when applying the report fails.
type StatusReport struct {
	Trigger   payment.Trigger `json:"callback,omitempty"`
	Amount    *money.Amount   `json:"amount,omitempty"`
	Raw       json.RawMessage `json:"raw_response,omitempty"`
	Exception string          `json:"exception,omitempty"`
}

// CallbackResult is a parsed and verified push notification, normalized to a
// local trigger plus the HTTP response the paywall expects back.
type CallbackResult struct {
	Trigger        payment.Trigger
	Amount         *money.Amount
	ResponseStatus int
	ResponseBody   []byte
	Raw            json.RawMessage
}

// Processor is the backend-agnostic contract every paywall adapter
// implements. An instance is bound to a single payment for the duration of
// one operation.
type Processor interface {
	// Slug is the unique registry key, persisted on every payment.
	Slug() string
	// DisplayName is the human-readable backend name.
	DisplayName() string
	// AcceptedCurrencies lists the ISO codes the paywall supports.
	AcceptedCurrencies() []money.Currency
	// Method is the transport shape of Prepare.
	Method() Method

	// Prepare registers the transaction with the paywall and returns the
	// redirect/form the buyer must follow. Paywall-side failures surface
	// as lock failures.
	Prepare(ctx context.Context) (*Prepared, error)

	// Charge captures amount from a pre-authorization. amount never
	// exceeds the locked amount; the orchestrator validates it.
	Charge(ctx context.Context, amount money.Amount) (*ChargeResult, error)

	// StartRefund submits a refund and returns the amount actually
	// submitted.
	StartRefund(ctx context.Context, amount money.Amount) (money.Amount, error)

	// CancelRefund cancels a started refund if the paywall allows it.
	CancelRefund(ctx context.Context) (bool, error)

	// ReleaseLock releases a pre-authorization and returns the released
	// amount.
	ReleaseLock(ctx context.Context) (money.Amount, error)

	// FetchStatus is a pure query; it never mutates the payment.
	FetchStatus(ctx context.Context) (*StatusReport, error)

	// VerifyCallback authenticates a push notification before anything
	// else happens. The default posture is to fail closed; permissive
	// processors return nil.
	VerifyCallback(r *http.Request, body []byte) error

	// HandleCallback parses a verified push notification into a
	// CallbackResult. It must not mutate the payment.
	HandleCallback(ctx context.Context, r *http.Request, body []byte) (*CallbackResult, error)
}
