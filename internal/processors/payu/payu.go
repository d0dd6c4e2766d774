// Package payu implements the PayU paywall adapter: REST order creation
// with buyer redirect, push notifications signed with the POS second key,
// pre-authorization capture and refunds.
package payu

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Slug is the registry key of this backend.
const Slug = "payu"

// Backend-specific option names, read from the backend's settings block.
const (
	OptPosID        = "pos_id"
	OptSecondKey    = "second_key"
	OptClientID     = "oauth_client_id"
	OptClientSecret = "oauth_client_secret"
	OptTimeout      = "timeout"
	// OptAPIBase overrides the API base URL, mainly for tests.
	OptAPIBase = "api_base"
)

var acceptedCurrencies = []money.Currency{
	money.PLN, money.EUR, money.USD, money.GBP,
}

// Processor is the PayU adapter bound to a single payment.
type Processor struct {
	p        *payment.Payment
	settings processor.Settings
	client   *client

	posID     string
	secondKey string
}

// New creates a PayU processor for one payment.
func New(p *payment.Payment, settings processor.Settings) *Processor {
	base := productionBase
	if settings.Bool(processor.OptUseSandbox, false) {
		base = sandboxBase
	}
	if override := settings.String(OptAPIBase, ""); override != "" {
		base = override
	}
	return &Processor{
		p:        p,
		settings: settings,
		client: newClient(base,
			settings.String(OptClientID, ""),
			settings.String(OptClientSecret, ""),
			settings.Duration(OptTimeout, 30*time.Second),
		),
		posID:     settings.String(OptPosID, ""),
		secondKey: settings.String(OptSecondKey, ""),
	}
}

// Entry returns the registry entry for this backend.
func Entry() processor.Entry {
	return processor.Entry{
		Slug:         Slug,
		DisplayName:  "PayU",
		Currencies:   acceptedCurrencies,
		Confirmation: processor.ConfirmPush,
		Factory: func(p *payment.Payment, settings processor.Settings) processor.Processor {
			return New(p, settings)
		},
	}
}

func (pr *Processor) Slug() string        { return Slug }
func (pr *Processor) DisplayName() string { return "PayU" }
func (pr *Processor) AcceptedCurrencies() []money.Currency {
	return acceptedCurrencies
}
func (pr *Processor) Method() processor.Method { return processor.MethodRest }

type orderProduct struct {
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Quantity  string `json:"quantity"`
}

type orderBuyer struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Language  string `json:"language,omitempty"`
}

type createOrderRequest struct {
	CustomerIP    string         `json:"customerIp"`
	MerchantPosID string         `json:"merchantPosId"`
	Description   string         `json:"description"`
	CurrencyCode  string         `json:"currencyCode"`
	TotalAmount   string         `json:"totalAmount"`
	ExtOrderID    string         `json:"extOrderId"`
	ContinueURL   string         `json:"continueUrl,omitempty"`
	NotifyURL     string         `json:"notifyUrl,omitempty"`
	Buyer         *orderBuyer    `json:"buyer,omitempty"`
	Products      []orderProduct `json:"products"`
}

type payuStatus struct {
	StatusCode string `json:"statusCode"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

type createOrderResponse struct {
	Status      payuStatus `json:"status"`
	RedirectURI string     `json:"redirectUri"`
	OrderID     string     `json:"orderId"`
}

// Prepare registers the order with PayU and returns the redirect the buyer
// must follow. The PayU-side orderId becomes the payment's external ID.
func (pr *Processor) Prepare(ctx context.Context) (*processor.Prepared, error) {
	req := createOrderRequest{
		CustomerIP:    "127.0.0.1",
		MerchantPosID: pr.posID,
		Description:   pr.p.Description,
		CurrencyCode:  string(pr.p.Currency),
		TotalAmount:   strconv.FormatInt(pr.p.AmountRequired.Minor(), 10),
		ExtOrderID:    pr.p.ID,
		ContinueURL:   pr.settings.String(processor.OptContinueURL, ""),
		NotifyURL:     pr.settings.String(processor.OptNotifyURL, ""),
		Products:      pr.products(),
	}
	if order := pr.p.Order(); order != nil {
		buyer := order.GetBuyerInfo()
		if buyer.Email != "" {
			req.Buyer = &orderBuyer{
				Email:     buyer.Email,
				FirstName: buyer.FirstName,
				LastName:  buyer.LastName,
				Phone:     buyer.Phone,
				Language:  buyer.Language,
			}
		}
	}

	var resp createOrderResponse
	status, err := pr.client.do(ctx, http.MethodPost, ordersPath, req, &resp)
	if err != nil {
		return nil, payment.NewLockFailure("creating PayU order", err).
			WithContext("payment_id", pr.p.ID)
	}
	if !isSuccess(status, resp.Status.StatusCode) {
		return nil, payment.NewLockFailure(
			fmt.Sprintf("PayU rejected order: %s", resp.Status.StatusCode), nil).
			WithContext("payment_id", pr.p.ID).
			WithContext("status_desc", resp.Status.StatusDesc)
	}

	return &processor.Prepared{
		Method:     processor.MethodGet,
		URL:        resp.RedirectURI,
		ExternalID: resp.OrderID,
	}, nil
}

func (pr *Processor) products() []orderProduct {
	order := pr.p.Order()
	if order == nil || len(order.GetItems()) == 0 {
		return []orderProduct{{
			Name:      pr.p.Description,
			UnitPrice: strconv.FormatInt(pr.p.AmountRequired.Minor(), 10),
			Quantity:  "1",
		}}
	}
	items := order.GetItems()
	products := make([]orderProduct, 0, len(items))
	for _, item := range items {
		products = append(products, orderProduct{
			Name:      item.Name,
			UnitPrice: strconv.FormatInt(item.UnitPrice.Minor(), 10),
			Quantity:  strconv.Itoa(item.Quantity),
		})
	}
	return products
}

type captureRequest struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// Charge captures a pre-authorized amount by completing the PayU order.
// PayU confirms captures asynchronously through a notification unless the
// response already carries a final SUCCESS.
func (pr *Processor) Charge(ctx context.Context, amount money.Amount) (*processor.ChargeResult, error) {
	path := fmt.Sprintf("%s/%s/status", ordersPath, pr.p.ExternalID)
	req := captureRequest{OrderID: pr.p.ExternalID, OrderStatus: "COMPLETED"}

	var resp struct {
		Status payuStatus `json:"status"`
	}
	status, err := pr.client.do(ctx, http.MethodPut, path, req, &resp)
	if err != nil {
		return nil, payment.NewChargeFailure("capturing PayU order", err).
			WithContext("payment_id", pr.p.ID)
	}

	switch {
	case isSuccess(status, resp.Status.StatusCode):
		charged := amount
		return &processor.ChargeResult{
			AmountCharged: &charged,
			Success:       true,
			StatusDesc:    resp.Status.StatusDesc,
		}, nil
	case resp.Status.StatusCode == "WARNING_CONTINUE" || status == http.StatusAccepted:
		return &processor.ChargeResult{Async: true, StatusDesc: resp.Status.StatusDesc}, nil
	default:
		return &processor.ChargeResult{
			Success:    false,
			StatusDesc: resp.Status.StatusDesc,
		}, nil
	}
}

type refundRequest struct {
	Refund struct {
		Description string `json:"description"`
		Amount      int64  `json:"amount,omitempty"`
	} `json:"refund"`
}

type refundResponse struct {
	Status payuStatus `json:"status"`
	Refund struct {
		RefundID string `json:"refundId"`
		Amount   string `json:"amount"`
		Status   string `json:"status"`
	} `json:"refund"`
}

// StartRefund submits a refund for the given amount and returns the amount
// PayU accepted.
func (pr *Processor) StartRefund(ctx context.Context, amount money.Amount) (money.Amount, error) {
	path := fmt.Sprintf("%s/%s/refunds", ordersPath, pr.p.ExternalID)
	var req refundRequest
	req.Refund.Description = "Refund of " + pr.p.ID
	req.Refund.Amount = amount.Minor()

	var resp refundResponse
	status, err := pr.client.do(ctx, http.MethodPost, path, req, &resp)
	if err != nil {
		return money.Zero(), payment.NewRefundFailure("submitting PayU refund", err).
			WithContext("payment_id", pr.p.ID)
	}
	if !isSuccess(status, resp.Status.StatusCode) {
		return money.Zero(), payment.NewRefundFailure(
			fmt.Sprintf("PayU rejected refund: %s", resp.Status.StatusCode), nil).
			WithContext("payment_id", pr.p.ID).
			WithContext("status_desc", resp.Status.StatusDesc)
	}

	pr.p.RefundExternalID = resp.Refund.RefundID

	accepted := amount
	if minor, err := strconv.ParseInt(resp.Refund.Amount, 10, 64); err == nil && minor > 0 {
		accepted = money.FromMinor(minor)
	}
	return accepted, nil
}

// CancelRefund is not supported by PayU; a submitted refund always runs to
// completion.
func (pr *Processor) CancelRefund(ctx context.Context) (bool, error) {
	return false, nil
}

// ReleaseLock cancels the PayU order, voiding the pre-authorization.
func (pr *Processor) ReleaseLock(ctx context.Context) (money.Amount, error) {
	path := fmt.Sprintf("%s/%s", ordersPath, pr.p.ExternalID)

	var resp struct {
		Status payuStatus `json:"status"`
	}
	status, err := pr.client.do(ctx, http.MethodDelete, path, nil, &resp)
	if err != nil {
		return money.Zero(), payment.NewLockFailure("canceling PayU order", err).
			WithContext("payment_id", pr.p.ID)
	}
	if !isSuccess(status, resp.Status.StatusCode) {
		return money.Zero(), payment.NewLockFailure(
			fmt.Sprintf("PayU refused to cancel order: %s", resp.Status.StatusCode), nil).
			WithContext("payment_id", pr.p.ID)
	}
	return pr.p.AmountLocked, nil
}

type orderDetails struct {
	Status      string `json:"status"`
	TotalAmount string `json:"totalAmount"`
}

type retrieveOrderResponse struct {
	Orders []orderDetails `json:"orders"`
	Status payuStatus     `json:"status"`
}

// FetchStatus polls the PayU order and maps its remote status to a local
// trigger. Unknown remote statuses yield an empty report.
func (pr *Processor) FetchStatus(ctx context.Context) (*processor.StatusReport, error) {
	path := fmt.Sprintf("%s/%s", ordersPath, pr.p.ExternalID)

	var resp retrieveOrderResponse
	status, err := pr.client.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || len(resp.Orders) == 0 {
		return nil, payment.NewCommunicationError(
			fmt.Sprintf("PayU order lookup returned %d", status), nil).
			WithContext("payment_id", pr.p.ID)
	}

	order := resp.Orders[0]
	report := &processor.StatusReport{}
	switch order.Status {
	case "NEW", "PENDING":
		report.Trigger = payment.TriggerConfirmPrepared
	case "WAITING_FOR_CONFIRMATION":
		report.Trigger = payment.TriggerConfirmLock
	case "COMPLETED":
		report.Trigger = payment.TriggerConfirmPayment
		if minor, err := strconv.ParseInt(order.TotalAmount, 10, 64); err == nil {
			amt := money.FromMinor(minor)
			report.Amount = &amt
		}
	case "CANCELED":
		report.Trigger = payment.TriggerFail
	}
	if raw, err := json.Marshal(resp); err == nil {
		report.Raw = raw
	}
	return report, nil
}

// VerifyCallback authenticates a PayU notification against the POS second
// key. The signature header carries semicolon-separated properties.
func (pr *Processor) VerifyCallback(r *http.Request, body []byte) error {
	header := r.Header.Get("OpenPayu-Signature")
	if header == "" {
		header = r.Header.Get("X-OpenPayU-Signature")
	}
	if header == "" {
		return payment.NewInvalidCallbackError("missing OpenPayu-Signature header", nil)
	}

	props := parseSignatureHeader(header)
	signature := props["signature"]
	algorithm := props["algorithm"]
	if signature == "" {
		return payment.NewInvalidCallbackError("signature property missing", nil)
	}

	payload := make([]byte, 0, len(body)+len(pr.secondKey))
	payload = append(payload, body...)
	payload = append(payload, pr.secondKey...)

	var expected string
	switch strings.ToUpper(algorithm) {
	case "", "MD5":
		sum := md5.Sum(payload)
		expected = hex.EncodeToString(sum[:])
	case "SHA-256", "SHA256":
		sum := sha256.Sum256(payload)
		expected = hex.EncodeToString(sum[:])
	default:
		return payment.NewInvalidCallbackError(
			fmt.Sprintf("unsupported signature algorithm %q", algorithm), nil)
	}

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return payment.NewInvalidCallbackError("signature mismatch", nil)
	}
	return nil
}

func parseSignatureHeader(header string) map[string]string {
	props := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		if k, v, ok := strings.Cut(strings.TrimSpace(part), "="); ok {
			props[strings.ToLower(k)] = v
		}
	}
	return props
}

type notification struct {
	Order  *orderDetails `json:"order"`
	Refund *struct {
		Status string `json:"status"`
		Amount string `json:"amount"`
	} `json:"refund"`
}

// HandleCallback parses a verified PayU notification into a local trigger.
// PayU retries until it sees a 200, so the response is always OK.
func (pr *Processor) HandleCallback(ctx context.Context, r *http.Request, body []byte) (*processor.CallbackResult, error) {
	var note notification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, payment.NewInvalidCallbackError("parsing PayU notification", err)
	}

	result := &processor.CallbackResult{
		ResponseStatus: http.StatusOK,
		Raw:            json.RawMessage(body),
	}

	switch {
	case note.Refund != nil:
		if note.Refund.Status == "FINALIZED" {
			result.Trigger = payment.TriggerConfirmRefund
			if minor, err := strconv.ParseInt(note.Refund.Amount, 10, 64); err == nil {
				amt := money.FromMinor(minor)
				result.Amount = &amt
			}
		}
	case note.Order != nil:
		switch note.Order.Status {
		case "NEW", "PENDING":
			result.Trigger = payment.TriggerConfirmPrepared
		case "WAITING_FOR_CONFIRMATION":
			result.Trigger = payment.TriggerConfirmLock
		case "COMPLETED":
			result.Trigger = payment.TriggerConfirmPayment
			if minor, err := strconv.ParseInt(note.Order.TotalAmount, 10, 64); err == nil {
				amt := money.FromMinor(minor)
				result.Amount = &amt
			}
		case "CANCELED":
			result.Trigger = payment.TriggerFail
		}
	default:
		return nil, payment.NewInvalidCallbackError("notification carries no order or refund", nil)
	}

	return result, nil
}

func isSuccess(httpStatus int, statusCode string) bool {
	if statusCode != "" {
		return statusCode == "SUCCESS"
	}
	return httpStatus >= 200 && httpStatus < 300
}
