package gateway

import (
	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// InlineOrder is a self-contained payment.Order for hosts that submit the
// order inline with the payment instead of resolving it from their own
// storage.
type InlineOrder struct {
	TotalAmount money.Amount   `json:"total_amount"`
	Description string         `json:"description,omitempty"`
	Items       []payment.Item `json:"items,omitempty"`
	Buyer       payment.Buyer  `json:"buyer"`
	SuccessURL  string         `json:"success_url,omitempty"`
	FailureURL  string         `json:"failure_url,omitempty"`
}

func (o InlineOrder) GetTotalAmount() money.Amount { return o.TotalAmount }
func (o InlineOrder) GetDescription() string       { return o.Description }
func (o InlineOrder) GetItems() []payment.Item     { return o.Items }
func (o InlineOrder) GetBuyerInfo() payment.Buyer  { return o.Buyer }

// IsReadyForPayment requires a positive total; inline orders carry no
// further lifecycle.
func (o InlineOrder) IsReadyForPayment() bool { return o.TotalAmount.IsPositive() }

func (o InlineOrder) GetReturnURL(success bool) string {
	if success {
		return o.SuccessURL
	}
	return o.FailureURL
}
