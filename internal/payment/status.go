// Package payment contains the payment entity, its status state machine and
// the domain error taxonomy.
package payment

import "fmt"

// Status represents the payment lifecycle status.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusPrepared      Status = "PREPARED"
	StatusPreAuth       Status = "PRE_AUTH"
	StatusInCharge      Status = "IN_CHARGE"
	StatusPartial       Status = "PARTIAL"
	StatusPaid          Status = "PAID"
	StatusFailed        Status = "FAILED"
	StatusRefundStarted Status = "REFUND_STARTED"
	StatusRefunded      Status = "REFUNDED"
)

// Statuses lists all payment statuses in declaration order.
func Statuses() []Status {
	return []Status{
		StatusNew, StatusPrepared, StatusPreAuth, StatusInCharge,
		StatusPartial, StatusPaid, StatusFailed, StatusRefundStarted,
		StatusRefunded,
	}
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown payment status: %q", s)
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// Terminal reports whether the status closes the payment for normal
// processing. PAID is re-openable only via start_refund.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRefunded || s == StatusPaid
}

// FraudStatus represents the fraud review status, tracked independently of
// the payment status.
type FraudStatus string

const (
	FraudUnknown  FraudStatus = "UNKNOWN"
	FraudAccepted FraudStatus = "ACCEPTED"
	FraudRejected FraudStatus = "REJECTED"
	FraudCheck    FraudStatus = "CHECK"
)

// FraudStatuses lists all fraud statuses.
func FraudStatuses() []FraudStatus {
	return []FraudStatus{FraudUnknown, FraudAccepted, FraudRejected, FraudCheck}
}

// ParseFraudStatus converts a wire string into a FraudStatus.
func ParseFraudStatus(s string) (FraudStatus, error) {
	for _, fs := range FraudStatuses() {
		if string(fs) == s {
			return fs, nil
		}
	}
	return "", fmt.Errorf("unknown fraud status: %q", s)
}

// String implements fmt.Stringer.
func (s FraudStatus) String() string { return string(s) }
