package gateway

import (
	"context"
	"fmt"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/payment"
)

// Store persists payments. All methods take an explicit Querier so callers
// decide whether they run inside a transaction.
type Store interface {
	Create(ctx context.Context, q database.Querier, p *payment.Payment) error
	Get(ctx context.Context, q database.Querier, id string) (*payment.Payment, error)
	// GetForUpdate locks the payment row for the duration of the
	// surrounding transaction, serializing concurrent orchestrations on
	// the same payment.
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*payment.Payment, error)
	GetByExternalID(ctx context.Context, q database.Querier, backend, externalID string) (*payment.Payment, error)
	Update(ctx context.Context, q database.Querier, p *payment.Payment) error
}

const paymentColumns = `
	id, order_id, amount_required, currency, backend,
	status, fraud_status, fraud_message,
	amount_locked, amount_paid, amount_refunded,
	external_id, refund_external_id, description,
	created_on, last_payment_on, refunded_on, updated_on`

// PostgresStore implements Store on top of pgx.
type PostgresStore struct{}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

// Create inserts a new payment row.
func (s *PostgresStore) Create(ctx context.Context, q database.Querier, p *payment.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := q.Exec(ctx, query,
		p.ID, p.OrderID, p.AmountRequired, p.Currency, p.Backend,
		p.Status, p.FraudStatus, p.FraudMessage,
		p.AmountLocked, p.AmountPaid, p.AmountRefunded,
		p.ExternalID, p.RefundExternalID, p.Description,
		p.CreatedOn, p.LastPaymentOn, p.RefundedOn, p.UpdatedOn,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// Get retrieves a payment by ID.
func (s *PostgresStore) Get(ctx context.Context, q database.Querier, id string) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(q.QueryRow(ctx, query, id))
}

// GetForUpdate retrieves a payment by ID with a row lock.
func (s *PostgresStore) GetForUpdate(ctx context.Context, q database.Querier, id string) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(q.QueryRow(ctx, query, id))
}

// GetByExternalID retrieves a payment by its paywall-side identifier.
func (s *PostgresStore) GetByExternalID(ctx context.Context, q database.Querier, backend, externalID string) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE backend = $1 AND external_id = $2`
	return scanPayment(q.QueryRow(ctx, query, backend, externalID))
}

// Update writes every mutable column of the payment. Rows are never
// deleted.
func (s *PostgresStore) Update(ctx context.Context, q database.Querier, p *payment.Payment) error {
	p.UpdatedOn = time.Now().UTC()
	query := `
		UPDATE payments SET
			status = $2, fraud_status = $3, fraud_message = $4,
			amount_locked = $5, amount_paid = $6, amount_refunded = $7,
			external_id = $8, refund_external_id = $9,
			last_payment_on = $10, refunded_on = $11, updated_on = $12
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query,
		p.ID, p.Status, p.FraudStatus, p.FraudMessage,
		p.AmountLocked, p.AmountPaid, p.AmountRefunded,
		p.ExternalID, p.RefundExternalID,
		p.LastPaymentOn, p.RefundedOn, p.UpdatedOn,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var (
		p      payment.Payment
		status string
		fraud  string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.AmountRequired, &p.Currency, &p.Backend,
		&status, &fraud, &p.FraudMessage,
		&p.AmountLocked, &p.AmountPaid, &p.AmountRefunded,
		&p.ExternalID, &p.RefundExternalID, &p.Description,
		&p.CreatedOn, &p.LastPaymentOn, &p.RefundedOn, &p.UpdatedOn,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.Status, err = payment.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.FraudStatus, err = payment.ParseFraudStatus(fraud)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ErrNotFound is re-exported for callers that do not import database.
var ErrNotFound = database.ErrNotFound
