package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cardsettle/internal/common/database"
	"cardsettle/internal/common/money"
)

// Store persists settlement records. Records are never deleted.
type Store interface {
	// Create inserts rec, or returns ErrAlreadyExists.
	Create(ctx context.Context, rec *Record) error
	// Get returns the record for reference, or ErrNotFound.
	Get(ctx context.Context, reference string) (*Record, error)
	// Update writes rec only if the stored row is still in expected state at
	// rec.Version, then bumps rec.Version. Otherwise it returns ErrConflict.
	Update(ctx context.Context, rec *Record, expected State) error
	// ListByState returns up to limit records in state last updated before
	// olderThan, oldest first.
	ListByState(ctx context.Context, state State, olderThan time.Time, limit int) ([]*Record, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	reference, state, sku, requested_amount, currency, payment_id,
	vendor_order_id, card_number, card_pin, card_validity, card_issued_at, issued_amount,
	attempts, last_attempt_at, last_error_code, last_error_message, settled_at,
	version, created_at, updated_at`

// Create inserts a new settlement record.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO settlements (
			reference, state, sku, requested_amount, currency, payment_id,
			vendor_order_id, card_number, card_pin, card_validity, card_issued_at, issued_amount,
			attempts, last_attempt_at, last_error_code, last_error_message, settled_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	_, err := s.db.Exec(ctx, query,
		rec.Reference, rec.State, rec.SKU, rec.RequestedAmount, rec.Currency, nullStr(rec.PaymentID),
		nullStr(rec.VendorOrderID), nullStr(rec.CardNumber), nullStr(rec.CardPin),
		nullStr(rec.CardValidity), nullStr(rec.CardIssuedAt), rec.IssuedAmount,
		rec.Attempts, rec.LastAttemptAt, nullStr(rec.LastErrorCode), nullStr(rec.LastErrorMessage), rec.SettledAt,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Reference)
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// Get retrieves a settlement record by reference.
func (s *PostgresStore) Get(ctx context.Context, reference string) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM settlements WHERE reference = $1`

	rec, err := scanRecord(s.db.QueryRow(ctx, query, reference))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return rec, nil
}

// Update performs the compare-and-swap write. Card columns keep their first
// non-null value.
func (s *PostgresStore) Update(ctx context.Context, rec *Record, expected State) error {
	query := `
		UPDATE settlements SET
			state = $4,
			payment_id = COALESCE(payment_id, $5),
			vendor_order_id = COALESCE(vendor_order_id, $6),
			card_number = COALESCE(card_number, $7),
			card_pin = COALESCE(card_pin, $8),
			card_validity = COALESCE(card_validity, $9),
			card_issued_at = COALESCE(card_issued_at, $10),
			issued_amount = COALESCE(issued_amount, $11),
			attempts = $12,
			last_attempt_at = $13,
			last_error_code = $14,
			last_error_message = $15,
			settled_at = $16,
			updated_at = $17,
			version = version + 1
		WHERE reference = $1 AND state = $2 AND version = $3
	`

	tag, err := s.db.Exec(ctx, query,
		rec.Reference, expected, rec.Version, rec.State,
		nullStr(rec.PaymentID), nullStr(rec.VendorOrderID), nullStr(rec.CardNumber), nullStr(rec.CardPin),
		nullStr(rec.CardValidity), nullStr(rec.CardIssuedAt), rec.IssuedAmount,
		rec.Attempts, rec.LastAttemptAt, nullStr(rec.LastErrorCode), nullStr(rec.LastErrorMessage),
		rec.SettledAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, rec.Reference); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s expected %s at version %d", ErrConflict, rec.Reference, expected, rec.Version)
	}

	rec.Version++
	return nil
}

// ListByState lists records in a state not updated since olderThan.
func (s *PostgresStore) ListByState(ctx context.Context, state State, olderThan time.Time, limit int) ([]*Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM settlements
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, state, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var currency string
	var paymentID, vendorOrderID, cardNumber, cardPin, cardValidity, cardIssuedAt *string
	var lastErrorCode, lastErrorMessage *string

	err := row.Scan(
		&rec.Reference, &rec.State, &rec.SKU, &rec.RequestedAmount, &currency, &paymentID,
		&vendorOrderID, &cardNumber, &cardPin, &cardValidity, &cardIssuedAt, &rec.IssuedAmount,
		&rec.Attempts, &rec.LastAttemptAt, &lastErrorCode, &lastErrorMessage, &rec.SettledAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	rec.Currency = money.Currency(currency)
	rec.PaymentID = derefStr(paymentID)
	rec.VendorOrderID = derefStr(vendorOrderID)
	rec.CardNumber = derefStr(cardNumber)
	rec.CardPin = derefStr(cardPin)
	rec.CardValidity = derefStr(cardValidity)
	rec.CardIssuedAt = derefStr(cardIssuedAt)
	rec.LastErrorCode = derefStr(lastErrorCode)
	rec.LastErrorMessage = derefStr(lastErrorMessage)

	return &rec, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
