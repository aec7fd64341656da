package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	paymentColumns = `id, cart_id, organization_id, amount, payment_type, status,
	proof_url, external_reference, transaction_id, authorization_code, card_last_four,
	payment_date, confirmed_at, metadata, notes, status_reason, version, created_at, updated_at`

	activeCartConstraint = "payments_active_cart_uq"
)

type paymentRepository struct {
	store *Store
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
// Save пишет платёж и его события outbox в одной транзакции.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{store: store}
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := r.store.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row.Scan, "payments.get")
}

func (r *paymentRepository) FindActiveByCart(ctx context.Context, cartID string) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := r.store.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE cart_id = $1 AND status IN ('pending', 'processing')
	`, cartID)
	return scanPayment(row.Scan, "payments.find_active")
}

func (r *paymentRepository) ListByCart(ctx context.Context, cartID string) ([]domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE cart_id = $1
		ORDER BY created_at ASC, id ASC
	`, cartID)
	if err != nil {
		return nil, domain.StorageFailure("payments.list", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows.Scan, "payments.list")
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFailure("payments.list", err)
	}
	return payments, nil
}

func (r *paymentRepository) Create(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if p.Version == 0 {
		p.Version = 1
	}
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.create", err)
	}

	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		p.ID, p.CartID, p.OrganizationID, p.Amount, string(p.Type), string(p.Status),
		nullString(p.ProofURL), nullString(p.ExternalReference), nullString(p.TransactionID),
		nullString(p.AuthorizationCode), nullString(p.CardLastFourDigits),
		nullTime(p.PaymentDate), nullTime(p.ConfirmedAt), metadata,
		nullString(p.Notes), nullString(p.StatusReason), p.Version,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if uniqueConstraint(err) == activeCartConstraint {
				return domain.Payment{}, domain.ErrActivePaymentExists
			}
			return domain.Payment{}, domain.ErrPaymentVersionConflict
		}
		return domain.Payment{}, domain.StorageFailure("payments.create", err)
	}
	return p, nil
}

func (r *paymentRepository) Save(ctx context.Context, p domain.Payment, events ...domain.OutboxMessage) (domain.Payment, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.save", err)
	}

	var saved domain.Payment
	err = r.store.inTx(ctx, func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRowContext(ctx, `
			UPDATE payments
			SET amount = $1,
			    status = $2,
			    proof_url = $3,
			    external_reference = $4,
			    transaction_id = $5,
			    authorization_code = $6,
			    card_last_four = $7,
			    payment_date = $8,
			    confirmed_at = $9,
			    metadata = $10,
			    notes = $11,
			    status_reason = $12,
			    version = version + 1,
			    updated_at = $13
			WHERE id = $14 AND version = $15
			RETURNING version
		`,
			p.Amount, string(p.Status),
			nullString(p.ProofURL), nullString(p.ExternalReference), nullString(p.TransactionID),
			nullString(p.AuthorizationCode), nullString(p.CardLastFourDigits),
			nullTime(p.PaymentDate), nullTime(p.ConfirmedAt), metadata,
			nullString(p.Notes), nullString(p.StatusReason), p.UpdatedAt.UTC(),
			p.ID, p.Version,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missingOrStale(ctx, tx, p.ID)
		}
		if err != nil {
			return domain.StorageFailure("payments.save", err)
		}

		for _, event := range events {
			if _, err := insertOutbox(ctx, tx, event, p.UpdatedAt); err != nil {
				return domain.StorageFailure("payments.save.outbox", err)
			}
		}

		saved = p.Clone()
		saved.Version = version
		return nil
	})
	if err != nil {
		if domain.IsNotFound(err) || domain.IsConflict(err) || domain.IsStorage(err) {
			return domain.Payment{}, err
		}
		return domain.Payment{}, domain.StorageFailure("payments.save", err)
	}
	return saved, nil
}

func (r *paymentRepository) missingOrStale(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.StorageFailure("payments.save", err)
	}
	if !exists {
		return domain.ErrPaymentNotFound
	}
	return domain.ErrPaymentVersionConflict
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal payment metadata: %w", err)
	}
	return data, nil
}

func scanPayment(scan func(dest ...any) error, op string) (domain.Payment, error) {
	var (
		p                                           domain.Payment
		paymentType, status                         string
		proofURL, extRef, txnID, authCode, lastFour sql.NullString
		notes, reason                               sql.NullString
		paymentDate, confirmedAt                    sql.NullTime
		metadata                                    []byte
	)
	err := scan(
		&p.ID, &p.CartID, &p.OrganizationID, &p.Amount, &paymentType, &status,
		&proofURL, &extRef, &txnID, &authCode, &lastFour,
		&paymentDate, &confirmedAt, &metadata, &notes, &reason, &p.Version,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, domain.StorageFailure(op, err)
	}

	p.Type = domain.PaymentType(paymentType)
	p.Status = domain.PaymentStatus(status)
	if !p.Status.Valid() {
		return domain.Payment{}, domain.StorageFailure(op, fmt.Errorf("invalid payment status %q for %s", status, p.ID))
	}
	p.ProofURL = stringPtr(proofURL)
	p.ExternalReference = stringPtr(extRef)
	p.TransactionID = stringPtr(txnID)
	p.AuthorizationCode = stringPtr(authCode)
	p.CardLastFourDigits = stringPtr(lastFour)
	p.PaymentDate = timePtr(paymentDate)
	p.ConfirmedAt = timePtr(confirmedAt)
	p.Notes = stringPtr(notes)
	p.StatusReason = stringPtr(reason)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return domain.Payment{}, domain.StorageFailure(op, fmt.Errorf("decode payment metadata: %w", err))
		}
	}
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	return p, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
