package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

var mockNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewStore(db), mock
}

func customerRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "document_type", "document_number", "full_name", "email", "phone",
		"address_street", "address_number", "address_apartment", "address_city", "address_region",
		"address_postal_code", "address_country", "address_office", "created_at", "updated_at",
	}).AddRow(id, "org-1", "RUT", "12345678-9", "Ana Perez", nil, "+5690000000",
		"Main", "10", nil, "Santiago", nil, nil, "CL", nil, mockNow, mockNow)
}

func paymentRow(id string, status domain.PaymentStatus, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "cart_id", "organization_id", "amount", "payment_type", "status",
		"proof_url", "external_reference", "transaction_id", "authorization_code", "card_last_four",
		"payment_date", "confirmed_at", "metadata", "notes", "status_reason", "version", "created_at", "updated_at",
	}).AddRow(id, "cart-1", "org-1", "1500.50", "bank_transfer", string(status),
		"https://proofs/p.pdf", nil, nil, nil, nil,
		nil, nil, []byte(`{"customer_id":"cust-1"}`), nil, nil, version, mockNow, mockNow)
}

func TestCustomerRepository_GetByDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewCustomerRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND document_type = $2 AND document_number = $3")).
		WithArgs("org-1", "RUT", "12345678-9").
		WillReturnRows(customerRow("cust-1"))

	got, err := repo.GetByDocument(context.Background(), domain.DocumentKey{
		OrganizationID: "org-1", DocumentType: "RUT", DocumentNumber: "12345678-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "cust-1", got.ID)
	require.NotNil(t, got.FullName)
	assert.Equal(t, "Ana Perez", *got.FullName)
	assert.Nil(t, got.Email)
	assert.Nil(t, got.Address.Apartment)
	require.NotNil(t, got.Address.City)
	assert.Equal(t, "Santiago", *got.Address.City)
}

func TestCustomerRepository_GetNotFoundAndStorageError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewCustomerRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("FROM customers WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM customers WHERE id = $1")).
		WithArgs("boom").
		WillReturnError(errors.New("connection reset"))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	_, err = repo.Get(context.Background(), "boom")
	assert.True(t, domain.IsStorage(err))
}

func TestCustomerRepository_CreateUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewCustomerRepository(store)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO customers")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "customers_document_uq"})

	docType, docNumber := "RUT", "1-9"
	_, err := repo.Create(context.Background(), domain.Customer{
		ID: "cust-2", OrganizationID: "org-1", DocumentType: &docType, DocumentNumber: &docNumber,
		CreatedAt: mockNow, UpdatedAt: mockNow,
	})
	assert.ErrorIs(t, err, domain.ErrCustomerAlreadyExists)
}

func TestCustomerRepository_UpdateWritesOnlyProvidedFields(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewCustomerRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE customers SET full_name = $1, email = $2, address_city = $3, updated_at = $4 WHERE id = $5 RETURNING",
	)).
		WithArgs("Ana Perez", nil, "Santiago", mockNow, "cust-1").
		WillReturnRows(customerRow("cust-1"))

	got, err := repo.Update(context.Background(), "cust-1", domain.CustomerContact{
		FullName: domain.Set("Ana Perez"),
		Email:    domain.Clear[string](),
		Address:  domain.AddressPatch{City: domain.Set("Santiago")},
	}, mockNow)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", got.ID)
}

func TestCustomerRepository_UpdateMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewCustomerRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE customers SET updated_at = $1 WHERE id = $2")).
		WithArgs(mockNow, "gone").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Update(context.Background(), "gone", domain.CustomerContact{}, mockNow)
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestPaymentRepository_GetDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE id = $1")).
		WithArgs("pay-1").
		WillReturnRows(paymentRow("pay-1", domain.PaymentStatusProcessing, 3))

	got, err := repo.Get(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1500.50").Equal(got.Amount))
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "cust-1", got.Metadata["customer_id"])
	require.NotNil(t, got.ProofURL)
	assert.Nil(t, got.TransactionID)
}

func TestPaymentRepository_CreateMapsUniqueViolations(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: activeCartConstraint})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "payments_pkey"})

	p := domain.Payment{
		ID: "pay-2", CartID: "cart-1", OrganizationID: "org-1",
		Amount: decimal.NewFromInt(10), Type: domain.PaymentTypeWebpay, Status: domain.PaymentStatusPending,
		CreatedAt: mockNow, UpdatedAt: mockNow,
	}

	_, err := repo.Create(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrActivePaymentExists)

	_, err = repo.Create(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrPaymentVersionConflict)
}

func TestPaymentRepository_SaveWritesPaymentAndEventsInOneTx(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	txn := "txn-1"
	p := domain.Payment{
		ID: "pay-3", CartID: "cart-1", OrganizationID: "org-1",
		Amount: decimal.NewFromInt(100), Type: domain.PaymentTypeWebpay, Status: domain.PaymentStatusCompleted,
		TransactionID: &txn, ConfirmedAt: &mockNow, PaymentDate: &mockNow,
		Version: 2, CreatedAt: mockNow, UpdatedAt: mockNow,
	}
	event, ok, err := domain.NewPaymentEvent(p)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE payments")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WithArgs(sqlmock.AnyArg(), domain.AggregatePayment, "pay-3", domain.EventPaymentCompleted, event.Payload, mockNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := repo.Save(context.Background(), p, event)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.Version)
}

func TestPaymentRepository_SaveStaleVersion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE payments")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("pay-4").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.Save(context.Background(), domain.Payment{ID: "pay-4", Version: 1, UpdatedAt: mockNow})
	assert.True(t, domain.IsVersionConflict(err))
}

func TestPaymentRepository_SaveRollsBackWhenOutboxFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewPaymentRepository(store)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE payments")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.Save(context.Background(),
		domain.Payment{ID: "pay-5", Status: domain.PaymentStatusCancelled, Version: 1, UpdatedAt: mockNow},
		domain.OutboxMessage{AggregateType: domain.AggregatePayment, AggregateID: "pay-5", EventType: domain.EventPaymentCancelled, Payload: []byte(`{}`)},
	)
	assert.True(t, domain.IsStorage(err))
}

func TestIdempotencyRepository_CreateProcessingExistingKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewIdempotencyRepository(store).(*idempotencyRepository)
	repo.now = func() time.Time { return mockNow }

	ttl := mockNow.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (key) DO UPDATE")).
		WithArgs("key-1", "hash-b", "processing", ttl, mockNow).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys")).
		WithArgs("key-1", mockNow).
		WillReturnRows(sqlmock.NewRows([]string{"key", "request_hash", "status", "response_body", "ttl_at", "created_at", "updated_at"}).
			AddRow("key-1", "hash-a", "done", []byte(`{}`), ttl, mockNow, mockNow))

	existing, err := repo.CreateProcessing("key-1", "hash-b", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, domain.IdempotencyStatusDone, existing.Status)
}

func TestIdempotencyRepository_CreateProcessingReserves(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewIdempotencyRepository(store).(*idempotencyRepository)
	repo.now = func() time.Time { return mockNow }

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("key-2", "hash", "processing", mockNow.Add(defaultIdempotencyTTL), mockNow).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("key-2"))

	record, err := repo.CreateProcessing(" key-2 ", "hash", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
	assert.Equal(t, mockNow.Add(defaultIdempotencyTTL), record.TTLAt)
}

func TestIdempotencyRepository_DeleteExpiredInBatches(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewIdempotencyRepository(store)

	mock.ExpectExec(regexp.QuoteMeta("LIMIT $2")).
		WithArgs(mockNow, 50).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteExpired(mockNow, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestIdempotencyRepository_MarkMissingKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewIdempotencyRepository(store)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.MarkDone("nope", []byte(`{}`)), domain.ErrIdempotencyKeyNotFound)
	assert.ErrorIs(t, repo.MarkFailed("  ", nil), domain.ErrIdempotencyKeyRequired)
}

func TestOutboxRepository_PullPendingOrdersBySeq(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewOutboxRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq")).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_type", "payload"}).
			AddRow("e1", "payment", "pay-1", domain.EventPaymentCompleted, []byte(`{}`)).
			AddRow("e2", "payment", "pay-2", domain.EventPaymentFailed, []byte(`{}`)))

	msgs, err := repo.PullPending(0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e1", msgs[0].ID)
	assert.Equal(t, "pay-2", msgs[1].AggregateID)
}

func TestTimelineRepository_ListMapsStatuses(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	repo := NewTimelineRepository(store)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_timeline")).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"payment_id", "type", "from_status", "to_status", "reason", "occurred"}).
			AddRow("pay-1", "PaymentCompleted", "processing", "completed", "", mockNow))

	events, err := repo.List("pay-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.PaymentStatusProcessing, events[0].FromStatus)
	assert.Equal(t, domain.PaymentStatusCompleted, events[0].ToStatus)
}
