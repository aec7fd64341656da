package domain

import "errors"

// Базовые виды ошибок. Конкретные ошибки оборачивают один из них,
// поэтому вызывающий код классифицирует результат через errors.Is.
var (
	// ErrValidation: некорректный ввод, запись не выполнялась.
	ErrValidation = errors.New("validation error")
	// ErrConflict: операция нарушила бы инвариант состояния.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition: переход недопустим из текущего статуса.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStorage: временный сбой хранилища, повтор с backoff допустим.
	ErrStorage = errors.New("storage error")
	// ErrNotFound: сущность не найдена.
	ErrNotFound = errors.New("not found")
)

var (
	// Ошибка отсутствующего идентификатора организации.
	ErrOrganizationRequired = wrap(ErrValidation, "organization_id is required")
	// Ошибка: номер документа передан без типа документа.
	ErrDocumentTypeRequired = wrap(ErrValidation, "document_type is required when document_number is present")
	// Ошибка: тип документа передан без номера.
	ErrDocumentNumberRequired = wrap(ErrValidation, "document_number is required when document_type is present")
	// Ошибка некорректного email.
	ErrEmailInvalid = wrap(ErrValidation, "email is invalid")
	// Ошибка отсутствующего идентификатора корзины.
	ErrCartIDRequired = wrap(ErrValidation, "cart_id is required")
	// Ошибка неположительной суммы платежа.
	ErrPaymentAmountInvalid = wrap(ErrValidation, "payment amount must be positive, below 10^16 and have at most 2 decimal places")
	// Ошибка неизвестного способа оплаты.
	ErrPaymentTypeInvalid = wrap(ErrValidation, "payment type is invalid")
	// Ошибка отсутствующего URL подтверждения оплаты.
	ErrProofURLRequired = wrap(ErrValidation, "proof_url is required")
	// Ошибка отсутствующего идентификатора транзакции.
	ErrTransactionIDRequired = wrap(ErrValidation, "transaction_id is required")
	// Ошибка некорректных последних цифр карты.
	ErrCardLastFourInvalid = wrap(ErrValidation, "card_last_four_digits must contain 4 digits")
	// Ошибка отсутствующего идентификатора платежа.
	ErrPaymentIDRequired = wrap(ErrValidation, "payment_id is required")

	// ErrCustomerNotFound возвращается, если клиент не найден в репозитории.
	ErrCustomerNotFound = wrap(ErrNotFound, "customer not found")
	// ErrPaymentNotFound возвращается, если платёж не найден в репозитории.
	ErrPaymentNotFound = wrap(ErrNotFound, "payment not found")

	// ErrCustomerAlreadyExists: нарушение уникальности (organization, document_type, document_number).
	ErrCustomerAlreadyExists = wrap(ErrConflict, "customer with this document already exists")
	// ErrActivePaymentExists: у корзины уже есть незавершённый платёж.
	ErrActivePaymentExists = wrap(ErrConflict, "cart already has an active payment")
	// ErrPaymentVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrPaymentVersionConflict = wrap(ErrConflict, "payment version conflict")
	// ErrPaymentAlreadyTerminal: платёж уже в другом терминальном статусе.
	ErrPaymentAlreadyTerminal = wrap(ErrConflict, "payment already in a different terminal state")
	// ErrTransactionMismatch: повторное подтверждение с другим transaction_id.
	ErrTransactionMismatch = wrap(ErrConflict, "payment confirmed with a different transaction")

	// ErrPaymentTransition: переход между статусами запрещён таблицей переходов.
	ErrPaymentTransition = wrap(ErrInvalidTransition, "payment status transition is not allowed")
	// ErrProofNotSupported: способ оплаты не поддерживает подтверждение документом.
	ErrProofNotSupported = wrap(ErrInvalidTransition, "payment type does not accept proof")
	// ErrRedirectNotSupported: редирект на шлюз доступен только для webpay.
	ErrRedirectNotSupported = wrap(ErrInvalidTransition, "payment type does not use gateway redirect")
	// ErrPaymentImmutable: сумма меняется только до подтверждения.
	ErrPaymentImmutable = wrap(ErrInvalidTransition, "payment amount can only change while pending")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrGatewayUnavailable: временная ошибка платёжного шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Ошибки идемпотентности.
var (
	ErrIdempotencyKeyRequired         = wrap(ErrValidation, "idempotency key is required")
	ErrIdempotencyRequestHashRequired = wrap(ErrValidation, "idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = wrap(ErrConflict, "idempotency key already exists")
	ErrIdempotencyHashMismatch        = wrap(ErrConflict, "idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = wrap(ErrNotFound, "idempotency key not found")
	ErrIdempotencyInProgress          = wrap(ErrConflict, "request with this idempotency key is still processing")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func wrap(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// StorageFailure оборачивает инфраструктурную ошибку в ErrStorage, сохраняя исходную причину.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storageError{op: op, err: err}
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() []error { return []error{ErrStorage, e.err} }

// IsValidation проверяет, что ошибка относится к некорректному вводу.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict проверяет, что ошибка: конфликт состояния.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidTransition проверяет, что ошибка: недопустимый переход.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsStorage проверяет, что ошибка: временный сбой хранилища.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsNotFound проверяет, что сущность не найдена.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrPaymentVersionConflict)
}

// IsIdempotencyConflict проверяет конфликт повторного использования idempotency-key.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// ErrorKind возвращает вид ошибки для логов, метрик и сохранённых ответов.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "validation"
	case IsInvalidTransition(err):
		return "invalid_transition"
	case IsConflict(err):
		return "conflict"
	case IsNotFound(err):
		return "not_found"
	case IsStorage(err):
		return "storage"
	default:
		return "internal"
	}
}

// KindError возвращает базовую ошибку по виду из ErrorKind; nil для "ok" и неизвестных видов.
func KindError(kind string) error {
	switch kind {
	case "validation":
		return ErrValidation
	case "invalid_transition":
		return ErrInvalidTransition
	case "conflict":
		return ErrConflict
	case "not_found":
		return ErrNotFound
	case "storage":
		return ErrStorage
	default:
		return nil
	}
}
