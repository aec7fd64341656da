package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType: способ оплаты корзины.
type PaymentType string

const (
	// PaymentTypeWebpay: оплата картой через редирект на шлюз.
	PaymentTypeWebpay PaymentType = "webpay"
	// PaymentTypeBankTransfer: банковский перевод с загрузкой подтверждения.
	PaymentTypeBankTransfer PaymentType = "bank_transfer"
	// PaymentTypePurchaseOrder: оплата по заказу на закупку.
	PaymentTypePurchaseOrder PaymentType = "purchase_order"
	// PaymentTypeCheck: оплата чеком с загрузкой подтверждения.
	PaymentTypeCheck PaymentType = "check"
)

// Valid проверяет, что способ оплаты поддерживается.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeWebpay, PaymentTypeBankTransfer, PaymentTypePurchaseOrder, PaymentTypeCheck:
		return true
	default:
		return false
	}
}

// RequiresProof: ручные способы, подтверждаемые документом.
func (t PaymentType) RequiresProof() bool {
	return t == PaymentTypeBankTransfer || t == PaymentTypeCheck
}

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending: платёж создан и ждёт действий клиента или шлюза.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing: подтверждение загружено или начат редирект на шлюз.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusCompleted: оплата подтверждена.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed: шлюз отклонил платёж или подтверждение признано недействительным.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCancelled: платёж отменён (таймаут, отказ клиента).
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal: из статуса нет переходов.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// CanTransitionTo сверяется с таблицей переходов.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActivePaymentStatuses: незавершённые статусы; у корзины не больше одного такого платежа.
func ActivePaymentStatuses() []PaymentStatus {
	return []PaymentStatus{PaymentStatusPending, PaymentStatusProcessing}
}

// Payment описывает платёж, связанный с корзиной.
type Payment struct {
	ID                 string
	CartID             string
	OrganizationID     string
	Amount             decimal.Decimal
	Type               PaymentType
	Status             PaymentStatus
	ProofURL           *string
	ExternalReference  *string
	TransactionID      *string
	AuthorizationCode  *string
	CardLastFourDigits *string
	PaymentDate        *time.Time
	ConfirmedAt        *time.Time
	Metadata           map[string]string
	Notes              *string
	StatusReason       *string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProofSubmission: данные загруженного подтверждения оплаты.
type ProofSubmission struct {
	ProofURL          string
	ExternalReference Field[string]
	Notes             Field[string]
}

// Confirmation: подтверждение от шлюза.
type Confirmation struct {
	TransactionID      string
	AuthorizationCode  Field[string]
	CardLastFourDigits Field[string]
}

// Границы суммы совпадают с колонкой amount NUMERIC(18, 2).
const amountScale = 2

var maxPaymentAmount = decimal.New(1, 18-amountScale)

// validAmount: сумма положительна, меньше 10^16 и не точнее копейки.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() &&
		amount.LessThan(maxPaymentAmount) &&
		amount.Equal(amount.Truncate(amountScale))
}

// Validate проверяет поля нового платежа.
func (p *Payment) Validate() []error {
	var errs []error

	if p.CartID == "" {
		errs = append(errs, ErrCartIDRequired)
	}
	if p.OrganizationID == "" {
		errs = append(errs, ErrOrganizationRequired)
	}
	if !p.Type.Valid() {
		errs = append(errs, ErrPaymentTypeInvalid)
	}
	if !validAmount(p.Amount) {
		errs = append(errs, ErrPaymentAmountInvalid)
	}

	return errs
}

// ValidateInvariants проверяет инварианты состояния и возвращает список замечаний.
func (p *Payment) ValidateInvariants() []error {
	errs := p.Validate()

	completed := p.Status == PaymentStatusCompleted
	if completed != (p.ConfirmedAt != nil) || completed != (p.PaymentDate != nil) {
		errs = append(errs, ErrPaymentTransition)
	}
	if p.Status == PaymentStatusProcessing && p.Type.RequiresProof() && p.ProofURL == nil {
		errs = append(errs, ErrProofURLRequired)
	}
	if completed && p.Type == PaymentTypeWebpay && p.TransactionID == nil {
		errs = append(errs, ErrTransactionIDRequired)
	}

	return errs
}

// Clone возвращает копию без общих указателей и map.
func (p Payment) Clone() Payment {
	cp := p
	cp.ProofURL = clonePtr(p.ProofURL)
	cp.ExternalReference = clonePtr(p.ExternalReference)
	cp.TransactionID = clonePtr(p.TransactionID)
	cp.AuthorizationCode = clonePtr(p.AuthorizationCode)
	cp.CardLastFourDigits = clonePtr(p.CardLastFourDigits)
	cp.PaymentDate = clonePtr(p.PaymentDate)
	cp.ConfirmedAt = clonePtr(p.ConfirmedAt)
	cp.Notes = clonePtr(p.Notes)
	cp.StatusReason = clonePtr(p.StatusReason)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// SubmitProof переводит ручной платёж в processing после загрузки подтверждения.
func (p *Payment) SubmitProof(s ProofSubmission, now time.Time) error {
	if !p.Type.RequiresProof() {
		return ErrProofNotSupported
	}
	if s.ProofURL == "" {
		return ErrProofURLRequired
	}
	if p.Status != PaymentStatusPending {
		return ErrPaymentTransition
	}
	url := s.ProofURL
	p.ProofURL = &url
	p.ExternalReference = s.ExternalReference.Patch(p.ExternalReference)
	p.Notes = s.Notes.Patch(p.Notes)
	p.moveTo(PaymentStatusProcessing, now)
	return nil
}

// StartRedirect фиксирует сессию шлюза для webpay и переводит платёж в processing.
func (p *Payment) StartRedirect(token string, now time.Time) error {
	if p.Type != PaymentTypeWebpay {
		return ErrRedirectNotSupported
	}
	if p.Status != PaymentStatusPending {
		return ErrPaymentTransition
	}
	if token != "" {
		p.ExternalReference = &token
	}
	p.moveTo(PaymentStatusProcessing, now)
	return nil
}

// Confirm завершает платёж. changed=false: повторная доставка того же подтверждения.
func (p *Payment) Confirm(c Confirmation, now time.Time) (bool, error) {
	if c.TransactionID == "" {
		return false, ErrTransactionIDRequired
	}
	if digits, ok := c.CardLastFourDigits.Value(); ok && !isLastFour(digits) {
		return false, ErrCardLastFourInvalid
	}

	switch p.Status {
	case PaymentStatusCompleted:
		if p.TransactionID != nil && *p.TransactionID == c.TransactionID {
			return false, nil
		}
		return false, ErrTransactionMismatch
	case PaymentStatusFailed, PaymentStatusCancelled:
		return false, ErrPaymentAlreadyTerminal
	}
	if !p.Status.CanTransitionTo(PaymentStatusCompleted) {
		return false, ErrPaymentTransition
	}

	txn := c.TransactionID
	p.TransactionID = &txn
	p.AuthorizationCode = c.AuthorizationCode.Patch(p.AuthorizationCode)
	p.CardLastFourDigits = c.CardLastFourDigits.Patch(p.CardLastFourDigits)
	p.complete(now)
	return true, nil
}

// ValidateProof фиксирует решение сотрудника по загруженному подтверждению.
func (p *Payment) ValidateProof(isValid bool, notes Field[string], now time.Time) error {
	if !p.Type.RequiresProof() {
		return ErrProofNotSupported
	}
	if p.Status != PaymentStatusProcessing {
		return ErrPaymentTransition
	}
	p.Notes = notes.Patch(p.Notes)
	if isValid {
		p.complete(now)
		return nil
	}
	reason := "proof rejected"
	if n, ok := notes.Value(); ok && n != "" {
		reason = n
	}
	p.StatusReason = &reason
	p.moveTo(PaymentStatusFailed, now)
	return nil
}

// Fail переводит платёж в failed. changed=false: платёж уже в failed.
func (p *Payment) Fail(reason string, now time.Time) (bool, error) {
	return p.terminate(PaymentStatusFailed, reason, now)
}

// Cancel переводит платёж в cancelled. changed=false: платёж уже отменён.
func (p *Payment) Cancel(reason string, now time.Time) (bool, error) {
	return p.terminate(PaymentStatusCancelled, reason, now)
}

func (p *Payment) terminate(target PaymentStatus, reason string, now time.Time) (bool, error) {
	if p.Status == target {
		return false, nil
	}
	if p.Status.IsTerminal() {
		return false, ErrPaymentAlreadyTerminal
	}
	if !p.Status.CanTransitionTo(target) {
		return false, ErrPaymentTransition
	}
	if reason != "" {
		p.StatusReason = &reason
	}
	p.moveTo(target, now)
	return true, nil
}

// SetAmount меняет сумму до подтверждения платежа.
func (p *Payment) SetAmount(amount decimal.Decimal, now time.Time) (bool, error) {
	if !validAmount(amount) {
		return false, ErrPaymentAmountInvalid
	}
	if p.Status != PaymentStatusPending {
		return false, ErrPaymentImmutable
	}
	if p.Amount.Equal(amount) {
		return false, nil
	}
	p.Amount = amount
	p.UpdatedAt = now
	return true, nil
}

// Annotate меняет заметки и метаданные; допустимо в любом статусе.
func (p *Payment) Annotate(notes Field[string], metadata map[string]string, now time.Time) bool {
	changed := false
	if notes.IsSet() {
		next := notes.Patch(p.Notes)
		if !equalPtr(next, p.Notes) {
			p.Notes = next
			changed = true
		}
	}
	for k, v := range metadata {
		if cur, ok := p.Metadata[k]; ok && cur == v {
			continue
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(metadata))
		}
		p.Metadata[k] = v
		changed = true
	}
	if changed {
		p.UpdatedAt = now
	}
	return changed
}

func (p *Payment) complete(now time.Time) {
	at := now
	date := now
	p.ConfirmedAt = &at
	p.PaymentDate = &date
	p.moveTo(PaymentStatusCompleted, now)
}

func (p *Payment) moveTo(next PaymentStatus, now time.Time) {
	p.Status = next
	p.UpdatedAt = now
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isLastFour(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
