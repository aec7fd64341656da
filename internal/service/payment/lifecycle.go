// Package payment управляет жизненным циклом платежа корзины.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// Операции для логов и метрик.
const (
	OpInitiate      = "initiate"
	OpSubmitProof   = "submit_proof"
	OpBeginRedirect = "begin_redirect"
	OpConfirm       = "confirm"
	OpValidateProof = "validate_proof"
	OpMarkFailed    = "mark_failed"
	OpCancel        = "cancel"
	OpUpdateAmount  = "update_amount"
	OpAnnotate      = "annotate"
)

// Записи timeline для нетерминальных статусов.
const (
	TimelinePaymentInitiated  = "PaymentInitiated"
	TimelinePaymentProcessing = "PaymentProcessing"
)

// InitiateRequest: параметры создания платежа.
type InitiateRequest struct {
	CartID         string
	OrganizationID string
	Type           domain.PaymentType
	Amount         decimal.Decimal
	Metadata       map[string]string
	Notes          domain.Field[string]
}

// Lifecycle: машина состояний платежа поверх PaymentRepository.
// Сервис не хранит состояния: корректность при нескольких экземплярах обеспечивает
// условная запись по версии.
type Lifecycle struct {
	payments domain.PaymentRepository
	timeline domain.TimelineRepository
	gateway  domain.PaymentGateway
	logger   *log.Entry
	metrics  *metrics.CheckoutMetrics
	now      func() time.Time
	newID    func() string
}

// Option настраивает Lifecycle.
type Option func(*Lifecycle)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithTimeline включает запись истории статусов.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(l *Lifecycle) { l.timeline = timeline }
}

// WithGateway задаёт платёжный шлюз для webpay.
func WithGateway(gateway domain.PaymentGateway) Option {
	return func(l *Lifecycle) { l.gateway = gateway }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(newID func() string) Option {
	return func(l *Lifecycle) {
		if newID != nil {
			l.newID = newID
		}
	}
}

// NewLifecycle создаёт менеджер жизненного цикла платежей.
func NewLifecycle(payments domain.PaymentRepository, options ...Option) *Lifecycle {
	l := &Lifecycle{
		payments: payments,
		logger:   log.WithField("component", "payment-lifecycle"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Initiate создаёт платёж в статусе pending. ErrActivePaymentExists, если у корзины уже есть незавершённый платёж.
func (l *Lifecycle) Initiate(ctx context.Context, req InitiateRequest) (result domain.Payment, err error) {
	defer l.observe(OpInitiate, time.Now(), &err)

	now := l.now()
	payment := domain.Payment{
		ID:             l.newID(),
		CartID:         strings.TrimSpace(req.CartID),
		OrganizationID: strings.TrimSpace(req.OrganizationID),
		Amount:         req.Amount,
		Type:           req.Type,
		Status:         domain.PaymentStatusPending,
		Metadata:       copyMetadata(req.Metadata),
		Notes:          req.Notes.Ptr(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errors.Join(errs...)
	}

	active, err := l.payments.FindActiveByCart(ctx, payment.CartID)
	switch {
	case err == nil:
		return domain.Payment{}, fmt.Errorf("cart %s has payment %s in status %s: %w",
			payment.CartID, active.ID, active.Status, domain.ErrActivePaymentExists)
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return domain.Payment{}, fmt.Errorf("find active payment: %w", err)
	}

	created, err := l.payments.Create(ctx, payment)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}

	l.metrics.RecordTransition("none", string(created.Status))
	l.appendTimeline(created, "", TimelinePaymentInitiated)
	l.logger.WithFields(log.Fields{
		"payment_id":   created.ID,
		"cart_id":      created.CartID,
		"payment_type": created.Type,
		"amount":       created.Amount.String(),
	}).Info("payment initiated")
	return created, nil
}

// SubmitProof сохраняет ссылку на подтверждение ручной оплаты и переводит платёж в processing.
func (l *Lifecycle) SubmitProof(ctx context.Context, id string, submission domain.ProofSubmission) (result domain.Payment, err error) {
	defer l.observe(OpSubmitProof, time.Now(), &err)

	submission.ProofURL = strings.TrimSpace(submission.ProofURL)
	return l.mutate(ctx, OpSubmitProof, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return true, p.SubmitProof(submission, now)
	})
}

// BeginRedirect открывает сессию webpay и переводит платёж в processing.
func (l *Lifecycle) BeginRedirect(ctx context.Context, id string) (result domain.Payment, session domain.GatewaySession, err error) {
	defer l.observe(OpBeginRedirect, time.Now(), &err)

	if l.gateway == nil {
		return domain.Payment{}, domain.GatewaySession{}, fmt.Errorf("gateway is not configured: %w", domain.ErrGatewayUnavailable)
	}

	current, err := l.get(ctx, id)
	if err != nil {
		return domain.Payment{}, domain.GatewaySession{}, err
	}
	// Проверяем переход до обращения к шлюзу, чтобы не открывать лишних сессий.
	probe := current.Clone()
	if err := probe.StartRedirect("", l.now()); err != nil {
		return domain.Payment{}, domain.GatewaySession{}, fmt.Errorf("%s payment %s: %w", OpBeginRedirect, id, err)
	}

	session, err = l.gateway.CreateTransaction(ctx, current)
	if err != nil {
		return domain.Payment{}, domain.GatewaySession{}, fmt.Errorf("create gateway transaction: %w", err)
	}

	result, err = l.mutate(ctx, OpBeginRedirect, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return true, p.StartRedirect(session.Token, now)
	})
	if err != nil {
		return domain.Payment{}, domain.GatewaySession{}, err
	}
	return result, session, nil
}

// Confirm завершает платёж по подтверждению шлюза.
// Повторная доставка с тем же transaction_id возвращает платёж без изменений.
func (l *Lifecycle) Confirm(ctx context.Context, id string, confirmation domain.Confirmation) (result domain.Payment, err error) {
	defer l.observe(OpConfirm, time.Now(), &err)

	confirmation.TransactionID = strings.TrimSpace(confirmation.TransactionID)
	return l.mutate(ctx, OpConfirm, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return p.Confirm(confirmation, now)
	})
}

// ValidateProof фиксирует решение сотрудника: completed при isValid, иначе failed.
func (l *Lifecycle) ValidateProof(ctx context.Context, id string, isValid bool, notes domain.Field[string]) (result domain.Payment, err error) {
	defer l.observe(OpValidateProof, time.Now(), &err)

	return l.mutate(ctx, OpValidateProof, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return true, p.ValidateProof(isValid, notes, now)
	})
}

// MarkFailed переводит платёж в failed. Идемпотентна для уже проваленного платежа.
func (l *Lifecycle) MarkFailed(ctx context.Context, id, reason string) (result domain.Payment, err error) {
	defer l.observe(OpMarkFailed, time.Now(), &err)

	return l.mutate(ctx, OpMarkFailed, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return p.Fail(strings.TrimSpace(reason), now)
	})
}

// Cancel отменяет платёж. Идемпотентна для уже отменённого платежа.
func (l *Lifecycle) Cancel(ctx context.Context, id, reason string) (result domain.Payment, err error) {
	defer l.observe(OpCancel, time.Now(), &err)

	return l.mutate(ctx, OpCancel, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return p.Cancel(strings.TrimSpace(reason), now)
	})
}

// UpdateAmount меняет сумму платежа, пока он в pending.
func (l *Lifecycle) UpdateAmount(ctx context.Context, id string, amount decimal.Decimal) (result domain.Payment, err error) {
	defer l.observe(OpUpdateAmount, time.Now(), &err)

	return l.mutate(ctx, OpUpdateAmount, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return p.SetAmount(amount, now)
	})
}

// Annotate меняет заметки и метаданные в любом статусе, включая терминальные.
func (l *Lifecycle) Annotate(ctx context.Context, id string, notes domain.Field[string], metadata map[string]string) (result domain.Payment, err error) {
	defer l.observe(OpAnnotate, time.Now(), &err)

	return l.mutate(ctx, OpAnnotate, id, func(p *domain.Payment, now time.Time) (bool, error) {
		return p.Annotate(notes, metadata, now), nil
	})
}

// Get возвращает платёж по идентификатору.
func (l *Lifecycle) Get(ctx context.Context, id string) (domain.Payment, error) {
	return l.get(ctx, id)
}

// ListByCart возвращает все платежи корзины, включая повторные попытки.
func (l *Lifecycle) ListByCart(ctx context.Context, cartID string) ([]domain.Payment, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, domain.ErrCartIDRequired
	}
	payments, err := l.payments.ListByCart(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// Timeline возвращает историю статусов платежа.
func (l *Lifecycle) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := l.get(ctx, id); err != nil {
		return nil, err
	}
	if l.timeline == nil {
		return nil, nil
	}
	events, err := l.timeline.List(id)
	if err != nil {
		return nil, domain.StorageFailure("timeline.list", err)
	}
	return events, nil
}

type mutation func(p *domain.Payment, now time.Time) (changed bool, err error)

// mutate выполняет чтение, изменение и условную запись. При конфликте версий
// перечитывает платёж и повторяет один раз; второй конфликт возвращается вызывающему.
func (l *Lifecycle) mutate(ctx context.Context, op, id string, fn mutation) (domain.Payment, error) {
	const maxAttempts = 2

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := l.get(ctx, id)
		if err != nil {
			return domain.Payment{}, err
		}

		next := current.Clone()
		changed, err := fn(&next, l.now())
		if err != nil {
			return domain.Payment{}, fmt.Errorf("%s payment %s: %w", op, id, err)
		}
		if !changed {
			l.metrics.RecordIdempotentReplay(op)
			l.logger.WithFields(log.Fields{
				"payment_id": id,
				"operation":  op,
				"status":     current.Status,
			}).Debug("payment already in requested state")
			return current, nil
		}
		if errs := next.ValidateInvariants(); len(errs) > 0 {
			l.logger.WithFields(log.Fields{
				"payment_id": id,
				"operation":  op,
				"status":     next.Status,
			}).WithError(errors.Join(errs...)).Error("payment invariants violated, write rejected")
			return domain.Payment{}, fmt.Errorf("%s payment %s: %w", op, id, errors.Join(errs...))
		}

		var events []domain.OutboxMessage
		if next.Status != current.Status {
			msg, ok, err := domain.NewPaymentEvent(next)
			if err != nil {
				return domain.Payment{}, fmt.Errorf("build payment event: %w", err)
			}
			if ok {
				events = append(events, msg)
			}
		}

		saved, err := l.payments.Save(ctx, next, events...)
		if err == nil {
			if attempt > 1 {
				l.metrics.RecordVersionConflict(true)
			}
			l.afterSave(op, current, saved, events)
			return saved, nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Payment{}, fmt.Errorf("save payment: %w", err)
		}

		l.logger.WithFields(log.Fields{
			"payment_id": id,
			"operation":  op,
			"attempt":    attempt,
			"version":    current.Version,
		}).Warn("payment version conflict")
	}

	l.metrics.RecordVersionConflict(false)
	return domain.Payment{}, fmt.Errorf("%s payment %s: %w", op, id, domain.ErrPaymentVersionConflict)
}

func (l *Lifecycle) afterSave(op string, before, after domain.Payment, events []domain.OutboxMessage) {
	for _, event := range events {
		l.metrics.RecordEvent(event.EventType)
	}
	if before.Status == after.Status {
		return
	}

	l.metrics.RecordTransition(string(before.Status), string(after.Status))
	eventType, terminal := domain.TerminalEventType(after.Status)
	if !terminal {
		eventType = TimelinePaymentProcessing
	}
	l.appendTimeline(after, before.Status, eventType)

	l.logger.WithFields(log.Fields{
		"payment_id": after.ID,
		"cart_id":    after.CartID,
		"operation":  op,
		"from":       before.Status,
		"to":         after.Status,
	}).Info("payment status changed")
}

// appendTimeline пишет историю best-effort: сбой не откатывает уже сохранённый переход.
func (l *Lifecycle) appendTimeline(p domain.Payment, from domain.PaymentStatus, eventType string) {
	if l.timeline == nil {
		return
	}

	event := domain.TimelineEvent{
		PaymentID:  p.ID,
		Type:       eventType,
		FromStatus: from,
		ToStatus:   p.Status,
		Occurred:   p.UpdatedAt,
	}
	if p.StatusReason != nil && p.Status.IsTerminal() {
		event.Reason = *p.StatusReason
	}
	if err := l.timeline.Append(event); err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"payment_id": p.ID,
			"event":      eventType,
		}).Warn("append timeline event failed")
		return
	}
	l.metrics.RecordTimelineEvent()
}

func (l *Lifecycle) get(ctx context.Context, id string) (domain.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Payment{}, domain.ErrPaymentIDRequired
	}
	payment, err := l.payments.Get(ctx, id)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	return payment, nil
}

func (l *Lifecycle) observe(op string, started time.Time, err *error) {
	l.metrics.RecordOperation(op, domain.ErrorKind(*err), time.Since(started))
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
