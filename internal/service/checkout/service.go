// Package checkout связывает разрешение клиента и создание платежа для корзины.
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
)

const idempotencyTTL = 24 * time.Hour

// CustomerResolver находит или создаёт клиента по документу.
type CustomerResolver interface {
	Resolve(ctx context.Context, organizationID string, data domain.CustomerData) (domain.Customer, error)
}

// Payments: операции жизненного цикла, нужные сценарию checkout.
type Payments interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (domain.Payment, error)
	Get(ctx context.Context, id string) (domain.Payment, error)
	SubmitProof(ctx context.Context, id string, submission domain.ProofSubmission) (domain.Payment, error)
}

// Request: данные оформления корзины.
type Request struct {
	OrganizationID string
	CartID         string
	Customer       domain.CustomerData
	PaymentType    domain.PaymentType
	Amount         decimal.Decimal
	Metadata       map[string]string
	Notes          domain.Field[string]
}

// Result: клиент и созданный платёж.
type Result struct {
	Customer domain.Customer
	Payment  domain.Payment
}

// ProofUpload: изображение подтверждения ручной оплаты.
type ProofUpload struct {
	ContentType       string
	Body              io.Reader
	ExternalReference domain.Field[string]
	Notes             domain.Field[string]
}

// Service выполняет сценарий checkout. Записи клиента и платежа: отдельные атомарные
// операции; при сбое между ними вызывающий повторяет запрос с тем же idempotency-key.
type Service struct {
	customers CustomerResolver
	payments  Payments
	idem      domain.IdempotencyRepository
	proofs    domain.ProofStorage
	logger    *log.Entry
}

// NewService создаёт сервис checkout. idem и proofs могут быть nil.
func NewService(customers CustomerResolver, payments Payments, idem domain.IdempotencyRepository, proofs domain.ProofStorage, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{
		customers: customers,
		payments:  payments,
		idem:      idem,
		proofs:    proofs,
		logger:    logger,
	}
}

// Checkout разрешает клиента и создаёт платёж.
// С непустым idempotencyKey повтор того же запроса возвращает сохранённый результат.
func (s *Service) Checkout(ctx context.Context, idempotencyKey string, req Request) (Result, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if s.idem == nil || idempotencyKey == "" {
		return s.checkout(ctx, req)
	}

	hash, err := requestHash(req)
	if err != nil {
		return Result{}, fmt.Errorf("hash checkout request: %w", err)
	}

	record, err := s.idem.CreateProcessing(idempotencyKey, hash, time.Now().UTC().Add(idempotencyTTL))
	if err != nil {
		return s.replay(err, record)
	}

	result, runErr := s.checkout(ctx, req)
	if runErr != nil {
		s.storeFailure(idempotencyKey, runErr)
		return Result{}, runErr
	}

	data, err := json.Marshal(result)
	if err == nil {
		err = s.idem.MarkDone(idempotencyKey, data)
	}
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", idempotencyKey).Warn("failed to store checkout result")
	}
	return result, nil
}

func (s *Service) checkout(ctx context.Context, req Request) (Result, error) {
	customer, err := s.customers.Resolve(ctx, req.OrganizationID, req.Customer)
	if err != nil {
		return Result{}, fmt.Errorf("resolve customer: %w", err)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["customer_id"] = customer.ID

	p, err := s.payments.Initiate(ctx, payment.InitiateRequest{
		CartID:         req.CartID,
		OrganizationID: req.OrganizationID,
		Type:           req.PaymentType,
		Amount:         req.Amount,
		Metadata:       metadata,
		Notes:          req.Notes,
	})
	if err != nil {
		return Result{}, fmt.Errorf("initiate payment: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"cart_id":     p.CartID,
		"customer_id": customer.ID,
		"payment_id":  p.ID,
	}).Info("checkout started")
	return Result{Customer: customer, Payment: p}, nil
}

type failurePayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Service) replay(createErr error, record domain.IdempotencyRecord) (Result, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Result{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		return Result{}, fmt.Errorf("reserve idempotency key: %w", createErr)
	}

	switch record.Status {
	case domain.IdempotencyStatusDone:
		var result Result
		if err := json.Unmarshal(record.Response, &result); err != nil {
			return Result{}, fmt.Errorf("decode cached checkout result: %w", err)
		}
		return result, nil
	case domain.IdempotencyStatusProcessing:
		return Result{}, domain.ErrIdempotencyInProgress
	case domain.IdempotencyStatusFailed:
		return Result{}, decodeFailure(record.Response)
	default:
		return Result{}, fmt.Errorf("unknown idempotency status %q", record.Status)
	}
}

// storeFailure сохраняет детерминированные ошибки для повтора; после временного сбоя ключ освобождается.
func (s *Service) storeFailure(key string, runErr error) {
	kind := domain.ErrorKind(runErr)
	entry := s.logger.WithField("idempotency_key", key)

	if kind == "storage" || kind == "internal" {
		if err := s.idem.Delete(key); err != nil {
			entry.WithError(err).Warn("failed to release idempotency key")
		}
		return
	}

	payload, err := json.Marshal(failurePayload{Kind: kind, Message: runErr.Error()})
	if err != nil {
		entry.WithError(err).Warn("failed to encode idempotency failure payload")
		payload = nil
	}
	if err := s.idem.MarkFailed(key, payload); err != nil {
		entry.WithError(err).Warn("failed to store idempotency failure")
	}
}

func decodeFailure(data []byte) error {
	var payload failurePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return errors.New("previous request with the same idempotency key failed")
	}
	if kindErr := domain.KindError(payload.Kind); kindErr != nil {
		return fmt.Errorf("%s: %w", payload.Message, kindErr)
	}
	return errors.New(payload.Message)
}

// UploadProof загружает изображение подтверждения и передаёт его URL в SubmitProof.
func (s *Service) UploadProof(ctx context.Context, paymentID string, upload ProofUpload) (domain.Payment, error) {
	if s.proofs == nil {
		return domain.Payment{}, errors.New("proof storage is not configured")
	}
	if upload.Body == nil {
		return domain.Payment{}, domain.ErrProofURLRequired
	}

	current, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	// Проверяем до загрузки, чтобы не оставлять в хранилище файлов без платежа.
	if !current.Type.RequiresProof() {
		return domain.Payment{}, fmt.Errorf("upload proof for payment %s: %w", current.ID, domain.ErrProofNotSupported)
	}
	if current.Status != domain.PaymentStatusPending {
		return domain.Payment{}, fmt.Errorf("upload proof for payment %s: %w", current.ID, domain.ErrPaymentTransition)
	}

	key := proofKey(current, upload.ContentType)
	url, err := s.proofs.Upload(ctx, key, upload.ContentType, upload.Body)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("upload proof: %w", err)
	}

	return s.payments.SubmitProof(ctx, current.ID, domain.ProofSubmission{
		ProofURL:          url,
		ExternalReference: upload.ExternalReference,
		Notes:             upload.Notes,
	})
}

func proofKey(p domain.Payment, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("proofs/%s/%s/%s%s", p.OrganizationID, p.ID, uuid.NewString(), ext)
}

// requestHash строит отпечаток запроса; поля патча различают «не передано» и «очищено».
func requestHash(req Request) (string, error) {
	c := req.Customer.Normalize()
	a := c.Contact.Address
	fingerprint := map[string]any{
		"organization_id": strings.TrimSpace(req.OrganizationID),
		"cart_id":         strings.TrimSpace(req.CartID),
		"payment_type":    req.PaymentType,
		"amount":          req.Amount.String(),
		"metadata":        req.Metadata,
		"notes":           fieldState(req.Notes),
		"document_type":   c.DocumentType,
		"document_number": c.DocumentNumber,
		"full_name":       fieldState(c.Contact.FullName),
		"email":           fieldState(c.Contact.Email),
		"phone":           fieldState(c.Contact.Phone),
		"address": []*string{
			fieldState(a.Street), fieldState(a.Number), fieldState(a.Apartment), fieldState(a.City),
			fieldState(a.Region), fieldState(a.PostalCode), fieldState(a.Country), fieldState(a.Office),
		},
	}

	// encoding/json сортирует ключи map, поэтому сериализация детерминирована.
	data, err := json.Marshal(fingerprint)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func fieldState(f domain.Field[string]) *string {
	if !f.IsSet() {
		return nil
	}
	marker := "-"
	if v, ok := f.Value(); ok {
		marker = "=" + v
	}
	return &marker
}
