package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrAlreadyEnrolled     = errors.New("payer is already enrolled in this course")
	ErrPaymentPending      = errors.New("payment is still pending")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrNotRefundable       = store.ErrNotRefundable
)

// CheckoutStore is what the checkout flow needs from the ledger outside of
// reconciliation.
type CheckoutStore interface {
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	RefundTransaction(ctx context.Context, reference string) (*models.Transaction, error)
}

// CheckoutService drives the pull channel: it opens checkout sessions and
// asks the gateway for their result when the client comes back.
type CheckoutService struct {
	store        CheckoutStore
	gateway      gateway.Client
	driver       *RetryDriver
	followUps    *FollowUpScheduler
	clock        quartz.Clock
	confirmDelay time.Duration
	logger       *zap.Logger
}

// NewCheckoutService creates a new checkout service. followUps may be nil.
func NewCheckoutService(
	store CheckoutStore,
	gw gateway.Client,
	driver *RetryDriver,
	followUps *FollowUpScheduler,
	clock quartz.Clock,
	confirmDelay time.Duration,
	logger *zap.Logger,
) *CheckoutService {
	return &CheckoutService{
		store:        store,
		gateway:      gw,
		driver:       driver,
		followUps:    followUps,
		clock:        clock,
		confirmDelay: confirmDelay,
		logger:       logger,
	}
}

// StartCheckoutRequest represents a request to buy a course
type StartCheckoutRequest struct {
	PayerID  string `json:"payer_id" binding:"required"`
	CourseID string `json:"course_id" binding:"required"`
}

// StartCheckoutResponse carries the purchase reference and where to pay
type StartCheckoutResponse struct {
	Reference   string              `json:"reference"`
	CheckoutURL string              `json:"checkout_url"`
	Transaction *models.Transaction `json:"transaction"`
}

// StartCheckout opens a gateway session and records a PENDING transaction for it.
func (s *CheckoutService) StartCheckout(ctx context.Context, req *StartCheckoutRequest) (*StartCheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout",
		attribute.String("payer_id", req.PayerID),
		attribute.String("course_id", req.CourseID))
	defer span.End()

	existing, err := s.store.GetEnrollment(ctx, req.PayerID, req.CourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyEnrolled
	}

	course, err := s.store.GetCourse(ctx, req.CourseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: course %s", ErrNotFound, req.CourseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}

	description := fmt.Sprintf("%s (%s)", course.Title, course.ID)
	session, err := s.gateway.CreateCheckoutSession(ctx, &gateway.CheckoutRequest{
		PayerID:     req.PayerID,
		CourseID:    course.ID,
		AmountMinor: course.PriceMinor,
		Currency:    course.Currency,
		Description: description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	txn := &models.Transaction{
		ID:                uuid.New().String(),
		PayerID:           req.PayerID,
		CourseID:          course.ID,
		Amount:            course.PriceMinor,
		Currency:          course.Currency,
		Status:            models.TransactionStatusPending,
		PurchaseReference: session.Reference,
		Description:       description,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		if store.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: payer %s", ErrNotFound, req.PayerID)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	util.CheckoutsStartedTotal.Inc()
	s.logger.Info("Checkout started",
		zap.String("purchase_reference", session.Reference),
		zap.String("payer_id", req.PayerID),
		zap.String("course_id", course.ID))

	return &StartCheckoutResponse{
		Reference:   session.Reference,
		CheckoutURL: session.URL,
		Transaction: txn,
	}, nil
}

// ConfirmCheckout is called when the client returns from the gateway.
func (s *CheckoutService) ConfirmCheckout(ctx context.Context, reference string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmCheckout",
		attribute.String("purchase_reference", reference))
	defer span.End()

	return s.pull(ctx, reference, models.SourceConfirm, s.confirmDelay)
}

// SyncTransaction re-reads a session from the gateway and reconciles it,
// for operators fixing a stuck purchase.
func (s *CheckoutService) SyncTransaction(ctx context.Context, reference string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.SyncTransaction",
		attribute.String("purchase_reference", reference))
	defer span.End()

	return s.pull(ctx, reference, models.SourceAdminSync, 0)
}

func (s *CheckoutService) pull(ctx context.Context, reference, source string, delay time.Duration) (*ReconcileResult, error) {
	session, err := s.gateway.GetSession(ctx, reference)
	if errors.Is(err, gateway.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}

	event, ok := session.Event(source)
	if !ok {
		return nil, ErrPaymentPending
	}

	// Gives the webhook a head start; correctness does not depend on it.
	if delay > 0 {
		if err := wait(ctx, s.clock, delay, "confirm"); err != nil {
			return nil, err
		}
	}

	result, err := s.driver.WithRetry(ctx, event)
	if errors.Is(err, ErrRetryExhausted) && s.followUps != nil {
		if _, ferr := s.followUps.Schedule(ctx, event, 1, err.Error()); ferr != nil {
			util.FollowUpsTotal.WithLabelValues("lost").Inc()
			s.logger.Error("Follow-up lost, manual sync required", append(util.EventFields(event), zap.Error(ferr))...)
		}
	}
	return result, err
}

// Refund refunds a successful purchase at the gateway and marks it REFUNDED.
// The enrollment is left alone.
func (s *CheckoutService) Refund(ctx context.Context, reference string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Refund",
		attribute.String("purchase_reference", reference))
	defer span.End()

	txn, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	if txn.Status != models.TransactionStatusSuccess {
		return txn, ErrNotRefundable
	}

	if err := s.gateway.Refund(ctx, reference); err != nil {
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	refunded, err := s.store.RefundTransaction(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	if err != nil {
		return refunded, err
	}

	util.TransactionsRefundedTotal.Inc()
	s.logger.Info("Transaction refunded",
		zap.String("purchase_reference", reference),
		zap.String("transaction_id", refunded.ID))
	return refunded, nil
}

// GetEnrollment retrieves the enrollment of a payer in a course
func (s *CheckoutService) GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error) {
	enrollment, err := s.store.GetEnrollment(ctx, payerID, courseID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, ErrEnrollmentNotFound
	}
	return enrollment, nil
}

// GetTransaction retrieves a transaction by purchase reference
func (s *CheckoutService) GetTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	txn, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
	}
	return txn, nil
}

// wait blocks for d on clock, or until ctx is done.
func wait(ctx context.Context, clock quartz.Clock, d time.Duration, tag string) error {
	timer := clock.NewTimer(d, tag)
	defer timer.Stop(tag)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
