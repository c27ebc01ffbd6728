package service

import (
	"context"
	"errors"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EventPublisher publishes the domain events produced by reconciliation.
type EventPublisher interface {
	PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error
	PublishReconcileRetry(ctx context.Context, event *models.ReconcileRetryEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishEnrollmentGranted(context.Context, *models.EnrollmentGrantedEvent) error {
	return nil
}

func (noopPublisher) PublishReconcileRetry(context.Context, *models.ReconcileRetryEvent) error {
	return nil
}

// ReconcileResult is the ledger state after applying a payment outcome.
// Enrollment is only set for a SUCCEEDED outcome.
type ReconcileResult struct {
	Transaction       *models.Transaction `json:"transaction"`
	Enrollment        *models.Enrollment  `json:"enrollment,omitempty"`
	WasAlreadyApplied bool                `json:"was_already_applied"`
}

// Reconciler applies payment outcomes to the ledger. It is safe to call
// concurrently for the same purchase reference: the unique reference, the
// unique (payer, course) pair and the conditional status write decide the
// winner, never an in-process lock.
type Reconciler struct {
	ledger    store.Ledger
	publisher EventPublisher
	clock     quartz.Clock
	txOpts    store.TxOptions
	logger    *zap.Logger
}

// NewReconciler creates a new reconciler. publisher may be nil.
func NewReconciler(
	ledger store.Ledger,
	publisher EventPublisher,
	clock quartz.Clock,
	txOpts store.TxOptions,
	logger *zap.Logger,
) *Reconciler {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Reconciler{
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		txOpts:    txOpts,
		logger:    logger,
	}
}

// Reconcile applies event inside a single atomic unit of the ledger.
func (r *Reconciler) Reconcile(ctx context.Context, event *models.PaymentOutcomeEvent) (result *ReconcileResult, err error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile",
		attribute.String("purchase_reference", event.PurchaseReference),
		attribute.String("outcome", string(event.Outcome)),
		attribute.String("source", event.Source))
	defer func() { util.EndSpan(span, err) }()

	if verr := event.Validate(); verr != nil {
		r.logger.Warn("Rejecting malformed payment event", append(util.EventFields(event), zap.Error(verr))...)
		return nil, malformed("%v", verr)
	}

	util.ReconcileAttemptsTotal.WithLabelValues(event.Source).Inc()

	var enrollmentCreated bool
	err = r.ledger.InTx(ctx, r.txOpts, func(ctx context.Context, tx store.LedgerTx) error {
		res, created, err := r.apply(ctx, tx, event)
		if err != nil {
			return err
		}
		result, enrollmentCreated = res, created
		return nil
	})
	if err != nil {
		err = classify("reconcile", err)
		if IsRetryable(err) {
			util.ReconcileConflictsTotal.Inc()
		}
		return nil, err
	}

	if enrollmentCreated {
		util.EnrollmentsCreatedTotal.Inc()
		r.logger.Info("Enrollment granted",
			append(util.EventFields(event), zap.String("enrollment_id", result.Enrollment.ID))...)
		r.publishGranted(ctx, event, result.Enrollment)
	}

	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, tx store.LedgerTx, event *models.PaymentOutcomeEvent) (*ReconcileResult, bool, error) {
	exists, err := tx.UserExists(ctx, event.PayerID)
	if err != nil {
		return nil, false, classify("check payer", err)
	}
	if !exists {
		return nil, false, &ReconcileError{Kind: KindNotFound, Detail: "payer " + event.PayerID}
	}

	exists, err = tx.CourseExists(ctx, event.CourseID)
	if err != nil {
		return nil, false, classify("check course", err)
	}
	if !exists {
		return nil, false, &ReconcileError{Kind: KindNotFound, Detail: "course " + event.CourseID}
	}

	txn, statusChanged, err := r.applyStatus(ctx, tx, event)
	if err != nil {
		return nil, false, err
	}

	result := &ReconcileResult{Transaction: txn}
	enrollmentCreated := false
	if event.Outcome == models.OutcomeSucceeded && txn.Status == models.TransactionStatusSuccess {
		result.Enrollment, enrollmentCreated, err = r.ensureEnrollment(ctx, tx, event)
		if err != nil {
			return nil, false, err
		}
	}

	result.WasAlreadyApplied = !statusChanged && !enrollmentCreated
	return result, enrollmentCreated, nil
}

// applyStatus moves the transaction for the event's reference to the status
// the outcome implies, creating it if needed. A settled transaction is never
// touched.
func (r *Reconciler) applyStatus(ctx context.Context, tx store.LedgerTx, event *models.PaymentOutcomeEvent) (*models.Transaction, bool, error) {
	target := event.Outcome.TransactionStatus()

	txn, err := tx.GetTransactionByReference(ctx, event.PurchaseReference)
	if err != nil {
		return nil, false, classify("get transaction", err)
	}

	if txn == nil {
		txn = &models.Transaction{
			ID:                uuid.New().String(),
			PayerID:           event.PayerID,
			CourseID:          event.CourseID,
			Amount:            event.AmountMinorUnits,
			Currency:          event.Currency,
			Status:            target,
			PurchaseReference: event.PurchaseReference,
			Description:       event.ItemDescription,
		}
		err := tx.CreateTransaction(ctx, txn)
		if err == nil {
			return txn, true, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, false, classify("create transaction", err)
		}

		// Lost the insert race; continue from the row that won.
		txn, err = r.reread(ctx, tx, event.PurchaseReference)
		if err != nil {
			return nil, false, err
		}
	}

	if txn.PayerID != event.PayerID || txn.CourseID != event.CourseID {
		return nil, false, malformed("reference %s belongs to payer %s course %s",
			event.PurchaseReference, txn.PayerID, txn.CourseID)
	}

	if txn.Status.Settled() || txn.Status == target {
		return txn, false, nil
	}

	updated, err := tx.UpdateTransactionStatus(ctx, txn.ID, target)
	if err != nil {
		return nil, false, classify("update transaction status", err)
	}
	if !updated {
		// Another writer settled it between our read and write.
		txn, err = r.reread(ctx, tx, event.PurchaseReference)
		if err != nil {
			return nil, false, err
		}
		return txn, false, nil
	}

	txn.Status = target
	return txn, true, nil
}

func (r *Reconciler) reread(ctx context.Context, tx store.LedgerTx, reference string) (*models.Transaction, error) {
	txn, err := tx.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, classify("reread transaction", err)
	}
	if txn == nil {
		return nil, &ReconcileError{Kind: KindConflict, Op: "reread transaction", Detail: reference + " vanished"}
	}
	return txn, nil
}

// ensureEnrollment returns the enrollment for the event's (payer, course),
// creating it if absent. The bool reports whether this call created it.
func (r *Reconciler) ensureEnrollment(ctx context.Context, tx store.LedgerTx, event *models.PaymentOutcomeEvent) (*models.Enrollment, bool, error) {
	existing, err := tx.GetEnrollment(ctx, event.PayerID, event.CourseID)
	if err != nil {
		return nil, false, classify("get enrollment", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	enrollment := &models.Enrollment{
		ID:         uuid.New().String(),
		PayerID:    event.PayerID,
		CourseID:   event.CourseID,
		EnrolledAt: r.clock.Now().UTC(),
	}
	err = tx.CreateEnrollment(ctx, enrollment)
	if err == nil {
		return enrollment, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, false, classify("create enrollment", err)
	}

	existing, err = tx.GetEnrollment(ctx, event.PayerID, event.CourseID)
	if err != nil {
		return nil, false, classify("reread enrollment", err)
	}
	if existing == nil {
		return nil, false, &ReconcileError{Kind: KindConflict, Op: "reread enrollment",
			Detail: event.PayerID + "/" + event.CourseID + " not visible after duplicate"}
	}
	return existing, false, nil
}

// AlreadyApplied checks, without writing, whether the ledger already reflects
// event. It is the last word after retries run out, so it rejects a reference
// owned by another payer or course the same way Reconcile does.
func (r *Reconciler) AlreadyApplied(ctx context.Context, event *models.PaymentOutcomeEvent) (*ReconcileResult, bool, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.AlreadyApplied",
		attribute.String("purchase_reference", event.PurchaseReference))
	defer span.End()

	txn, err := r.ledger.GetTransactionByReference(ctx, event.PurchaseReference)
	if err != nil {
		return nil, false, classify("recheck transaction", err)
	}
	if txn == nil {
		return nil, false, nil
	}
	if txn.PayerID != event.PayerID || txn.CourseID != event.CourseID {
		return nil, false, malformed("reference %s belongs to payer %s course %s",
			event.PurchaseReference, txn.PayerID, txn.CourseID)
	}

	if event.Outcome != models.OutcomeSucceeded {
		if txn.Status == models.TransactionStatusPending {
			return nil, false, nil
		}
		return &ReconcileResult{Transaction: txn, WasAlreadyApplied: true}, true, nil
	}

	// A refund only follows a success, so REFUNDED counts once the
	// enrollment is there.
	if !txn.Status.Settled() {
		return nil, false, nil
	}
	enrollment, err := r.ledger.GetEnrollment(ctx, event.PayerID, event.CourseID)
	if err != nil {
		return nil, false, classify("recheck enrollment", err)
	}
	if enrollment == nil {
		return nil, false, nil
	}
	return &ReconcileResult{Transaction: txn, Enrollment: enrollment, WasAlreadyApplied: true}, true, nil
}

func (r *Reconciler) publishGranted(ctx context.Context, event *models.PaymentOutcomeEvent, enrollment *models.Enrollment) {
	granted := &models.EnrollmentGrantedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeEnrollmentGranted,
			Timestamp: r.clock.Now().UTC().Truncate(time.Millisecond),
		},
		EnrollmentID:      enrollment.ID,
		PayerID:           enrollment.PayerID,
		CourseID:          enrollment.CourseID,
		PurchaseReference: event.PurchaseReference,
		Source:            event.Source,
	}
	if err := r.publisher.PublishEnrollmentGranted(ctx, granted); err != nil {
		r.logger.Error("Failed to publish EnrollmentGranted event",
			zap.String("enrollment_id", enrollment.ID), zap.Error(err))
	}
}
