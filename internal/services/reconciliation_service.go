package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/payments"
	"github.com/rotulo-studio/api/internal/repositories"
)

const (
	eventReconcileApplied   = "reconcile.applied"
	eventReconcileDuplicate = "reconcile.duplicate"
	eventReconcileIgnored   = "reconcile.ignored"
	eventReconcileFailed    = "reconcile.failed"
	eventStockAlertFailed   = "stock.alert_failed"
)

// GatewayLookup is the slice of the payments manager the orchestrator needs.
type GatewayLookup interface {
	LookupPayment(ctx context.Context, providerName string, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// ReconciliationServiceDeps bundles the collaborators for the orchestrator.
type ReconciliationServiceDeps struct {
	UnitOfWork repositories.UnitOfWork
	Orders     repositories.OrderRepository
	Stock      repositories.StockRepository
	Gateways   GatewayLookup
	Alerts     StockAlertPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	gateways GatewayLookup
	alerts   StockAlertPublisher
	apply    orderTransitioner
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a concrete ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("reconciliation service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("reconciliation service: stock repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("reconciliation service: gateway lookup is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		uow:      deps.UnitOfWork,
		orders:   deps.Orders,
		gateways: deps.Gateways,
		alerts:   deps.Alerts,
		apply:    orderTransitioner{orders: deps.Orders, stock: deps.Stock},
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *reconciliationService) ReconcilePayment(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error) {
	paymentID := strings.TrimSpace(cmd.PaymentID)
	requestID := strings.TrimSpace(cmd.RequestID)
	if paymentID == "" {
		s.logger(ctx, eventReconcileFailed, map[string]any{
			"provider":   cmd.Provider,
			"request_id": requestID,
			"reason":     "empty_payment_id",
		})
		return ReconcileResult{Outcome: OutcomeUpdateError}, ErrOrderInvalidInput
	}

	// The gateway round-trip happens before the transaction opens; a
	// transaction is never held across the network.
	details, err := s.gateways.LookupPayment(ctx, cmd.Provider, payments.LookupRequest{PaymentID: paymentID})
	if err != nil {
		s.logger(ctx, eventReconcileFailed, map[string]any{
			"provider":   cmd.Provider,
			"payment_id": paymentID,
			"request_id": requestID,
			"reason":     "gateway_lookup",
			"error":      err.Error(),
		})
		return ReconcileResult{Outcome: OutcomeUpdateError}, err
	}

	reference := strings.TrimSpace(details.ExternalReference)
	if reference == "" {
		s.logger(ctx, eventReconcileIgnored, map[string]any{
			"provider":   cmd.Provider,
			"payment_id": paymentID,
			"request_id": requestID,
			"reason":     "no_external_reference",
		})
		return ReconcileResult{Outcome: OutcomeOrderNotFound}, nil
	}

	var (
		result ReconcileResult
		levels []repositories.StockLevel
	)

	txErr := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.LockByExternalReference(ctx, reference)
		if err != nil {
			if isRepoNotFound(err) {
				result = ReconcileResult{Outcome: OutcomeOrderNotFound}
				return nil
			}
			return err
		}

		result.OrderID = order.ID
		result.OrderStatus = order.Status

		target, mapped := targetStatus(details.Status)
		if !mapped {
			result.Outcome = OutcomeIgnored
			return nil
		}

		// Idempotency guard, checked under the row lock so concurrent
		// deliveries serialise here. The marker identifies a payment whose
		// ledger effect already committed; redeliveries and out-of-order
		// notifications for it are acknowledged without touching the order,
		// whatever status they carry.
		if details.PaymentID != "" && order.LastPaymentID == details.PaymentID {
			result.Outcome = OutcomeAlreadyProcessed
			return nil
		}
		if order.Status == target {
			result.Outcome = OutcomeAlreadyProcessed
			return nil
		}

		applied, err := s.apply.apply(ctx, &order, target, details.PaymentID, s.clock())
		if err != nil {
			return err
		}

		levels = applied
		result = ReconcileResult{
			Outcome:     OutcomeOK,
			OrderID:     order.ID,
			OrderStatus: order.Status,
		}
		return nil
	})
	if txErr != nil {
		s.logger(ctx, eventReconcileFailed, map[string]any{
			"provider":   cmd.Provider,
			"payment_id": paymentID,
			"request_id": requestID,
			"reference":  reference,
			"error":      txErr.Error(),
		})
		return ReconcileResult{Outcome: OutcomeUpdateError, OrderID: result.OrderID}, txErr
	}

	switch result.Outcome {
	case OutcomeOK:
		s.logger(ctx, eventReconcileApplied, map[string]any{
			"provider":   cmd.Provider,
			"payment_id": paymentID,
			"request_id": requestID,
			"order_id":   result.OrderID,
			"status":     string(result.OrderStatus),
		})
		if result.OrderStatus == domain.OrderStatusCompleted {
			s.publishLowStock(ctx, levels, domain.MovementCauseOrderCompleted)
		}
	case OutcomeAlreadyProcessed:
		s.logger(ctx, eventReconcileDuplicate, map[string]any{
			"provider":   cmd.Provider,
			"payment_id": paymentID,
			"request_id": requestID,
			"order_id":   result.OrderID,
		})
	case OutcomeIgnored, OutcomeOrderNotFound:
		s.logger(ctx, eventReconcileIgnored, map[string]any{
			"provider":       cmd.Provider,
			"payment_id":     paymentID,
			"request_id":     requestID,
			"reference":      reference,
			"gateway_status": string(details.Status),
			"outcome":        string(result.Outcome),
		})
	}

	return result, nil
}

// publishLowStock emits alerts for items that crossed their threshold.
// Best-effort: failures are logged and never unwind the committed transaction.
func (s *reconciliationService) publishLowStock(ctx context.Context, levels []repositories.StockLevel, cause domain.MovementCause) {
	if s.alerts == nil {
		return
	}
	now := s.clock()
	for _, level := range levels {
		if !level.AtOrBelowMinimum {
			continue
		}
		alert := StockAlert{
			StockItemID: level.StockItemID,
			SKU:         level.SKU,
			Name:        level.Name,
			Quantity:    level.Quantity,
			MinQuantity: level.MinStock,
			Cause:       string(cause),
			OccurredAt:  now,
		}
		if _, err := s.alerts.PublishStockAlert(ctx, alert); err != nil {
			s.logger(ctx, eventStockAlertFailed, map[string]any{
				"stock_item_id": level.StockItemID,
				"error":         err.Error(),
			})
		}
	}
}
