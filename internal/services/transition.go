package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

// targetStatus maps a normalised gateway status onto the order status it
// drives. The second return is false for statuses outside the table, which
// are acknowledged without any transition.
func targetStatus(gateway domain.GatewayStatus) (domain.OrderStatus, bool) {
	switch gateway {
	case domain.GatewayStatusApproved:
		return domain.OrderStatusCompleted, true
	case domain.GatewayStatusRejected, domain.GatewayStatusCancelled:
		return domain.OrderStatusCancelled, true
	case domain.GatewayStatusPending, domain.GatewayStatusInProcess, domain.GatewayStatusInMediation:
		return domain.OrderStatusProcessing, true
	case domain.GatewayStatusChargedBack, domain.GatewayStatusRefunded:
		return domain.OrderStatusRefunded, true
	default:
		return "", false
	}
}

// legalTransition reports whether from may move to to. Same-state is not a
// transition; callers treat it as a no-op before consulting this table.
func legalTransition(from, to domain.OrderStatus) bool {
	switch from {
	case domain.OrderStatusPending:
		return to == domain.OrderStatusProcessing || to == domain.OrderStatusCompleted || to == domain.OrderStatusCancelled
	case domain.OrderStatusProcessing:
		return to == domain.OrderStatusCompleted || to == domain.OrderStatusCancelled
	case domain.OrderStatusCompleted:
		return to == domain.OrderStatusRefunded
	default:
		return false
	}
}

// orderTransitioner applies status transitions and their ledger side effects.
// It is the single completion path shared by the webhook, the manual confirm
// endpoint, and the simulation route.
type orderTransitioner struct {
	orders repositories.OrderRepository
	stock  repositories.StockRepository
}

// apply mutates order in place to the target status, performs the stock
// deduction or restoration the transition demands, and persists the result.
// paymentID may be empty for manual completions; when set and the transition
// carries a stock mutation it becomes the idempotency marker written in the
// same transaction.
// Must run inside a UnitOfWork transaction holding the order row lock.
func (t orderTransitioner) apply(ctx context.Context, order *domain.Order, target domain.OrderStatus, paymentID string, now time.Time) ([]repositories.StockLevel, error) {
	if !legalTransition(order.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrOrderIllegalTransition, order.Status, target)
	}

	var levels []repositories.StockLevel
	switch target {
	case domain.OrderStatusCompleted:
		deducted, err := t.mutateStock(ctx, *order, domain.MovementCauseOrderCompleted, now)
		if err != nil {
			return nil, err
		}
		levels = deducted
		completedAt := now
		order.CompletedAt = &completedAt
	case domain.OrderStatusRefunded:
		restored, err := t.mutateStock(ctx, *order, domain.MovementCauseOrderRefunded, now)
		if err != nil {
			return nil, err
		}
		levels = restored
		refundedAt := now
		order.RefundedAt = &refundedAt
	case domain.OrderStatusCancelled:
		cancelledAt := now
		order.CancelledAt = &cancelledAt
	}

	order.Status = target
	order.UpdatedAt = now
	if paymentID != "" {
		order.PaymentID = paymentID
		// The marker commits atomically with the stock mutation it guards.
		// Bookkeeping transitions leave it untouched so a later ledger
		// transition for the same payment is not mistaken for a replay.
		if target == domain.OrderStatusCompleted || target == domain.OrderStatusRefunded {
			order.LastPaymentID = paymentID
		}
	}

	if err := t.orders.SaveTransition(ctx, *order); err != nil {
		return nil, err
	}
	return levels, nil
}

// mutateStock walks the order lines in ascending stock item order so
// concurrent transactions acquire row locks in the same sequence.
func (t orderTransitioner) mutateStock(ctx context.Context, order domain.Order, cause domain.MovementCause, now time.Time) ([]repositories.StockLevel, error) {
	items := make([]domain.OrderItem, len(order.Items))
	copy(items, order.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].StockItemID < items[j].StockItemID })

	levels := make([]repositories.StockLevel, 0, len(items))
	for _, item := range items {
		if item.StockItemID == "" {
			continue
		}
		mut := repositories.StockMutation{
			StockItemID: item.StockItemID,
			Quantity:    item.StockQuantity(),
			Cause:       cause,
			OrderID:     order.ID,
			Now:         now,
		}

		var (
			level repositories.StockLevel
			err   error
		)
		if cause == domain.MovementCauseOrderCompleted {
			level, err = t.stock.Deduct(ctx, mut)
		} else {
			level, err = t.stock.Restore(ctx, mut)
		}
		if err != nil {
			return nil, mapStockError(err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}
