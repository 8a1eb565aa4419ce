package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrOrderIllegalTransition indicates the requested status change is not
	// permitted from the order's current state.
	ErrOrderIllegalTransition = errors.New("orders: illegal status transition")
	// ErrStockItemNotFound indicates a referenced stock item does not exist.
	ErrStockItemNotFound = errors.New("stock: item not found")
	// ErrStockItemInactive indicates the stock item is disabled for movements.
	ErrStockItemInactive = errors.New("stock: item inactive")
	// ErrInsufficientStock indicates a deduction would drive a quantity negative.
	ErrInsufficientStock = errors.New("stock: insufficient quantity")
	// ErrUsageInvalidInput signals the usage batch is malformed.
	ErrUsageInvalidInput = errors.New("materials: invalid input")
	// ErrUsageDuplicate indicates a usage already exists for the (order, item) pair.
	ErrUsageDuplicate = errors.New("materials: duplicate usage for order and stock item")
	// ErrUsageNotFound indicates the usage record could not be located.
	ErrUsageNotFound = errors.New("materials: usage not found")
	// ErrOrderNotCompleted indicates materials can only be recorded against completed orders.
	ErrOrderNotCompleted = errors.New("materials: order is not completed")
)

// ReconcileOutcome is the acknowledgment token returned to webhook callers.
type ReconcileOutcome string

const (
	// OutcomeOK means a transition was applied.
	OutcomeOK ReconcileOutcome = "OK"
	// OutcomeAlreadyProcessed means the notification was a duplicate no-op.
	OutcomeAlreadyProcessed ReconcileOutcome = "ALREADY_PROCESSED"
	// OutcomeOrderNotFound means no order matches the payment's reference.
	OutcomeOrderNotFound ReconcileOutcome = "ORDER_NOT_FOUND"
	// OutcomeIgnored means the gateway status has no mapping and was acknowledged untouched.
	OutcomeIgnored ReconcileOutcome = "IGNORED"
	// OutcomeUpdateError means the update failed and the provider should retry.
	OutcomeUpdateError ReconcileOutcome = "UPDATE_ERROR"
)

// ReconcileCommand identifies the gateway notification to reconcile.
type ReconcileCommand struct {
	Provider  string
	PaymentID string
	RequestID string
}

// ReconcileResult reports the applied outcome for acknowledgment.
type ReconcileResult struct {
	Outcome     ReconcileOutcome
	OrderID     string
	OrderStatus domain.OrderStatus
}

// ReconciliationService drives payment-to-inventory reconciliation.
type ReconciliationService interface {
	// ReconcilePayment fetches the payment from its gateway and applies the
	// resulting order transition and ledger mutation in one transaction.
	// Business outcomes are reported through the result token; the error is
	// diagnostic and never implies a partial write.
	ReconcilePayment(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error)
}

// CreateOrderItemInput describes one sold line on a new order.
type CreateOrderItemInput struct {
	ProductRef     string
	StockItemID    string
	Description    string
	Quantity       int64
	UnitPriceCents int64
}

// CreateOrderCommand captures the checkout payload for a new pending order.
type CreateOrderCommand struct {
	CustomerRef string
	Currency    string
	Items       []CreateOrderItemInput
}

// OrderService manages order lifecycle outside the webhook path.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// ConfirmOrder is the manual completion path. It routes through the same
	// transition and deduction logic as an approved gateway notification.
	ConfirmOrder(ctx context.Context, orderID, actor string) (domain.Order, error)
}

// UsageEntryInput describes one material consumption line.
type UsageEntryInput struct {
	StockItemID string
	Quantity    int64
	Notes       string
}

// RegisterUsagesCommand captures a batch of consumption records for an order.
type RegisterUsagesCommand struct {
	OrderID      string
	Entries      []UsageEntryInput
	RegisteredBy string
}

// MaterialUsageService records manual material consumption against completed orders.
type MaterialUsageService interface {
	// RegisterUsages writes the whole batch and its deductions in one
	// transaction; partial registration never occurs.
	RegisterUsages(ctx context.Context, cmd RegisterUsagesCommand) ([]domain.MaterialUsage, error)
	DeleteUsage(ctx context.Context, usageID string) error
	ListUsages(ctx context.Context, orderID string) ([]domain.MaterialUsage, error)
}

// StockAlert is the low-stock event emitted after a committed deduction left
// an item at or below its minimum threshold.
type StockAlert struct {
	StockItemID string    `json:"stockItemId"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Quantity    int64     `json:"quantity"`
	MinQuantity int64     `json:"minQuantity"`
	Cause       string    `json:"cause"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// StockAlertPublisher delivers low-stock alerts. Implementations are
// best-effort; failures are logged and never affect the transaction that
// produced the alert.
type StockAlertPublisher interface {
	PublishStockAlert(ctx context.Context, alert StockAlert) (string, error)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func mapStockError(err error) error {
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) {
		if isRepoNotFound(err) {
			return ErrStockItemNotFound
		}
		return err
	}
	switch stockErr.Code {
	case repositories.StockErrorInsufficient:
		return ErrInsufficientStock
	case repositories.StockErrorNotFound:
		return ErrStockItemNotFound
	case repositories.StockErrorInactive:
		return ErrStockItemInactive
	default:
		return err
	}
}
