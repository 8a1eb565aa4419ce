package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was created and awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the gateway reported the payment as in flight.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted indicates the payment was approved and stock was deducted.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the payment was rejected or the order was abandoned.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates a completed order was refunded and stock restored.
	OrderStatusRefunded OrderStatus = "refunded"
)

// GatewayStatus enumerates the normalised payment states reported by gateways.
type GatewayStatus string

const (
	// GatewayStatusApproved means the payment was captured.
	GatewayStatusApproved GatewayStatus = "approved"
	// GatewayStatusRejected means the gateway declined the payment.
	GatewayStatusRejected GatewayStatus = "rejected"
	// GatewayStatusCancelled means the payer or gateway cancelled the attempt.
	GatewayStatusCancelled GatewayStatus = "cancelled"
	// GatewayStatusPending means the payment awaits payer action.
	GatewayStatusPending GatewayStatus = "pending"
	// GatewayStatusInProcess means the gateway is still settling the payment.
	GatewayStatusInProcess GatewayStatus = "in_process"
	// GatewayStatusInMediation means the payment is disputed but not resolved.
	GatewayStatusInMediation GatewayStatus = "in_mediation"
	// GatewayStatusChargedBack means the payer reversed the charge.
	GatewayStatusChargedBack GatewayStatus = "charged_back"
	// GatewayStatusRefunded means the gateway refunded the payment.
	GatewayStatusRefunded GatewayStatus = "refunded"
	// GatewayStatusUnknown covers statuses the reconciliation table does not map.
	GatewayStatusUnknown GatewayStatus = "unknown"
)

// Order is the aggregate mutated exclusively through the reconciliation
// transition function. LastPaymentID is the idempotency marker: it is only
// written in the same transaction as the ledger mutation it guards.
type Order struct {
	ID            string
	OrderNumber   string
	CustomerRef   string
	Status        OrderStatus
	Currency      string
	TotalCents    int64
	PaymentID     string
	LastPaymentID string
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	RefundedAt    *time.Time
}

// MilliPerUnit is the ledger scale: one whole sellable unit equals 1000
// milliunits, letting fractional materials share the integer ledger.
const MilliPerUnit int64 = 1000

// OrderItem is a sold line referencing a sellable unit. StockItemID links the
// line to the inventory row it consumes on completion. Immutable once the
// order completes.
type OrderItem struct {
	ID             string
	OrderID        string
	ProductRef     string
	StockItemID    string
	Description    string
	Quantity       int64
	UnitPriceCents int64
	TotalCents     int64
}

// StockQuantity returns the milliunit amount this line deducts from its
// stock item.
func (i OrderItem) StockQuantity() int64 {
	return i.Quantity * MilliPerUnit
}

// StockItem is an inventory row. Quantity is stored in milliunits so that
// fractional materials (paint, vinyl metres) share the integer ledger, and
// is never negative.
type StockItem struct {
	ID        string
	SKU       string
	Name      string
	Unit      string
	Quantity  int64
	MinStock  int64
	Active    bool
	UpdatedAt time.Time
}

// AtOrBelowMinimum reports whether the item sits at or under its threshold.
func (s StockItem) AtOrBelowMinimum() bool {
	return s.Quantity <= s.MinStock
}

// MaterialUsage records manual craft consumption against a completed order.
// At most one record exists per (order, stock item) pair.
type MaterialUsage struct {
	ID           string
	OrderID      string
	StockItemID  string
	Quantity     int64
	Notes        string
	RegisteredBy string
	CreatedAt    time.Time
}

// MovementCause attributes a stock mutation to exactly one triggering event.
type MovementCause string

const (
	// MovementCauseOrderCompleted is a deduction driven by an approved payment.
	MovementCauseOrderCompleted MovementCause = "order_completed"
	// MovementCauseOrderRefunded is a restoration driven by a refund or chargeback.
	MovementCauseOrderRefunded MovementCause = "order_refunded"
	// MovementCauseUsageRegistered is a deduction from a material usage record.
	MovementCauseUsageRegistered MovementCause = "usage_registered"
	// MovementCauseUsageDeleted is a restoration from deleting a usage record.
	MovementCauseUsageDeleted MovementCause = "usage_deleted"
)

// StockMovement is an append-only audit row written in the same transaction
// as the quantity change it describes.
type StockMovement struct {
	ID          int64
	StockItemID string
	Delta       int64
	Resulting   int64
	Cause       MovementCause
	OrderID     string
	UsageID     string
	CreatedAt   time.Time
}
