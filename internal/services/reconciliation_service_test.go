package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/payments"
)

func pendingOrder() domain.Order {
	return domain.Order{
		ID:          "ord_42",
		OrderNumber: "RS-2026-000042",
		Status:      domain.OrderStatusPending,
		Currency:    "ARS",
		TotalCents:  150_50,
		Items: []domain.OrderItem{
			{ID: "itm_1", OrderID: "ord_42", StockItemID: "stk_vinyl", Quantity: 2, UnitPriceCents: 50_00, TotalCents: 100_00},
			{ID: "itm_2", OrderID: "ord_42", StockItemID: "stk_acrylic", Quantity: 1, UnitPriceCents: 50_50, TotalCents: 50_50},
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func stockFixture() []domain.StockItem {
	return []domain.StockItem{
		{ID: "stk_vinyl", SKU: "VIN-001", Name: "Vinyl roll", Quantity: 10_000, MinStock: 2_000, Active: true},
		{ID: "stk_acrylic", SKU: "ACR-001", Name: "Acrylic sheet", Quantity: 5_000, MinStock: 1_000, Active: true},
	}
}

func newReconciler(t *testing.T, orders *memOrders, stock *memStock, gateway *stubGateway, alerts StockAlertPublisher) ReconciliationService {
	t.Helper()
	svc, err := NewReconciliationService(ReconciliationServiceDeps{
		UnitOfWork: &stubUnitOfWork{},
		Orders:     orders,
		Stock:      stock,
		Gateways:   gateway,
		Alerts:     alerts,
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}
	return svc
}

func TestReconcilePayment_ApprovedCompletesAndDeducts(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_777"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeOK)
	}
	if result.OrderStatus != domain.OrderStatusCompleted {
		t.Fatalf("order status = %s, want completed", result.OrderStatus)
	}

	order := orders.orders["ord_42"]
	if order.Status != domain.OrderStatusCompleted {
		t.Errorf("persisted status = %s, want completed", order.Status)
	}
	if order.LastPaymentID != "pay_777" {
		t.Errorf("last payment id = %q, want pay_777", order.LastPaymentID)
	}
	if order.CompletedAt == nil || !order.CompletedAt.Equal(testNow) {
		t.Errorf("completed at = %v, want %v", order.CompletedAt, testNow)
	}

	if got := stock.items["stk_vinyl"].Quantity; got != 8_000 {
		t.Errorf("vinyl quantity = %d, want 8000", got)
	}
	if got := stock.items["stk_acrylic"].Quantity; got != 4_000 {
		t.Errorf("acrylic quantity = %d, want 4000", got)
	}
	if got := len(stock.movementsFor(domain.MovementCauseOrderCompleted)); got != 2 {
		t.Errorf("completed movements = %d, want 2", got)
	}
}

func TestReconcilePayment_DuplicateDeliveryIsNoOp(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	cmd := ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_777"}
	if _, err := svc.ReconcilePayment(context.Background(), cmd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	result, err := svc.ReconcilePayment(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeAlreadyProcessed)
	}
	if got := len(stock.movements); got != 2 {
		t.Errorf("movements = %d, want 2 (one per line, applied once)", got)
	}
	if got := stock.items["stk_vinyl"].Quantity; got != 8_000 {
		t.Errorf("vinyl quantity = %d, want 8000", got)
	}
}

func TestReconcilePayment_LateNotificationAfterCompletionIsNoOp(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusCompleted
	order.LastPaymentID = "pay_777"
	orders := newMemOrders(order)

	items := stockFixture()
	items[0].Quantity = 8_000
	items[1].Quantity = 4_000
	stock := newMemStock(items...)

	// Out-of-order delivery: a stale pending notification for the payment
	// that already completed the order arrives after the approval.
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusPending,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_777"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeAlreadyProcessed)
	}
	if got := orders.orders["ord_42"].Status; got != domain.OrderStatusCompleted {
		t.Errorf("status = %s, stale notification must not move the order", got)
	}
	if got := len(stock.movements); got != 0 {
		t.Errorf("movements = %d, want 0", got)
	}
}

func TestReconcilePayment_ReplayedApprovalAfterRefundIsNoOp(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusRefunded
	order.LastPaymentID = "pay_777"
	orders := newMemOrders(order)
	stock := newMemStock(stockFixture()...)

	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_777"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeAlreadyProcessed)
	}
	if got := len(stock.movements); got != 0 {
		t.Errorf("movements = %d, replayed approval must not deduct again", got)
	}
}

func TestReconcilePayment_ProcessingLeavesMarkerForLedgerTransition(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusPending,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	cmd := ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_777"}
	if _, err := svc.ReconcilePayment(context.Background(), cmd); err != nil {
		t.Fatalf("pending delivery: %v", err)
	}
	if got := orders.orders["ord_42"].LastPaymentID; got != "" {
		t.Fatalf("last payment id = %q, bookkeeping transition must not write the marker", got)
	}

	// The later approval for the same payment must still apply its deduction.
	gateway.details.Status = domain.GatewayStatusApproved
	result, err := svc.ReconcilePayment(context.Background(), cmd)
	if err != nil {
		t.Fatalf("approved delivery: %v", err)
	}
	if result.Outcome != OutcomeOK || result.OrderStatus != domain.OrderStatusCompleted {
		t.Fatalf("result = %+v, want OK/completed", result)
	}
	if got := orders.orders["ord_42"].LastPaymentID; got != "pay_777" {
		t.Errorf("last payment id = %q, want pay_777", got)
	}
	if got := stock.items["stk_vinyl"].Quantity; got != 8_000 {
		t.Errorf("vinyl quantity = %d, want 8000", got)
	}
}

func TestReconcilePayment_LogsRequestID(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_777",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}

	captured := map[string]map[string]any{}
	svc, err := NewReconciliationService(ReconciliationServiceDeps{
		UnitOfWork: &stubUnitOfWork{},
		Orders:     orders,
		Stock:      stock,
		Gateways:   gateway,
		Clock:      fixedClock,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			captured[event] = fields
		},
	})
	if err != nil {
		t.Fatalf("NewReconciliationService: %v", err)
	}

	if _, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{
		Provider:  "mercadopago",
		PaymentID: "pay_777",
		RequestID: "req-9",
	}); err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}

	fields, ok := captured[eventReconcileApplied]
	if !ok {
		t.Fatalf("no %s event logged", eventReconcileApplied)
	}
	if got := fields["request_id"]; got != "req-9" {
		t.Errorf("request_id = %v, want req-9", got)
	}
}

func TestReconcilePayment_RefundRestoresExactly(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusCompleted
	order.LastPaymentID = "pay_777"
	orders := newMemOrders(order)

	items := stockFixture()
	items[0].Quantity = 8_000
	items[1].Quantity = 4_000
	stock := newMemStock(items...)

	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_778",
		Status:            domain.GatewayStatusRefunded,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_778"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOK || result.OrderStatus != domain.OrderStatusRefunded {
		t.Fatalf("result = %+v, want OK/refunded", result)
	}

	if got := stock.items["stk_vinyl"].Quantity; got != 10_000 {
		t.Errorf("vinyl quantity = %d, restoration must mirror the deduction", got)
	}
	if got := stock.items["stk_acrylic"].Quantity; got != 5_000 {
		t.Errorf("acrylic quantity = %d, restoration must mirror the deduction", got)
	}
	if orders.orders["ord_42"].RefundedAt == nil {
		t.Error("refunded at not set")
	}
}

func TestReconcilePayment_RefundBeforeCompletionRejected(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_779",
		Status:            domain.GatewayStatusRefunded,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_779"})
	if !errors.Is(err, ErrOrderIllegalTransition) {
		t.Fatalf("err = %v, want ErrOrderIllegalTransition", err)
	}
	if result.Outcome != OutcomeUpdateError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeUpdateError)
	}
	if orders.orders["ord_42"].Status != domain.OrderStatusPending {
		t.Error("order status must be untouched after a rejected transition")
	}
	if len(stock.movements) != 0 {
		t.Errorf("movements = %d, want none", len(stock.movements))
	}
}

func TestReconcilePayment_InsufficientStockFailsWhole(t *testing.T) {
	order := pendingOrder()
	order.Items = order.Items[:1] // single line so the failure precedes any write
	orders := newMemOrders(order)

	items := stockFixture()
	items[0].Quantity = 1_000 // needs 2000
	stock := newMemStock(items...)

	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_780",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_780"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if result.Outcome != OutcomeUpdateError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeUpdateError)
	}
	if orders.orders["ord_42"].Status != domain.OrderStatusPending {
		t.Error("order must stay pending so the provider retry can succeed after restock")
	}
	if got := stock.items["stk_vinyl"].Quantity; got != 1_000 {
		t.Errorf("vinyl quantity = %d, want 1000 untouched", got)
	}
}

func TestReconcilePayment_UnmappedStatusIgnored(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_781",
		Status:            domain.GatewayStatusUnknown,
		ExternalReference: "RS-2026-000042",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_781"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeIgnored)
	}
	if orders.orders["ord_42"].Status != domain.OrderStatusPending {
		t.Error("order must be untouched for unmapped statuses")
	}
}

func TestReconcilePayment_OrderNotFound(t *testing.T) {
	orders := newMemOrders()
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_782",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-999999",
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_782"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOrderNotFound {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeOrderNotFound)
	}
}

func TestReconcilePayment_MissingReferenceReportsOrderNotFound(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID: "pay_783",
		Status:    domain.GatewayStatusApproved,
	}}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_783"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOrderNotFound {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeOrderNotFound)
	}
}

func TestReconcilePayment_GatewayFailureSignalsRetry(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	lookupErr := &payments.GatewayError{Provider: "mercadopago", Kind: payments.ErrorKindUnavailable}
	gateway := &stubGateway{err: lookupErr}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_784"})
	if err == nil {
		t.Fatal("expected lookup error")
	}
	if result.Outcome != OutcomeUpdateError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeUpdateError)
	}
	if orders.orders["ord_42"].Status != domain.OrderStatusPending {
		t.Error("order must be untouched when the gateway is unreachable")
	}
}

func TestReconcilePayment_EmptyPaymentID(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	stock := newMemStock(stockFixture()...)
	gateway := &stubGateway{}
	svc := newReconciler(t, orders, stock, gateway, nil)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "  "})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("err = %v, want ErrOrderInvalidInput", err)
	}
	if result.Outcome != OutcomeUpdateError {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeUpdateError)
	}
	if gateway.calls != 0 {
		t.Error("gateway must not be called for empty payment ids")
	}
}

func TestReconcilePayment_LowStockAlertPublished(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	items := stockFixture()
	items[0].Quantity = 3_000 // drops to 1000, below the 2000 minimum
	stock := newMemStock(items...)

	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_785",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	alerts := &recordingAlerts{}
	svc := newReconciler(t, orders, stock, gateway, alerts)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_785"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeOK)
	}

	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts.alerts))
	}
	alert := alerts.alerts[0]
	if alert.StockItemID != "stk_vinyl" || alert.Quantity != 1_000 || alert.MinQuantity != 2_000 {
		t.Errorf("alert = %+v, want stk_vinyl at 1000/2000", alert)
	}
	if alert.Cause != string(domain.MovementCauseOrderCompleted) {
		t.Errorf("alert cause = %s, want order_completed", alert.Cause)
	}
}

func TestReconcilePayment_AlertFailureDoesNotFailReconciliation(t *testing.T) {
	orders := newMemOrders(pendingOrder())
	items := stockFixture()
	items[0].Quantity = 2_500
	stock := newMemStock(items...)

	gateway := &stubGateway{details: payments.PaymentDetails{
		PaymentID:         "pay_786",
		Status:            domain.GatewayStatusApproved,
		ExternalReference: "RS-2026-000042",
	}}
	alerts := &recordingAlerts{err: errors.New("pubsub unavailable")}
	svc := newReconciler(t, orders, stock, gateway, alerts)

	result, err := svc.ReconcilePayment(context.Background(), ReconcileCommand{Provider: "mercadopago", PaymentID: "pay_786"})
	if err != nil {
		t.Fatalf("ReconcilePayment: %v", err)
	}
	if result.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want %s despite alert failure", result.Outcome, OutcomeOK)
	}
	if orders.orders["ord_42"].Status != domain.OrderStatusCompleted {
		t.Error("transition must stay committed when the alert publish fails")
	}
}

func TestTargetStatusTable(t *testing.T) {
	cases := []struct {
		gateway domain.GatewayStatus
		want    domain.OrderStatus
		mapped  bool
	}{
		{domain.GatewayStatusApproved, domain.OrderStatusCompleted, true},
		{domain.GatewayStatusRejected, domain.OrderStatusCancelled, true},
		{domain.GatewayStatusCancelled, domain.OrderStatusCancelled, true},
		{domain.GatewayStatusPending, domain.OrderStatusProcessing, true},
		{domain.GatewayStatusInProcess, domain.OrderStatusProcessing, true},
		{domain.GatewayStatusInMediation, domain.OrderStatusProcessing, true},
		{domain.GatewayStatusChargedBack, domain.OrderStatusRefunded, true},
		{domain.GatewayStatusRefunded, domain.OrderStatusRefunded, true},
		{domain.GatewayStatusUnknown, "", false},
		{domain.GatewayStatus("authorized"), "", false},
	}
	for _, tc := range cases {
		got, mapped := targetStatus(tc.gateway)
		if mapped != tc.mapped || got != tc.want {
			t.Errorf("targetStatus(%s) = (%s, %t), want (%s, %t)", tc.gateway, got, mapped, tc.want, tc.mapped)
		}
	}
}

func TestLegalTransitionFailsClosed(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusProcessing,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
	}
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusProcessing}:   true,
		{domain.OrderStatusPending, domain.OrderStatusCompleted}:    true,
		{domain.OrderStatusPending, domain.OrderStatusCancelled}:    true,
		{domain.OrderStatusProcessing, domain.OrderStatusCompleted}: true,
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled}: true,
		{domain.OrderStatusCompleted, domain.OrderStatusRefunded}:   true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]domain.OrderStatus{from, to}]
			if got := legalTransition(from, to); got != want {
				t.Errorf("legalTransition(%s, %s) = %t, want %t", from, to, got, want)
			}
		}
	}
}
