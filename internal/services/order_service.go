package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

const (
	orderNumberCounter = "order_number"
	orderNumberPrefix  = "RS"

	eventOrderCreated   = "order.created"
	eventOrderConfirmed = "order.confirmed"
)

// OrderServiceDeps bundles the collaborators for the order service.
type OrderServiceDeps struct {
	UnitOfWork  repositories.UnitOfWork
	Orders      repositories.OrderRepository
	Stock       repositories.StockRepository
	Counters    repositories.CounterRepository
	Alerts      StockAlertPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	stock    repositories.StockRepository
	counters repositories.CounterRepository
	alerts   StockAlertPublisher
	apply    orderTransitioner
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		uow:      deps.UnitOfWork,
		orders:   deps.Orders,
		stock:    deps.Stock,
		counters: deps.Counters,
		alerts:   deps.Alerts,
		apply:    orderTransitioner{orders: deps.Orders, stock: deps.Stock},
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.StockItemID) == "" {
			return domain.Order{}, fmt.Errorf("%w: item %d is missing a stock item", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPriceCents < 0 {
			return domain.Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = "ARS"
	}

	now := s.clock()
	order := domain.Order{
		ID:          "ord_" + s.newID(),
		CustomerRef: strings.TrimSpace(cmd.CustomerRef),
		Status:      domain.OrderStatusPending,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, input := range cmd.Items {
		item := domain.OrderItem{
			ID:             "itm_" + s.newID(),
			OrderID:        order.ID,
			ProductRef:     strings.TrimSpace(input.ProductRef),
			StockItemID:    strings.TrimSpace(input.StockItemID),
			Description:    strings.TrimSpace(input.Description),
			Quantity:       input.Quantity,
			UnitPriceCents: input.UnitPriceCents,
			TotalCents:     input.Quantity * input.UnitPriceCents,
		}
		order.TotalCents += item.TotalCents
		order.Items = append(order.Items, item)
	}

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		// Referenced stock items must exist and be active before the order
		// can promise to deduct them later.
		for _, item := range order.Items {
			stockItem, err := s.stock.FindByID(ctx, item.StockItemID)
			if err != nil {
				if isRepoNotFound(err) {
					return fmt.Errorf("%w: %s", ErrStockItemNotFound, item.StockItemID)
				}
				return mapStockError(err)
			}
			if !stockItem.Active {
				return fmt.Errorf("%w: %s", ErrStockItemInactive, item.StockItemID)
			}
		}

		seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
		if err != nil {
			return err
		}
		order.OrderNumber = fmt.Sprintf("%s-%d-%06d", orderNumberPrefix, now.Year(), seq)

		return s.orders.Insert(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger(ctx, eventOrderCreated, map[string]any{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total_cents":  order.TotalCents,
		"items":        len(order.Items),
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return order, nil
}

// ConfirmOrder completes an order without a gateway notification, for
// in-person payments settled at the studio counter. It shares the webhook's
// transition function so the two paths cannot diverge.
func (s *orderService) ConfirmOrder(ctx context.Context, orderID, actor string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		confirmed domain.Order
		levels    []repositories.StockLevel
		applied   bool
	)

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.LockByID(ctx, orderID)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrOrderNotFound
			}
			return err
		}

		if order.Status == domain.OrderStatusCompleted {
			// Duplicate confirmation is a no-op, mirroring duplicate
			// approved notifications.
			confirmed = order
			return nil
		}

		result, err := s.apply.apply(ctx, &order, domain.OrderStatusCompleted, "", s.clock())
		if err != nil {
			return err
		}

		confirmed = order
		levels = result
		applied = true
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	if applied {
		s.logger(ctx, eventOrderConfirmed, map[string]any{
			"order_id": confirmed.ID,
			"actor":    strings.TrimSpace(actor),
		})
		s.publishLowStock(ctx, levels)
	}
	return confirmed, nil
}

func (s *orderService) publishLowStock(ctx context.Context, levels []repositories.StockLevel) {
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
			Cause:       string(domain.MovementCauseOrderCompleted),
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
