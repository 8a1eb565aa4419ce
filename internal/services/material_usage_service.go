package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

const (
	eventUsageRegistered = "materials.registered"
	eventUsageDeleted    = "materials.deleted"
)

// MaterialUsageServiceDeps bundles the collaborators for the usage ledger.
type MaterialUsageServiceDeps struct {
	UnitOfWork  repositories.UnitOfWork
	Orders      repositories.OrderRepository
	Stock       repositories.StockRepository
	Usages      repositories.MaterialUsageRepository
	Alerts      StockAlertPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type materialUsageService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	stock    repositories.StockRepository
	usages   repositories.MaterialUsageRepository
	alerts   StockAlertPublisher
	sanitise *bluemonday.Policy
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewMaterialUsageService wires dependencies into a concrete MaterialUsageService.
func NewMaterialUsageService(deps MaterialUsageServiceDeps) (MaterialUsageService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("material usage service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("material usage service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("material usage service: stock repository is required")
	}
	if deps.Usages == nil {
		return nil, errors.New("material usage service: usage repository is required")
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

	return &materialUsageService{
		uow:      deps.UnitOfWork,
		orders:   deps.Orders,
		stock:    deps.Stock,
		usages:   deps.Usages,
		alerts:   deps.Alerts,
		sanitise: bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *materialUsageService) RegisterUsages(ctx context.Context, cmd RegisterUsagesCommand) ([]domain.MaterialUsage, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrUsageInvalidInput)
	}
	if len(cmd.Entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry is required", ErrUsageInvalidInput)
	}

	seen := make(map[string]struct{}, len(cmd.Entries))
	entries := make([]UsageEntryInput, 0, len(cmd.Entries))
	for i, entry := range cmd.Entries {
		stockItemID := strings.TrimSpace(entry.StockItemID)
		if stockItemID == "" {
			return nil, fmt.Errorf("%w: entry %d is missing a stock item", ErrUsageInvalidInput, i)
		}
		if entry.Quantity <= 0 {
			return nil, fmt.Errorf("%w: entry %d quantity must be positive", ErrUsageInvalidInput, i)
		}
		if _, dup := seen[stockItemID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrUsageDuplicate, stockItemID)
		}
		seen[stockItemID] = struct{}{}
		entries = append(entries, UsageEntryInput{
			StockItemID: stockItemID,
			Quantity:    entry.Quantity,
			Notes:       strings.TrimSpace(s.sanitise.Sanitize(entry.Notes)),
		})
	}

	// Deterministic lock order across concurrent batches.
	sort.Slice(entries, func(i, j int) bool { return entries[i].StockItemID < entries[j].StockItemID })

	var (
		created []domain.MaterialUsage
		levels  []repositories.StockLevel
	)

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.LockByID(ctx, orderID)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.Status != domain.OrderStatusCompleted {
			return fmt.Errorf("%w: order is %s", ErrOrderNotCompleted, order.Status)
		}

		now := s.clock()
		for _, entry := range entries {
			exists, err := s.usages.ExistsForOrderItem(ctx, order.ID, entry.StockItemID)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrUsageDuplicate, entry.StockItemID)
			}

			usage := domain.MaterialUsage{
				ID:           "mu_" + s.newID(),
				OrderID:      order.ID,
				StockItemID:  entry.StockItemID,
				Quantity:     entry.Quantity,
				Notes:        entry.Notes,
				RegisteredBy: strings.TrimSpace(cmd.RegisteredBy),
				CreatedAt:    now,
			}

			level, err := s.stock.Deduct(ctx, repositories.StockMutation{
				StockItemID: entry.StockItemID,
				Quantity:    entry.Quantity,
				Cause:       domain.MovementCauseUsageRegistered,
				OrderID:     order.ID,
				UsageID:     usage.ID,
				Now:         now,
			})
			if err != nil {
				return mapStockError(err)
			}

			if err := s.usages.Insert(ctx, usage); err != nil {
				// The unique constraint backstops the pre-check under
				// concurrency.
				if isRepoConflict(err) {
					return fmt.Errorf("%w: %s", ErrUsageDuplicate, entry.StockItemID)
				}
				return err
			}

			created = append(created, usage)
			levels = append(levels, level)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger(ctx, eventUsageRegistered, map[string]any{
		"order_id": orderID,
		"entries":  len(created),
	})
	s.publishLowStock(ctx, levels)

	return created, nil
}

func (s *materialUsageService) DeleteUsage(ctx context.Context, usageID string) error {
	usageID = strings.TrimSpace(usageID)
	if usageID == "" {
		return fmt.Errorf("%w: usage id is required", ErrUsageInvalidInput)
	}

	var removed domain.MaterialUsage

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		usage, err := s.usages.FindByID(ctx, usageID)
		if err != nil {
			if isRepoNotFound(err) {
				return ErrUsageNotFound
			}
			return err
		}

		if _, err := s.stock.Restore(ctx, repositories.StockMutation{
			StockItemID: usage.StockItemID,
			Quantity:    usage.Quantity,
			Cause:       domain.MovementCauseUsageDeleted,
			OrderID:     usage.OrderID,
			UsageID:     usage.ID,
			Now:         s.clock(),
		}); err != nil {
			return mapStockError(err)
		}

		if err := s.usages.Delete(ctx, usageID); err != nil {
			if isRepoNotFound(err) {
				return ErrUsageNotFound
			}
			return err
		}

		removed = usage
		return nil
	})
	if err != nil {
		return err
	}

	s.logger(ctx, eventUsageDeleted, map[string]any{
		"usage_id":      removed.ID,
		"order_id":      removed.OrderID,
		"stock_item_id": removed.StockItemID,
	})
	return nil
}

func (s *materialUsageService) ListUsages(ctx context.Context, orderID string) ([]domain.MaterialUsage, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrUsageInvalidInput)
	}
	return s.usages.ListByOrder(ctx, orderID)
}

func (s *materialUsageService) publishLowStock(ctx context.Context, levels []repositories.StockLevel) {
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
			Cause:       string(domain.MovementCauseUsageRegistered),
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
