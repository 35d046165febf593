package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/internal/inventory"
	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/events"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

type service struct {
	repo      Repository
	executor  *saga.Executor
	inventory inventory.Checker
	logg      *logger.Logger
}

// NewService builds the sales order service. inventory may be nil, in which
// case every order is considered available.
func NewService(repo Repository, executor *saga.Executor, checker inventory.Checker, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if executor == nil {
		return nil, fmt.Errorf("saga executor required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      repo,
		executor:  executor,
		inventory: checker,
		logg:      logg,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	ctx, correlationID, generated := correlation.Ensure(ctx, correlation.FromContext(ctx))
	ctx = s.logg.WithCorrelationID(ctx, correlationID)
	if generated {
		s.logg.Warn(ctx, "missing correlation id on create, generated a new one")
	}

	hash, err := requestHash(input)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order request")
	}

	result, err := saga.Create(ctx, s.executor, saga.CreateStep[models.Order]{
		Operation:      "create_order",
		IdempotencyKey: input.IdempotencyKey,
		RequestHash:    hash,
		Validate: func(ctx context.Context) error {
			return events.Validate(orderCreatedEvent(input, "", time.Now(), correlationID))
		},
		CheckAvailability: func(ctx context.Context) error {
			if s.inventory == nil {
				return nil
			}
			return s.inventory.CheckAvailability(ctx, inventoryLines(input.Items))
		},
		Persist: func(ctx context.Context, tx *gorm.DB) (models.Order, error) {
			order := models.Order{
				UserID: input.UserID,
				Items:  orderItems(input.Items),
				Amount: input.Amount,
				Status: enums.OrderStatusPendingShipment,
			}
			if err := s.repo.WithTx(tx).Create(ctx, &order); err != nil {
				return models.Order{}, err
			}
			return order, nil
		},
		Event: func(order models.Order) *saga.Event {
			return &saga.Event{
				Type:        enums.EventOrderCreated,
				AggregateID: order.ID.String(),
				Payload:     orderCreatedEvent(input, order.ID.String(), order.CreatedAt, correlationID),
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithOrderID(ctx, result.Value.ID.String()), "order "+string(result.Outcome))
	return &CreateOrderResult{Order: result.Value, Outcome: result.Outcome}, nil
}

// ApplyDeliveryStatus mirrors a shipment status change onto the order.
func (s *service) ApplyDeliveryStatus(ctx context.Context, evt events.DeliveryStatusChanged) (saga.TransitionResult[enums.OrderStatus], error) {
	var zero saga.TransitionResult[enums.OrderStatus]
	if err := events.Validate(evt); err != nil {
		return zero, err
	}
	ctx = correlation.WithID(ctx, evt.CorrelationID)
	ctx = s.logg.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = s.logg.WithOrderID(ctx, evt.OrderID)

	target, err := enums.OrderStatusFromShipment(evt.Status)
	if err != nil {
		return zero, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unmapped delivery status")
	}
	id, err := uuid.Parse(evt.OrderID)
	if err != nil {
		return zero, pkgerrors.New(pkgerrors.CodeNotFound, "order not found").
			WithDetails(map[string]string{"orderId": evt.OrderID})
	}

	return saga.ApplyTransition(ctx, s.executor, saga.TransitionStep[enums.OrderStatus]{
		Operation:     "apply_delivery_status",
		EntityID:      evt.OrderID,
		Target:        target,
		CorrelationID: evt.CorrelationID,
		Machine:       statemachine.OrderMachine,
		Load: func(ctx context.Context) (enums.OrderStatus, error) {
			order, err := s.repo.FindByID(ctx, id)
			if err != nil {
				return "", err
			}
			return order.Status, nil
		},
		Write: func(ctx context.Context, tx *gorm.DB, from, to enums.OrderStatus) (int64, error) {
			return s.repo.WithTx(tx).UpdateStatus(ctx, id, from, to)
		},
	})
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return order, nil
}

// requestHash fingerprints the fields that define the order so a reused key
// with a different body can be told apart from a retry.
func requestHash(input CreateOrderInput) (string, error) {
	canonical := struct {
		UserID string      `json:"userId"`
		Items  []ItemInput `json:"items"`
		Amount string      `json:"amount"`
	}{
		UserID: input.UserID,
		Items:  make([]ItemInput, len(input.Items)),
		Amount: input.Amount.String(),
	}
	copy(canonical.Items, input.Items)
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func orderCreatedEvent(input CreateOrderInput, orderID string, at time.Time, correlationID string) events.OrderCreated {
	items := make([]events.Item, len(input.Items))
	for i, item := range input.Items {
		items[i] = events.Item{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price.InexactFloat64(),
			Name:      item.Name,
		}
	}
	return events.OrderCreated{
		OrderID:       orderID,
		UserID:        input.UserID,
		Items:         items,
		Amount:        input.Amount.InexactFloat64(),
		Timestamp:     events.Timestamp(at),
		CorrelationID: correlationID,
	}
}

func orderItems(items []ItemInput) models.OrderItems {
	out := make(models.OrderItems, len(items))
	for i, item := range items {
		out[i] = models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Name:      item.Name,
		}
	}
	return out
}

func inventoryLines(items []ItemInput) []inventory.Line {
	lines := make([]inventory.Line, len(items))
	for i, item := range items {
		lines[i] = inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}
