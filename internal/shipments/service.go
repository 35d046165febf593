package shipments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/correlation"
	"github.com/angelmondragon/orderflow/pkg/db"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/angelmondragon/orderflow/pkg/events"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
	"github.com/angelmondragon/orderflow/pkg/statemachine"
)

const guardKeyPrefix = "shipment:"

var errShipmentExists = errors.New("shipment already exists for order")

// ServiceParams configure the delivery service.
type ServiceParams struct {
	Repository   Repository
	Executor     *saga.Executor
	Logger       *logger.Logger
	Metrics      *metrics.JobMetrics
	ShipDelay    time.Duration
	DeliverDelay time.Duration
	RetryDelay   time.Duration
}

type service struct {
	repo        Repository
	executor    *saga.Executor
	logg        *logger.Logger
	progression *progression
}

// NewService builds the delivery service together with its progression
// scheduler.
func NewService(p ServiceParams) (Service, error) {
	if p.Repository == nil {
		return nil, fmt.Errorf("shipments repository required")
	}
	if p.Executor == nil {
		return nil, fmt.Errorf("saga executor required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	s := &service{
		repo:     p.Repository,
		executor: p.Executor,
		logg:     p.Logger,
	}
	s.progression = newProgression(progressionParams{
		advance:      s.Advance,
		logg:         p.Logger,
		metrics:      p.Metrics,
		shipDelay:    p.ShipDelay,
		deliverDelay: p.DeliverDelay,
		retryDelay:   p.RetryDelay,
	})
	return s, nil
}

// HandleOrderCreated creates the Pending shipment for an order and starts its
// progression. Redelivered events resolve to the shipment that already exists.
func (s *service) HandleOrderCreated(ctx context.Context, evt events.OrderCreated) (*HandleResult, error) {
	if err := events.Validate(evt); err != nil {
		return nil, err
	}
	if evt.OrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event payload invalid").
			WithDetails(map[string]string{"orderId": "is required"})
	}
	ctx = correlation.WithID(ctx, evt.CorrelationID)
	ctx = s.logg.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = s.logg.WithOrderID(ctx, evt.OrderID)

	inserted := false
	result, err := saga.Create(ctx, s.executor, saga.CreateStep[models.Shipment]{
		Operation:      "create_shipment",
		IdempotencyKey: guardKeyPrefix + evt.OrderID,
		RequestHash:    evt.OrderID + "|" + evt.UserID,
		Persist: func(ctx context.Context, tx *gorm.DB) (models.Shipment, error) {
			repo := s.repo.WithTx(tx)
			existing, err := repo.FindByOrderID(ctx, evt.OrderID)
			if err == nil {
				return *existing, nil
			}
			if !db.IsNotFound(err) {
				return models.Shipment{}, err
			}
			shipment := models.Shipment{
				OrderID:       evt.OrderID,
				UserID:        evt.UserID,
				Status:        enums.ShipmentStatusPending,
				CorrelationID: evt.CorrelationID,
			}
			if err := repo.Create(ctx, &shipment); err != nil {
				if db.IsUniqueViolation(err, "order_id") {
					return models.Shipment{}, errShipmentExists
				}
				return models.Shipment{}, err
			}
			inserted = true
			return shipment, nil
		},
	})
	if errors.Is(err, errShipmentExists) {
		// Lost the insert race to a caller outside the guard.
		existing, findErr := s.repo.FindByOrderID(ctx, evt.OrderID)
		if findErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, findErr, "load existing shipment")
		}
		result = saga.CreateResult[models.Shipment]{Value: *existing, Outcome: saga.Existing}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	outcome := result.Outcome
	if outcome == saga.Created && !inserted {
		outcome = saga.Existing
	}
	shipment := result.Value
	if outcome == saga.Existing {
		// A cached result may trail the row by a stage or two.
		if current, err := s.repo.FindByOrderID(ctx, evt.OrderID); err == nil {
			shipment = *current
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "status", string(shipment.Status)), "shipment "+string(outcome))

	s.progression.schedule(shipment.OrderID, shipment.Status, shipment.CorrelationID)
	return &HandleResult{Shipment: shipment, Outcome: outcome}, nil
}

// Advance moves the shipment for orderID to target and announces the change on
// delivery-events.
func (s *service) Advance(ctx context.Context, orderID string, target enums.ShipmentStatus, correlationID string) (saga.TransitionResult[enums.ShipmentStatus], error) {
	var zero saga.TransitionResult[enums.ShipmentStatus]
	if err := events.Validate(statusChangedEvent(orderID, target, time.Now(), correlationID)); err != nil {
		return zero, err
	}
	ctx = correlation.WithID(ctx, correlationID)
	ctx = s.logg.WithCorrelationID(ctx, correlationID)
	ctx = s.logg.WithOrderID(ctx, orderID)

	return saga.ApplyTransition(ctx, s.executor, saga.TransitionStep[enums.ShipmentStatus]{
		Operation:     "advance_shipment",
		EntityID:      orderID,
		Target:        target,
		CorrelationID: correlationID,
		Machine:       statemachine.ShipmentMachine,
		Load: func(ctx context.Context) (enums.ShipmentStatus, error) {
			shipment, err := s.repo.FindByOrderID(ctx, orderID)
			if err != nil {
				return "", err
			}
			return shipment.Status, nil
		},
		Write: func(ctx context.Context, tx *gorm.DB, from, to enums.ShipmentStatus) (int64, error) {
			return s.repo.WithTx(tx).UpdateStatus(ctx, orderID, from, to)
		},
		Event: func(_, to enums.ShipmentStatus) *saga.Event {
			return &saga.Event{
				Type:        enums.EventDeliveryStatusChanged,
				AggregateID: orderID,
				Payload:     statusChangedEvent(orderID, to, time.Now(), correlationID),
			}
		},
	})
}

func (s *service) GetShipment(ctx context.Context, orderID string) (*models.Shipment, error) {
	shipment, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shipment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load shipment")
	}
	return shipment, nil
}

func (s *service) Recover(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list active shipments")
	}
	scheduled := 0
	for _, shipment := range active {
		if s.progression.schedule(shipment.OrderID, shipment.Status, shipment.CorrelationID) {
			scheduled++
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "scheduled", scheduled), "shipment progression recovered")
	return scheduled, nil
}

func (s *service) Stop() {
	s.progression.stop()
}

func statusChangedEvent(orderID string, status enums.ShipmentStatus, at time.Time, correlationID string) events.DeliveryStatusChanged {
	return events.DeliveryStatusChanged{
		OrderID:       orderID,
		Status:        status,
		Timestamp:     events.Timestamp(at),
		CorrelationID: correlationID,
	}
}
