package shipments

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/events"
)

// Repository defines persistence operations for the shipments table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, shipment *models.Shipment) error
	FindByOrderID(ctx context.Context, orderID string) (*models.Shipment, error)
	// UpdateStatus moves the shipment to "to" only while it is still in
	// "from" and returns the rows changed.
	UpdateStatus(ctx context.Context, orderID string, from, to enums.ShipmentStatus) (int64, error)
	// ListActive returns shipments that have not reached a terminal status.
	ListActive(ctx context.Context) ([]models.Shipment, error)
}

// HandleResult reports what an OrderCreated event did.
type HandleResult struct {
	Shipment models.Shipment
	Outcome  saga.Outcome
}

// Service is the delivery side of the saga.
type Service interface {
	HandleOrderCreated(ctx context.Context, evt events.OrderCreated) (*HandleResult, error)
	Advance(ctx context.Context, orderID string, target enums.ShipmentStatus, correlationID string) (saga.TransitionResult[enums.ShipmentStatus], error)
	GetShipment(ctx context.Context, orderID string) (*models.Shipment, error)
	// Recover re-arms progression for every non-terminal shipment and returns
	// how many were scheduled.
	Recover(ctx context.Context) (int, error)
	// Stop cancels pending progression and waits for running steps.
	Stop()
}
