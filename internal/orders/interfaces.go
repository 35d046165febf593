package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/events"
)

// Repository defines persistence operations for the orders table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// UpdateStatus moves the order to "to" only while it is still in "from"
	// and returns the rows changed.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to enums.OrderStatus) (int64, error)
}

// Service is the sales side of the saga.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error)
	ApplyDeliveryStatus(ctx context.Context, evt events.DeliveryStatusChanged) (saga.TransitionResult[enums.OrderStatus], error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
}
