package orders

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/orderflow/internal/saga"
	"github.com/angelmondragon/orderflow/pkg/db/models"
)

// ItemInput is one requested order line.
type ItemInput struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int             `json:"quantity" validate:"min=1"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name,omitempty"`
}

// CreateOrderInput carries a create request. IdempotencyKey scopes retries of
// the same logical request.
type CreateOrderInput struct {
	UserID         string          `json:"userId" validate:"required"`
	Items          []ItemInput     `json:"items" validate:"required,min=1,dive"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required"`
}

// CreateOrderResult is the created (or previously created) order.
type CreateOrderResult struct {
	Order   models.Order `json:"order"`
	Outcome saga.Outcome `json:"outcome"`
}
