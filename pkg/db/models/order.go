package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/enums"
)

// Amounts and prices are JSON numbers on the wire.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Order is owned by the sales service and only mutated by the saga executor.
type Order struct {
	ID        uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID    string            `gorm:"column:user_id;not null" json:"userId"`
	Items     OrderItems        `gorm:"column:items;type:jsonb;not null" json:"items"`
	Amount    decimal.Decimal   `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Status    enums.OrderStatus `gorm:"column:status;not null" json:"status"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = enums.OrderStatusPendingShipment
	}
	return nil
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name,omitempty"`
}

// OrderItems persists as a JSON document.
type OrderItems []OrderItem

func (i OrderItems) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	b, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (i *OrderItems) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*i = OrderItems{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported order items type %T", src)
	}
	return json.Unmarshal(raw, i)
}
