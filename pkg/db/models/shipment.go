package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/enums"
)

// Shipment is owned by the delivery service; one per order.
type Shipment struct {
	ID            uuid.UUID            `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrderID       string               `gorm:"column:order_id;not null;uniqueIndex:uq_shipments_order_id" json:"orderId"`
	UserID        string               `gorm:"column:user_id;not null" json:"userId"`
	Status        enums.ShipmentStatus `gorm:"column:status;not null" json:"status"`
	CorrelationID string               `gorm:"column:correlation_id;not null" json:"correlationId"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Shipment) TableName() string { return "shipments" }

func (s *Shipment) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = enums.ShipmentStatusPending
	}
	return nil
}
