package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/enums"
)

// OutboxRecord holds an event whose publish failed and awaits the reprocessor.
// Records are never deleted; failed is terminal.
type OutboxRecord struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	EventType   enums.OutboxEventType `gorm:"column:event_type;not null" json:"eventType"`
	AggregateID string                `gorm:"column:aggregate_id;not null" json:"aggregateId"`
	Payload     json.RawMessage       `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Status      enums.OutboxStatus    `gorm:"column:status;not null;index:idx_outbox_status_created,priority:1" json:"status"`
	RetryCount  int                   `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	LastError   *string               `gorm:"column:last_error" json:"lastError,omitempty"`
	ProcessedAt *time.Time            `gorm:"column:processed_at" json:"processedAt,omitempty"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_outbox_status_created,priority:2" json:"createdAt"`
	UpdatedAt   time.Time             `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (OutboxRecord) TableName() string { return "outbox_records" }

func (r *OutboxRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = enums.OutboxStatusPending
	}
	return nil
}
