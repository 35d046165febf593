// Package outbox stores events whose publish failed and replays them later.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
	"github.com/angelmondragon/orderflow/pkg/logger"
	"github.com/angelmondragon/orderflow/pkg/metrics"
)

type Service struct {
	db      *gorm.DB
	repo    *Repository
	logg    *logger.Logger
	metrics *metrics.OutboxMetrics
}

func NewService(db *gorm.DB, repo *Repository, logg *logger.Logger, m *metrics.OutboxMetrics) *Service {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{db: db, repo: repo, logg: logg, metrics: m}
}

// Save stores payload as a pending record for aggregateID. cause is the
// publish error that sent it here, kept as the initial lastError.
func (s *Service) Save(ctx context.Context, eventType enums.OutboxEventType, aggregateID string, payload any, cause error) (*models.OutboxRecord, error) {
	if !eventType.IsValid() {
		return nil, errors.New("unknown outbox event type " + eventType.String())
	}
	if strings.TrimSpace(aggregateID) == "" {
		return nil, errors.New("aggregate id required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	record := &models.OutboxRecord{
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     json.RawMessage(raw),
		Status:      enums.OutboxStatusPending,
		LastError:   errorText(cause),
	}
	if err := s.repo.Insert(s.db.WithContext(ctx), record); err != nil {
		return nil, err
	}
	s.metrics.IncSaved(eventType.String())

	fields := map[string]any{
		"outbox_id":    record.ID.String(),
		"event_type":   eventType,
		"aggregate_id": aggregateID,
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	s.logg.Warn(s.logg.WithFields(ctx, fields), "event diverted to outbox")
	return record, nil
}

// Get loads one record. A missing record surfaces as gorm.ErrRecordNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	return s.repo.FindByID(ctx, id)
}

// Failed lists terminal records for operators.
func (s *Service) Failed(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return s.repo.ListFailed(ctx, limit)
}
