package shipments

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a shipments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, shipment *models.Shipment) error {
	return r.db.WithContext(ctx).Create(shipment).Error
}

func (r *repository) FindByOrderID(ctx context.Context, orderID string) (*models.Shipment, error) {
	var shipment models.Shipment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&shipment).Error; err != nil {
		return nil, err
	}
	return &shipment, nil
}

func (r *repository) UpdateStatus(ctx context.Context, orderID string, from, to enums.ShipmentStatus) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Shipment{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Update("status", to)
	return res.RowsAffected, res.Error
}

func (r *repository) ListActive(ctx context.Context) ([]models.Shipment, error) {
	var rows []models.Shipment
	err := r.db.WithContext(ctx).
		Where("status IN ?", []enums.ShipmentStatus{enums.ShipmentStatusPending, enums.ShipmentStatusShipped}).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
