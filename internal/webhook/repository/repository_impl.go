package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() webhookdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEndpoint(ctx context.Context, conn *gorm.DB, endpoint *webhookdomain.Endpoint) error {
	return conn.WithContext(ctx).Create(endpoint).Error
}

func (r *repo) FindEndpoint(ctx context.Context, conn *gorm.DB, endpointID snowflake.ID) (*webhookdomain.Endpoint, error) {
	var endpoint webhookdomain.Endpoint
	err := conn.WithContext(ctx).Where("id = ?", endpointID).Take(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (r *repo) ListEndpoints(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, activeOnly bool) ([]webhookdomain.Endpoint, error) {
	q := conn.WithContext(ctx).Where("org_id = ?", orgID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var items []webhookdomain.Endpoint
	err := q.Order("id ASC").Find(&items).Error
	return items, err
}

func (r *repo) DeactivateEndpoint(ctx context.Context, conn *gorm.DB, orgID, endpointID snowflake.ID, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&webhookdomain.Endpoint{}).
		Where("id = ? AND org_id = ?", endpointID, orgID).
		Updates(map[string]any{"is_active": false, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertDelivery(ctx context.Context, conn *gorm.DB, delivery *webhookdomain.Delivery) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(delivery)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindDelivery(ctx context.Context, conn *gorm.DB, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	return findDelivery(conn.WithContext(ctx), deliveryID)
}

func (r *repo) LockDelivery(ctx context.Context, conn *gorm.DB, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	return findDelivery(db.ForUpdate(conn.WithContext(ctx)), deliveryID)
}

func findDelivery(q *gorm.DB, deliveryID snowflake.ID) (*webhookdomain.Delivery, error) {
	var delivery webhookdomain.Delivery
	err := q.Where("id = ?", deliveryID).Take(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *repo) UpdateDelivery(ctx context.Context, conn *gorm.DB, delivery *webhookdomain.Delivery) error {
	return conn.WithContext(ctx).
		Model(&webhookdomain.Delivery{}).
		Where("id = ?", delivery.ID).
		Updates(map[string]any{
			"status":          delivery.Status,
			"attempts":        delivery.Attempts,
			"response_status": delivery.ResponseStatus,
			"response_body":   delivery.ResponseBody,
			"last_error":      delivery.LastError,
			"next_retry_at":   delivery.NextRetryAt,
			"delivered_at":    delivery.DeliveredAt,
			"updated_at":      delivery.UpdatedAt,
		}).Error
}

func (r *repo) ListDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var items []webhookdomain.Delivery
	err := db.ForUpdateSkipLocked(conn.WithContext(ctx)).
		Select("id").
		Where("status = ? AND next_retry_at <= ?", webhookdomain.DeliveryPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}
