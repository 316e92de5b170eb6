package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEndpoint(ctx context.Context, db *gorm.DB, endpoint *Endpoint) error
	FindEndpoint(ctx context.Context, db *gorm.DB, endpointID snowflake.ID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, db *gorm.DB, orgID snowflake.ID, activeOnly bool) ([]Endpoint, error)
	DeactivateEndpoint(ctx context.Context, db *gorm.DB, orgID, endpointID snowflake.ID, now time.Time) (bool, error)

	// InsertDelivery reports false when the endpoint already has a delivery
	// for the event occurrence.
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *Delivery) (bool, error)
	FindDelivery(ctx context.Context, db *gorm.DB, deliveryID snowflake.ID) (*Delivery, error)
	LockDelivery(ctx context.Context, db *gorm.DB, deliveryID snowflake.ID) (*Delivery, error)
	UpdateDelivery(ctx context.Context, db *gorm.DB, delivery *Delivery) error
	// ListDue returns pending deliveries due at now, skipping rows claimed
	// by other workers.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
}
