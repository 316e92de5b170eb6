package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	RegisterEndpoint(ctx context.Context, req RegisterEndpointRequest) (*Endpoint, error)
	DisableEndpoint(ctx context.Context, orgID, endpointID snowflake.ID) error
	ListEndpoints(ctx context.Context, orgID snowflake.ID) ([]Endpoint, error)

	// Dispatch persists one delivery per subscribed endpoint before
	// enqueueing it. It returns the deliveries created by this call.
	Dispatch(ctx context.Context, event Event) ([]Delivery, error)
	// Attempt runs one send for a due pending delivery. Delivery failures
	// are recorded on the row, not returned.
	Attempt(ctx context.Context, deliveryID snowflake.ID) (*Delivery, error)
	RetryDue(ctx context.Context, limit int) (int, error)
	ManualRetry(ctx context.Context, deliveryID snowflake.ID) (*Delivery, error)
	GetDelivery(ctx context.Context, deliveryID snowflake.ID) (*Delivery, error)
}

// Enqueuer hands delivery ids to the in-process worker pool. Enqueue does
// not block and reports false when the id was dropped.
type Enqueuer interface {
	Enqueue(deliveryID snowflake.ID) bool
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidURL          = errors.New("invalid_endpoint_url")
	ErrInvalidEvents       = errors.New("invalid_endpoint_events")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrEndpointNotFound    = errors.New("endpoint_not_found")
	ErrDeliveryNotFound    = errors.New("delivery_not_found")
	ErrDeliveryNotDue      = errors.New("delivery_not_due")
	ErrDeliveryNotFailed   = errors.New("delivery_not_failed")
)
