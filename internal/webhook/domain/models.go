package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventScanStarted     = "scan.started"
	EventScanCompleted   = "scan.completed"
	EventScanFailed      = "scan.failed"
	EventCreditsLow      = "credits.low"
	EventCreditsDepleted = "credits.depleted"
	EventBudgetWarning   = "budget.warning"
	EventBudgetExceeded  = "budget.exceeded"

	// EventWildcard subscribes an endpoint to every event.
	EventWildcard = "*"
)

var knownEvents = map[string]struct{}{
	EventScanStarted:     {},
	EventScanCompleted:   {},
	EventScanFailed:      {},
	EventCreditsLow:      {},
	EventCreditsDepleted: {},
	EventBudgetWarning:   {},
	EventBudgetExceeded:  {},
}

func IsKnownEvent(name string) bool {
	_, ok := knownEvents[name]
	return ok
}

type Endpoint struct {
	ID        snowflake.ID                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrgID     snowflake.ID                `gorm:"not null;index:ix_webhook_endpoints_org,priority:1" json:"organization_id"`
	URL       string                      `gorm:"column:url;type:text;not null" json:"url"`
	Events    datatypes.JSONSlice[string] `gorm:"not null" json:"events"`
	Secret    string                      `gorm:"type:text;not null" json:"-"`
	IsActive  bool                        `gorm:"not null;index:ix_webhook_endpoints_org,priority:2" json:"is_active"`
	CreatedAt time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time                   `gorm:"not null" json:"updated_at"`
}

func (Endpoint) TableName() string { return "webhook_endpoints" }

// Subscribes reports whether the endpoint wants event.
func (e Endpoint) Subscribes(event string) bool {
	for _, name := range e.Events {
		if name == EventWildcard || name == event {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery tracks one (endpoint, event occurrence) pair through its retries.
type Delivery struct {
	ID             snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	EndpointID     snowflake.ID      `gorm:"not null;uniqueIndex:ux_webhook_deliveries_endpoint_event,priority:1" json:"endpoint_id"`
	OrgID          snowflake.ID      `gorm:"not null" json:"organization_id"`
	EventID        string            `gorm:"type:text;not null;uniqueIndex:ux_webhook_deliveries_endpoint_event,priority:2" json:"event_id"`
	Event          string            `gorm:"type:text;not null" json:"event"`
	Payload        datatypes.JSONMap `gorm:"not null" json:"payload"`
	Status         DeliveryStatus    `gorm:"type:text;not null;index:ix_webhook_deliveries_due,priority:1" json:"status"`
	Attempts       int               `gorm:"not null" json:"attempts"`
	MaxAttempts    int               `gorm:"not null" json:"max_attempts"`
	ResponseStatus *int              `json:"response_status,omitempty"`
	ResponseBody   string            `gorm:"type:text;not null" json:"response_body,omitempty"`
	LastError      string            `gorm:"type:text;not null" json:"last_error,omitempty"`
	NextRetryAt    *time.Time        `gorm:"index:ix_webhook_deliveries_due,priority:2" json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

// Due reports whether an attempt may run at now.
func (d Delivery) Due(now time.Time) bool {
	return d.Status == DeliveryPending && (d.NextRetryAt == nil || !d.NextRetryAt.After(now))
}

// Event is one occurrence handed to the dispatcher. ID identifies the
// occurrence; dispatching the same ID twice creates no new deliveries.
type Event struct {
	ID         string
	Name       string
	OrgID      snowflake.ID
	OccurredAt time.Time
	Data       map[string]any
}

// Body is the JSON document POSTed to endpoints.
type Body struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type RegisterEndpointRequest struct {
	OrgID  snowflake.ID
	URL    string
	Events []string
	Secret string
}
