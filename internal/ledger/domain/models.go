package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeSubscriptionCredit TransactionType = "subscription_credit"
	TransactionTypePurchase           TransactionType = "purchase"
	TransactionTypeBonus              TransactionType = "bonus"
	TransactionTypeUsage              TransactionType = "usage"
	TransactionTypeRefund             TransactionType = "refund"
	TransactionTypeAdjustment         TransactionType = "adjustment"
)

// IsCreditType reports whether t may be used with AddCredits.
func (t TransactionType) IsCreditType() bool {
	switch t {
	case TransactionTypeSubscriptionCredit, TransactionTypePurchase, TransactionTypeBonus, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

func (t TransactionType) IsValid() bool {
	return t.IsCreditType() || t == TransactionTypeUsage || t == TransactionTypeAdjustment
}

// OrganizationBalance is the single mutable balance row per organization.
type OrganizationBalance struct {
	OrgID            snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	CreditBalance    int64        `gorm:"not null"`
	OverdraftBalance int64        `gorm:"not null"`
	SubscriptionTier string       `gorm:"type:text;not null"`
	LastGrantPeriod  *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (OrganizationBalance) TableName() string { return "organization_balances" }

// CreditTransaction is an append-only ledger entry. Sequence is the per
// organization insertion order and is assigned under the balance row lock.
type CreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrgID        snowflake.ID      `gorm:"not null;index:ix_credit_transactions_org_created,priority:1;uniqueIndex:ux_credit_transactions_org_seq,priority:1" json:"organization_id"`
	Sequence     int64             `gorm:"not null;uniqueIndex:ux_credit_transactions_org_seq,priority:2" json:"sequence"`
	UserID       *snowflake.ID     `json:"user_id,omitempty"`
	Type         TransactionType   `gorm:"type:text;not null" json:"type"`
	Amount       int64             `gorm:"not null" json:"amount"`
	BalanceAfter int64             `gorm:"not null" json:"balance_after"`
	Description  string            `gorm:"type:text;not null" json:"description"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index:ix_credit_transactions_org_created,priority:2" json:"created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

type UsageStats struct {
	Added   int64         `json:"added"`
	Used    int64         `json:"used"`
	Net     int64         `json:"net"`
	Balance int64         `json:"balance"`
	Count   int64         `json:"count"`
	Period  time.Duration `json:"period"`
}

// BalanceChange describes one committed ledger mutation.
type BalanceChange struct {
	OrgID       snowflake.ID
	Tier        string
	Previous    int64
	Current     int64
	Transaction CreditTransaction
}
