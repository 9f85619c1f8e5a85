// Package models defines the persistent records shared across the escrow service.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Hold status values. A hold is terminal once released or refunded.
const (
	HoldStatusActive   = "active"
	HoldStatusReleased = "released"
	HoldStatusRefunded = "refunded"
)

// DepositBalance represents a user's deposit ledger entry for a single asset.
// BalanceUnits is the total credited amount, HeldUnits the portion locked by
// active holds (fee included), and FeeReservedUnits the fee portion inside
// HeldUnits. Invariants: 0 <= HeldUnits <= BalanceUnits and
// FeeReservedUnits <= HeldUnits.
type DepositBalance struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           string          `json:"user_id" gorm:"index:idx_deposit_user_asset,unique" validate:"required"`
	Asset            string          `json:"asset" gorm:"index:idx_deposit_user_asset,unique" validate:"required,uppercase"`
	BalanceUnits     decimal.Decimal `json:"balance_units" gorm:"type:numeric(38,18)"`
	HeldUnits        decimal.Decimal `json:"held_units" gorm:"type:numeric(38,18)"`
	FeeReservedUnits decimal.Decimal `json:"fee_reserved_units" gorm:"type:numeric(38,18)"`
	ClaimLimitUSD    decimal.Decimal `json:"claim_limit_usd" gorm:"type:numeric(38,18)"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AvailableUnits returns the portion of the balance not locked by holds.
func (d *DepositBalance) AvailableUnits() decimal.Decimal {
	return d.BalanceUnits.Sub(d.HeldUnits)
}

// Hold represents a temporary lock of deposit funds against a ticket. The
// partial unique index allows at most one active hold per (ticket, asset);
// a multi-asset allocation holds each asset at most once.
type Hold struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TicketID    string          `json:"ticket_id" gorm:"index;uniqueIndex:udx_holds_active_ticket_asset,where:status = 'active'" validate:"required"`
	UserID      string          `json:"user_id" gorm:"index" validate:"required"`
	Asset       string          `json:"asset" gorm:"uniqueIndex:udx_holds_active_ticket_asset" validate:"required,uppercase"`
	AmountUnits decimal.Decimal `json:"amount_units" gorm:"type:numeric(38,18)" validate:"required"`
	AmountUSD   decimal.Decimal `json:"amount_usd" gorm:"type:numeric(38,18)"`
	FeeUnits    decimal.Decimal `json:"fee_units" gorm:"type:numeric(38,18)"`
	FeeUSD      decimal.Decimal `json:"fee_usd" gorm:"type:numeric(38,18)"`
	PriceAtHold decimal.Decimal `json:"price_at_hold" gorm:"type:numeric(38,18)"`
	Status      string          `json:"status" gorm:"index" validate:"required,oneof=active released refunded"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Active reports whether the hold can still be released or refunded.
func (h *Hold) Active() bool { return h.Status == HoldStatusActive }

// FeeRecord is a platform revenue row written when a hold is released with
// fee deduction.
type FeeRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TicketID    string          `json:"ticket_id" gorm:"index"`
	HoldID      uuid.UUID       `json:"hold_id" gorm:"type:uuid;index"`
	UserID      string          `json:"user_id" gorm:"index"`
	Asset       string          `json:"asset"`
	AmountUnits decimal.Decimal `json:"amount_units" gorm:"type:numeric(38,18)"`
	AmountUSD   decimal.Decimal `json:"amount_usd" gorm:"type:numeric(38,18)"`
	Status      string          `json:"status"`
	CollectedAt time.Time       `json:"collected_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditLog records a completed hold state transition for the audit trail.
type AuditLog struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID       string    `json:"user_id" gorm:"index"`
	ActorType    string    `json:"actor_type"`
	Action       string    `json:"action" gorm:"index"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}
