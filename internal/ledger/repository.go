// Package ledger owns persistence for deposit balances and holds. It is the
// only code allowed to mutate the money-bearing columns; every mutation is a
// single atomic conditional update so a concurrent check-then-act can never
// overdraw a balance.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tixchange/escrow/pkg/models"
)

// Repository is the storage contract consumed by the hold service. All
// methods return pkg/errors kinds on precondition failures and leave state
// untouched on any error.
type Repository interface {
	// CreateDeposit inserts a new deposit ledger entry. Fails with Conflict
	// if an entry for (user, asset) already exists.
	CreateDeposit(ctx context.Context, dep *models.DepositBalance) error

	// GetDeposit returns the deposit entry for (user, asset) or NotFound.
	GetDeposit(ctx context.Context, userID, asset string) (*models.DepositBalance, error)

	// ListDeposits returns all deposit entries for a user.
	ListDeposits(ctx context.Context, userID string) ([]*models.DepositBalance, error)

	// CreditBalance atomically adds amount to BalanceUnits. Used by the
	// confirmed-deposit path and by fee collection into the platform
	// account; never by hold resolution.
	CreditBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error

	// SetClaimLimit overwrites the USD claim limit for (user, asset).
	SetClaimLimit(ctx context.Context, userID, asset string, limitUSD decimal.Decimal) error

	// CreateHolds inserts the given active holds and locks their funds as
	// one atomic unit: for each hold, HeldUnits is incremented by
	// AmountUnits and FeeReservedUnits by FeeUnits, guarded by
	// HeldUnits + AmountUnits <= BalanceUnits. Fails with Conflict if any
	// ticket in the batch already has an active hold, NotFound if a deposit
	// entry is missing, InsufficientBalance if the guard fails. On failure
	// nothing is inserted and no balance is changed.
	CreateHolds(ctx context.Context, holds []*models.Hold) error

	// ResolveHold transitions an active hold to released or refunded and
	// unlocks its funds: HeldUnits -= AmountUnits, FeeReservedUnits -=
	// FeeUnits, and, when deductBalance is set, BalanceUnits -= AmountUnits.
	// The status flip is conditional on the hold still being active, which
	// makes settlement exactly-once: a replay fails with InvalidState and
	// changes nothing.
	ResolveHold(ctx context.Context, holdID uuid.UUID, status string, deductBalance bool) (*models.Hold, error)

	// GetHold returns a hold by id or NotFound.
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error)

	// GetActiveHolds returns a user's active holds, newest first.
	GetActiveHolds(ctx context.Context, userID string) ([]*models.Hold, error)

	// GetHoldsByTicket returns every hold for a ticket, any status.
	GetHoldsByTicket(ctx context.Context, ticketID string) ([]*models.Hold, error)

	// GetActiveHoldByTicket returns the active hold for a ticket or NotFound.
	GetActiveHoldByTicket(ctx context.Context, ticketID string) (*models.Hold, error)

	// RecordFee inserts a platform revenue record.
	RecordFee(ctx context.Context, rec *models.FeeRecord) error
}
