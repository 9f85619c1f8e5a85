package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

// gormRepository implements Repository on a gorm-managed SQL database.
// Every guarded mutation is a single UPDATE with the precondition in the
// WHERE clause, so the check and the write commit together.
type gormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository migrates the ledger tables and returns a Repository
// backed by db.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (Repository, error) {
	if err := db.AutoMigrate(&models.DepositBalance{}, &models.Hold{}, &models.FeeRecord{}); err != nil {
		return nil, errors.Internal(err, "migrate ledger tables")
	}
	return &gormRepository{db: db, logger: logger.Named("ledger")}, nil
}

func (r *gormRepository) CreateDeposit(ctx context.Context, dep *models.DepositBalance) error {
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.DepositBalance{}).
		Where("user_id = ? AND asset = ?", dep.UserID, dep.Asset).
		Count(&count).Error; err != nil {
		return errors.Internal(err, "check deposit %s/%s", dep.UserID, dep.Asset)
	}
	if count > 0 {
		return errors.Conflict("deposit for user %s asset %s already exists", dep.UserID, dep.Asset)
	}
	if err := r.db.WithContext(ctx).Create(dep).Error; err != nil {
		return errors.Internal(err, "create deposit %s/%s", dep.UserID, dep.Asset)
	}
	return nil
}

func (r *gormRepository) GetDeposit(ctx context.Context, userID, asset string) (*models.DepositBalance, error) {
	var dep models.DepositBalance
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&dep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no %s deposit found for user %s", asset, userID)
		}
		return nil, errors.Internal(err, "find deposit %s/%s", userID, asset)
	}
	return &dep, nil
}

func (r *gormRepository) ListDeposits(ctx context.Context, userID string) ([]*models.DepositBalance, error) {
	var deps []*models.DepositBalance
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("asset ASC").
		Find(&deps).Error; err != nil {
		return nil, errors.Internal(err, "list deposits for user %s", userID)
	}
	return deps, nil
}

func (r *gormRepository) CreditBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Invalid("credit amount must not be negative")
	}
	res := r.db.WithContext(ctx).Model(&models.DepositBalance{}).
		Where("user_id = ? AND asset = ?", userID, asset).
		UpdateColumns(map[string]interface{}{
			"balance_units": gorm.Expr("balance_units + ?", amount),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return errors.Internal(res.Error, "credit %s %s to user %s", amount, asset, userID)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("no %s deposit found for user %s", asset, userID)
	}
	return nil
}

func (r *gormRepository) SetClaimLimit(ctx context.Context, userID, asset string, limitUSD decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.DepositBalance{}).
		Where("user_id = ? AND asset = ?", userID, asset).
		UpdateColumns(map[string]interface{}{
			"claim_limit_usd": limitUSD,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return errors.Internal(res.Error, "set claim limit for %s/%s", userID, asset)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("no %s deposit found for user %s", asset, userID)
	}
	return nil
}

func (r *gormRepository) CreateHolds(ctx context.Context, holds []*models.Hold) error {
	if len(holds) == 0 {
		return errors.Invalid("no holds to create")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conflict check runs over distinct tickets before any insert so a
		// multi-asset batch for one ticket does not trip over itself.
		seen := make(map[string]bool, len(holds))
		var tickets []string
		for _, h := range holds {
			if seen[h.TicketID] {
				continue
			}
			seen[h.TicketID] = true
			tickets = append(tickets, h.TicketID)
		}
		sort.Strings(tickets)

		// Under READ COMMITTED the count below cannot see a concurrent
		// uncommitted insert, so per-ticket creation is serialized with a
		// transaction-scoped advisory lock. Sorted acquisition order keeps
		// multi-ticket batches deadlock free. The partial unique index on
		// (ticket_id, asset) backstops the race for the insert itself.
		if tx.Dialector.Name() == "postgres" {
			for _, ticket := range tickets {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", ticket).Error; err != nil {
					return errors.Internal(err, "lock ticket %s", ticket)
				}
			}
		}

		for _, ticket := range tickets {
			var count int64
			if err := tx.Model(&models.Hold{}).
				Where("ticket_id = ? AND status = ?", ticket, models.HoldStatusActive).
				Count(&count).Error; err != nil {
				return errors.Internal(err, "check active holds for ticket %s", ticket)
			}
			if count > 0 {
				return errors.Conflict("ticket %s already has an active hold", ticket)
			}
		}

		now := time.Now()
		for _, h := range holds {
			if h.ID == uuid.Nil {
				h.ID = uuid.New()
			}
			h.Status = models.HoldStatusActive
			h.CreatedAt = now

			res := tx.Model(&models.DepositBalance{}).
				Where("user_id = ? AND asset = ? AND balance_units >= held_units + ?",
					h.UserID, h.Asset, h.AmountUnits).
				UpdateColumns(map[string]interface{}{
					"held_units":         gorm.Expr("held_units + ?", h.AmountUnits),
					"fee_reserved_units": gorm.Expr("fee_reserved_units + ?", h.FeeUnits),
					"updated_at":         now,
				})
			if res.Error != nil {
				return errors.Internal(res.Error, "lock funds for ticket %s", h.TicketID)
			}
			if res.RowsAffected == 0 {
				var count int64
				if err := tx.Model(&models.DepositBalance{}).
					Where("user_id = ? AND asset = ?", h.UserID, h.Asset).
					Count(&count).Error; err != nil {
					return errors.Internal(err, "check deposit %s/%s", h.UserID, h.Asset)
				}
				if count == 0 {
					return errors.NotFound("no %s deposit found for user %s", h.Asset, h.UserID)
				}
				return errors.InsufficientBalance("requested %s %s exceeds available balance",
					h.AmountUnits, h.Asset)
			}
			if err := tx.Create(h).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errors.Conflict("ticket %s already has an active hold", h.TicketID)
				}
				return errors.Internal(err, "create hold for ticket %s", h.TicketID)
			}
		}
		return nil
	})
}

func (r *gormRepository) ResolveHold(ctx context.Context, holdID uuid.UUID, status string, deductBalance bool) (*models.Hold, error) {
	var resolved *models.Hold
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var h models.Hold
		if err := tx.Where("id = ?", holdID).First(&h).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("hold %s not found", holdID)
			}
			return errors.Internal(err, "load hold %s", holdID)
		}

		now := time.Now()
		res := tx.Model(&models.Hold{}).
			Where("id = ? AND status = ?", holdID, models.HoldStatusActive).
			UpdateColumns(map[string]interface{}{
				"status":      status,
				"resolved_at": now,
			})
		if res.Error != nil {
			return errors.Internal(res.Error, "resolve hold %s", holdID)
		}
		if res.RowsAffected == 0 {
			return errors.InvalidState("hold %s is not active (status: %s)", holdID, h.Status)
		}

		updates := map[string]interface{}{
			"held_units":         gorm.Expr("held_units - ?", h.AmountUnits),
			"fee_reserved_units": gorm.Expr("fee_reserved_units - ?", h.FeeUnits),
			"updated_at":         now,
		}
		if deductBalance {
			updates["balance_units"] = gorm.Expr("balance_units - ?", h.AmountUnits)
		}
		res = tx.Model(&models.DepositBalance{}).
			Where("user_id = ? AND asset = ? AND held_units >= ?", h.UserID, h.Asset, h.AmountUnits).
			UpdateColumns(updates)
		if res.Error != nil {
			return errors.Internal(res.Error, "unlock funds for hold %s", holdID)
		}
		if res.RowsAffected == 0 {
			r.logger.Error("deposit out of sync with hold",
				zap.String("hold_id", holdID.String()),
				zap.String("user_id", h.UserID),
				zap.String("asset", h.Asset),
				zap.String("amount_units", h.AmountUnits.String()))
			return errors.Internal(nil, "deposit %s/%s out of sync with hold %s", h.UserID, h.Asset, holdID)
		}

		h.Status = status
		h.ResolvedAt = &now
		resolved = &h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *gormRepository) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	var h models.Hold
	if err := r.db.WithContext(ctx).Where("id = ?", holdID).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("hold %s not found", holdID)
		}
		return nil, errors.Internal(err, "find hold %s", holdID)
	}
	return &h, nil
}

func (r *gormRepository) GetActiveHolds(ctx context.Context, userID string) ([]*models.Hold, error) {
	var holds []*models.Hold
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.HoldStatusActive).
		Order("created_at DESC").
		Find(&holds).Error; err != nil {
		return nil, errors.Internal(err, "list active holds for user %s", userID)
	}
	return holds, nil
}

func (r *gormRepository) GetHoldsByTicket(ctx context.Context, ticketID string) ([]*models.Hold, error) {
	var holds []*models.Hold
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&holds).Error; err != nil {
		return nil, errors.Internal(err, "list holds for ticket %s", ticketID)
	}
	return holds, nil
}

func (r *gormRepository) GetActiveHoldByTicket(ctx context.Context, ticketID string) (*models.Hold, error) {
	var h models.Hold
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ? AND status = ?", ticketID, models.HoldStatusActive).
		Order("created_at DESC").
		First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no active hold found for ticket %s", ticketID)
		}
		return nil, errors.Internal(err, "find active hold for ticket %s", ticketID)
	}
	return &h, nil
}

func (r *gormRepository) RecordFee(ctx context.Context, rec *models.FeeRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Internal(err, "record fee for ticket %s", rec.TicketID)
	}
	return nil
}
