package fee

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tixchange/escrow/internal/ledger"
	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

// Collector moves a settled fee into the platform account and records it as
// revenue. Collection happens after the hold has resolved; a collection
// failure is reported but must not undo the settlement.
type Collector struct {
	repo       ledger.Repository
	platformID string
	logger     *zap.Logger
}

// NewCollector returns a Collector crediting fees to the platform account
// identified by platformID.
func NewCollector(repo ledger.Repository, platformID string, logger *zap.Logger) *Collector {
	return &Collector{repo: repo, platformID: platformID, logger: logger.Named("fee-collector")}
}

// Collect credits the fee to the platform deposit for the asset and writes a
// FeeRecord. A missing platform deposit is created on the fly, mirroring how
// revenue wallets are provisioned lazily.
func (c *Collector) Collect(ctx context.Context, hold *models.Hold) error {
	if hold.FeeUnits.Sign() <= 0 {
		return nil
	}

	if err := c.repo.CreditBalance(ctx, c.platformID, hold.Asset, hold.FeeUnits); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		dep := &models.DepositBalance{
			UserID:       c.platformID,
			Asset:        hold.Asset,
			BalanceUnits: decimal.Zero,
		}
		if err := c.repo.CreateDeposit(ctx, dep); err != nil {
			return err
		}
		if err := c.repo.CreditBalance(ctx, c.platformID, hold.Asset, hold.FeeUnits); err != nil {
			return err
		}
	}

	now := time.Now()
	rec := &models.FeeRecord{
		ID:          uuid.New(),
		TicketID:    hold.TicketID,
		HoldID:      hold.ID,
		UserID:      hold.UserID,
		Asset:       hold.Asset,
		AmountUnits: hold.FeeUnits,
		AmountUSD:   hold.FeeUSD,
		Status:      "collected",
		CollectedAt: now,
		CreatedAt:   now,
	}
	if err := c.repo.RecordFee(ctx, rec); err != nil {
		return err
	}

	c.logger.Info("fee collected",
		zap.String("ticket_id", hold.TicketID),
		zap.String("hold_id", hold.ID.String()),
		zap.String("asset", hold.Asset),
		zap.String("amount_units", hold.FeeUnits.String()),
		zap.String("amount_usd", hold.FeeUSD.String()))
	return nil
}
