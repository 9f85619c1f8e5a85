// Package hold implements the escrow hold protocol: funds are locked against
// a ticket, then exactly once either released (settled, fee taken) or
// refunded (unlocked). The ledger is only ever mutated through these
// operations.
package hold

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tixchange/escrow/internal/audit"
	"github.com/tixchange/escrow/internal/fee"
	"github.com/tixchange/escrow/internal/ledger"
	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

// Service exposes the hold lifecycle to transport adapters.
type Service interface {
	// CreateHold locks funds from a single asset deposit against a ticket.
	CreateHold(ctx context.Context, req *CreateHoldRequest) (*models.Hold, error)

	// CreateMultiAssetHold allocates a USD target across the user's
	// deposits, largest available first, creating one hold per asset used.
	// Prices are supplied by the caller; this service never looks them up.
	CreateMultiAssetHold(ctx context.Context, req *MultiAssetHoldRequest) ([]*models.Hold, error)

	// ReleaseHold settles an active hold: the amount leaves the balance
	// permanently and, when deductFee is set, the fee portion is collected
	// as platform revenue.
	ReleaseHold(ctx context.Context, holdID uuid.UUID, deductFee bool) (*models.Hold, error)

	// RefundHold unlocks an active hold without touching the balance.
	RefundHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error)

	// ReleaseAllForTicket settles every active hold of a ticket.
	ReleaseAllForTicket(ctx context.Context, ticketID string, deductFee bool) ([]*models.Hold, error)

	// RefundAllForTicket unlocks every active hold of a ticket.
	RefundAllForTicket(ctx context.Context, ticketID string) ([]*models.Hold, error)

	// GetActiveHolds returns a user's active holds, newest first.
	GetActiveHolds(ctx context.Context, userID string) ([]*models.Hold, error)

	// GetHoldByTicket returns the active hold for a ticket.
	GetHoldByTicket(ctx context.Context, ticketID string) (*models.Hold, error)

	// GetHoldsByTicket returns every hold for a ticket, any status.
	GetHoldsByTicket(ctx context.Context, ticketID string) ([]*models.Hold, error)
}

// CreateHoldRequest carries the caller-supplied inputs for a single-asset
// hold. Valuation and fee percentage come from the caller's collaborators.
type CreateHoldRequest struct {
	TicketID    string          `json:"ticket_id" validate:"required"`
	UserID      string          `json:"user_id" validate:"required"`
	Asset       string          `json:"asset" validate:"required"`
	AmountUnits decimal.Decimal `json:"amount_units" validate:"required"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	FeePercent  decimal.Decimal `json:"fee_percent"`
}

// MultiAssetHoldRequest asks for amountUSD worth of funds locked across any
// of the user's deposits. Prices maps asset code to its USD price at request
// time.
type MultiAssetHoldRequest struct {
	TicketID  string                     `json:"ticket_id" validate:"required"`
	UserID    string                     `json:"user_id" validate:"required"`
	AmountUSD decimal.Decimal            `json:"amount_usd" validate:"required"`
	Prices    map[string]decimal.Decimal `json:"prices" validate:"required"`
}

type service struct {
	repo      ledger.Repository
	schedule  fee.Schedule
	collector *fee.Collector
	sink      audit.Sink
	notifier  *audit.Notifier
	logger    *zap.Logger
	metrics   *Metrics
}

// NewService wires the hold service. notifier may be nil.
func NewService(
	repo ledger.Repository,
	schedule fee.Schedule,
	collector *fee.Collector,
	sink audit.Sink,
	notifier *audit.Notifier,
	logger *zap.Logger,
	metrics *Metrics,
) Service {
	return &service{
		repo:      repo,
		schedule:  schedule,
		collector: collector,
		sink:      sink,
		notifier:  notifier,
		logger:    logger.Named("hold"),
		metrics:   metrics,
	}
}

func (s *service) CreateHold(ctx context.Context, req *CreateHoldRequest) (*models.Hold, error) {
	defer s.observe("create_hold", time.Now())

	if req == nil || req.TicketID == "" || req.UserID == "" || req.Asset == "" {
		return nil, s.fail("create_hold", errors.Invalid("ticket_id, user_id and asset are required"))
	}
	if req.AmountUnits.Sign() <= 0 {
		return nil, s.fail("create_hold", errors.Invalid("amount_units must be positive"))
	}

	dep, err := s.repo.GetDeposit(ctx, req.UserID, req.Asset)
	if err != nil {
		return nil, s.fail("create_hold", err)
	}
	if req.AmountUSD.GreaterThan(dep.ClaimLimitUSD) {
		return nil, s.fail("create_hold", errors.LimitExceeded(
			"hold of $%s exceeds claim limit of $%s", req.AmountUSD, dep.ClaimLimitUSD))
	}

	sched := s.schedule
	if req.FeePercent.Sign() > 0 {
		sched.Percent = req.FeePercent
	}
	feeUnits := sched.FeeUnits(req.AmountUnits, req.AmountUSD, req.PriceUSD)
	var feeUSD decimal.Decimal
	if req.AmountUSD.Sign() > 0 {
		feeUSD = sched.FeeUSD(req.AmountUSD)
	}

	h := &models.Hold{
		ID:          uuid.New(),
		TicketID:    req.TicketID,
		UserID:      req.UserID,
		Asset:       req.Asset,
		AmountUnits: req.AmountUnits,
		AmountUSD:   req.AmountUSD,
		FeeUnits:    feeUnits,
		FeeUSD:      feeUSD,
		PriceAtHold: req.PriceUSD,
	}
	if err := s.repo.CreateHolds(ctx, []*models.Hold{h}); err != nil {
		return nil, s.fail("create_hold", err)
	}

	s.metrics.HoldsCreated.WithLabelValues(h.Asset).Inc()
	s.audit(ctx, h.UserID, "hold.created", h.ID.String(), map[string]interface{}{
		"ticket_id":    h.TicketID,
		"asset":        h.Asset,
		"amount_units": h.AmountUnits.String(),
		"amount_usd":   h.AmountUSD.String(),
		"fee_units":    h.FeeUnits.String(),
	})
	s.notify(ctx, "hold.created", h)

	s.logger.Info("hold created",
		zap.String("hold_id", h.ID.String()),
		zap.String("ticket_id", h.TicketID),
		zap.String("user_id", h.UserID),
		zap.String("asset", h.Asset),
		zap.String("amount_units", h.AmountUnits.String()))
	return h, nil
}

func (s *service) CreateMultiAssetHold(ctx context.Context, req *MultiAssetHoldRequest) ([]*models.Hold, error) {
	defer s.observe("create_multi_asset_hold", time.Now())

	if req == nil || req.TicketID == "" || req.UserID == "" {
		return nil, s.fail("create_multi_asset_hold", errors.Invalid("ticket_id and user_id are required"))
	}
	if req.AmountUSD.Sign() <= 0 {
		return nil, s.fail("create_multi_asset_hold", errors.Invalid("amount_usd must be positive"))
	}

	deposits, err := s.repo.ListDeposits(ctx, req.UserID)
	if err != nil {
		return nil, s.fail("create_multi_asset_hold", err)
	}
	if len(deposits) == 0 {
		return nil, s.fail("create_multi_asset_hold",
			errors.NotFound("no deposits found for user %s", req.UserID))
	}

	type allocation struct {
		asset        string
		availableUSD decimal.Decimal
		price        decimal.Decimal
	}
	var (
		candidates   []allocation
		availableUSD decimal.Decimal
		limitUSD     decimal.Decimal
	)
	for _, dep := range deposits {
		limitUSD = limitUSD.Add(dep.ClaimLimitUSD)
		price, ok := req.Prices[dep.Asset]
		if !ok || price.Sign() <= 0 {
			continue
		}
		avail := dep.AvailableUnits()
		if avail.Sign() <= 0 {
			continue
		}
		usd := avail.Mul(price)
		availableUSD = availableUSD.Add(usd)
		candidates = append(candidates, allocation{asset: dep.Asset, availableUSD: usd, price: price})
	}
	if req.AmountUSD.GreaterThan(limitUSD) {
		return nil, s.fail("create_multi_asset_hold", errors.LimitExceeded(
			"hold of $%s exceeds claim limit of $%s", req.AmountUSD, limitUSD))
	}
	if availableUSD.LessThan(req.AmountUSD) {
		return nil, s.fail("create_multi_asset_hold", errors.InsufficientBalance(
			"need $%s but only $%s available across all deposits", req.AmountUSD, availableUSD))
	}

	// Largest deposit first so the allocation touches as few assets as
	// possible.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].availableUSD.GreaterThan(candidates[j].availableUSD)
	})

	// The fee comes out of the target amount, not on top of it.
	feeUSD := s.schedule.FeeUSD(req.AmountUSD)
	remainingTicket := req.AmountUSD.Sub(feeUSD)
	remainingFee := feeUSD

	var holds []*models.Hold
	for _, cand := range candidates {
		if remainingTicket.Sign() <= 0 && remainingFee.Sign() <= 0 {
			break
		}
		take := remainingTicket.Add(remainingFee)
		if take.GreaterThan(cand.availableUSD) {
			take = cand.availableUSD
		}

		ticketPortion := remainingTicket
		if ticketPortion.GreaterThan(take) {
			ticketPortion = take
		}
		remainingTicket = remainingTicket.Sub(ticketPortion)

		feePortion := remainingFee
		if rest := take.Sub(ticketPortion); feePortion.GreaterThan(rest) {
			feePortion = rest
		}
		remainingFee = remainingFee.Sub(feePortion)

		portionUSD := ticketPortion.Add(feePortion)
		if portionUSD.Sign() <= 0 {
			continue
		}
		holds = append(holds, &models.Hold{
			ID:          uuid.New(),
			TicketID:    req.TicketID,
			UserID:      req.UserID,
			Asset:       cand.asset,
			AmountUnits: portionUSD.Div(cand.price),
			AmountUSD:   portionUSD,
			FeeUnits:    feePortion.Div(cand.price),
			FeeUSD:      feePortion,
			PriceAtHold: cand.price,
		})
	}
	if remainingTicket.Sign() > 0 || remainingFee.Sign() > 0 {
		return nil, s.fail("create_multi_asset_hold", errors.InsufficientBalance(
			"need $%s but only $%s available across all deposits", req.AmountUSD, availableUSD))
	}

	if err := s.repo.CreateHolds(ctx, holds); err != nil {
		return nil, s.fail("create_multi_asset_hold", err)
	}

	assets := make([]string, 0, len(holds))
	for _, h := range holds {
		assets = append(assets, h.Asset)
		s.metrics.HoldsCreated.WithLabelValues(h.Asset).Inc()
		s.notify(ctx, "hold.created", h)
	}
	s.audit(ctx, req.UserID, "hold.created_multi", req.TicketID, map[string]interface{}{
		"ticket_id":  req.TicketID,
		"amount_usd": req.AmountUSD.String(),
		"fee_usd":    feeUSD.String(),
		"assets":     assets,
		"hold_count": len(holds),
	})

	s.logger.Info("multi-asset hold created",
		zap.String("ticket_id", req.TicketID),
		zap.String("user_id", req.UserID),
		zap.String("amount_usd", req.AmountUSD.String()),
		zap.Int("hold_count", len(holds)))
	return holds, nil
}

func (s *service) ReleaseHold(ctx context.Context, holdID uuid.UUID, deductFee bool) (*models.Hold, error) {
	defer s.observe("release_hold", time.Now())

	h, err := s.repo.ResolveHold(ctx, holdID, models.HoldStatusReleased, true)
	if err != nil {
		return nil, s.fail("release_hold", err)
	}

	if deductFee && h.FeeUnits.Sign() > 0 {
		if err := s.collector.Collect(ctx, h); err != nil {
			// The hold is settled either way; revenue collection is
			// reconciled out of band if this fails.
			s.logger.Error("fee collection failed",
				zap.String("hold_id", h.ID.String()),
				zap.Error(err))
		}
	}

	s.metrics.HoldsResolved.WithLabelValues(models.HoldStatusReleased).Inc()
	s.audit(ctx, h.UserID, "hold.released", h.ID.String(), map[string]interface{}{
		"ticket_id":    h.TicketID,
		"asset":        h.Asset,
		"amount_units": h.AmountUnits.String(),
		"fee_units":    h.FeeUnits.String(),
		"fee_deducted": deductFee,
	})
	s.notify(ctx, "hold.released", h)

	s.logger.Info("hold released",
		zap.String("hold_id", h.ID.String()),
		zap.String("ticket_id", h.TicketID),
		zap.String("asset", h.Asset),
		zap.String("amount_units", h.AmountUnits.String()),
		zap.Bool("fee_deducted", deductFee))
	return h, nil
}

func (s *service) RefundHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	defer s.observe("refund_hold", time.Now())

	h, err := s.repo.ResolveHold(ctx, holdID, models.HoldStatusRefunded, false)
	if err != nil {
		return nil, s.fail("refund_hold", err)
	}

	s.metrics.HoldsResolved.WithLabelValues(models.HoldStatusRefunded).Inc()
	s.audit(ctx, h.UserID, "hold.refunded", h.ID.String(), map[string]interface{}{
		"ticket_id":    h.TicketID,
		"asset":        h.Asset,
		"amount_units": h.AmountUnits.String(),
	})
	s.notify(ctx, "hold.refunded", h)

	s.logger.Info("hold refunded",
		zap.String("hold_id", h.ID.String()),
		zap.String("ticket_id", h.TicketID),
		zap.String("asset", h.Asset),
		zap.String("amount_units", h.AmountUnits.String()))
	return h, nil
}

func (s *service) ReleaseAllForTicket(ctx context.Context, ticketID string, deductFee bool) ([]*models.Hold, error) {
	return s.resolveTicket(ctx, ticketID, func(id uuid.UUID) (*models.Hold, error) {
		return s.ReleaseHold(ctx, id, deductFee)
	})
}

func (s *service) RefundAllForTicket(ctx context.Context, ticketID string) ([]*models.Hold, error) {
	return s.resolveTicket(ctx, ticketID, func(id uuid.UUID) (*models.Hold, error) {
		return s.RefundHold(ctx, id)
	})
}

func (s *service) resolveTicket(ctx context.Context, ticketID string, resolve func(uuid.UUID) (*models.Hold, error)) ([]*models.Hold, error) {
	holds, err := s.repo.GetHoldsByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, errors.NotFound("no holds found for ticket %s", ticketID)
	}

	var resolved []*models.Hold
	for _, h := range holds {
		if !h.Active() {
			continue
		}
		out, err := resolve(h.ID)
		if err != nil {
			// A concurrent resolver beat us to this hold; the remaining
			// ones still need resolving.
			if errors.IsKind(err, errors.KindInvalidState) {
				continue
			}
			return resolved, err
		}
		resolved = append(resolved, out)
	}
	return resolved, nil
}

func (s *service) GetActiveHolds(ctx context.Context, userID string) ([]*models.Hold, error) {
	return s.repo.GetActiveHolds(ctx, userID)
}

func (s *service) GetHoldByTicket(ctx context.Context, ticketID string) (*models.Hold, error) {
	return s.repo.GetActiveHoldByTicket(ctx, ticketID)
}

func (s *service) GetHoldsByTicket(ctx context.Context, ticketID string) ([]*models.Hold, error) {
	return s.repo.GetHoldsByTicket(ctx, ticketID)
}

func (s *service) observe(op string, start time.Time) {
	s.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *service) fail(op string, err error) error {
	s.metrics.Failures.WithLabelValues(op, string(errors.KindOf(err))).Inc()
	return err
}

func (s *service) audit(ctx context.Context, userID, action, resourceID string, details map[string]interface{}) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ctx, audit.Entry{
		UserID:       userID,
		Action:       action,
		ResourceType: "hold",
		ResourceID:   resourceID,
		Details:      details,
	}); err != nil {
		s.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *service) notify(ctx context.Context, action string, h *models.Hold) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, audit.HoldEvent{
		Action:    action,
		HoldID:    h.ID.String(),
		TicketID:  h.TicketID,
		UserID:    h.UserID,
		Asset:     h.Asset,
		Amount:    h.AmountUnits.String(),
		Timestamp: time.Now(),
	})
}
