package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It backs the
// memory storage mode and the test suite, and honors the same atomicity
// contract as the SQL implementation: guarded mutations check and write
// under one critical section.
type MemoryRepository struct {
	mu       sync.RWMutex
	deposits map[string]*models.DepositBalance
	holds    map[uuid.UUID]*models.Hold
	fees     []*models.FeeRecord
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		deposits: make(map[string]*models.DepositBalance),
		holds:    make(map[uuid.UUID]*models.Hold),
	}
}

func depositKey(userID, asset string) string { return userID + "|" + asset }

func (r *MemoryRepository) CreateDeposit(ctx context.Context, dep *models.DepositBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := depositKey(dep.UserID, dep.Asset)
	if _, ok := r.deposits[key]; ok {
		return errors.Conflict("deposit for user %s asset %s already exists", dep.UserID, dep.Asset)
	}
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	cp := *dep
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.deposits[key] = &cp
	return nil
}

func (r *MemoryRepository) GetDeposit(ctx context.Context, userID, asset string) (*models.DepositBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dep, ok := r.deposits[depositKey(userID, asset)]
	if !ok {
		return nil, errors.NotFound("no %s deposit found for user %s", asset, userID)
	}
	cp := *dep
	return &cp, nil
}

func (r *MemoryRepository) ListDeposits(ctx context.Context, userID string) ([]*models.DepositBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var deps []*models.DepositBalance
	for _, dep := range r.deposits {
		if dep.UserID == userID {
			cp := *dep
			deps = append(deps, &cp)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Asset < deps[j].Asset })
	return deps, nil
}

func (r *MemoryRepository) CreditBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.Invalid("credit amount must not be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deposits[depositKey(userID, asset)]
	if !ok {
		return errors.NotFound("no %s deposit found for user %s", asset, userID)
	}
	dep.BalanceUnits = dep.BalanceUnits.Add(amount)
	dep.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SetClaimLimit(ctx context.Context, userID, asset string, limitUSD decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deposits[depositKey(userID, asset)]
	if !ok {
		return errors.NotFound("no %s deposit found for user %s", asset, userID)
	}
	dep.ClaimLimitUSD = limitUSD
	dep.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) CreateHolds(ctx context.Context, holds []*models.Hold) error {
	if len(holds) == 0 {
		return errors.Invalid("no holds to create")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range holds {
		for _, existing := range r.holds {
			if existing.TicketID == h.TicketID && existing.Status == models.HoldStatusActive {
				return errors.Conflict("ticket %s already has an active hold", h.TicketID)
			}
		}
	}

	// Validate the whole batch before mutating anything. Holds in the batch
	// targeting the same deposit count against it cumulatively, matching the
	// sequential guarded updates of the SQL implementation.
	requested := make(map[string]decimal.Decimal, len(holds))
	for _, h := range holds {
		key := depositKey(h.UserID, h.Asset)
		dep, ok := r.deposits[key]
		if !ok {
			return errors.NotFound("no %s deposit found for user %s", h.Asset, h.UserID)
		}
		total := requested[key].Add(h.AmountUnits)
		if dep.BalanceUnits.Sub(dep.HeldUnits).LessThan(total) {
			return errors.InsufficientBalance("requested %s %s exceeds available balance",
				h.AmountUnits, h.Asset)
		}
		requested[key] = total
	}

	now := time.Now()
	for _, h := range holds {
		dep := r.deposits[depositKey(h.UserID, h.Asset)]
		dep.HeldUnits = dep.HeldUnits.Add(h.AmountUnits)
		dep.FeeReservedUnits = dep.FeeReservedUnits.Add(h.FeeUnits)
		dep.UpdatedAt = now

		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		h.Status = models.HoldStatusActive
		h.CreatedAt = now
		cp := *h
		r.holds[h.ID] = &cp
	}
	return nil
}

func (r *MemoryRepository) ResolveHold(ctx context.Context, holdID uuid.UUID, status string, deductBalance bool) (*models.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holds[holdID]
	if !ok {
		return nil, errors.NotFound("hold %s not found", holdID)
	}
	if h.Status != models.HoldStatusActive {
		return nil, errors.InvalidState("hold %s is not active (status: %s)", holdID, h.Status)
	}
	dep, ok := r.deposits[depositKey(h.UserID, h.Asset)]
	if !ok || dep.HeldUnits.LessThan(h.AmountUnits) {
		return nil, errors.Internal(nil, "deposit %s/%s out of sync with hold %s", h.UserID, h.Asset, holdID)
	}

	now := time.Now()
	dep.HeldUnits = dep.HeldUnits.Sub(h.AmountUnits)
	dep.FeeReservedUnits = dep.FeeReservedUnits.Sub(h.FeeUnits)
	if deductBalance {
		dep.BalanceUnits = dep.BalanceUnits.Sub(h.AmountUnits)
	}
	dep.UpdatedAt = now

	h.Status = status
	h.ResolvedAt = &now
	cp := *h
	return &cp, nil
}

func (r *MemoryRepository) GetHold(ctx context.Context, holdID uuid.UUID) (*models.Hold, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.holds[holdID]
	if !ok {
		return nil, errors.NotFound("hold %s not found", holdID)
	}
	cp := *h
	return &cp, nil
}

func (r *MemoryRepository) GetActiveHolds(ctx context.Context, userID string) ([]*models.Hold, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var holds []*models.Hold
	for _, h := range r.holds {
		if h.UserID == userID && h.Status == models.HoldStatusActive {
			cp := *h
			holds = append(holds, &cp)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.After(holds[j].CreatedAt) })
	return holds, nil
}

func (r *MemoryRepository) GetHoldsByTicket(ctx context.Context, ticketID string) ([]*models.Hold, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var holds []*models.Hold
	for _, h := range r.holds {
		if h.TicketID == ticketID {
			cp := *h
			holds = append(holds, &cp)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.After(holds[j].CreatedAt) })
	return holds, nil
}

func (r *MemoryRepository) GetActiveHoldByTicket(ctx context.Context, ticketID string) (*models.Hold, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Hold
	for _, h := range r.holds {
		if h.TicketID == ticketID && h.Status == models.HoldStatusActive {
			if latest == nil || h.CreatedAt.After(latest.CreatedAt) {
				latest = h
			}
		}
	}
	if latest == nil {
		return nil, errors.NotFound("no active hold found for ticket %s", ticketID)
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) RecordFee(ctx context.Context, rec *models.FeeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	cp := *rec
	r.fees = append(r.fees, &cp)
	return nil
}

// FeeRecords returns a snapshot of collected fee records, newest last.
func (r *MemoryRepository) FeeRecords() []*models.FeeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.FeeRecord, 0, len(r.fees))
	for _, rec := range r.fees {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

var _ Repository = (*MemoryRepository)(nil)
