package hold

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tixchange/escrow/internal/audit"
	"github.com/tixchange/escrow/internal/fee"
	"github.com/tixchange/escrow/internal/ledger"
	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc  Service
	repo *ledger.MemoryRepository
	sink *audit.MemorySink
}

func newFixture(t *testing.T, schedule fee.Schedule) *fixture {
	t.Helper()
	repo := ledger.NewMemoryRepository()
	sink := &audit.MemorySink{}
	logger := zap.NewNop()
	svc := NewService(
		repo,
		schedule,
		fee.NewCollector(repo, "platform", logger),
		sink,
		nil,
		logger,
		NewMetrics(prometheus.NewRegistry()),
	)
	return &fixture{svc: svc, repo: repo, sink: sink}
}

// percentOnly charges a flat percentage with no USD floor, matching holds
// valued purely in units.
func percentOnly(pct string) fee.Schedule {
	return fee.Schedule{Percent: dec(pct), MinimumUSD: decimal.Zero}
}

func (f *fixture) seedDeposit(t *testing.T, userID, asset, balance, claimLimitUSD string) {
	t.Helper()
	require.NoError(t, f.repo.CreateDeposit(context.Background(), &models.DepositBalance{
		UserID:        userID,
		Asset:         asset,
		BalanceUnits:  dec(balance),
		ClaimLimitUSD: dec(claimLimitUSD),
	}))
}

func (f *fixture) deposit(t *testing.T, userID, asset string) *models.DepositBalance {
	t.Helper()
	dep, err := f.repo.GetDeposit(context.Background(), userID, asset)
	require.NoError(t, err)
	return dep
}

func (f *fixture) checkInvariants(t *testing.T, userID, asset string) {
	t.Helper()
	dep := f.deposit(t, userID, asset)
	assert.False(t, dep.HeldUnits.IsNegative(), "held_units must not go negative")
	assert.True(t, dep.HeldUnits.LessThanOrEqual(dep.BalanceUnits), "held_units must not exceed balance_units")
	assert.True(t, dep.FeeReservedUnits.LessThanOrEqual(dep.HeldUnits), "fee_reserved_units must not exceed held_units")
}

func TestCreateHoldLocksFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID:    "t1",
		UserID:      "u1",
		Asset:       "BTC",
		AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusActive, h.Status)
	assert.True(t, dec("0.008").Equal(h.FeeUnits))

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("0.4").Equal(dep.HeldUnits))
	assert.True(t, dec("0.6").Equal(dep.AvailableUnits()))
	f.checkInvariants(t, "u1", "BTC")

	// Scenario A second half: a hold larger than the remaining available
	// balance is rejected and nothing moves.
	_, err = f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID:    "t2",
		UserID:      "u1",
		Asset:       "BTC",
		AmountUnits: dec("0.7"),
	})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientBalance))
	dep = f.deposit(t, "u1", "BTC")
	assert.True(t, dec("0.4").Equal(dep.HeldUnits))
	assert.True(t, dec("1.0").Equal(dep.BalanceUnits))
}

func TestCreateHoldPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "50")

	_, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "ghost", Asset: "BTC", AmountUnits: dec("0.1"),
	})
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "missing ledger entry")

	_, err = f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.1"), AmountUSD: dec("75"),
	})
	assert.True(t, errors.IsKind(err, errors.KindLimitExceeded), "claim limit")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.1"), AmountUSD: dec("40"), PriceUSD: dec("400"),
	})
	require.NoError(t, err)

	_, err = f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.1"), AmountUSD: dec("40"), PriceUSD: dec("400"),
	})
	assert.True(t, errors.IsKind(err, errors.KindConflict), "one active hold per ticket")

	_, err = f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t2", UserID: "u1", Asset: "BTC", AmountUnits: dec("0"),
	})
	assert.True(t, errors.IsKind(err, errors.KindInvalid), "zero amount")

	// Refund frees the ticket for a new hold.
	_, err = f.svc.RefundHold(ctx, h.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.1"), AmountUSD: dec("40"),
	})
	require.NoError(t, err)
}

func TestReleaseHoldSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)

	released, err := f.svc.ReleaseHold(ctx, h.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusReleased, released.Status)
	require.NotNil(t, released.ResolvedAt)
	assert.True(t, dec("0.008").Equal(released.FeeUnits))

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("0.6").Equal(dep.BalanceUnits), "amount leaves the balance permanently")
	assert.True(t, dep.HeldUnits.IsZero())
	assert.True(t, dep.FeeReservedUnits.IsZero())
	f.checkInvariants(t, "u1", "BTC")

	// Fee landed in the platform account and was recorded as revenue.
	platform := f.deposit(t, "platform", "BTC")
	assert.True(t, dec("0.008").Equal(platform.BalanceUnits))
	fees := f.repo.FeeRecords()
	require.Len(t, fees, 1)
	assert.Equal(t, h.ID, fees[0].HoldID)
	assert.True(t, dec("0.008").Equal(fees[0].AmountUnits))
}

func TestReleaseHoldWithoutFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)

	_, err = f.svc.ReleaseHold(ctx, h.ID, false)
	require.NoError(t, err)

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("0.6").Equal(dep.BalanceUnits))
	assert.Empty(t, f.repo.FeeRecords(), "no revenue without fee deduction")
}

func TestRefundHoldUnlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.3"),
	})
	require.NoError(t, err)

	refunded, err := f.svc.RefundHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusRefunded, refunded.Status)

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("1.0").Equal(dep.BalanceUnits), "refund never deducts")
	assert.True(t, dep.HeldUnits.IsZero())
	assert.Empty(t, f.repo.FeeRecords())
}

func TestSettlementExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)
	_, err = f.svc.ReleaseHold(ctx, h.ID, true)
	require.NoError(t, err)

	_, err = f.svc.ReleaseHold(ctx, h.ID, true)
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))
	_, err = f.svc.RefundHold(ctx, h.ID)
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("0.6").Equal(dep.BalanceUnits), "ledger unchanged by replays")

	platform := f.deposit(t, "platform", "BTC")
	assert.True(t, dec("0.008").Equal(platform.BalanceUnits), "fee collected once")
}

func TestConcurrentCreateHoldsNoOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("0"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
				TicketID:    uuid.NewString(),
				UserID:      "u1",
				Asset:       "BTC",
				AmountUnits: dec("0.3"),
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.True(t, errors.IsKind(err, errors.KindInsufficientBalance))
		}
	}
	assert.Equal(t, 3, successes, "exactly floor(1.0/0.3) holds may win")
	f.checkInvariants(t, "u1", "BTC")

	holds, err := f.svc.GetActiveHolds(ctx, "u1")
	require.NoError(t, err)
	total := decimal.Zero
	for _, h := range holds {
		total = total.Add(h.AmountUnits)
	}
	assert.True(t, total.LessThanOrEqual(dec("1.0")), "sum of active holds must not exceed balance")
}

func TestConcurrentResolveDistinctHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("0"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100000")

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
			TicketID: uuid.NewString(), UserID: "u1", Asset: "BTC", AmountUnits: dec("0.2"),
		})
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.ReleaseHold(ctx, id, false)
			} else {
				_, err = f.svc.RefundHold(ctx, id)
			}
			assert.NoError(t, err)
		}(i, id)
	}
	wg.Wait()

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dep.HeldUnits.IsZero(), "all decrements must land")
	// 3 released at 0.2 each, 2 refunded.
	assert.True(t, dec("0.4").Equal(dep.BalanceUnits))
	f.checkInvariants(t, "u1", "BTC")
}

func TestCreateMultiAssetHoldAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fee.Schedule{Percent: dec("2"), MinimumUSD: dec("0.50")})
	f.seedDeposit(t, "u1", "BTC", "1.0", "100")
	f.seedDeposit(t, "u1", "ETH", "2.0", "0")

	holds, err := f.svc.CreateMultiAssetHold(ctx, &MultiAssetHoldRequest{
		TicketID:  "t1",
		UserID:    "u1",
		AmountUSD: dec("60"),
		Prices: map[string]decimal.Decimal{
			"BTC": dec("50"),
			"ETH": dec("10"),
		},
	})
	require.NoError(t, err)
	require.Len(t, holds, 2)

	// Largest deposit first: all $50 of BTC, the remaining $10 from ETH.
	byAsset := map[string]*models.Hold{}
	for _, h := range holds {
		byAsset[h.Asset] = h
	}
	btc, eth := byAsset["BTC"], byAsset["ETH"]
	require.NotNil(t, btc)
	require.NotNil(t, eth)
	assert.True(t, dec("1.0").Equal(btc.AmountUnits), "got %s", btc.AmountUnits)
	assert.True(t, dec("50").Equal(btc.AmountUSD))
	assert.True(t, dec("1.0").Equal(eth.AmountUnits), "got %s", eth.AmountUnits)
	assert.True(t, dec("10").Equal(eth.AmountUSD))

	// Fee ($1.20 at 2% of $60) is carved out of the last allocation.
	assert.True(t, btc.FeeUnits.IsZero())
	assert.True(t, dec("1.20").Equal(eth.FeeUSD))
	assert.True(t, dec("0.12").Equal(eth.FeeUnits), "got %s", eth.FeeUnits)

	f.checkInvariants(t, "u1", "BTC")
	f.checkInvariants(t, "u1", "ETH")
}

func TestCreateMultiAssetHoldInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fee.Schedule{Percent: dec("2"), MinimumUSD: dec("0.50")})
	f.seedDeposit(t, "u1", "BTC", "1.0", "1000")

	_, err := f.svc.CreateMultiAssetHold(ctx, &MultiAssetHoldRequest{
		TicketID:  "t1",
		UserID:    "u1",
		AmountUSD: dec("80"),
		Prices:    map[string]decimal.Decimal{"BTC": dec("50")},
	})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientBalance))

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dep.HeldUnits.IsZero())
}

func TestCreateMultiAssetHoldClaimLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fee.Schedule{Percent: dec("2"), MinimumUSD: dec("0.50")})
	f.seedDeposit(t, "u1", "BTC", "10", "30")
	f.seedDeposit(t, "u1", "ETH", "10", "20")

	_, err := f.svc.CreateMultiAssetHold(ctx, &MultiAssetHoldRequest{
		TicketID:  "t1",
		UserID:    "u1",
		AmountUSD: dec("60"),
		Prices:    map[string]decimal.Decimal{"BTC": dec("50"), "ETH": dec("10")},
	})
	assert.True(t, errors.IsKind(err, errors.KindLimitExceeded), "limits sum to $50 < $60")
}

func TestReleaseAllForTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fee.Schedule{Percent: dec("2"), MinimumUSD: decimal.Zero})
	f.seedDeposit(t, "u1", "BTC", "1.0", "100")
	f.seedDeposit(t, "u1", "ETH", "2.0", "100")

	_, err := f.svc.CreateMultiAssetHold(ctx, &MultiAssetHoldRequest{
		TicketID:  "t1",
		UserID:    "u1",
		AmountUSD: dec("60"),
		Prices:    map[string]decimal.Decimal{"BTC": dec("50"), "ETH": dec("10")},
	})
	require.NoError(t, err)

	resolved, err := f.svc.ReleaseAllForTicket(ctx, "t1", true)
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	for _, h := range resolved {
		assert.Equal(t, models.HoldStatusReleased, h.Status)
	}

	btc := f.deposit(t, "u1", "BTC")
	eth := f.deposit(t, "u1", "ETH")
	assert.True(t, btc.HeldUnits.IsZero())
	assert.True(t, eth.HeldUnits.IsZero())

	// Replaying the batch finds no active holds left to settle.
	resolved, err = f.svc.ReleaseAllForTicket(ctx, "t1", true)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestRefundAllForTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)

	resolved, err := f.svc.RefundAllForTicket(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, h.ID, resolved[0].ID)

	dep := f.deposit(t, "u1", "BTC")
	assert.True(t, dec("1.0").Equal(dep.BalanceUnits))

	_, err = f.svc.RefundAllForTicket(ctx, "missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestGetHoldByTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)

	found, err := f.svc.GetHoldByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, h.ID, found.ID)

	_, err = f.svc.GetHoldByTicket(ctx, "nope")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	// Resolved holds no longer answer the active-hold lookup but stay
	// visible in the full ticket history.
	_, err = f.svc.RefundHold(ctx, h.ID)
	require.NoError(t, err)
	_, err = f.svc.GetHoldByTicket(ctx, "t1")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	all, err := f.svc.GetHoldsByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, percentOnly("2"))
	f.seedDeposit(t, "u1", "BTC", "1.0", "100")

	h, err := f.svc.CreateHold(ctx, &CreateHoldRequest{
		TicketID: "t1", UserID: "u1", Asset: "BTC", AmountUnits: dec("0.4"),
	})
	require.NoError(t, err)
	_, err = f.svc.ReleaseHold(ctx, h.ID, true)
	require.NoError(t, err)

	require.Len(t, f.sink.Entries, 2)
	assert.Equal(t, "hold.created", f.sink.Entries[0].Action)
	assert.Equal(t, "hold.released", f.sink.Entries[1].Action)
	assert.Equal(t, "u1", f.sink.Entries[0].UserID)
}
