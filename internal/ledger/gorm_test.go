package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

func newGormRepo(t *testing.T) (Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		TranslateError: true,
		Logger:         glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	repo, err := NewGormRepository(db, zap.NewNop())
	require.NoError(t, err)
	return repo, db
}

func TestGormHoldFundsGuard(t *testing.T) {
	ctx := context.Background()
	repo, _ := newGormRepo(t)
	seedDeposit(t, repo, "u1", "BTC", "1.0")

	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{activeHold("u1", "BTC", "t1", "0.4", "0.008")}))

	dep, err := repo.GetDeposit(ctx, "u1", "BTC")
	require.NoError(t, err)
	assert.True(t, dec("0.4").Equal(dep.HeldUnits))
	assert.True(t, dec("0.008").Equal(dep.FeeReservedUnits))

	err = repo.CreateHolds(ctx, []*models.Hold{activeHold("u1", "BTC", "t2", "0.7", "0")})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientBalance))

	err = repo.CreateHolds(ctx, []*models.Hold{activeHold("ghost", "BTC", "t3", "0.1", "0")})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestGormActiveHoldPerTicket(t *testing.T) {
	ctx := context.Background()
	repo, _ := newGormRepo(t)
	seedDeposit(t, repo, "u1", "BTC", "1.0")

	h := activeHold("u1", "BTC", "t1", "0.2", "0")
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{h}))

	err := repo.CreateHolds(ctx, []*models.Hold{activeHold("u1", "BTC", "t1", "0.1", "0")})
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	_, err = repo.ResolveHold(ctx, h.ID, models.HoldStatusRefunded, false)
	require.NoError(t, err)
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{activeHold("u1", "BTC", "t1", "0.1", "0")}))
}

// The store itself rejects a second active hold for a (ticket, asset) pair,
// independent of the pre-insert count check: concurrent writers that both
// pass the check still cannot commit a duplicate lock.
func TestGormActiveTicketUniqueIndex(t *testing.T) {
	ctx := context.Background()
	repo, db := newGormRepo(t)
	seedDeposit(t, repo, "u1", "BTC", "10")

	h := activeHold("u1", "BTC", "t1", "0.2", "0")
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{h}))

	dup := activeHold("u1", "BTC", "t1", "0.3", "0")
	dup.ID = uuid.New()
	dup.Status = models.HoldStatusActive
	err := db.Create(dup).Error
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey))

	// Resolved holds leave the partial index, so the ticket can be held
	// again later.
	_, err = repo.ResolveHold(ctx, h.ID, models.HoldStatusReleased, true)
	require.NoError(t, err)
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{activeHold("u1", "BTC", "t1", "0.2", "0")}))
}

func TestGormMultiAssetBatchOneTicket(t *testing.T) {
	ctx := context.Background()
	repo, _ := newGormRepo(t)
	seedDeposit(t, repo, "u1", "BTC", "1.0")
	seedDeposit(t, repo, "u1", "ETH", "2.0")

	// A multi-asset allocation inserts several active holds for one ticket;
	// the per-(ticket, asset) index must tolerate the batch.
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{
		activeHold("u1", "BTC", "t1", "1.0", "0"),
		activeHold("u1", "ETH", "t1", "1.0", "0.12"),
	}))

	holds, err := repo.GetHoldsByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, holds, 2)

	// All-or-nothing: a batch with one failing leg rolls everything back.
	err = repo.CreateHolds(ctx, []*models.Hold{
		activeHold("u1", "ETH", "t2", "0.5", "0"),
		activeHold("u1", "BTC", "t2", "5", "0"),
	})
	assert.True(t, errors.IsKind(err, errors.KindInsufficientBalance))
	eth, err := repo.GetDeposit(ctx, "u1", "ETH")
	require.NoError(t, err)
	assert.True(t, dec("1.0").Equal(eth.HeldUnits), "failed batch must not lock anything")
}

func TestGormResolveHoldExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo, _ := newGormRepo(t)
	seedDeposit(t, repo, "u1", "BTC", "1.0")

	h := activeHold("u1", "BTC", "t1", "0.4", "0")
	require.NoError(t, repo.CreateHolds(ctx, []*models.Hold{h}))

	released, err := repo.ResolveHold(ctx, h.ID, models.HoldStatusReleased, true)
	require.NoError(t, err)
	assert.Equal(t, models.HoldStatusReleased, released.Status)

	dep, err := repo.GetDeposit(ctx, "u1", "BTC")
	require.NoError(t, err)
	assert.True(t, dec("0.6").Equal(dep.BalanceUnits))
	assert.True(t, dep.HeldUnits.IsZero())

	_, err = repo.ResolveHold(ctx, h.ID, models.HoldStatusReleased, true)
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))

	dep, err = repo.GetDeposit(ctx, "u1", "BTC")
	require.NoError(t, err)
	assert.True(t, dec("0.6").Equal(dep.BalanceUnits), "replay must not deduct twice")
}
