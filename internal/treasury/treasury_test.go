package treasury

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-treasury/internal/audit"
	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/exchange"
	"github.com/ksred/klear-treasury/internal/types"
)

var (
	treasuryAddr = common.HexToAddress("0x0000000000000000000000000000000000007777")
	adminAddr    = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	keeperAddr   = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
	targetToken  = common.HexToAddress("0x0000000000000000000000000000000000001111")
	burnToken    = common.HexToAddress("0x0000000000000000000000000000000000002222")
)

type fixture struct {
	sim        *exchange.Simulator
	db         *gorm.DB
	service    *Service
	auditLog   *audit.Log
	targetPool chain.PoolKey
	buyback    chain.PoolKey
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "treasury.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{},
		&types.AuditRecord{},
		&LedgerState{},
		&ConfigRecord{},
		&IdempotencyRecord{},
	))
	return db
}

func testConfig(buybackPool chain.PoolKey) Config {
	return Config{
		TargetAsset:      targetToken,
		AcquisitionSize:  types.NewAmount(1000),
		MinProfitPercent: 10,
		FeeTier:          10000,
		CallerReward:     types.NewAmount(1),
		BuybackAsset:     burnToken,
		BuybackPool:      buybackPool,
	}
}

// newFixture prices the target pool so 1000 tokens cost exactly 1000 after
// its 1% fee, and funds the treasury with 10000.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sim: exchange.NewSimulator(), db: newTestDB(t)}
	f.targetPool = chain.PoolKey{Currency0: chain.Native, Currency1: targetToken, Fee: 10000, TickSpacing: 200}
	f.buyback = chain.PoolKey{Currency0: chain.Native, Currency1: burnToken, Fee: 0, TickSpacing: 60}

	require.NoError(t, f.sim.AddPool(&exchange.Pool{Name: "target", Key: f.targetPool, PriceNum: uint256.NewInt(1000), PriceDen: uint256.NewInt(990)}))
	require.NoError(t, f.sim.AddPool(&exchange.Pool{Name: "buyback", Key: f.buyback, PriceNum: uint256.NewInt(2), PriceDen: uint256.NewInt(1)}))
	for _, key := range []chain.PoolKey{f.targetPool, f.buyback} {
		require.NoError(t, f.sim.FundPool(key.ID(), chain.Native, uint256.NewInt(1_000_000)))
		require.NoError(t, f.sim.FundPool(key.ID(), key.Currency1, uint256.NewInt(1_000_000)))
	}
	f.sim.Mint(chain.Native, treasuryAddr, uint256.NewInt(10_000))

	f.auditLog = audit.NewLog(f.db)
	f.sim.Subscribe(f.auditLog.OnCommit)

	service, err := NewService(f.db, f.sim, Settings{
		Address: treasuryAddr,
		Admin:   adminAddr,
		Initial: testConfig(f.buyback),
	})
	require.NoError(t, err)
	f.service = service
	return f
}

// liftPrice makes the 1000-token position sell for exactly 1150.
func (f *fixture) liftPrice(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sim.SetPrice(f.targetPool.ID(), uint256.NewInt(99), uint256.NewInt(115)))
}

func (f *fixture) native(holder common.Address) uint64 {
	return f.sim.BalanceOf(chain.Native, holder).Uint64()
}

func TestOpenAndBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)

	order := result.Order
	require.Equal(t, uint64(1), order.ID)
	require.Equal(t, types.OrderStatusSelling, order.Status)
	require.Equal(t, targetToken, order.Asset)
	require.Equal(t, uint64(1000), order.Spend.Uint64())
	require.Equal(t, uint64(1000), order.TokenAmount.Uint64())
	require.Equal(t, "1000000000000000000", order.BuyPrice.String())
	require.Equal(t, "1100000000000000000", order.TargetSellPrice.String())
	require.Equal(t, uint8(10), order.MinProfitPercent)
	require.Equal(t, uint32(10000), order.FeeTier)
	require.Equal(t, keeperAddr, order.Buyer)
	require.Equal(t, uint64(1), result.Reward.Uint64())

	require.Equal(t, uint64(8999), f.native(treasuryAddr))
	require.Equal(t, uint64(1), f.native(keeperAddr))
	require.Equal(t, uint64(1000), f.sim.BalanceOf(targetToken, treasuryAddr).Uint64())

	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 2, ActiveOrderID: 1}, lane)

	stored, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, order.Spend, stored.Spend)

	records, err := f.auditLog.List(audit.Filter{Kind: types.AuditOrderOpened})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].OrderID)
	require.Equal(t, uint64(1000), records[0].Spend.Uint64())
}

func TestOpenAndBuyHoldsSingleLane(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)

	_, err = f.service.OpenAndBuy(ctx, keeperAddr)
	require.ErrorIs(t, err, types.ErrInvalidOrderState)
	require.Equal(t, uint64(8999), f.native(treasuryAddr))
}

func TestOpenAndBuyInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Quote 1000, ceiling 1030, plus the reward.
	require.NoError(t, f.service.Withdraw(ctx, adminAddr, chain.Native, adminAddr, types.NewAmount(8970)))
	require.Equal(t, uint64(1030), f.native(treasuryAddr))

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.ErrorIs(t, err, types.ErrInsufficientFunds)
	require.Equal(t, uint64(1030), f.native(treasuryAddr))

	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 1}, lane)
}

func TestOpenAndBuyFillMismatch(t *testing.T) {
	f := newFixture(t)
	f.sim.SetTransferTax(targetToken, 10_000)

	_, err := f.service.OpenAndBuy(context.Background(), keeperAddr)
	require.ErrorIs(t, err, types.ErrFillMismatch)

	require.Equal(t, uint64(10_000), f.native(treasuryAddr))
	require.True(t, f.sim.BalanceOf(targetToken, treasuryAddr).IsZero())
	_, err = f.service.GetOrder(1)
	require.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestOpenAndBuyRewardFailureReverts(t *testing.T) {
	f := newFixture(t)
	f.sim.RejectTransfers(keeperAddr, true)

	_, err := f.service.OpenAndBuy(context.Background(), keeperAddr)
	require.ErrorIs(t, err, types.ErrRewardTransferFailed)

	require.Equal(t, uint64(10_000), f.native(treasuryAddr))
	require.True(t, f.sim.BalanceOf(targetToken, treasuryAddr).IsZero())
	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 1}, lane)

	records, err := f.auditLog.List(audit.Filter{})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestCloseAndSellBelowFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)

	// Unchanged price returns 980 against a floor of 1100.
	_, err = f.service.CloseAndSell(ctx, keeperAddr, 1)
	require.ErrorIs(t, err, types.ErrInsufficientProfit)

	order, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusSelling, order.Status)
	require.Equal(t, uint64(1000), f.sim.BalanceOf(targetToken, treasuryAddr).Uint64())
	require.Equal(t, uint64(8999), f.native(treasuryAddr))
}

func TestCloseAndSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	f.liftPrice(t)
	burnSupply := f.sim.TotalSupply(burnToken).Uint64()

	seller := common.HexToAddress("0x0000000000000000000000000000000000000ca2")
	result, err := f.service.CloseAndSell(ctx, seller, 1)
	require.NoError(t, err)

	order := result.Order
	require.Equal(t, types.OrderStatusSuccess, order.Status)
	require.Equal(t, seller, order.Seller)
	require.NotNil(t, order.SellTimestamp)
	require.Equal(t, uint64(1150), order.Proceeds.Uint64())
	require.Equal(t, uint64(150), order.Profit.Uint64())
	require.Equal(t, uint64(1), order.CallerReward.Uint64())
	require.Equal(t, uint64(1149), order.BuybackAmount.Uint64())
	require.Equal(t, uint64(2298), order.BurnedAmount.Uint64())
	require.Equal(t, uint64(2298), result.Buyback.Burned.Uint64())

	require.Equal(t, uint64(8999), f.native(treasuryAddr))
	require.Equal(t, uint64(1), f.native(seller))
	require.True(t, f.sim.BalanceOf(targetToken, treasuryAddr).IsZero())
	require.True(t, f.sim.BalanceOf(burnToken, treasuryAddr).IsZero())
	require.Equal(t, burnSupply-2298, f.sim.TotalSupply(burnToken).Uint64())

	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 2}, lane)

	stored, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, uint64(2298), stored.BurnedAmount.Uint64())

	closed, err := f.auditLog.List(audit.Filter{OrderID: 1})
	require.NoError(t, err)
	kinds := make([]types.AuditKind, 0, len(closed))
	for _, r := range closed {
		kinds = append(kinds, r.Kind)
	}
	require.ElementsMatch(t, []types.AuditKind{types.AuditOrderOpened, types.AuditOrderClosed, types.AuditBuybackExecuted}, kinds)

	_, err = f.service.CloseAndSell(ctx, seller, 1)
	require.ErrorIs(t, err, types.ErrInvalidOrderState)
}

func TestCloseAndSellRewardTakesAllProceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	reward := types.NewAmount(5000)
	_, err = f.service.UpdateConfig(ctx, adminAddr, ConfigUpdate{CallerReward: &reward})
	require.NoError(t, err)
	f.liftPrice(t)
	burnSupply := f.sim.TotalSupply(burnToken).Uint64()

	seller := common.HexToAddress("0x0000000000000000000000000000000000000ca2")
	result, err := f.service.CloseAndSell(ctx, seller, 1)
	require.NoError(t, err)

	// The reward is capped at the 1150 of proceeds, leaving nothing to burn.
	require.Equal(t, uint64(1150), result.Reward.Uint64())
	require.Nil(t, result.Buyback)
	require.True(t, result.Order.BuybackAmount.IsZero())
	require.True(t, result.Order.BurnedAmount.IsZero())
	require.Equal(t, uint64(1150), f.native(seller))
	require.Equal(t, uint64(8999), f.native(treasuryAddr))
	require.Equal(t, burnSupply, f.sim.TotalSupply(burnToken).Uint64())

	records, err := f.auditLog.List(audit.Filter{Kind: types.AuditBuybackExecuted})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestCloseAndSellBuybackFailureReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	missing := f.buyback
	missing.Fee = 3000
	_, err = f.service.UpdateConfig(ctx, adminAddr, ConfigUpdate{BuybackPool: &missing})
	require.NoError(t, err)
	f.liftPrice(t)

	_, err = f.service.CloseAndSell(ctx, keeperAddr, 1)
	require.ErrorIs(t, err, chain.ErrPoolNotFound)

	order, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusSelling, order.Status)
	require.True(t, order.Proceeds.IsZero())
	require.Equal(t, uint64(1000), f.sim.BalanceOf(targetToken, treasuryAddr).Uint64())
	require.Equal(t, uint64(8999), f.native(treasuryAddr))
	require.Equal(t, uint64(1), f.native(keeperAddr))

	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 2, ActiveOrderID: 1}, lane)

	closed, err := f.auditLog.List(audit.Filter{Kind: types.AuditOrderClosed})
	require.NoError(t, err)
	require.Empty(t, closed)
}

func TestCloseAndSellUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CloseAndSell(context.Background(), keeperAddr, 7)
	require.ErrorIs(t, err, types.ErrInvalidOrderState)
}

func TestCloseAndSellRewardFailureReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	f.liftPrice(t)
	f.sim.RejectTransfers(keeperAddr, true)

	_, err = f.service.CloseAndSell(ctx, keeperAddr, 1)
	require.ErrorIs(t, err, types.ErrRewardTransferFailed)

	order, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusSelling, order.Status)
	require.Equal(t, uint64(1000), f.sim.BalanceOf(targetToken, treasuryAddr).Uint64())
	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, uint64(1), lane.ActiveOrderID)
}

func TestWithdrawActiveOrderAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)

	err = f.service.Withdraw(ctx, adminAddr, targetToken, adminAddr, types.NewAmount(1001))
	require.ErrorIs(t, err, types.ErrInsufficientFunds)

	require.NoError(t, f.service.Withdraw(ctx, adminAddr, targetToken, adminAddr, types.NewAmount(1000)))
	require.True(t, f.sim.BalanceOf(targetToken, treasuryAddr).IsZero())
	require.Equal(t, uint64(1000), f.sim.BalanceOf(targetToken, adminAddr).Uint64())

	records, err := f.auditLog.List(audit.Filter{Kind: types.AuditWithdrawal})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].OrderID)
	require.Equal(t, targetToken, records[0].Asset)

	// The order keeps the lane until an operator resolves it.
	order, err := f.service.GetOrder(1)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusSelling, order.Status)
}

func TestWithdrawRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	err := f.service.Withdraw(context.Background(), keeperAddr, chain.Native, keeperAddr, types.NewAmount(1))
	require.ErrorIs(t, err, types.ErrUnauthorized)
	require.Equal(t, uint64(10_000), f.native(treasuryAddr))
}

func TestTransferAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.service.guard.enter()
	require.NoError(t, err)
	err = f.service.TransferAdmin(ctx, adminAddr, keeperAddr)
	require.ErrorIs(t, err, types.ErrOperationInProgress)
	release()
	require.True(t, f.service.IsAdmin(adminAddr))

	require.NoError(t, f.service.TransferAdmin(ctx, adminAddr, keeperAddr))
	require.True(t, f.service.IsAdmin(keeperAddr))

	err = f.service.TransferAdmin(ctx, adminAddr, adminAddr)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	records, err := f.auditLog.List(audit.Filter{Kind: types.AuditAdminTransferred})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, keeperAddr, records[0].Counterparty)
}

func TestAuditFailureRevertsOperation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Migrator().DropTable(&types.AuditRecord{}))

	_, err := f.service.OpenAndBuy(context.Background(), keeperAddr)
	require.Error(t, err)

	require.Equal(t, uint64(10_000), f.native(treasuryAddr))
	require.True(t, f.sim.BalanceOf(targetToken, treasuryAddr).IsZero())
	_, err = f.service.GetOrder(1)
	require.ErrorIs(t, err, types.ErrOrderNotFound)
	lane, err := f.service.Lane()
	require.NoError(t, err)
	require.Equal(t, Lane{NextOrderID: 1}, lane)
}

func TestOrderIDsIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	f.liftPrice(t)
	_, err = f.service.CloseAndSell(ctx, keeperAddr, 1)
	require.NoError(t, err)

	second, err := f.service.OpenAndBuy(ctx, keeperAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Order.ID)

	orders, err := f.service.ListOrders(0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, uint64(2), orders[0].ID)

	stats, err := f.service.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalOrders)
	require.Equal(t, int64(1), stats.OpenOrders)
	require.Equal(t, int64(1), stats.ClosedOrders)
	require.Equal(t, uint64(150), stats.TotalProfit.Uint64())
	require.Equal(t, uint64(2298), stats.TotalBurned.Uint64())
	require.Equal(t, uint64(1000)+second.Order.Spend.Uint64(), stats.TotalSpend.Uint64())
	require.Equal(t, uint64(3), stats.NextOrderID)
}

func TestIdempotentOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.OpenAndBuyIdempotent(ctx, keeperAddr, "cycle-1")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	again, err := f.service.OpenAndBuyIdempotent(ctx, keeperAddr, "cycle-1")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Order.ID, again.Order.ID)
	require.Equal(t, first.Reward, again.Reward)
	require.Equal(t, uint64(1), again.Order.BuyReward.Uint64())
	require.Equal(t, uint64(8999), f.native(treasuryAddr))

	_, err = f.service.CloseAndSellIdempotent(ctx, keeperAddr, 1, "cycle-1")
	require.ErrorIs(t, err, types.ErrInvalidOrderState)

	f.liftPrice(t)
	sold, err := f.service.CloseAndSellIdempotent(ctx, keeperAddr, 1, "close-1")
	require.NoError(t, err)
	replay, err := f.service.CloseAndSellIdempotent(ctx, keeperAddr, 1, "close-1")
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, sold.Order.Proceeds, replay.Order.Proceeds)
}

func TestPersistedConfigWins(t *testing.T) {
	f := newFixture(t)

	other := testConfig(f.buyback)
	other.MinProfitPercent = 50
	service, err := NewService(f.db, f.sim, Settings{Address: treasuryAddr, Admin: keeperAddr, Initial: other})
	require.NoError(t, err)

	cfg, err := service.Config()
	require.NoError(t, err)
	require.Equal(t, uint8(10), cfg.MinProfitPercent)
	require.True(t, service.IsAdmin(adminAddr))
	require.False(t, service.IsAdmin(keeperAddr))
}

func TestNewServiceRejectsBadSettings(t *testing.T) {
	db := newTestDB(t)
	sim := exchange.NewSimulator()

	_, err := NewService(db, sim, Settings{Admin: adminAddr, Initial: testConfig(chain.PoolKey{})})
	require.ErrorIs(t, err, types.ErrInvalidConfiguration)

	_, err = NewService(db, sim, Settings{Address: treasuryAddr, Initial: testConfig(chain.PoolKey{})})
	require.ErrorIs(t, err, types.ErrInvalidConfiguration)

	bad := testConfig(chain.PoolKey{})
	bad.FeeTier = 42
	_, err = NewService(db, sim, Settings{Address: treasuryAddr, Admin: adminAddr, Initial: bad})
	require.ErrorIs(t, err, types.ErrInvalidConfiguration)
}

func TestPricesAndFloor(t *testing.T) {
	buy, target, err := Prices(types.NewAmount(500), types.NewAmount(1000), 15)
	require.NoError(t, err)
	require.Equal(t, "500000000000000000", buy.String())
	require.Equal(t, "575000000000000000", target.String())

	_, _, err = Prices(types.NewAmount(1), types.Amount{}, 15)
	require.ErrorIs(t, err, types.ErrFillMismatch)

	floor, err := ProfitFloor(types.NewAmount(1001), 15)
	require.NoError(t, err)
	require.Equal(t, uint64(1152), floor.Uint64())
}

func TestCallGuard(t *testing.T) {
	var g callGuard
	release, err := g.enter()
	require.NoError(t, err)

	_, err = g.enter()
	require.ErrorIs(t, err, types.ErrOperationInProgress)

	release()
	release, err = g.enter()
	require.NoError(t, err)
	release()
}

// reentrantBackend calls back into the service from inside a unit of work.
type reentrantBackend struct {
	chain.Backend
	service *Service
	err     error
}

func (b *reentrantBackend) Atomic(ctx context.Context, fn func(env chain.Env) error) error {
	if b.service != nil {
		_, b.err = b.service.CloseAndSell(ctx, keeperAddr, 1)
	}
	return b.Backend.Atomic(ctx, fn)
}

func TestReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	backend := &reentrantBackend{Backend: f.sim}
	service, err := NewService(f.db, backend, Settings{Address: treasuryAddr, Admin: adminAddr, Initial: testConfig(f.buyback)})
	require.NoError(t, err)
	backend.service = service

	_, err = service.OpenAndBuy(context.Background(), keeperAddr)
	require.NoError(t, err)
	require.ErrorIs(t, backend.err, types.ErrOperationInProgress)
}
