package buyback

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/exchange"
	"github.com/ksred/klear-treasury/internal/types"
)

var (
	treasury = common.HexToAddress("0x0000000000000000000000000000000000007777")
	asset    = common.HexToAddress("0x000000000000000000000000000000000000b1b1")
)

func setup(t *testing.T) (*exchange.Simulator, chain.PoolKey) {
	t.Helper()
	sim := exchange.NewSimulator()
	key := chain.PoolKey{Currency0: chain.Native, Currency1: asset, Fee: 0, TickSpacing: 60}
	require.NoError(t, sim.AddPool(&exchange.Pool{Name: "buyback", Key: key, PriceNum: uint256.NewInt(2), PriceDen: uint256.NewInt(1)}))
	require.NoError(t, sim.FundPool(key.ID(), asset, uint256.NewInt(1_000_000)))
	sim.Mint(chain.Native, treasury, uint256.NewInt(1000))
	return sim, key
}

func TestExecuteBurnsEverythingAcquired(t *testing.T) {
	sim, key := setup(t)
	ctx := context.Background()
	burner := NewBurner(chain.Native)
	supply := sim.TotalSupply(asset).Uint64()

	var result *Result
	err := sim.Atomic(ctx, func(env chain.Env) error {
		var err error
		result, err = burner.Execute(ctx, env, Request{Treasury: treasury, Asset: asset, Pool: key, Budget: types.NewAmount(149)})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(149), result.Spent.Uint64())
	require.Equal(t, uint64(298), result.Acquired.Uint64())
	require.Equal(t, result.Acquired, result.Burned)

	require.True(t, sim.BalanceOf(asset, treasury).IsZero())
	require.Equal(t, uint64(851), sim.BalanceOf(chain.Native, treasury).Uint64())
	require.Equal(t, supply-298, sim.TotalSupply(asset).Uint64())
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	sim, key := setup(t)
	ctx := context.Background()
	burner := NewBurner(chain.Native)

	run := func(req Request) error {
		return sim.Atomic(ctx, func(env chain.Env) error {
			_, err := burner.Execute(ctx, env, req)
			return err
		})
	}

	require.ErrorIs(t, run(Request{Treasury: treasury, Asset: asset, Pool: key}), types.ErrInvalidConfiguration)
	require.ErrorIs(t, run(Request{Treasury: treasury, Pool: key, Budget: types.NewAmount(1)}), types.ErrInvalidConfiguration)

	other := common.HexToAddress("0x000000000000000000000000000000000000c0c0")
	require.ErrorIs(t, run(Request{Treasury: treasury, Asset: other, Pool: key, Budget: types.NewAmount(1)}), types.ErrInvalidConfiguration)

	err := run(Request{Treasury: treasury, Asset: asset, Pool: key, Budget: types.NewAmount(5000)})
	require.ErrorIs(t, err, chain.ErrInsufficientBalance)
	require.Equal(t, uint64(1000), sim.BalanceOf(chain.Native, treasury).Uint64())
}

func TestExecuteSkipsBurnWhenNothingAcquired(t *testing.T) {
	sim, key := setup(t)
	ctx := context.Background()
	burner := NewBurner(chain.Native)
	supply := sim.TotalSupply(asset).Uint64()

	// A thousand native per token: a budget of 5 buys nothing.
	require.NoError(t, sim.SetPrice(key.ID(), uint256.NewInt(1), uint256.NewInt(1000)))

	var result *Result
	err := sim.Atomic(ctx, func(env chain.Env) error {
		var err error
		result, err = burner.Execute(ctx, env, Request{Treasury: treasury, Asset: asset, Pool: key, Budget: types.NewAmount(5)})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), result.Spent.Uint64())
	require.True(t, result.Acquired.IsZero())
	require.True(t, result.Burned.IsZero())

	require.Equal(t, uint64(995), sim.BalanceOf(chain.Native, treasury).Uint64())
	require.Equal(t, supply, sim.TotalSupply(asset).Uint64())
}
