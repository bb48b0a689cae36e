package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

var (
	token    = common.HexToAddress("0x0000000000000000000000000000000000001111")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	hookAddr = common.HexToAddress("0x000000000000000000000000000000000000f00d")
)

// stubHook takes `take` of the output leg and reports `report` as its
// adjustment.
type stubHook struct {
	sim    *Simulator
	take   uint64
	report uint64
	nested bool
	calls  int
}

func (h *stubHook) Address() common.Address { return hookAddr }

func (h *stubHook) AfterSwap(ctx context.Context, env chain.Env, sender common.Address, key chain.PoolKey, params chain.SwapParams, delta chain.BalanceDelta) (chain.HookResult, error) {
	h.calls++
	if h.nested {
		if err := h.sim.Atomic(ctx, func(chain.Env) error { return nil }); err != nil {
			return chain.HookResult{}, err
		}
	}
	if h.take > 0 {
		if err := env.Take(ctx, key, params.OutputCurrency(key), hookAddr, uint256.NewInt(h.take)); err != nil {
			return chain.HookResult{}, err
		}
	}
	return chain.HookResult{Selector: chain.AfterSwapSelector, FeeAdjustment: types.NewAmount(h.report)}, nil
}

func newTestSim(t *testing.T, lpFee uint32) (*Simulator, chain.PoolKey, chain.PoolKey) {
	t.Helper()
	sim := NewSimulator()
	plain := chain.PoolKey{Currency0: chain.Native, Currency1: token, Fee: lpFee, TickSpacing: 60}
	hooked := plain
	hooked.Hooks = hookAddr

	for _, key := range []chain.PoolKey{plain, hooked} {
		// One native buys two tokens.
		require.NoError(t, sim.AddPool(&Pool{Name: key.Hooks.Hex(), Key: key, PriceNum: uint256.NewInt(2), PriceDen: uint256.NewInt(1)}))
		require.NoError(t, sim.FundPool(key.ID(), chain.Native, uint256.NewInt(1_000_000)))
		require.NoError(t, sim.FundPool(key.ID(), token, uint256.NewInt(1_000_000)))
	}
	sim.Mint(chain.Native, alice, uint256.NewInt(10_000))
	return sim, plain, hooked
}

func TestSimulatorExactOutputPricing(t *testing.T) {
	sim, _, _ := newTestSim(t, 3000)
	ctx := context.Background()

	err := sim.Atomic(ctx, func(env chain.Env) error {
		quote, err := env.QuoteExactOutputSingle(ctx, chain.QuoteParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 3000, AmountOut: uint256.NewInt(1000),
		})
		require.NoError(t, err)
		// 500 before the LP fee, rounded up against the swapper.
		require.Equal(t, uint64(502), quote.Uint64())

		_, err = env.ExactOutputSingle(ctx, alice, chain.ExactOutputParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 3000, Recipient: alice,
			AmountOut: uint256.NewInt(1000), AmountInMaximum: uint256.NewInt(501),
		})
		require.ErrorIs(t, err, chain.ErrExcessiveInput)

		paid, err := env.ExactOutputSingle(ctx, alice, chain.ExactOutputParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 3000, Recipient: alice,
			AmountOut: uint256.NewInt(1000), AmountInMaximum: quote,
		})
		require.NoError(t, err)
		require.Equal(t, quote, paid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1000), sim.BalanceOf(token, alice).Uint64())
	require.Equal(t, uint64(10_000-502), sim.BalanceOf(chain.Native, alice).Uint64())
}

func TestSimulatorExactInputFloor(t *testing.T) {
	sim, _, _ := newTestSim(t, 0)
	ctx := context.Background()

	err := sim.Atomic(ctx, func(env chain.Env) error {
		_, err := env.ExactInputSingle(ctx, alice, chain.ExactInputParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 0, Recipient: alice,
			AmountIn: uint256.NewInt(100), AmountOutMinimum: uint256.NewInt(201),
		})
		return err
	})
	require.ErrorIs(t, err, chain.ErrInsufficientOutput)

	err = sim.Atomic(ctx, func(env chain.Env) error {
		_, err := env.ExactInputSingle(ctx, alice, chain.ExactInputParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 0, Recipient: alice,
			AmountIn: uint256.NewInt(100), AmountOutMinimum: uint256.NewInt(200),
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, uint64(200), sim.BalanceOf(token, alice).Uint64())

	err = sim.Atomic(ctx, func(env chain.Env) error {
		_, err := env.ExactInputSingle(ctx, alice, chain.ExactInputParams{
			TokenIn: chain.Native, TokenOut: token, Fee: 500, Recipient: alice,
			AmountIn: uint256.NewInt(1),
		})
		return err
	})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSimulatorAtomicRollsBack(t *testing.T) {
	sim, _, _ := newTestSim(t, 0)
	ctx := context.Background()

	var delivered [][]types.AuditRecord
	sim.Subscribe(func(records []types.AuditRecord) { delivered = append(delivered, records) })

	boom := errors.New("boom")
	err := sim.Atomic(ctx, func(env chain.Env) error {
		require.NoError(t, env.Transfer(ctx, chain.Native, alice, bob, uint256.NewInt(4000)))
		require.NoError(t, env.Burn(ctx, chain.Native, alice, uint256.NewInt(1000)))
		env.Emit(types.NewAuditRecord(types.AuditWithdrawal, alice, time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(10_000), sim.BalanceOf(chain.Native, alice).Uint64())
	require.True(t, sim.BalanceOf(chain.Native, bob).IsZero())
	require.Empty(t, delivered, "records of a failed unit are dropped")

	supply := sim.TotalSupply(chain.Native).Uint64()
	err = sim.Atomic(ctx, func(env chain.Env) error {
		require.NoError(t, env.Transfer(ctx, chain.Native, alice, bob, uint256.NewInt(4000)))
		require.NoError(t, env.Burn(ctx, chain.Native, bob, uint256.NewInt(1000)))
		env.Emit(types.NewAuditRecord(types.AuditWithdrawal, alice, time.Now()))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3000), sim.BalanceOf(chain.Native, bob).Uint64())
	require.Equal(t, supply-1000, sim.TotalSupply(chain.Native).Uint64())
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0], 1)
}

func TestSimulatorAtomicRestoresOnPanic(t *testing.T) {
	sim, _, _ := newTestSim(t, 0)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = sim.Atomic(ctx, func(env chain.Env) error {
			_ = env.Transfer(ctx, chain.Native, alice, bob, uint256.NewInt(10))
			panic("kaboom")
		})
	})
	require.Equal(t, uint64(10_000), sim.BalanceOf(chain.Native, alice).Uint64())

	// The lock was released.
	require.NoError(t, sim.Atomic(ctx, func(chain.Env) error { return nil }))
}

func TestSimulatorTransferRules(t *testing.T) {
	sim, _, _ := newTestSim(t, 0)
	ctx := context.Background()

	sim.SetTransferTax(chain.Native, 10_000) // 1%
	supply := sim.TotalSupply(chain.Native).Uint64()
	require.NoError(t, sim.Atomic(ctx, func(env chain.Env) error {
		return env.Transfer(ctx, chain.Native, alice, bob, uint256.NewInt(1000))
	}))
	require.Equal(t, uint64(990), sim.BalanceOf(chain.Native, bob).Uint64())
	require.Equal(t, supply-10, sim.TotalSupply(chain.Native).Uint64())

	sim.RejectTransfers(bob, true)
	err := sim.Atomic(ctx, func(env chain.Env) error {
		return env.Transfer(ctx, chain.Native, alice, bob, uint256.NewInt(1))
	})
	require.ErrorIs(t, err, chain.ErrTransferRejected)

	err = sim.Atomic(ctx, func(env chain.Env) error {
		return env.Transfer(ctx, chain.Native, bob, alice, uint256.NewInt(1_000_000))
	})
	require.ErrorIs(t, err, chain.ErrInsufficientBalance)
}

func TestSimulatorHookTakesFee(t *testing.T) {
	sim, _, hooked := newTestSim(t, 0)
	hook := &stubHook{sim: sim, take: 50, report: 50}
	sim.RegisterHook(hook)

	delta, err := sim.Swap(context.Background(), alice, hooked, chain.SwapParams{
		ZeroForOne:      true,
		AmountSpecified: chain.ExactIn(uint256.NewInt(250)),
	})
	require.NoError(t, err)
	require.Equal(t, 1, hook.calls)
	require.Equal(t, int64(-250), delta.Amount0.Int64())
	require.Equal(t, int64(450), delta.Amount1.Int64())
	require.Equal(t, uint64(450), sim.BalanceOf(token, alice).Uint64())
	require.Equal(t, uint64(50), sim.BalanceOf(token, hookAddr).Uint64())
}

func TestSimulatorRejectsBadHookResponses(t *testing.T) {
	params := chain.SwapParams{ZeroForOne: true, AmountSpecified: chain.ExactIn(uint256.NewInt(250))}

	t.Run("adjustment differs from take", func(t *testing.T) {
		sim, _, hooked := newTestSim(t, 0)
		sim.RegisterHook(&stubHook{sim: sim, take: 50, report: 40})
		_, err := sim.Swap(context.Background(), alice, hooked, params)
		require.ErrorIs(t, err, chain.ErrInvalidHookResponse)
		require.Equal(t, uint64(10_000), sim.BalanceOf(chain.Native, alice).Uint64())
		require.True(t, sim.BalanceOf(token, hookAddr).IsZero())
	})

	t.Run("nested unit", func(t *testing.T) {
		sim, _, hooked := newTestSim(t, 0)
		sim.RegisterHook(&stubHook{sim: sim, nested: true})
		_, err := sim.Swap(context.Background(), alice, hooked, params)
		require.ErrorIs(t, err, ErrNestedUnit)
	})

	t.Run("unregistered hook", func(t *testing.T) {
		sim, _, hooked := newTestSim(t, 0)
		_, err := sim.Swap(context.Background(), alice, hooked, params)
		require.ErrorIs(t, err, ErrHookNotFound)
	})
}

func TestSimulatorTakeOutsideSwap(t *testing.T) {
	sim, plain, _ := newTestSim(t, 0)
	err := sim.Atomic(context.Background(), func(env chain.Env) error {
		return env.Take(context.Background(), plain, token, alice, uint256.NewInt(1))
	})
	require.ErrorIs(t, err, chain.ErrInvalidHookResponse)
}

func TestSimulatorSetPrice(t *testing.T) {
	sim, plain, _ := newTestSim(t, 0)
	require.NoError(t, sim.SetPrice(plain.ID(), uint256.NewInt(3), uint256.NewInt(2)))
	p, ok := sim.Pool(plain.ID())
	require.True(t, ok)
	require.Equal(t, uint64(3), p.PriceNum.Uint64())

	require.ErrorIs(t, sim.SetPrice(plain.ID(), uint256.NewInt(0), uint256.NewInt(1)), types.ErrInvalidConfiguration)
	require.ErrorIs(t, sim.SetPrice(common.Hash{}, uint256.NewInt(1), uint256.NewInt(1)), chain.ErrPoolNotFound)
	require.Len(t, sim.Pools(), 2)
}
