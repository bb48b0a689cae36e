// Package chain defines the contracts between the treasury core and the
// swap venue it trades against: quoting, routed swaps, pool-level swaps with
// hook callbacks, token custody, and atomic units of work.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ksred/klear-treasury/internal/types"
)

// Native is the settlement currency. Pools list it first because the zero
// address sorts lowest.
var Native = common.Address{}

var (
	ErrInsufficientOutput    = errors.New("insufficient output amount")
	ErrExcessiveInput        = errors.New("excessive input amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrTransferRejected      = errors.New("transfer rejected by recipient")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrInvalidHookResponse   = errors.New("invalid hook response")
)

// QuoteParams asks for the input needed to receive exactly AmountOut.
type QuoteParams struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       uint32
	AmountOut *uint256.Int
}

type ExactOutputParams struct {
	TokenIn         common.Address
	TokenOut        common.Address
	Fee             uint32
	Recipient       common.Address
	AmountOut       *uint256.Int
	AmountInMaximum *uint256.Int
}

type ExactInputParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	AmountIn         *uint256.Int
	AmountOutMinimum *uint256.Int
}

// SwapParams describes a pool-level swap. A negative AmountSpecified is an
// exact-input swap, a positive one exact-output.
type SwapParams struct {
	ZeroForOne      bool
	AmountSpecified *big.Int
}

// ExactInput reports whether the swap fixes the input amount.
func (p SwapParams) ExactInput() bool {
	return p.AmountSpecified != nil && p.AmountSpecified.Sign() < 0
}

// OutputCurrency returns the side of key the swapper receives.
func (p SwapParams) OutputCurrency(key PoolKey) common.Address {
	if p.ZeroForOne {
		return key.Currency1
	}
	return key.Currency0
}

// Quoter estimates swap sizes without changing state.
type Quoter interface {
	QuoteExactOutputSingle(ctx context.Context, params QuoteParams) (*uint256.Int, error)
}

// Router executes single-pool swaps between the sender and a hookless pool.
// Both calls fail outright when their bound cannot be met.
type Router interface {
	ExactOutputSingle(ctx context.Context, sender common.Address, params ExactOutputParams) (*uint256.Int, error)
	ExactInputSingle(ctx context.Context, sender common.Address, params ExactInputParams) (*uint256.Int, error)
}

// PoolManager swaps directly against a pool, running its hook after
// settlement. Take moves currency owed by a pool to a hook.
type PoolManager interface {
	Swap(ctx context.Context, sender common.Address, key PoolKey, params SwapParams) (BalanceDelta, error)
	Take(ctx context.Context, key PoolKey, currency, to common.Address, amount *uint256.Int) error
}

// Bank holds balances. Transfer succeeds fully or returns an error.
type Bank interface {
	BalanceOf(asset, holder common.Address) *uint256.Int
	Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, asset, holder common.Address, amount *uint256.Int) error
}

// Env is the venue as seen from inside one atomic unit of work.
type Env interface {
	Quoter
	Router
	PoolManager
	Bank
	// Emit queues an audit record. Records reach subscribers only if the
	// unit of work commits.
	Emit(record types.AuditRecord)
}

// Backend runs fn as one unit: every effect made through env lands, or none
// does. Units never interleave.
type Backend interface {
	Atomic(ctx context.Context, fn func(env Env) error) error
}

// CommitFunc receives the records emitted by a committed unit of work.
type CommitFunc func(records []types.AuditRecord)
