package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ksred/klear-treasury/internal/types"
)

// AfterSwapSelector is the acknowledgement a hook must return from
// AfterSwap. It is the 4-byte selector of the callback signature.
var AfterSwapSelector = selector("afterSwap(address,(address,address,uint24,int24,address),(bool,int256,uint160),int256,bytes)")

func selector(sig string) [4]byte {
	var out [4]byte
	copy(out[:], crypto.Keccak256([]byte(sig))[:4])
	return out
}

// HookResult is what a hook hands back to the pool manager.
type HookResult struct {
	Selector [4]byte
	// FeeAdjustment is withheld from the swap's output currency; the
	// swapper's final balance is reduced by this amount.
	FeeAdjustment types.Amount
}

// SwapHook is called synchronously after a swap on a governed pool settles.
// An error fails the swap.
type SwapHook interface {
	Address() common.Address
	AfterSwap(ctx context.Context, env Env, sender common.Address, key PoolKey, params SwapParams, delta BalanceDelta) (HookResult, error)
}
