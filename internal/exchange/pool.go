package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ksred/klear-treasury/internal/chain"
)

// feeDenominator expresses pool LP fees in hundredths of a basis point.
const feeDenominator = 1_000_000

// Pool is a simulated fixed-rate pool. One unit of currency0 trades for
// PriceNum/PriceDen units of currency1 before the LP fee.
type Pool struct {
	Name     string        `json:"name"`
	Key      chain.PoolKey `json:"key"`
	PriceNum *uint256.Int  `json:"-"`
	PriceDen *uint256.Int  `json:"-"`
}

// ID returns the pool id.
func (p *Pool) ID() chain.PoolID {
	return p.Key.ID()
}

// Address is where the pool keeps its reserves.
func (p *Pool) Address() common.Address {
	return poolAddress(p.Key.ID())
}

func poolAddress(id chain.PoolID) common.Address {
	return common.BytesToAddress(id[12:])
}

func (p *Pool) validate() error {
	if err := p.Key.Validate(); err != nil {
		return err
	}
	if p.Key.Fee >= feeDenominator {
		return fmt.Errorf("pool fee %d out of range", p.Key.Fee)
	}
	if p.PriceNum == nil || p.PriceDen == nil || p.PriceNum.IsZero() || p.PriceDen.IsZero() {
		return fmt.Errorf("pool %s has no price", p.Name)
	}
	return nil
}

// convert prices amount of the input side into the output side.
func (p *Pool) convert(amount *uint256.Int, zeroForOne, roundUp bool) (*uint256.Int, error) {
	num, den := p.PriceNum, p.PriceDen
	if !zeroForOne {
		num, den = den, num
	}
	return mulDiv(amount, num, den, roundUp)
}

// amountOut prices an exact-input swap.
func (p *Pool) amountOut(amountIn *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	afterFee, err := mulDiv(amountIn, uint256.NewInt(feeDenominator-uint64(p.Key.Fee)), uint256.NewInt(feeDenominator), false)
	if err != nil {
		return nil, err
	}
	return p.convert(afterFee, zeroForOne, false)
}

// amountIn prices an exact-output swap, rounding against the swapper.
func (p *Pool) amountIn(amountOut *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	beforePrice, err := p.convert(amountOut, !zeroForOne, true)
	if err != nil {
		return nil, err
	}
	return mulDiv(beforePrice, uint256.NewInt(feeDenominator), uint256.NewInt(feeDenominator-uint64(p.Key.Fee)), true)
}

func mulDiv(x, y, d *uint256.Int, roundUp bool) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("swap amount overflow")
	}
	if roundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		z.AddUint64(z, 1)
	}
	return z, nil
}
