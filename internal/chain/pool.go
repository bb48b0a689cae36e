package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// PoolID identifies a pool by the hash of its key.
type PoolID = common.Hash

// PoolKey identifies a pool. Currency0 must sort below Currency1.
type PoolKey struct {
	Currency0   common.Address `json:"currency0" yaml:"currency0"`
	Currency1   common.Address `json:"currency1" yaml:"currency1"`
	Fee         uint32         `json:"fee" yaml:"fee"`
	TickSpacing int32          `json:"tick_spacing" yaml:"tick_spacing"`
	Hooks       common.Address `json:"hooks" yaml:"hooks"`
}

// ID hashes the packed key: currency0, currency1, fee, tickSpacing, hooks.
func (k PoolKey) ID() PoolID {
	buf := make([]byte, 0, 20+20+4+4+20)
	buf = append(buf, k.Currency0.Bytes()...)
	buf = append(buf, k.Currency1.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, k.Fee)
	buf = binary.BigEndian.AppendUint32(buf, uint32(k.TickSpacing))
	buf = append(buf, k.Hooks.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// Validate checks currency ordering.
func (k PoolKey) Validate() error {
	if k.Currency0.Cmp(k.Currency1) >= 0 {
		return fmt.Errorf("pool currencies out of order: %s >= %s", k.Currency0.Hex(), k.Currency1.Hex())
	}
	return nil
}

// IsZero reports whether the key is unset.
func (k PoolKey) IsZero() bool {
	return k == PoolKey{}
}

// Contains reports whether currency is one side of the pool.
func (k PoolKey) Contains(currency common.Address) bool {
	return k.Currency0 == currency || k.Currency1 == currency
}

// Other returns the pool side opposite to currency.
func (k PoolKey) Other(currency common.Address) common.Address {
	if k.Currency0 == currency {
		return k.Currency1
	}
	return k.Currency0
}

// SortCurrencies orders two currencies the way a PoolKey expects.
func SortCurrencies(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) < 0 {
		return a, b
	}
	return b, a
}

// BalanceDelta is the signed settlement of a swap from the swapper's side:
// negative amounts were paid, positive amounts were received.
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// Of returns the delta for one side of key.
func (d BalanceDelta) Of(key PoolKey, currency common.Address) *big.Int {
	if currency == key.Currency0 {
		return d.Amount0
	}
	return d.Amount1
}

func (d BalanceDelta) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"amount0": bigString(d.Amount0),
		"amount1": bigString(d.Amount1),
	})
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

// Magnitude returns |x| as an unsigned 256-bit integer, reporting overflow.
func Magnitude(x *big.Int) (*uint256.Int, bool) {
	if x == nil {
		return new(uint256.Int), false
	}
	return uint256.FromBig(new(big.Int).Abs(x))
}

// ExactIn returns the signed AmountSpecified for an exact-input swap.
func ExactIn(amount *uint256.Int) *big.Int {
	return new(big.Int).Neg(amount.ToBig())
}

// ExactOut returns the signed AmountSpecified for an exact-output swap.
func ExactOut(amount *uint256.Int) *big.Int {
	return amount.ToBig()
}
