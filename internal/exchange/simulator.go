package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

var (
	ErrNestedUnit      = errors.New("unit of work already in progress")
	ErrHookNotFound    = errors.New("hook not registered")
	ErrNoRoute         = errors.New("no hookless pool for pair")
	ErrInvalidSwapSize = errors.New("swap amount must be non-zero")
)

type unitKey struct{}

type routeKey struct {
	currency0 common.Address
	currency1 common.Address
	fee       uint32
}

// Simulator is an in-memory swap venue implementing chain.Backend. Units of
// work are serialized and roll back every balance change on error.
type Simulator struct {
	mu          sync.Mutex
	pools       map[chain.PoolID]*Pool
	routes      map[routeKey]chain.PoolID
	balances    map[common.Address]map[common.Address]*uint256.Int // asset -> holder -> balance
	supply      map[common.Address]*uint256.Int
	transferTax map[common.Address]uint64 // asset -> tax in hundredths of a bip
	rejecting   map[common.Address]bool
	hooks       map[common.Address]chain.SwapHook
	subscribers []chain.CommitFunc
}

// NewSimulator creates an empty venue.
func NewSimulator() *Simulator {
	return &Simulator{
		pools:       make(map[chain.PoolID]*Pool),
		routes:      make(map[routeKey]chain.PoolID),
		balances:    make(map[common.Address]map[common.Address]*uint256.Int),
		supply:      make(map[common.Address]*uint256.Int),
		transferTax: make(map[common.Address]uint64),
		rejecting:   make(map[common.Address]bool),
		hooks:       make(map[common.Address]chain.SwapHook),
	}
}

// AddPool registers a pool. Hookless pools become routable by pair and fee.
func (s *Simulator) AddPool(p *Pool) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID()
	if _, exists := s.pools[id]; exists {
		return fmt.Errorf("pool %s already exists", id.Hex())
	}
	s.pools[id] = p
	if p.Key.Hooks == (common.Address{}) {
		s.routes[routeKey{p.Key.Currency0, p.Key.Currency1, p.Key.Fee}] = id
	}
	log.Info().
		Str("pool_id", id.Hex()).
		Str("name", p.Name).
		Uint32("fee", p.Key.Fee).
		Str("hooks", p.Key.Hooks.Hex()).
		Msg("registered pool")
	return nil
}

// RegisterHook makes hook the callback for pools whose key names its address.
func (s *Simulator) RegisterHook(hook chain.SwapHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hook.Address()] = hook
}

// Subscribe registers fn to receive records of committed units of work.
func (s *Simulator) Subscribe(fn chain.CommitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// SetPrice moves a pool's rate.
func (s *Simulator) SetPrice(id chain.PoolID, num, den *uint256.Int) error {
	if num == nil || den == nil || num.IsZero() || den.IsZero() {
		return fmt.Errorf("%w: price must be positive", types.ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return chain.ErrPoolNotFound
	}
	p.PriceNum = new(uint256.Int).Set(num)
	p.PriceDen = new(uint256.Int).Set(den)
	return nil
}

// SetTransferTax makes transfers of asset deliver amount minus tax ppm.
func (s *Simulator) SetTransferTax(asset common.Address, ppm uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferTax[asset] = ppm
}

// RejectTransfers makes holder refuse incoming transfers.
func (s *Simulator) RejectTransfers(holder common.Address, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejecting[holder] = reject
}

// Mint credits new supply to holder.
func (s *Simulator) Mint(asset, holder common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(asset, holder, amount)
	s.supplyOf(asset).Add(s.supplyOf(asset), amount)
}

// FundPool mints reserves straight into a pool.
func (s *Simulator) FundPool(id chain.PoolID, asset common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	p, ok := s.pools[id]
	s.mu.Unlock()
	if !ok {
		return chain.ErrPoolNotFound
	}
	if !p.Key.Contains(asset) {
		return fmt.Errorf("asset %s not in pool %s", asset.Hex(), p.Name)
	}
	s.Mint(asset, p.Address(), amount)
	return nil
}

// Pool returns a copy of a registered pool.
func (s *Simulator) Pool(id chain.PoolID) (Pool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// Pools lists registered pools ordered by name.
func (s *Simulator) Pools() []Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BalanceOf reads a balance outside any unit of work.
func (s *Simulator) BalanceOf(asset, holder common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.balanceOf(asset, holder))
}

// TotalSupply returns the outstanding supply of asset.
func (s *Simulator) TotalSupply(asset common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.supplyOf(asset))
}

// Swap runs a pool-level swap for sender as its own unit of work.
func (s *Simulator) Swap(ctx context.Context, sender common.Address, key chain.PoolKey, params chain.SwapParams) (chain.BalanceDelta, error) {
	var delta chain.BalanceDelta
	err := s.Atomic(ctx, func(env chain.Env) error {
		var err error
		delta, err = env.Swap(ctx, sender, key, params)
		return err
	})
	return delta, err
}

// Atomic implements chain.Backend.
func (s *Simulator) Atomic(ctx context.Context, fn func(env chain.Env) error) error {
	if ctx.Value(unitKey{}) != nil {
		return ErrNestedUnit
	}
	events, subscribers, err := s.run(fn)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		for _, sub := range subscribers {
			sub(events)
		}
	}
	return nil
}

func (s *Simulator) run(fn func(env chain.Env) error) ([]types.AuditRecord, []chain.CommitFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	e := &env{sim: s}
	defer func() {
		if r := recover(); r != nil {
			s.restore(snap)
			panic(r)
		}
	}()
	if err := fn(e); err != nil {
		s.restore(snap)
		return nil, nil, err
	}
	return e.events, append([]chain.CommitFunc(nil), s.subscribers...), nil
}

type snapshot struct {
	balances map[common.Address]map[common.Address]uint256.Int
	supply   map[common.Address]uint256.Int
}

func (s *Simulator) snapshot() snapshot {
	snap := snapshot{
		balances: make(map[common.Address]map[common.Address]uint256.Int, len(s.balances)),
		supply:   make(map[common.Address]uint256.Int, len(s.supply)),
	}
	for asset, holders := range s.balances {
		copied := make(map[common.Address]uint256.Int, len(holders))
		for holder, bal := range holders {
			copied[holder] = *bal
		}
		snap.balances[asset] = copied
	}
	for asset, total := range s.supply {
		snap.supply[asset] = *total
	}
	return snap
}

func (s *Simulator) restore(snap snapshot) {
	s.balances = make(map[common.Address]map[common.Address]*uint256.Int, len(snap.balances))
	for asset, holders := range snap.balances {
		restored := make(map[common.Address]*uint256.Int, len(holders))
		for holder, bal := range holders {
			v := bal
			restored[holder] = &v
		}
		s.balances[asset] = restored
	}
	s.supply = make(map[common.Address]*uint256.Int, len(snap.supply))
	for asset, total := range snap.supply {
		v := total
		s.supply[asset] = &v
	}
}

func (s *Simulator) balanceOf(asset, holder common.Address) *uint256.Int {
	holders, ok := s.balances[asset]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		s.balances[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(uint256.Int)
		holders[holder] = bal
	}
	return bal
}

func (s *Simulator) supplyOf(asset common.Address) *uint256.Int {
	total, ok := s.supply[asset]
	if !ok {
		total = new(uint256.Int)
		s.supply[asset] = total
	}
	return total
}

func (s *Simulator) credit(asset, holder common.Address, amount *uint256.Int) {
	bal := s.balanceOf(asset, holder)
	bal.Add(bal, amount)
}

func (s *Simulator) debit(asset, holder common.Address, amount *uint256.Int) error {
	bal := s.balanceOf(asset, holder)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", chain.ErrInsufficientBalance, holder.Hex(), bal.Dec(), asset.Hex(), amount.Dec())
	}
	bal.Sub(bal, amount)
	return nil
}

// transfer moves amount and returns what the recipient actually received
// after any transfer tax.
func (s *Simulator) transfer(asset, from, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if s.rejecting[to] {
		return nil, fmt.Errorf("%w: %s", chain.ErrTransferRejected, to.Hex())
	}
	if err := s.debit(asset, from, amount); err != nil {
		return nil, err
	}
	received := new(uint256.Int).Set(amount)
	if tax := s.transferTax[asset]; tax > 0 {
		cut, err := mulDiv(amount, uint256.NewInt(tax), uint256.NewInt(feeDenominator), false)
		if err != nil {
			return nil, err
		}
		received.Sub(received, cut)
		s.supplyOf(asset).Sub(s.supplyOf(asset), cut)
	}
	s.credit(asset, to, received)
	return received, nil
}

func (s *Simulator) route(tokenIn, tokenOut common.Address, fee uint32) (*Pool, bool, error) {
	c0, c1 := chain.SortCurrencies(tokenIn, tokenOut)
	id, ok := s.routes[routeKey{c0, c1, fee}]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s/%s fee %d", ErrNoRoute, c0.Hex(), c1.Hex(), fee)
	}
	return s.pools[id], tokenIn == c0, nil
}

// env is the lock-free view handed to a unit of work.
type env struct {
	sim    *Simulator
	events []types.AuditRecord
	frames []*swapFrame
}

// swapFrame tracks what a hook has taken during one pool swap.
type swapFrame struct {
	pool     chain.PoolID
	currency common.Address
	taken    *uint256.Int
}

func (e *env) Emit(record types.AuditRecord) {
	e.events = append(e.events, record)
}

func (e *env) BalanceOf(asset, holder common.Address) *uint256.Int {
	return new(uint256.Int).Set(e.sim.balanceOf(asset, holder))
}

func (e *env) Transfer(_ context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	_, err := e.sim.transfer(asset, from, to, amount)
	return err
}

func (e *env) Burn(_ context.Context, asset, holder common.Address, amount *uint256.Int) error {
	if err := e.sim.debit(asset, holder, amount); err != nil {
		return err
	}
	total := e.sim.supplyOf(asset)
	total.Sub(total, amount)
	return nil
}

func (e *env) QuoteExactOutputSingle(_ context.Context, params chain.QuoteParams) (*uint256.Int, error) {
	p, zeroForOne, err := e.sim.route(params.TokenIn, params.TokenOut, params.Fee)
	if err != nil {
		return nil, err
	}
	return p.amountIn(params.AmountOut, zeroForOne)
}

func (e *env) ExactOutputSingle(_ context.Context, sender common.Address, params chain.ExactOutputParams) (*uint256.Int, error) {
	p, zeroForOne, err := e.sim.route(params.TokenIn, params.TokenOut, params.Fee)
	if err != nil {
		return nil, err
	}
	amountIn, err := p.amountIn(params.AmountOut, zeroForOne)
	if err != nil {
		return nil, err
	}
	if params.AmountInMaximum != nil && amountIn.Gt(params.AmountInMaximum) {
		return nil, fmt.Errorf("%w: need %s, max %s", chain.ErrExcessiveInput, amountIn.Dec(), params.AmountInMaximum.Dec())
	}
	if err := e.settle(p, sender, params.Recipient, params.TokenIn, params.TokenOut, amountIn, params.AmountOut); err != nil {
		return nil, err
	}
	return amountIn, nil
}

func (e *env) ExactInputSingle(_ context.Context, sender common.Address, params chain.ExactInputParams) (*uint256.Int, error) {
	p, zeroForOne, err := e.sim.route(params.TokenIn, params.TokenOut, params.Fee)
	if err != nil {
		return nil, err
	}
	amountOut, err := p.amountOut(params.AmountIn, zeroForOne)
	if err != nil {
		return nil, err
	}
	if params.AmountOutMinimum != nil && amountOut.Lt(params.AmountOutMinimum) {
		return nil, fmt.Errorf("%w: got %s, min %s", chain.ErrInsufficientOutput, amountOut.Dec(), params.AmountOutMinimum.Dec())
	}
	if err := e.settle(p, sender, params.Recipient, params.TokenIn, params.TokenOut, params.AmountIn, amountOut); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// settle moves input from sender into the pool and output from the pool to
// recipient.
func (e *env) settle(p *Pool, sender, recipient, tokenIn, tokenOut common.Address, amountIn, amountOut *uint256.Int) error {
	if e.sim.balanceOf(tokenOut, p.Address()).Lt(amountOut) {
		return fmt.Errorf("%w: pool %s", chain.ErrInsufficientLiquidity, p.Name)
	}
	if _, err := e.sim.transfer(tokenIn, sender, p.Address(), amountIn); err != nil {
		return err
	}
	_, err := e.sim.transfer(tokenOut, p.Address(), recipient, amountOut)
	return err
}

func (e *env) Swap(ctx context.Context, sender common.Address, key chain.PoolKey, params chain.SwapParams) (chain.BalanceDelta, error) {
	p, ok := e.sim.pools[key.ID()]
	if !ok {
		return chain.BalanceDelta{}, chain.ErrPoolNotFound
	}
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return chain.BalanceDelta{}, ErrInvalidSwapSize
	}
	specified, overflow := chain.Magnitude(params.AmountSpecified)
	if overflow {
		return chain.BalanceDelta{}, fmt.Errorf("swap amount overflow")
	}

	var amountIn, amountOut *uint256.Int
	var err error
	if params.ExactInput() {
		amountIn = specified
		amountOut, err = p.amountOut(amountIn, params.ZeroForOne)
	} else {
		amountOut = specified
		amountIn, err = p.amountIn(amountOut, params.ZeroForOne)
	}
	if err != nil {
		return chain.BalanceDelta{}, err
	}

	currencyIn, currencyOut := key.Currency0, key.Currency1
	if !params.ZeroForOne {
		currencyIn, currencyOut = currencyOut, currencyIn
	}
	if e.sim.balanceOf(currencyOut, p.Address()).Lt(amountOut) {
		return chain.BalanceDelta{}, fmt.Errorf("%w: pool %s", chain.ErrInsufficientLiquidity, p.Name)
	}
	if _, err := e.sim.transfer(currencyIn, sender, p.Address(), amountIn); err != nil {
		return chain.BalanceDelta{}, err
	}

	delta := newDelta(key, currencyIn, amountIn, amountOut)
	adjustment := new(uint256.Int)
	if key.Hooks != (common.Address{}) {
		adjustment, err = e.callHook(ctx, sender, key, params, delta, currencyOut, amountOut)
		if err != nil {
			return chain.BalanceDelta{}, err
		}
	}

	netOut := new(uint256.Int).Sub(amountOut, adjustment)
	if !netOut.IsZero() {
		if _, err := e.sim.transfer(currencyOut, p.Address(), sender, netOut); err != nil {
			return chain.BalanceDelta{}, err
		}
	}
	return newDelta(key, currencyIn, amountIn, netOut), nil
}

func (e *env) callHook(ctx context.Context, sender common.Address, key chain.PoolKey, params chain.SwapParams, delta chain.BalanceDelta, currencyOut common.Address, amountOut *uint256.Int) (*uint256.Int, error) {
	hook, ok := e.sim.hooks[key.Hooks]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHookNotFound, key.Hooks.Hex())
	}

	frame := &swapFrame{pool: key.ID(), currency: currencyOut, taken: new(uint256.Int)}
	e.frames = append(e.frames, frame)
	result, err := hook.AfterSwap(context.WithValue(ctx, unitKey{}, e.sim), e, sender, key, params, delta)
	e.frames = e.frames[:len(e.frames)-1]
	if err != nil {
		return nil, err
	}

	if result.Selector != chain.AfterSwapSelector {
		return nil, fmt.Errorf("%w: bad selector", chain.ErrInvalidHookResponse)
	}
	adjustment := result.FeeAdjustment.Int()
	if adjustment.Gt(amountOut) || !adjustment.Eq(frame.taken) {
		return nil, fmt.Errorf("%w: adjustment %s, taken %s", chain.ErrInvalidHookResponse, adjustment.Dec(), frame.taken.Dec())
	}
	return adjustment, nil
}

func (e *env) Take(_ context.Context, key chain.PoolKey, currency, to common.Address, amount *uint256.Int) error {
	if len(e.frames) == 0 {
		return fmt.Errorf("%w: take outside of a swap", chain.ErrInvalidHookResponse)
	}
	frame := e.frames[len(e.frames)-1]
	if frame.pool != key.ID() || frame.currency != currency {
		return fmt.Errorf("%w: take on a different pool or currency", chain.ErrInvalidHookResponse)
	}
	if _, err := e.sim.transfer(currency, poolAddress(frame.pool), to, amount); err != nil {
		return err
	}
	frame.taken.Add(frame.taken, amount)
	return nil
}

func newDelta(key chain.PoolKey, currencyIn common.Address, amountIn, amountOut *uint256.Int) chain.BalanceDelta {
	paid := new(big.Int).Neg(amountIn.ToBig())
	received := amountOut.ToBig()
	if currencyIn == key.Currency0 {
		return chain.BalanceDelta{Amount0: paid, Amount1: received}
	}
	return chain.BalanceDelta{Amount0: received, Amount1: paid}
}
