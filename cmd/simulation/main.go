package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/audit"
	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/database"
	"github.com/ksred/klear-treasury/internal/exchange"
	"github.com/ksred/klear-treasury/internal/feehook"
	"github.com/ksred/klear-treasury/internal/metrics"
	"github.com/ksred/klear-treasury/internal/treasury"
	"github.com/ksred/klear-treasury/internal/types"
)

const (
	numTraders     = 5
	maxSellTries   = 200
	priceDenom     = 1_000_000
	settlementDecs = 18
)

var (
	targetToken   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	buybackToken  = common.HexToAddress("0x00000000000000000000000000000000000b0b00")
	hookAddress   = common.HexToAddress("0x00000000000000000000000000000000000f0040")
	treasuryAddr  = common.HexToAddress("0x0000000000000000000000000000000000007777")
	adminAddr     = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	keeperAddr    = common.HexToAddress("0x000000000000000000000000000000000000cee9")
	feeRecipient  = common.HexToAddress("0x000000000000000000000000000000000000fee0")
	oneToken      = uint256.NewInt(1_000_000_000_000_000_000)
	deepReserves  = new(uint256.Int).Mul(oneToken, uint256.NewInt(10_000_000))
	treasuryFunds = new(uint256.Int).Mul(oneToken, uint256.NewInt(1_000))
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks latency statistics for one operation
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type market struct {
	sim         *exchange.Simulator
	service     *treasury.Service
	auditLog    *audit.Log
	targetPool  chain.PoolKey
	hookedPool  chain.PoolKey
	buybackPool chain.PoolKey
	priceNum    uint64
	rng         *rand.Rand
	stats       map[string]*routeStats
}

func main() {
	cycles := flag.Int("cycles", 10, "number of buy/sell cycles to run")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	sizeFlag := flag.String("size", "10", "target tokens bought per order")
	flag.Parse()

	size, err := types.ParseUnits(*sizeFlag, settlementDecs)
	if err != nil || size.IsZero() {
		log.Fatal().Err(err).Str("size", *sizeFlag).Msg("Invalid order size")
	}

	dbPath := filepath.Join(os.TempDir(), "treasury-sim-"+uuid.NewString()+".db")
	defer os.Remove(dbPath)

	m, err := newMarket(dbPath, *seed, size)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market")
	}
	log.Info().Int("cycles", *cycles).Int64("seed", *seed).Msg("Starting simulation")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < numTraders; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.trade(ctx, workerID)
		}(i)
	}

	start := time.Now()
	closed := 0
	for i := 0; i < *cycles; i++ {
		if m.cycle(ctx, i) {
			closed++
		}
	}
	cancel()
	wg.Wait()

	m.printSummary(*cycles, closed, time.Since(start))
	m.printPerformanceStats()
}

func newMarket(dbPath string, seed int64, size types.Amount) (*market, error) {
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewLog(db)

	sim := exchange.NewSimulator()
	sim.Subscribe(auditLog.OnCommit)

	m := &market{
		sim:         sim,
		auditLog:    auditLog,
		targetPool:  chain.PoolKey{Currency0: chain.Native, Currency1: targetToken, Fee: 3000, TickSpacing: 60},
		hookedPool:  chain.PoolKey{Currency0: chain.Native, Currency1: targetToken, Fee: 3000, TickSpacing: 60, Hooks: hookAddress},
		buybackPool: chain.PoolKey{Currency0: chain.Native, Currency1: buybackToken, Fee: 3000, TickSpacing: 60},
		priceNum:    2 * priceDenom,
		rng:         rand.New(rand.NewSource(seed)),
		stats: map[string]*routeStats{
			"buy":  {name: "Open And Buy"},
			"sell": {name: "Close And Sell"},
			"swap": {name: "Hooked Swap"},
		},
	}

	for name, key := range map[string]chain.PoolKey{"target": m.targetPool, "hooked": m.hookedPool, "buyback": m.buybackPool} {
		pool := &exchange.Pool{Name: name, Key: key, PriceNum: uint256.NewInt(m.priceNum), PriceDen: uint256.NewInt(priceDenom)}
		if err := sim.AddPool(pool); err != nil {
			return nil, err
		}
		for _, currency := range []common.Address{key.Currency0, key.Currency1} {
			if err := sim.FundPool(key.ID(), currency, deepReserves); err != nil {
				return nil, err
			}
		}
	}
	sim.Mint(chain.Native, treasuryAddr, treasuryFunds)

	hook, err := feehook.New(feehook.Config{Address: hookAddress, FeePercent: 1000, Recipient: feeRecipient}, chain.Native, feehook.NewDatabase(db),
		feehook.WithRecorder(auditLog),
		feehook.WithMetrics(metrics.FeeHook()),
	)
	if err != nil {
		return nil, err
	}
	sim.RegisterHook(hook)

	m.service, err = treasury.NewService(db, sim, treasury.Settings{
		Address: treasuryAddr,
		Admin:   adminAddr,
		Initial: treasury.Config{
			TargetAsset:      targetToken,
			AcquisitionSize:  size,
			MinProfitPercent: 5,
			FeeTier:          3000,
			CallerReward:     types.MustParseAmount("1000000000000000"),
			BuybackAsset:     buybackToken,
			BuybackPool:      m.buybackPool,
		},
	}, treasury.WithMetrics(metrics.Treasury()))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// cycle opens an order, then walks the target price until the order sells
// at a profit or the walk gives up.
func (m *market) cycle(ctx context.Context, n int) bool {
	start := time.Now()
	bought, err := m.service.OpenAndBuyIdempotent(ctx, keeperAddr, uuid.NewString())
	m.stats["buy"].record(time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Int("cycle", n).Msg("Failed to open order")
		return false
	}
	log.Info().
		Int("cycle", n).
		Uint64("order_id", bought.Order.ID).
		Str("spend", bought.Order.Spend.FormatUnits(settlementDecs)).
		Str("tokens", bought.Order.TokenAmount.FormatUnits(settlementDecs)).
		Msg("Order opened")

	for try := 0; try < maxSellTries; try++ {
		m.walkPrice()
		start := time.Now()
		sold, err := m.service.CloseAndSell(ctx, keeperAddr, bought.Order.ID)
		if errors.Is(err, types.ErrInsufficientProfit) {
			continue
		}
		m.stats["sell"].record(time.Since(start), err)
		if err != nil {
			log.Error().Err(err).Uint64("order_id", bought.Order.ID).Msg("Failed to close order")
			return false
		}
		log.Info().
			Int("cycle", n).
			Uint64("order_id", sold.Order.ID).
			Int("price_steps", try+1).
			Str("proceeds", sold.Order.Proceeds.FormatUnits(settlementDecs)).
			Str("profit", sold.Order.Profit.FormatUnits(settlementDecs)).
			Str("burned", sold.Order.BurnedAmount.FormatUnits(settlementDecs)).
			Msg("Order closed")
		return true
	}
	log.Warn().Uint64("order_id", bought.Order.ID).Msg("Order never reached its profit floor")
	return false
}

// walkPrice drifts the target asset upward against the settlement currency:
// each step one native unit buys between 3% fewer and 0.5% more tokens.
func (m *market) walkPrice() {
	step := uint64(970_000 + m.rng.Intn(35_001))
	next := m.priceNum * step / priceDenom
	if next == 0 {
		next = 1
	}
	m.priceNum = next
	for _, key := range []chain.PoolKey{m.targetPool, m.hookedPool} {
		if err := m.sim.SetPrice(key.ID(), uint256.NewInt(next), uint256.NewInt(priceDenom)); err != nil {
			log.Error().Err(err).Msg("Failed to move price")
		}
	}
}

// trade swaps random amounts through the hooked pool until ctx ends.
func (m *market) trade(ctx context.Context, workerID int) {
	trader := common.BigToAddress(big.NewInt(int64(0x5000 + workerID)))
	m.sim.Mint(chain.Native, trader, new(uint256.Int).Mul(oneToken, uint256.NewInt(1_000)))
	m.sim.Mint(targetToken, trader, new(uint256.Int).Mul(oneToken, uint256.NewInt(1_000)))
	rng := rand.New(rand.NewSource(int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		amount := new(uint256.Int).Mul(uint256.NewInt(uint64(rng.Intn(100)+1)), uint256.NewInt(10_000_000_000_000_000))
		params := chain.SwapParams{ZeroForOne: rng.Intn(2) == 0, AmountSpecified: chain.ExactIn(amount)}
		start := time.Now()
		_, err := m.sim.Swap(ctx, trader, m.hookedPool, params)
		m.stats["swap"].record(time.Since(start), err)
		if err != nil {
			log.Debug().Err(err).Int("worker_id", workerID).Msg("Swap failed")
		}
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
	}
}

func (m *market) printSummary(cycles, closed int, duration time.Duration) {
	stats, err := m.service.Stats()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load stats")
		return
	}
	fees, err := m.auditLog.List(audit.Filter{Kind: types.AuditFeeWithheld, Limit: 500})
	if err != nil {
		log.Error().Err(err).Msg("Failed to load audit trail")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TREASURY SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Cycles:            %d
Orders Opened:     %d
Orders Closed:     %d
Total Spend:       %s
Total Proceeds:    %s
Total Profit:      %s
Caller Rewards:    %s
Buyback Budget:    %s
Buyback Burned:    %s
Fee Swaps Audited: %d
Fees Forwarded:    %s
Buyback Supply:    %s
Duration:          %v
`,
		cycles, stats.TotalOrders, closed,
		stats.TotalSpend.FormatUnits(settlementDecs),
		stats.TotalProceeds.FormatUnits(settlementDecs),
		stats.TotalProfit.FormatUnits(settlementDecs),
		stats.TotalRewards.FormatUnits(settlementDecs),
		stats.TotalBuyback.FormatUnits(settlementDecs),
		stats.TotalBurned.FormatUnits(settlementDecs),
		len(fees),
		types.AmountFromInt(m.sim.BalanceOf(chain.Native, feeRecipient)).FormatUnits(settlementDecs),
		types.AmountFromInt(m.sim.TotalSupply(buybackToken)).FormatUnits(settlementDecs),
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))
}

func (m *market) printPerformanceStats() {
	fmt.Println("\nOperation Latency")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"buy", "sell", "swap"} {
		stats := m.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
