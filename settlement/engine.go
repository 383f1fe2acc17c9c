// Package settlement implements the atomic loan→swap→repay engine. It is the
// executable reference of the on-chain settlement program: every check,
// counter, and event here mirrors what the deployed contract enforces, which
// is what makes it usable both for dry-run execution and for property tests.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quaylabs/flasharb/risk"
	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

const bpsDenominator = 10000

// Execution abort reasons carried on failure events and wrapped errors.
var (
	ErrReentrantCall         = errors.New("reentrant call")
	ErrUnauthorized          = errors.New("unauthorized caller")
	ErrPaused                = errors.New("engine paused")
	ErrFeeCeilingExceeded    = errors.New("network fee exceeds ceiling")
	ErrLoanCapExceeded       = errors.New("loan amount exceeds cap")
	ErrInsufficientLiquidity = errors.New("insufficient lending liquidity")
	ErrInsufficientProfit    = errors.New("insufficient profit")
	ErrOperatorOnly          = errors.New("operator only")
)

// Config holds the engine's fixed execution parameters.
type Config struct {
	LoanFeeBps  uint32
	SlippageBps uint32
	EventBuffer int
}

// Engine executes settlement calls one at a time. A second call entering
// while one is executing is rejected, never queued; the on-chain program has
// the same property through its reentrancy guard.
type Engine struct {
	mu        sync.Mutex
	executing atomic.Bool

	cfg    Config
	gate   *risk.Gate
	venues *venue.Registry
	logger *zap.Logger

	pools    map[common.Address]*venue.Pool
	treasury *Ledger
	reserves map[common.Address]*big.Int

	totalExecutions      uint64
	successfulExecutions uint64
	profitByAsset        map[common.Address]*big.Int

	events chan Event

	metrics struct {
		executions prometheus.Counter
		successes  prometheus.Counter
		duration   prometheus.Histogram
	}
}

// NewEngine creates an engine bound to a risk gate and a closed venue set.
func NewEngine(cfg Config, gate *risk.Gate, venues *venue.Registry, logger *zap.Logger) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	e := &Engine{
		cfg:           cfg,
		gate:          gate,
		venues:        venues,
		logger:        logger,
		pools:         make(map[common.Address]*venue.Pool),
		treasury:      NewLedger(),
		reserves:      make(map[common.Address]*big.Int),
		profitByAsset: make(map[common.Address]*big.Int),
		events:        make(chan Event, cfg.EventBuffer),
	}
	e.metrics.executions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_executions_total",
		Help: "Settlement calls accepted for execution",
	})
	e.metrics.successes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_successes_total",
		Help: "Settlement calls that committed",
	})
	e.metrics.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Wall-clock duration of settlement calls",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	return e
}

// Events exposes the typed event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// AddPool registers a pool the engine can route hops through.
func (e *Engine) AddPool(p *venue.Pool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[p.Address] = p.Clone()
}

// FundReserve adds lending liquidity for an asset.
func (e *Engine) FundReserve(asset common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reserves[asset]
	if !ok {
		r = new(big.Int)
		e.reserves[asset] = r
	}
	r.Add(r, amount)
}

// TreasuryBalance returns the engine-held balance of an asset.
func (e *Engine) TreasuryBalance(asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.treasury.Balance(asset)
}

// Counters returns (total, successful) execution counts.
func (e *Engine) Counters() (uint64, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalExecutions, e.successfulExecutions
}

// ProfitFor returns cumulative realized profit for an asset.
func (e *Engine) ProfitFor(asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profitByAsset[asset]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// Initiate runs the full loan→swap→repay cycle as one indivisible operation.
// gasPrice is the effective network fee of the triggering call, checked
// against the gate's ceiling. On success it returns the realized profit; on
// any failure no trade state changes, only loss accounting and events.
func (e *Engine) Initiate(ctx context.Context, caller, asset common.Address, amount, gasPrice *big.Int, encodedHops []byte) (*big.Int, error) {
	if !e.executing.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	defer e.executing.Store(false)

	start := time.Now()
	defer func() {
		e.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.gate.Authorized(caller) {
		return nil, e.fail(asset, amount, ErrUnauthorized)
	}
	if e.gate.Paused() || e.gate.Tripped() {
		return nil, e.fail(asset, amount, ErrPaused)
	}
	if ceiling := e.gate.MaxNetworkFee(); ceiling != nil && gasPrice != nil && gasPrice.Cmp(ceiling) > 0 {
		return nil, e.fail(asset, amount, ErrFeeCeilingExceeded)
	}
	if cap := e.gate.AssetCap(asset); cap != nil && amount.Cmp(cap) > 0 {
		return nil, e.fail(asset, amount, ErrLoanCapExceeded)
	}

	hops, err := types.DecodeHops(encodedHops)
	if err != nil {
		return nil, e.fail(asset, amount, err)
	}
	route := &types.ArbitrageOpportunity{Asset: asset, Amount: amount, Hops: hops}
	if err := route.Validate(); err != nil {
		return nil, e.fail(asset, amount, err)
	}

	reserve, ok := e.reserves[asset]
	if !ok || reserve.Cmp(amount) < 0 {
		return nil, e.fail(asset, amount, ErrInsufficientLiquidity)
	}

	e.totalExecutions++
	e.metrics.executions.Inc()

	// All swaps run against shadow copies; nothing below touches live state
	// until the single commit point.
	working := e.treasury.Clone()
	working.Credit(asset, amount)
	shadowPools := make(map[common.Address]*venue.Pool)

	venuesUsed := make([]types.VenueID, 0, len(hops))
	current := new(big.Int).Set(amount)
	for i, hop := range hops {
		v, err := e.venues.Lookup(hop.Venue)
		if err != nil {
			return nil, e.fail(asset, amount, err)
		}
		pool, err := e.shadowPool(shadowPools, hop)
		if err != nil {
			return nil, e.fail(asset, amount, err)
		}
		if err := working.Debit(hop.AssetIn, current); err != nil {
			return nil, e.fail(asset, amount, fmt.Errorf("hop %d: %w", i, err))
		}
		minOut := haircut(hop.MinOut, e.cfg.SlippageBps)
		out, err := v.Swap(pool, hop.AssetIn, hop.AssetOut, current, minOut)
		if err != nil {
			return nil, e.fail(asset, amount, fmt.Errorf("hop %d on %s: %w", i, v.Name(), err))
		}
		working.Credit(hop.AssetOut, out)
		venuesUsed = append(venuesUsed, hop.Venue)
		current = out
	}

	fee := new(big.Int).Mul(amount, big.NewInt(int64(e.cfg.LoanFeeBps)))
	fee.Div(fee, big.NewInt(bpsDenominator))
	owed := new(big.Int).Add(amount, fee)
	required := new(big.Int).Add(owed, e.gate.MinProfit())

	final := working.Balance(asset)
	if final.Cmp(required) < 0 {
		if final.Cmp(owed) < 0 {
			loss := new(big.Int).Sub(owed, final)
			if e.gate.RecordLoss(loss) {
				e.gate.Pause()
				e.emit(BreakerTripped{
					CumulativeLoss: e.gate.Snapshot().CumulativeLoss,
					At:             time.Now(),
				})
			}
		}
		return nil, e.fail(asset, amount, ErrInsufficientProfit)
	}

	// Commit point: repay, retain surplus, publish shadow state.
	if err := working.Debit(asset, owed); err != nil {
		return nil, e.fail(asset, amount, err)
	}
	reserve.Add(reserve, fee)
	for addr, pool := range shadowPools {
		e.pools[addr] = pool
	}
	e.treasury = working

	profit := new(big.Int).Sub(final, owed)
	e.successfulExecutions++
	e.metrics.successes.Inc()
	p, ok := e.profitByAsset[asset]
	if !ok {
		p = new(big.Int)
		e.profitByAsset[asset] = p
	}
	p.Add(p, profit)

	e.emit(ExecutionSucceeded{
		Asset:  asset,
		Amount: new(big.Int).Set(amount),
		Profit: new(big.Int).Set(profit),
		Venues: venuesUsed,
		At:     time.Now(),
	})
	e.logger.Info("settlement committed",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.String("profit", profit.String()),
		zap.Int("hops", len(hops)))
	return profit, nil
}

// shadowPool resolves the hop's pool and clones it into the shadow set on
// first touch.
func (e *Engine) shadowPool(shadow map[common.Address]*venue.Pool, hop types.Hop) (*venue.Pool, error) {
	if len(hop.VenueData) != common.AddressLength {
		return nil, fmt.Errorf("%w: hop venue data is not a pool address", types.ErrRouteInvalid)
	}
	addr := common.BytesToAddress(hop.VenueData)
	if pool, ok := shadow[addr]; ok {
		return pool, nil
	}
	pool, ok := e.pools[addr]
	if !ok {
		return nil, fmt.Errorf("unknown pool %s", addr.Hex())
	}
	if pool.Venue != hop.Venue {
		return nil, fmt.Errorf("pool %s belongs to %s, hop names %s",
			addr.Hex(), pool.Venue, hop.Venue)
	}
	cp := pool.Clone()
	shadow[addr] = cp
	return cp, nil
}

// fail emits a failure event and wraps the reason. Trade state is untouched.
func (e *Engine) fail(asset common.Address, amount *big.Int, reason error) error {
	e.emit(ExecutionFailed{
		Asset:  asset,
		Amount: new(big.Int).Set(amount),
		Reason: reason.Error(),
		At:     time.Now(),
	})
	e.logger.Debug("settlement aborted",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.Error(reason))
	return fmt.Errorf("settlement aborted: %w", reason)
}

// emit sends without blocking; a slow consumer drops events rather than
// stalling settlement.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("settlement event dropped", zap.Any("event", ev))
	}
}

// haircut lowers a minimum-output bound by the configured slippage bps.
func haircut(minOut *big.Int, slippageBps uint32) *big.Int {
	if minOut == nil || slippageBps == 0 {
		return minOut
	}
	cut := new(big.Int).Mul(minOut, big.NewInt(int64(bpsDenominator-slippageBps)))
	return cut.Div(cut, big.NewInt(bpsDenominator))
}
