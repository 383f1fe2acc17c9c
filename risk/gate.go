// Package risk implements the gate shared by the settlement engine and the
// orchestrator: authorization, per-asset loan caps, the network fee ceiling,
// and the rolling-day loss circuit breaker.
package risk

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quaylabs/flasharb/types"
)

// DefaultWindow is the rolling accounting window for cumulative losses.
const DefaultWindow = 24 * time.Hour

// Config holds the initial gate state.
type Config struct {
	Operator         common.Address
	Authorized       []common.Address
	AssetCaps        map[common.Address]*big.Int
	MaxNetworkFee    *big.Int
	DailyLossCeiling *big.Int
	MinProfit        *big.Int
	Window           time.Duration
}

// CheckRequest is the pre-trade clearance query.
type CheckRequest struct {
	Asset          common.Address
	Amount         *big.Int
	ExpectedProfit *big.Int
	ExpectedFee    *big.Int
	SlippageCost   *big.Int
}

// State is an observable snapshot of the gate.
type State struct {
	Paused         bool
	Tripped        bool
	CumulativeLoss *big.Int
	WindowStart    time.Time
}

// Gate mutates all risk state under a single lock so that two concurrent
// executions cannot both pass a check only one should pass.
type Gate struct {
	mu sync.Mutex

	operator         common.Address
	authorized       map[common.Address]bool
	assetCaps        map[common.Address]*big.Int
	maxNetworkFee    *big.Int
	dailyLossCeiling *big.Int
	minProfit        *big.Int

	window         time.Duration
	windowStart    time.Time
	cumulativeLoss *big.Int
	tripped        bool
	paused         bool

	clock  func() time.Time
	logger *zap.Logger

	metrics struct {
		rejections  *prometheus.CounterVec
		trips       prometheus.Counter
		lossCounter prometheus.Counter
	}
}

// NewGate creates a gate from its initial configuration.
func NewGate(cfg Config, logger *zap.Logger) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	g := &Gate{
		operator:         cfg.Operator,
		authorized:       make(map[common.Address]bool, len(cfg.Authorized)),
		assetCaps:        make(map[common.Address]*big.Int, len(cfg.AssetCaps)),
		maxNetworkFee:    cfg.MaxNetworkFee,
		dailyLossCeiling: cfg.DailyLossCeiling,
		minProfit:        cfg.MinProfit,
		window:           cfg.Window,
		cumulativeLoss:   new(big.Int),
		clock:            time.Now,
		logger:           logger,
	}
	for _, a := range cfg.Authorized {
		g.authorized[a] = true
	}
	for asset, cap := range cfg.AssetCaps {
		g.assetCaps[asset] = new(big.Int).Set(cap)
	}
	g.windowStart = g.clock()

	g.metrics.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_gate_rejections_total",
		Help: "Pre-trade checks refused, by reason",
	}, []string{"reason"})
	g.metrics.trips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "risk_gate_breaker_trips_total",
		Help: "Number of circuit breaker trips",
	})
	g.metrics.lossCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "risk_gate_recorded_loss_wei",
		Help: "Cumulative recorded losses in wei",
	})
	return g
}

// SetClock replaces the gate's time source. Test hook for window rollover.
func (g *Gate) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
	g.windowStart = clock()
}

// Allow performs the pre-trade clearance check atomically.
func (g *Gate) Allow(req CheckRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindow()

	if g.tripped {
		g.metrics.rejections.WithLabelValues("breaker_tripped").Inc()
		return types.ErrBreakerTripped
	}
	if g.paused {
		g.metrics.rejections.WithLabelValues("paused").Inc()
		return fmt.Errorf("%w: gate paused", types.ErrDisallowed)
	}
	if cap, ok := g.assetCaps[req.Asset]; ok && req.Amount.Cmp(cap) > 0 {
		g.metrics.rejections.WithLabelValues("asset_cap").Inc()
		return fmt.Errorf("%w: amount %s exceeds cap %s for %s",
			types.ErrDisallowed, req.Amount, cap, req.Asset.Hex())
	}
	if g.maxNetworkFee != nil && req.ExpectedFee != nil && req.ExpectedFee.Cmp(g.maxNetworkFee) > 0 {
		g.metrics.rejections.WithLabelValues("fee_ceiling").Inc()
		return fmt.Errorf("%w: expected fee %s exceeds ceiling %s",
			types.ErrDisallowed, req.ExpectedFee, g.maxNetworkFee)
	}
	if g.minProfit != nil {
		net := new(big.Int).Set(req.ExpectedProfit)
		if req.ExpectedFee != nil {
			net.Sub(net, req.ExpectedFee)
		}
		if req.SlippageCost != nil {
			net.Sub(net, req.SlippageCost)
		}
		if net.Cmp(g.minProfit) < 0 {
			g.metrics.rejections.WithLabelValues("min_profit").Inc()
			return fmt.Errorf("%w: expected net profit %s below threshold %s",
				types.ErrDisallowed, net, g.minProfit)
		}
	}
	return nil
}

// Authorized reports whether the caller may trigger settlement execution.
func (g *Gate) Authorized(caller common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorized[caller]
}

// Operator returns the admin-tier identity.
func (g *Gate) Operator() common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operator
}

// AssetCap returns the per-asset loan cap, or nil when uncapped.
func (g *Gate) AssetCap(asset common.Address) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cap, ok := g.assetCaps[asset]; ok {
		return new(big.Int).Set(cap)
	}
	return nil
}

// MaxNetworkFee returns the configured fee ceiling.
func (g *Gate) MaxNetworkFee() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxNetworkFee == nil {
		return nil
	}
	return new(big.Int).Set(g.maxNetworkFee)
}

// MinProfit returns the minimum profit threshold.
func (g *Gate) MinProfit() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.minProfit == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(g.minProfit)
}

// RecordLoss adds a realized loss to the window counter. Returns true exactly
// once, on the call that pushes the counter over the ceiling.
func (g *Gate) RecordLoss(loss *big.Int) bool {
	if loss == nil || loss.Sign() <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindow()

	g.cumulativeLoss.Add(g.cumulativeLoss, loss)
	// Uint64 would truncate losses past 64 bits; go through big.Float so the
	// metric degrades to a rounded float instead of understating.
	lossVal, _ := new(big.Float).SetInt(loss).Float64()
	g.metrics.lossCounter.Add(lossVal)
	if g.tripped || g.dailyLossCeiling == nil {
		return false
	}
	if g.cumulativeLoss.Cmp(g.dailyLossCeiling) > 0 {
		g.tripped = true
		g.metrics.trips.Inc()
		g.logger.Warn("circuit breaker tripped",
			zap.String("cumulative_loss", g.cumulativeLoss.String()),
			zap.String("ceiling", g.dailyLossCeiling.String()))
		return true
	}
	return false
}

// RecordResult performs post-trade accounting for one execution result.
// Returns true when the result trips the breaker.
func (g *Gate) RecordResult(res *types.ExecutionResult) bool {
	if res == nil || res.Profit == nil || res.Profit.Sign() >= 0 {
		return false
	}
	return g.RecordLoss(new(big.Int).Neg(res.Profit))
}

// Tripped reports the breaker state.
func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindow()
	return g.tripped
}

// ResetTrip explicitly clears the breaker without waiting for the window.
func (g *Gate) ResetTrip() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = false
	g.cumulativeLoss = new(big.Int)
	g.windowStart = g.clock()
	g.logger.Info("circuit breaker reset")
}

// Pause blocks new executions until Unpause.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Unpause re-enables executions.
func (g *Gate) Unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
}

// Paused reports the pause flag.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Authorize adds a caller to the authorization set.
func (g *Gate) Authorize(caller common.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorized[caller] = true
}

// Revoke removes a caller from the authorization set.
func (g *Gate) Revoke(caller common.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.authorized, caller)
}

// SetAssetCap adjusts the per-asset loan cap.
func (g *Gate) SetAssetCap(asset common.Address, cap *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assetCaps[asset] = new(big.Int).Set(cap)
}

// SetMaxNetworkFee adjusts the fee ceiling.
func (g *Gate) SetMaxNetworkFee(fee *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxNetworkFee = new(big.Int).Set(fee)
}

// SetDailyLossCeiling adjusts the breaker threshold.
func (g *Gate) SetDailyLossCeiling(ceiling *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyLossCeiling = new(big.Int).Set(ceiling)
}

// Snapshot returns the current observable state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindow()
	return State{
		Paused:         g.paused,
		Tripped:        g.tripped,
		CumulativeLoss: new(big.Int).Set(g.cumulativeLoss),
		WindowStart:    g.windowStart,
	}
}

// rollWindow resets loss accounting when the day window has elapsed.
// Callers hold g.mu.
func (g *Gate) rollWindow() {
	now := g.clock()
	if now.Sub(g.windowStart) < g.window {
		return
	}
	g.windowStart = now
	g.cumulativeLoss = new(big.Int)
	if g.tripped {
		g.tripped = false
		g.logger.Info("circuit breaker cleared by window rollover")
	}
}
