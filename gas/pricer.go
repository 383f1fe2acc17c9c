// Package gas prices settlement transactions under four strategies, totally
// ordered by aggressiveness, with the adaptive strategy scaling the priority
// fee by network congestion.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"go.uber.org/zap"
)

const bpsDenominator = 10000

// Strategy selects how hard a submission bids for inclusion.
type Strategy int

const (
	StrategyConservative Strategy = iota
	StrategyNormal
	StrategyAggressive
	StrategyAdaptive
)

// String returns the lowercase strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyConservative:
		return "conservative"
	case StrategyNormal:
		return "normal"
	case StrategyAggressive:
		return "aggressive"
	case StrategyAdaptive:
		return "adaptive"
	default:
		return "invalid"
	}
}

// ParseStrategy maps a config string to a strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "conservative":
		return StrategyConservative, nil
	case "normal", "":
		return StrategyNormal, nil
	case "aggressive":
		return StrategyAggressive, nil
	case "adaptive":
		return StrategyAdaptive, nil
	default:
		return StrategyNormal, fmt.Errorf("unknown gas strategy %q", name)
	}
}

// Params are the EIP-1559 fee parameters for one submission.
type Params struct {
	BaseFee  *big.Int
	Tip      *big.Int
	FeeCap   *big.Int
	Strategy Strategy
}

// Config tunes the pricer.
type Config struct {
	// Tip multipliers in bps relative to the observed median tip.
	ConservativeBps uint32
	NormalBps       uint32
	AggressiveBps   uint32
	// Adaptive: one full extra tip multiple per CongestionThreshold pending
	// transactions, capped at MaxCongestionBps extra.
	CongestionThreshold uint
	MaxCongestionBps    uint32
	// Fee cap headroom over the base fee, in multiples.
	BaseFeeHeadroom int64
}

// DefaultConfig returns the pricer defaults.
func DefaultConfig() Config {
	return Config{
		ConservativeBps:     8000,
		NormalBps:           10000,
		AggressiveBps:       15000,
		CongestionThreshold: 2000,
		MaxCongestionBps:    30000,
		BaseFeeHeadroom:     2,
	}
}

// Pricer computes gas parameters from feed observations.
type Pricer struct {
	cfg    Config
	feed   FeedSource
	logger *zap.Logger
}

// NewPricer creates a pricer over a fee/congestion feed.
func NewPricer(cfg Config, feed FeedSource, logger *zap.Logger) *Pricer {
	if cfg.BaseFeeHeadroom <= 0 {
		cfg.BaseFeeHeadroom = 2
	}
	if cfg.CongestionThreshold == 0 {
		cfg.CongestionThreshold = 2000
	}
	return &Pricer{cfg: cfg, feed: feed, logger: logger}
}

// Price samples the feed and computes parameters for the given strategy.
func (p *Pricer) Price(ctx context.Context, strategy Strategy) (*Params, error) {
	sample, err := p.feed.Sample(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample fee feed: %w", err)
	}
	return p.PriceFromSample(sample, strategy), nil
}

// PriceFromSample computes parameters from an already taken sample.
func (p *Pricer) PriceFromSample(sample *Sample, strategy Strategy) *Params {
	tip := referenceTip(sample)

	var multBps uint32
	switch strategy {
	case StrategyConservative:
		multBps = p.cfg.ConservativeBps
	case StrategyAggressive:
		multBps = p.cfg.AggressiveBps
	case StrategyAdaptive:
		multBps = p.cfg.NormalBps + p.congestionBps(sample.PendingTxs)
	default:
		multBps = p.cfg.NormalBps
	}

	tip = new(big.Int).Mul(tip, big.NewInt(int64(multBps)))
	tip.Div(tip, big.NewInt(bpsDenominator))

	feeCap := new(big.Int).Mul(sample.BaseFee, big.NewInt(p.cfg.BaseFeeHeadroom))
	feeCap.Add(feeCap, tip)

	params := &Params{
		BaseFee:  new(big.Int).Set(sample.BaseFee),
		Tip:      tip,
		FeeCap:   feeCap,
		Strategy: strategy,
	}
	p.logger.Debug("priced gas",
		zap.String("strategy", strategy.String()),
		zap.String("tip", tip.String()),
		zap.String("fee_cap", feeCap.String()),
		zap.Uint("pending_txs", sample.PendingTxs))
	return params
}

// congestionBps converts the pending-tx count into extra tip bps.
func (p *Pricer) congestionBps(pending uint) uint32 {
	extra := uint64(pending) * bpsDenominator / uint64(p.cfg.CongestionThreshold)
	if extra > uint64(p.cfg.MaxCongestionBps) {
		extra = uint64(p.cfg.MaxCongestionBps)
	}
	return uint32(extra)
}

// referenceTip is the median of the recent tip history, falling back to the
// node's suggestion when history is empty.
func referenceTip(sample *Sample) *big.Int {
	if len(sample.TipHistory) == 0 {
		return new(big.Int).Set(sample.SuggestedTip)
	}
	tips := make([]*big.Int, len(sample.TipHistory))
	copy(tips, sample.TipHistory)
	sort.Slice(tips, func(i, j int) bool { return tips[i].Cmp(tips[j]) < 0 })
	return new(big.Int).Set(tips[len(tips)/2])
}

// SizeGasLimit adds a fixed safety margin to a simulated gas-used figure.
func SizeGasLimit(simulated uint64, marginBps uint32) uint64 {
	return simulated + simulated*uint64(marginBps)/bpsDenominator
}

// EstimateRouteGas is the static fallback when no simulation figure exists:
// base transaction cost plus a per-hop swap allowance.
func EstimateRouteGas(numHops int) uint64 {
	const baseCost = 21000
	const costPerHop = 152000
	return baseCost + costPerHop*uint64(numHops)
}
