// Package executor turns arbitrage opportunities into primed settlement
// submissions and drives each one to a terminal state.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quaylabs/flasharb/gas"
	"github.com/quaylabs/flasharb/nonce"
	"github.com/quaylabs/flasharb/risk"
	"github.com/quaylabs/flasharb/sink"
	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

// Backend is the slice of the RPC client the executor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter sends a signed transaction; the public path goes straight to the
// node, the relay path to a private builder.
type Submitter interface {
	Submit(ctx context.Context, tx *ethtypes.Transaction) error
}

// PublicSubmitter submits through the node's public mempool.
type PublicSubmitter struct {
	backend Backend
}

// NewPublicSubmitter wraps a backend as a Submitter.
func NewPublicSubmitter(backend Backend) *PublicSubmitter {
	return &PublicSubmitter{backend: backend}
}

// Submit sends the transaction.
func (p *PublicSubmitter) Submit(ctx context.Context, tx *ethtypes.Transaction) error {
	return p.backend.SendTransaction(ctx, tx)
}

// Config tunes the execution pipeline.
type Config struct {
	Contract common.Address
	ChainID  *big.Int

	Strategy     gas.Strategy
	GasMarginBps uint32

	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	Confirmations       uint64
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	SimulateTimeout     time.Duration

	MaxConcurrent int
	DedupSize     int
	SubmitRate    float64
	SubmitBurst   int
}

// Executor runs the nine-stage pipeline for each opportunity, bounded by a
// concurrency limit; nonce acquisition and risk-gate mutation are the only
// cross-opportunity serialization points.
type Executor struct {
	cfg       Config
	backend   Backend
	submitter Submitter
	key       *ecdsa.PrivateKey
	from      common.Address

	gate    *risk.Gate
	pricer  *gas.Pricer
	nonces  *nonce.Manager
	venues  *venue.Registry
	results sink.Sink
	logger  *zap.Logger

	backoff Backoff
	limiter *rate.Limiter
	seen    *lru.Cache
	sem     chan struct{}

	metrics struct {
		outcomes     *prometheus.CounterVec
		inflight     prometheus.Gauge
		duration     prometheus.Histogram
		retries      prometheus.Counter
		successCount prometheus.Counter
		totalCount   prometheus.Counter
	}
}

// New creates an executor. The signing key must belong to an address in the
// settlement program's authorization set.
func New(cfg Config, backend Backend, submitter Submitter, key *ecdsa.PrivateKey,
	gate *risk.Gate, pricer *gas.Pricer, nonces *nonce.Manager,
	venues *venue.Registry, results sink.Sink, logger *zap.Logger) (*Executor, error) {

	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = 2
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.SimulateTimeout <= 0 {
		cfg.SimulateTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	if cfg.GasMarginBps == 0 {
		cfg.GasMarginBps = 2500
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 10
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 20
	}
	if submitter == nil {
		submitter = NewPublicSubmitter(backend)
	}

	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	x := &Executor{
		cfg:       cfg,
		backend:   backend,
		submitter: submitter,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		gate:      gate,
		pricer:    pricer,
		nonces:    nonces,
		venues:    venues,
		results:   results,
		logger:    logger,
		backoff: Backoff{
			Base:       cfg.RetryBaseDelay,
			Max:        cfg.RetryMaxDelay,
			Multiplier: cfg.RetryMultiplier,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
		seen:    seen,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}

	x.metrics.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_outcomes_total",
		Help: "Execution attempts by terminal outcome",
	}, []string{"outcome"})
	x.metrics.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "executor_inflight",
		Help: "Opportunities currently being executed",
	})
	x.metrics.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "executor_duration_seconds",
		Help:    "End-to-end execution duration",
		Buckets: prometheus.DefBuckets,
	})
	x.metrics.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "executor_retries_total",
		Help: "Submission retries",
	})
	x.metrics.successCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "executor_success_count",
		Help: "Successful executions",
	})
	x.metrics.totalCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "executor_total_count",
		Help: "Total executions",
	})
	return x, nil
}

// From returns the signing address.
func (x *Executor) From() common.Address {
	return x.from
}

// Run consumes opportunities until the channel closes or the context ends,
// pursuing up to MaxConcurrent of them in parallel.
func (x *Executor) Run(ctx context.Context, opps <-chan *types.ArbitrageOpportunity) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-opps:
			if !ok {
				return nil
			}
			fp := opp.Fingerprint()
			if x.seen.Contains(fp) {
				x.logger.Debug("duplicate opportunity skipped", zap.Uint64("fingerprint", fp))
				continue
			}
			x.seen.Add(fp, time.Now())

			select {
			case <-ctx.Done():
				return ctx.Err()
			case x.sem <- struct{}{}:
			}
			wg.Add(1)
			go func(opp *types.ArbitrageOpportunity) {
				defer wg.Done()
				defer func() { <-x.sem }()
				x.Execute(ctx, opp)
			}(opp)
		}
	}
}

// Execute drives one opportunity through the pipeline and always returns a
// terminal result, which has already been reported to the gate and the sink.
func (x *Executor) Execute(ctx context.Context, opp *types.ArbitrageOpportunity) *types.ExecutionResult {
	start := time.Now()
	execID := uuid.NewString()
	x.metrics.inflight.Inc()
	defer x.metrics.inflight.Dec()
	defer func() {
		x.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	log := x.logger.With(zap.String("execution_id", execID))

	// Stage 0: staleness, cheapest check first.
	if opp.Expired(time.Now()) {
		return x.finish(ctx, failResult(execID, opp, start, "stale_opportunity",
			fmt.Errorf("%w: deadline %s already elapsed", types.ErrStaleOpportunity, opp.Deadline)))
	}

	// Stage 2 (encode) also covers route validation; run it before the risk
	// check so malformed routes never count against the gate.
	calldata, err := EncodeInitiate(opp, x.venues)
	if err != nil {
		return x.finish(ctx, failResult(execID, opp, start, "route_invalid", err))
	}

	// Stage 4 runs early once: the pre-trade check needs an expected fee.
	params, err := x.pricer.Price(ctx, x.cfg.Strategy)
	if err != nil {
		return x.finish(ctx, failResult(execID, opp, start, "gas_pricing", err))
	}

	// Stage 1: pre-trade clearance.
	gasLimit := opp.GasEstimate
	if gasLimit == 0 {
		gasLimit = gas.EstimateRouteGas(len(opp.Hops))
	}
	expectedFee := new(big.Int).Mul(params.FeeCap, new(big.Int).SetUint64(gasLimit))
	if err := x.gate.Allow(risk.CheckRequest{
		Asset:          opp.Asset,
		Amount:         opp.Amount,
		ExpectedProfit: opp.ExpectedProfit,
		ExpectedFee:    expectedFee,
		SlippageCost:   slippageCost(opp),
	}); err != nil {
		return x.finish(ctx, failResult(execID, opp, start, "disallowed", err))
	}

	// Stage 3: read-only dry run; a failure here is fatal and verbatim.
	simCtx, cancel := context.WithTimeout(ctx, x.cfg.SimulateTimeout)
	gasUsed, err := x.simulate(simCtx, calldata)
	cancel()
	if err != nil {
		return x.finish(ctx, failResult(execID, opp, start, "simulation_revert",
			fmt.Errorf("%w: %v", types.ErrSimulationRevert, err)))
	}
	gasLimit = gas.SizeGasLimit(gasUsed, x.cfg.GasMarginBps)

	// Stages 5-7: submit with retry, then confirm.
	res := x.submitAndConfirm(ctx, log, execID, opp, calldata, params, gasLimit, start)
	return x.finish(ctx, res)
}

// simulate estimates gas and replays the call read-only against current
// chain state.
func (x *Executor) simulate(ctx context.Context, calldata []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From: x.from,
		To:   &x.cfg.Contract,
		Data: calldata,
	}
	gasUsed, err := x.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, err
	}
	if _, err := x.backend.CallContract(ctx, msg, nil); err != nil {
		return 0, err
	}
	return gasUsed, nil
}

// submitAndConfirm owns the retry loop: stages 5 (nonce), 6 (submit) and
// 7-8 (confirm, parse).
func (x *Executor) submitAndConfirm(ctx context.Context, log *zap.Logger, execID string,
	opp *types.ArbitrageOpportunity, calldata []byte, params *gas.Params,
	gasLimit uint64, start time.Time) *types.ExecutionResult {

	signer := ethtypes.LatestSignerForChainID(x.cfg.ChainID)
	status := types.TransactionStatus{ExecutionID: execID, State: types.TxPending, UpdatedAt: time.Now()}
	var lastErr error

	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			x.metrics.retries.Inc()
			if err := sleep(ctx, x.backoff.Delay(attempt-1)); err != nil {
				return failResult(execID, opp, start, "cancelled", err)
			}
			// Re-price before every retry; the conditions that caused the
			// failure have usually moved the market.
			if fresh, err := x.pricer.Price(ctx, x.cfg.Strategy); err == nil {
				params = fresh
			}
		}

		// Deadline is enforced immediately before submission, independent of
		// the retry loop.
		if opp.Expired(time.Now()) {
			return failResult(execID, opp, start, "stale_opportunity",
				fmt.Errorf("%w: deadline elapsed before attempt %d", types.ErrStaleOpportunity, attempt))
		}

		n, err := x.nonces.Next(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		tx, err := ethtypes.SignNewTx(x.key, signer, &ethtypes.DynamicFeeTx{
			ChainID:   x.cfg.ChainID,
			Nonce:     n,
			GasTipCap: params.Tip,
			GasFeeCap: params.FeeCap,
			Gas:       gasLimit,
			To:        &x.cfg.Contract,
			Value:     new(big.Int),
			Data:      calldata,
		})
		if err != nil {
			x.nonces.Release(n)
			return failResult(execID, opp, start, "signing", err)
		}

		if err := x.limiter.Wait(ctx); err != nil {
			x.nonces.Release(n)
			return failResult(execID, opp, start, "cancelled", err)
		}

		// Each retry is a fresh submission attempt under the same logical
		// execution: new nonce and hash, same identifier.
		status.Nonce = n
		status.Hash = tx.Hash()
		status.Attempt = attempt
		x.track(log, &status, types.TxPending)

		if err := x.submitter.Submit(ctx, tx); err != nil {
			x.nonces.Release(n)
			lastErr = err
			switch Classify(err) {
			case ClassNonceInvalid:
				x.nonces.Invalidate()
				continue
			case ClassRetryable:
				continue
			default:
				x.track(log, &status, types.TxFailed)
				return failResult(execID, opp, start, "submit_fatal", err)
			}
		}
		x.track(log, &status, types.TxSent)

		confirmCtx, cancel := context.WithTimeout(ctx, x.cfg.ConfirmTimeout)
		x.track(log, &status, types.TxConfirming)
		receipt, err := waitConfirmed(confirmCtx, x.backend, tx.Hash(), x.cfg.Confirmations, x.cfg.ConfirmPollInterval)
		cancel()
		x.nonces.Release(n)
		if err != nil {
			// Stalled confirmation: the attempt failed, the transaction is
			// abandoned in the mempool rather than force-cancelled.
			x.track(log, &status, types.TxFailed)
			return failResult(execID, opp, start, "confirm_timeout", err)
		}

		x.track(log, &status, types.TxConfirmed)
		return x.parseReceipt(execID, opp, tx, receipt, start)
	}

	return failResult(execID, opp, start, "retries_exhausted",
		fmt.Errorf("gave up after %d attempts: %w", x.cfg.MaxAttempts, lastErr))
}

// track advances the per-attempt submission state machine and logs the
// transition.
func (x *Executor) track(log *zap.Logger, status *types.TransactionStatus, state types.TxState) {
	status.State = state
	status.UpdatedAt = time.Now()
	log.Debug("transaction status",
		zap.String("state", state.String()),
		zap.Int("attempt", status.Attempt),
		zap.Uint64("nonce", status.Nonce),
		zap.String("hash", status.Hash.Hex()))
}

// parseReceipt is stage 8: extract the settlement outcome and compute net
// profit as realized profit minus actual gas cost.
func (x *Executor) parseReceipt(execID string, opp *types.ArbitrageOpportunity,
	tx *ethtypes.Transaction, receipt *ethtypes.Receipt, start time.Time) *types.ExecutionResult {

	gasPrice := receipt.EffectiveGasPrice
	if gasPrice == nil {
		gasPrice = tx.GasFeeCap()
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))

	res := &types.ExecutionResult{
		ExecutionID: execID,
		Opportunity: opp,
		GasUsed:     receipt.GasUsed,
		GasPrice:    gasPrice,
		TxHash:      receipt.TxHash,
		Duration:    time.Since(start),
		FinishedAt:  time.Now(),
	}

	if receipt.Status == ethtypes.ReceiptStatusFailed {
		// A failed receipt is a reverted execution, not a transport error.
		res.Reason = "reverted on chain"
		res.Profit = new(big.Int).Neg(gasCost)
		return res
	}

	outcome, err := ParseOutcome(receipt, x.cfg.Contract)
	if err != nil {
		res.Reason = err.Error()
		res.Profit = new(big.Int).Neg(gasCost)
		return res
	}
	if !outcome.Executed {
		res.Reason = outcome.Reason
		res.Profit = new(big.Int).Neg(gasCost)
		return res
	}

	res.Success = true
	res.Profit = new(big.Int).Sub(outcome.Profit, gasCost)
	return res
}

// finish is stage 9: post-trade accounting and persistence.
func (x *Executor) finish(ctx context.Context, res *types.ExecutionResult) *types.ExecutionResult {
	x.metrics.totalCount.Inc()
	if res.Success {
		x.metrics.successCount.Inc()
		x.metrics.outcomes.WithLabelValues("success").Inc()
	} else {
		x.metrics.outcomes.WithLabelValues(outcomeLabel(res.Reason)).Inc()
	}

	if tripped := x.gate.RecordResult(res); tripped {
		x.logger.Warn("post-trade accounting tripped the breaker",
			zap.String("execution_id", res.ExecutionID))
	}
	if x.results != nil {
		if err := x.results.Record(ctx, res); err != nil {
			x.logger.Error("failed to record execution result",
				zap.String("execution_id", res.ExecutionID), zap.Error(err))
		}
	}
	return res
}

// SuccessRate reads the success/total counters back out of prometheus.
func (x *Executor) SuccessRate() float64 {
	read := func(c prometheus.Counter) float64 {
		ch := make(chan prometheus.Metric, 1)
		c.Collect(ch)
		m := &dto.Metric{}
		if metric := <-ch; metric != nil {
			if err := metric.Write(m); err == nil && m.Counter != nil {
				return m.Counter.GetValue()
			}
		}
		return 0
	}
	total := read(x.metrics.totalCount)
	if total == 0 {
		return 0
	}
	return read(x.metrics.successCount) / total
}

// outcomeLabel keeps metric label cardinality bounded: failure reasons are
// "label: detail", and on-chain outcomes collapse to one bucket.
func outcomeLabel(reason string) string {
	if i := strings.Index(reason, ":"); i > 0 {
		return reason[:i]
	}
	return "onchain_revert"
}

// failResult builds a terminal failure record.
func failResult(execID string, opp *types.ArbitrageOpportunity, start time.Time, label string, err error) *types.ExecutionResult {
	return &types.ExecutionResult{
		ExecutionID: execID,
		Opportunity: opp,
		Success:     false,
		Reason:      fmt.Sprintf("%s: %v", label, err),
		Duration:    time.Since(start),
		FinishedAt:  time.Now(),
	}
}

// slippageCost approximates the route's slippage exposure as the gap between
// each hop's expected input and its minimum-output bound, in borrowed-asset
// terms. The gate only needs a magnitude, not venue-exact pricing.
func slippageCost(opp *types.ArbitrageOpportunity) *big.Int {
	last := opp.Hops[len(opp.Hops)-1]
	if last.MinOut == nil {
		return new(big.Int)
	}
	expected := new(big.Int).Add(opp.Amount, opp.ExpectedProfit)
	cost := new(big.Int).Sub(expected, last.MinOut)
	if cost.Sign() < 0 {
		return new(big.Int)
	}
	return cost
}
