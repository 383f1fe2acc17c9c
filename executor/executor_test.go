package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quaylabs/flasharb/gas"
	"github.com/quaylabs/flasharb/nonce"
	"github.com/quaylabs/flasharb/risk"
	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

// mockBackend scripts the node side of the pipeline. sendErrs is consumed one
// entry per SendTransaction call; a nil entry is a successful submission that
// makes the receipt available.
type mockBackend struct {
	mu sync.Mutex

	estimateGas uint64
	estimateErr error
	callErr     error
	sendErrs    []error

	sends   int
	lastTx  *ethtypes.Transaction
	receipt *ethtypes.Receipt

	receiptFailed   bool
	withholdReceipt bool
	receiptLogs     func(txHash common.Hash) []*ethtypes.Log
	effectiveGasPrc *big.Int
	gasUsed         uint64

	// head, when set, advances by one per BlockNumber read; zero means a
	// fixed head far past the receipt.
	head      uint64
	headReads int
}

func (m *mockBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return m.estimateGas, nil
}

func (m *mockBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, m.callErr
}

func (m *mockBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.sends < len(m.sendErrs) {
		err = m.sendErrs[m.sends]
	}
	m.sends++
	if err != nil {
		return err
	}
	status := ethtypes.ReceiptStatusSuccessful
	if m.receiptFailed {
		status = ethtypes.ReceiptStatusFailed
	}
	m.lastTx = tx
	m.receipt = &ethtypes.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           m.gasUsed,
		EffectiveGasPrice: m.effectiveGasPrc,
		BlockNumber:       big.NewInt(100),
		Logs:              m.receiptLogs(tx.Hash()),
	}
	return nil
}

func (m *mockBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.withholdReceipt && m.receipt != nil && m.receipt.TxHash == txHash {
		return m.receipt, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockBackend) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headReads++
	if m.head == 0 {
		return 200, nil
	}
	h := m.head
	m.head++
	return h, nil
}

func (m *mockBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 5, nil
}

func (m *mockBackend) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func (m *mockBackend) headReadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headReads
}

type fixedFeed struct{}

func (fixedFeed) Sample(context.Context) (*gas.Sample, error) {
	return &gas.Sample{
		BaseFee:      big.NewInt(10),
		SuggestedTip: big.NewInt(1),
	}, nil
}

type captureSink struct {
	mu      sync.Mutex
	results []*types.ExecutionResult
}

func (c *captureSink) Record(_ context.Context, res *types.ExecutionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
	return nil
}

func (c *captureSink) last(t *testing.T) *types.ExecutionResult {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.results)
	return c.results[len(c.results)-1]
}

type executorFixture struct {
	executor *Executor
	backend  *mockBackend
	gate     *risk.Gate
	nonces   *nonce.Manager
	sink     *captureSink
}

func newExecutorFixture(t *testing.T, backend *mockBackend, gateCfg risk.Config) *executorFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	if backend.estimateGas == 0 {
		backend.estimateGas = 100_000
	}
	if backend.effectiveGasPrc == nil {
		backend.effectiveGasPrc = big.NewInt(2)
	}
	if backend.gasUsed == 0 {
		backend.gasUsed = 50
	}
	if backend.receiptLogs == nil {
		backend.receiptLogs = func(common.Hash) []*ethtypes.Log {
			return []*ethtypes.Log{successLog(t, testContract, testWETH, big.NewInt(10_000), big.NewInt(700))}
		}
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	gate := risk.NewGate(gateCfg, logger)
	pricer := gas.NewPricer(gas.DefaultConfig(), fixedFeed{}, logger)
	nonces := nonce.NewManager(backend, crypto.PubkeyToAddress(key.PublicKey), time.Hour, logger)
	results := &captureSink{}

	exec, err := New(Config{
		Contract:            testContract,
		ChainID:             big.NewInt(1),
		Strategy:            gas.StrategyNormal,
		MaxAttempts:         3,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
		RetryMultiplier:     2,
		Confirmations:       1,
		ConfirmPollInterval: time.Millisecond,
		ConfirmTimeout:      time.Second,
		SimulateTimeout:     time.Second,
	}, backend, nil, key, gate, pricer, nonces, venue.Default(), results, logger)
	require.NoError(t, err)

	return &executorFixture{executor: exec, backend: backend, gate: gate, nonces: nonces, sink: results}
}

func TestExecutePipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{}, risk.Config{})
		res := f.executor.Execute(ctx, testOpportunity())

		require.True(t, res.Success)
		// 700 settled profit minus 50 gas at an effective price of 2.
		assert.Zero(t, res.Profit.Cmp(big.NewInt(600)))
		assert.Equal(t, uint64(50), res.GasUsed)
		assert.Equal(t, f.backend.receipt.TxHash, res.TxHash)
		assert.Equal(t, 1, f.backend.sendCount())
		assert.Equal(t, 0, f.nonces.Inflight())
		assert.Equal(t, res, f.sink.last(t))
		assert.Equal(t, 1.0, f.executor.SuccessRate())
	})

	t.Run("StaleOpportunity", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{}, risk.Config{})
		opp := testOpportunity()
		opp.Deadline = time.Now().Add(-time.Second)

		res := f.executor.Execute(ctx, opp)
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "stale_opportunity")
		assert.Equal(t, 0, f.backend.sendCount())
	})

	t.Run("RouteInvalid", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{}, risk.Config{})
		opp := testOpportunity()
		opp.Hops = opp.Hops[:1]

		res := f.executor.Execute(ctx, opp)
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "route_invalid")
	})

	t.Run("DisallowedByGate", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{}, risk.Config{
			AssetCaps: map[common.Address]*big.Int{testWETH: big.NewInt(1)},
		})
		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "disallowed")
		assert.Equal(t, 0, f.backend.sendCount())
	})

	t.Run("SimulationRevertIsFatal", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{
			estimateErr: errors.New("execution reverted: insufficient profit"),
		}, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		// The node's revert reason survives verbatim.
		assert.Contains(t, res.Reason, "execution reverted: insufficient profit")
		assert.Equal(t, 0, f.backend.sendCount())
	})

	t.Run("RetryableSubmitThenSuccess", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{
			sendErrs: []error{errors.New("transaction underpriced"), nil},
		}, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.True(t, res.Success)
		assert.Equal(t, 2, f.backend.sendCount())
		assert.Equal(t, 0, f.nonces.Inflight())
	})

	t.Run("NonceErrorRefreshesAndRetries", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{
			sendErrs: []error{errors.New("nonce too low"), nil},
		}, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.True(t, res.Success)
		assert.Equal(t, 2, f.backend.sendCount())
	})

	t.Run("FatalSubmitStops", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{
			sendErrs: []error{errors.New("execution reverted: breaker tripped")},
		}, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "submit_fatal")
		assert.Equal(t, 1, f.backend.sendCount())
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		underpriced := errors.New("transaction underpriced")
		f := newExecutorFixture(t, &mockBackend{
			sendErrs: []error{underpriced, underpriced, underpriced},
		}, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "retries_exhausted")
		assert.Contains(t, res.Reason, "underpriced")
		assert.Equal(t, 3, f.backend.sendCount())
	})

	t.Run("ConfirmationTimeoutAbandonsAttempt", func(t *testing.T) {
		f := newExecutorFixture(t, &mockBackend{withholdReceipt: true}, risk.Config{})
		f.executor.cfg.ConfirmTimeout = 100 * time.Millisecond

		start := time.Now()
		res := f.executor.Execute(ctx, testOpportunity())

		// The stalled wait is a terminal failure, not a hang: no retry, the
		// transaction is left in the mempool and the nonce slot is released.
		require.False(t, res.Success)
		assert.Contains(t, res.Reason, "confirm_timeout")
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, f.backend.sendCount())
		assert.Equal(t, 0, f.nonces.Inflight())
		assert.Equal(t, res, f.sink.last(t))
	})

	t.Run("WaitsForExtraConfirmations", func(t *testing.T) {
		// The receipt lands in block 100; with three confirmations required
		// the head must reach 102, two polls beyond the first read.
		f := newExecutorFixture(t, &mockBackend{head: 100}, risk.Config{})
		f.executor.cfg.Confirmations = 3

		res := f.executor.Execute(ctx, testOpportunity())
		require.True(t, res.Success)
		assert.Equal(t, 3, f.backend.headReadCount())
		assert.Equal(t, 0, f.nonces.Inflight())
	})

	t.Run("RevertedReceiptIsALoss", func(t *testing.T) {
		backend := &mockBackend{receiptFailed: true}
		backend.receiptLogs = func(common.Hash) []*ethtypes.Log { return nil }
		f := newExecutorFixture(t, backend, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		assert.Equal(t, "reverted on chain", res.Reason)
		// Gas burned with nothing settled: profit is the negated gas cost.
		assert.Negative(t, res.Profit.Sign())
	})

	t.Run("FailureEventInReceipt", func(t *testing.T) {
		backend := &mockBackend{}
		backend.receiptLogs = func(txHash common.Hash) []*ethtypes.Log {
			return []*ethtypes.Log{failureLog(t, testContract, testWETH, big.NewInt(10_000), "insufficient profit")}
		}
		f := newExecutorFixture(t, backend, risk.Config{})

		res := f.executor.Execute(ctx, testOpportunity())
		require.False(t, res.Success)
		assert.Equal(t, "insufficient profit", res.Reason)
		assert.Negative(t, res.Profit.Sign())
	})
}

func TestRunDeduplicates(t *testing.T) {
	f := newExecutorFixture(t, &mockBackend{}, risk.Config{})
	ctx := context.Background()

	opp := testOpportunity()
	dup := *opp

	opps := make(chan *types.ArbitrageOpportunity, 2)
	opps <- opp
	opps <- &dup
	close(opps)

	require.NoError(t, f.executor.Run(ctx, opps))

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Len(t, f.sink.results, 1)
	assert.Equal(t, 1, f.backend.sendCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newExecutorFixture(t, &mockBackend{}, risk.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opps := make(chan *types.ArbitrageOpportunity)
	require.ErrorIs(t, f.executor.Run(ctx, opps), context.Canceled)
}
