package sink

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quaylabs/flasharb/types"
)

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Record(context.Context, *types.ExecutionResult) error {
	s.calls++
	return s.err
}

func sampleResult() *types.ExecutionResult {
	return &types.ExecutionResult{
		ExecutionID: "a2e3c2f0-0000-0000-0000-000000000001",
		Success:     true,
		Profit:      big.NewInt(600),
		GasUsed:     90_000,
		GasPrice:    big.NewInt(30_000_000_000),
		TxHash:      common.HexToHash("0x01"),
		Duration:    3 * time.Second,
		FinishedAt:  time.Now(),
	}
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zaptest.NewLogger(t))
	require.NoError(t, s.Record(context.Background(), sampleResult()))

	failed := sampleResult()
	failed.Success = false
	failed.Reason = "stale_opportunity: deadline elapsed"
	failed.TxHash = common.Hash{}
	require.NoError(t, s.Record(context.Background(), failed))
}

func TestFanout(t *testing.T) {
	t.Run("DeliversToAll", func(t *testing.T) {
		a, b := &stubSink{}, &stubSink{}
		f := Fanout{a, b}
		require.NoError(t, f.Record(context.Background(), sampleResult()))
		assert.Equal(t, 1, a.calls)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("FirstErrorWinsButAllRun", func(t *testing.T) {
		errA := errors.New("disk full")
		errB := errors.New("connection lost")
		a, b := &stubSink{err: errA}, &stubSink{err: errB}
		f := Fanout{a, b}

		err := f.Record(context.Background(), sampleResult())
		require.ErrorIs(t, err, errA)
		assert.Equal(t, 1, b.calls)
	})
}
