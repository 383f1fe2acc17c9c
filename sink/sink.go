// Package sink delivers ExecutionResult records to persistence and
// notification targets.
package sink

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quaylabs/flasharb/types"
)

// Sink receives one record per execution attempt.
type Sink interface {
	Record(ctx context.Context, res *types.ExecutionResult) error
}

// LogSink writes results to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs the result.
func (s *LogSink) Record(_ context.Context, res *types.ExecutionResult) error {
	fields := []zap.Field{
		zap.String("execution_id", res.ExecutionID),
		zap.Bool("success", res.Success),
		zap.Uint64("gas_used", res.GasUsed),
		zap.Duration("duration", res.Duration),
	}
	if res.Profit != nil {
		fields = append(fields, zap.String("profit", res.Profit.String()))
	}
	if res.TxHash != (common.Hash{}) {
		fields = append(fields, zap.String("tx_hash", res.TxHash.Hex()))
	}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	if res.Success {
		s.logger.Info("execution recorded", fields...)
	} else {
		s.logger.Warn("execution recorded", fields...)
	}
	return nil
}

// Fanout delivers each record to every sink, returning the first error.
type Fanout []Sink

// Record fans the result out.
func (f Fanout) Record(ctx context.Context, res *types.ExecutionResult) error {
	var firstErr error
	for _, s := range f {
		if err := s.Record(ctx, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
