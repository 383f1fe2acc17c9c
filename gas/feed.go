package gas

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
)

// Sample is one observation of network fee conditions.
type Sample struct {
	BaseFee      *big.Int
	SuggestedTip *big.Int
	TipHistory   []*big.Int // recent median priority fees, oldest first
	PendingTxs   uint
}

// FeedSource supplies fee and congestion observations. The production
// implementation reads the chain; tests substitute fixed samples.
type FeedSource interface {
	Sample(ctx context.Context) (*Sample, error)
}

// feeBackend is the slice of the RPC client the feed needs.
type feeBackend interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingTransactionCount(ctx context.Context) (uint, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// ClientFeed samples fee conditions from an Ethereum node.
type ClientFeed struct {
	client        feeBackend
	historyBlocks uint64
}

// NewClientFeed creates a feed reading historyBlocks of fee history.
func NewClientFeed(client feeBackend, historyBlocks uint64) *ClientFeed {
	if historyBlocks == 0 {
		historyBlocks = 10
	}
	return &ClientFeed{client: client, historyBlocks: historyBlocks}
}

// Sample reads current base fee, recent median tips, and pending-tx count.
func (f *ClientFeed) Sample(ctx context.Context) (*Sample, error) {
	history, err := f.client.FeeHistory(ctx, f.historyBlocks, nil, []float64{50})
	if err != nil {
		return nil, fmt.Errorf("failed to read fee history: %w", err)
	}
	if len(history.BaseFee) == 0 {
		return nil, fmt.Errorf("fee history returned no base fees")
	}
	tip, err := f.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tip suggestion: %w", err)
	}
	pending, err := f.client.PendingTransactionCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tx count: %w", err)
	}

	tips := make([]*big.Int, 0, len(history.Reward))
	for _, rewards := range history.Reward {
		if len(rewards) > 0 && rewards[0] != nil {
			tips = append(tips, rewards[0])
		}
	}
	return &Sample{
		// Last entry is the base fee of the next (pending) block.
		BaseFee:      history.BaseFee[len(history.BaseFee)-1],
		SuggestedTip: tip,
		TipHistory:   tips,
		PendingTxs:   pending,
	}, nil
}
