package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedFeed struct {
	sample *Sample
	err    error
}

func (f *fixedFeed) Sample(context.Context) (*Sample, error) {
	return f.sample, f.err
}

func testSample() *Sample {
	return &Sample{
		BaseFee:      big.NewInt(30_000_000_000), // 30 gwei
		SuggestedTip: big.NewInt(2_000_000_000),
		TipHistory: []*big.Int{
			big.NewInt(1_000_000_000),
			big.NewInt(2_000_000_000),
			big.NewInt(3_000_000_000),
		},
		PendingTxs: 0,
	}
}

func TestPricerStrategyOrdering(t *testing.T) {
	p := NewPricer(DefaultConfig(), nil, zaptest.NewLogger(t))
	sample := testSample()

	conservative := p.PriceFromSample(sample, StrategyConservative)
	normal := p.PriceFromSample(sample, StrategyNormal)
	aggressive := p.PriceFromSample(sample, StrategyAggressive)

	// Tip and fee cap are totally ordered by aggressiveness.
	assert.True(t, conservative.Tip.Cmp(normal.Tip) <= 0)
	assert.True(t, normal.Tip.Cmp(aggressive.Tip) <= 0)
	assert.True(t, conservative.FeeCap.Cmp(normal.FeeCap) <= 0)
	assert.True(t, normal.FeeCap.Cmp(aggressive.FeeCap) <= 0)

	// Median history tip is 2 gwei; normal pays it verbatim.
	assert.Zero(t, normal.Tip.Cmp(big.NewInt(2_000_000_000)))
	assert.Zero(t, conservative.Tip.Cmp(big.NewInt(1_600_000_000)))
	assert.Zero(t, aggressive.Tip.Cmp(big.NewInt(3_000_000_000)))

	// FeeCap = headroom * baseFee + tip.
	wantCap := new(big.Int).Mul(sample.BaseFee, big.NewInt(2))
	wantCap.Add(wantCap, normal.Tip)
	assert.Zero(t, normal.FeeCap.Cmp(wantCap))
}

func TestPricerAdaptive(t *testing.T) {
	p := NewPricer(DefaultConfig(), nil, zaptest.NewLogger(t))

	t.Run("QuietNetworkMatchesNormal", func(t *testing.T) {
		sample := testSample()
		adaptive := p.PriceFromSample(sample, StrategyAdaptive)
		normal := p.PriceFromSample(sample, StrategyNormal)
		assert.Zero(t, adaptive.Tip.Cmp(normal.Tip))
	})

	t.Run("CongestionRaisesTip", func(t *testing.T) {
		quiet := testSample()
		busy := testSample()
		busy.PendingTxs = 2_000 // one full threshold of backlog

		low := p.PriceFromSample(quiet, StrategyAdaptive)
		high := p.PriceFromSample(busy, StrategyAdaptive)
		assert.True(t, high.Tip.Cmp(low.Tip) > 0)

		// One threshold doubles the multiplier: 10000 + 10000 bps.
		assert.Zero(t, high.Tip.Cmp(big.NewInt(4_000_000_000)))
	})

	t.Run("CongestionIsCapped", func(t *testing.T) {
		flooded := testSample()
		flooded.PendingTxs = 1_000_000
		capped := p.PriceFromSample(flooded, StrategyAdaptive)

		// 10000 + 30000 bps cap = 4x the reference tip.
		assert.Zero(t, capped.Tip.Cmp(big.NewInt(8_000_000_000)))
	})
}

func TestPricerReferenceTip(t *testing.T) {
	p := NewPricer(DefaultConfig(), nil, zaptest.NewLogger(t))

	t.Run("FallsBackToSuggestion", func(t *testing.T) {
		sample := testSample()
		sample.TipHistory = nil
		params := p.PriceFromSample(sample, StrategyNormal)
		assert.Zero(t, params.Tip.Cmp(sample.SuggestedTip))
	})

	t.Run("MedianIgnoresOutliers", func(t *testing.T) {
		sample := testSample()
		sample.TipHistory = []*big.Int{
			big.NewInt(1_000_000_000),
			big.NewInt(2_000_000_000),
			big.NewInt(500_000_000_000), // one desperate bidder
		}
		params := p.PriceFromSample(sample, StrategyNormal)
		assert.Zero(t, params.Tip.Cmp(big.NewInt(2_000_000_000)))
	})
}

func TestPricerFeedErrors(t *testing.T) {
	feedErr := errors.New("node unreachable")
	p := NewPricer(DefaultConfig(), &fixedFeed{err: feedErr}, zaptest.NewLogger(t))
	_, err := p.Price(context.Background(), StrategyNormal)
	require.ErrorIs(t, err, feedErr)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyConservative, StrategyNormal, StrategyAggressive, StrategyAdaptive} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyNormal, parsed)

	_, err = ParseStrategy("yolo")
	require.Error(t, err)
}

func TestSizeGasLimit(t *testing.T) {
	assert.Equal(t, uint64(125_000), SizeGasLimit(100_000, 2500))
	assert.Equal(t, uint64(100_000), SizeGasLimit(100_000, 0))
}

func TestEstimateRouteGas(t *testing.T) {
	two := EstimateRouteGas(2)
	three := EstimateRouteGas(3)
	assert.True(t, three > two)
	assert.Equal(t, uint64(21_000+2*152_000), two)
}
