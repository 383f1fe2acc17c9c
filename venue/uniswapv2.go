package venue

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quaylabs/flasharb/types"
)

const bpsDenominator = 10000

// UniswapV2 implements constant-product swaps with a 30 bps pool fee.
type UniswapV2 struct{}

// NewUniswapV2 creates the Uniswap V2 venue.
func NewUniswapV2() *UniswapV2 {
	return &UniswapV2{}
}

// ID returns the venue identifier.
func (u *UniswapV2) ID() types.VenueID {
	return types.VenueUniswapV2
}

// Name returns the venue name.
func (u *UniswapV2) Name() string {
	return "UniswapV2"
}

// Swap executes a constant-product swap against the pool, enforcing minOut.
func (u *UniswapV2) Swap(pool *Pool, assetIn, assetOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return constantProductSwap(pool, assetIn, assetOut, amountIn, minOut)
}

// constantProductSwap applies x*y=k with the pool fee taken on input:
// out = in*(D-fee)*rOut / (rIn*D + in*(D-fee)).
func constantProductSwap(pool *Pool, assetIn, assetOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive input amount")
	}
	rIn, rOut, err := pool.orient(assetIn, assetOut)
	if err != nil {
		return nil, err
	}
	if rIn.Sign() == 0 || rOut.Sign() == 0 {
		return nil, fmt.Errorf("insufficient liquidity in pool %s", pool.Address.Hex())
	}

	feeAdjusted := new(big.Int).Mul(amountIn, big.NewInt(int64(bpsDenominator-pool.FeeBps)))
	numerator := new(big.Int).Mul(feeAdjusted, rOut)
	denominator := new(big.Int).Mul(rIn, big.NewInt(bpsDenominator))
	denominator.Add(denominator, feeAdjusted)
	out := numerator.Div(numerator, denominator)

	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("insufficient output: got %s, need %s", out, minOut)
	}

	rIn.Add(rIn, amountIn)
	rOut.Sub(rOut, out)
	return out, nil
}
