package venue

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quaylabs/flasharb/types"
)

// Sushiswap is a Uniswap V2 fork; the swap math is identical, the pools and
// venue identity are not.
type Sushiswap struct{}

// NewSushiswap creates the Sushiswap venue.
func NewSushiswap() *Sushiswap {
	return &Sushiswap{}
}

// ID returns the venue identifier.
func (s *Sushiswap) ID() types.VenueID {
	return types.VenueSushiswap
}

// Name returns the venue name.
func (s *Sushiswap) Name() string {
	return "Sushiswap"
}

// Swap executes a constant-product swap against the pool, enforcing minOut.
func (s *Sushiswap) Swap(pool *Pool, assetIn, assetOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	return constantProductSwap(pool, assetIn, assetOut, amountIn, minOut)
}
