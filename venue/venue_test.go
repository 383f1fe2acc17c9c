package venue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/flasharb/types"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func testPool() *Pool {
	return &Pool{
		Address:  common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11"),
		Venue:    types.VenueUniswapV2,
		Token0:   weth,
		Token1:   dai,
		Reserve0: big.NewInt(1_000_000),
		Reserve1: big.NewInt(2_000_000),
		FeeBps:   30,
	}
}

func TestConstantProductSwap(t *testing.T) {
	v := NewUniswapV2()

	t.Run("OutputMatchesFormula", func(t *testing.T) {
		pool := testPool()
		in := big.NewInt(10_000)

		// out = in*(D-fee)*rOut / (rIn*D + in*(D-fee))
		feeAdj := new(big.Int).Mul(in, big.NewInt(9970))
		num := new(big.Int).Mul(feeAdj, pool.Reserve1)
		den := new(big.Int).Mul(pool.Reserve0, big.NewInt(10000))
		den.Add(den, feeAdj)
		want := num.Div(num, den)

		out, err := v.Swap(testPool(), weth, dai, in, nil)
		require.NoError(t, err)
		assert.Zero(t, want.Cmp(out))
	})

	t.Run("ReservesMutate", func(t *testing.T) {
		pool := testPool()
		in := big.NewInt(10_000)
		out, err := v.Swap(pool, weth, dai, in, nil)
		require.NoError(t, err)
		assert.Zero(t, pool.Reserve0.Cmp(big.NewInt(1_010_000)))
		assert.Zero(t, pool.Reserve1.Cmp(new(big.Int).Sub(big.NewInt(2_000_000), out)))
	})

	t.Run("MinOutEnforced", func(t *testing.T) {
		pool := testPool()
		before0 := new(big.Int).Set(pool.Reserve0)
		_, err := v.Swap(pool, weth, dai, big.NewInt(10_000), big.NewInt(3_000_000))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient output")
		// A refused swap leaves the reserves alone.
		assert.Zero(t, pool.Reserve0.Cmp(before0))
	})

	t.Run("ReverseDirection", func(t *testing.T) {
		pool := testPool()
		out, err := v.Swap(pool, dai, weth, big.NewInt(10_000), nil)
		require.NoError(t, err)
		assert.Positive(t, out.Sign())
		assert.True(t, out.Cmp(big.NewInt(10_000)) < 0) // dai is the cheap side
	})

	t.Run("UnknownPair", func(t *testing.T) {
		other := common.HexToAddress("0x0001")
		_, err := v.Swap(testPool(), weth, other, big.NewInt(100), nil)
		require.Error(t, err)
	})

	t.Run("NonPositiveInput", func(t *testing.T) {
		_, err := v.Swap(testPool(), weth, dai, big.NewInt(0), nil)
		require.Error(t, err)
	})

	t.Run("EmptyReserves", func(t *testing.T) {
		pool := testPool()
		pool.Reserve1 = big.NewInt(0)
		_, err := v.Swap(pool, weth, dai, big.NewInt(100), nil)
		require.Error(t, err)
	})
}

func TestSushiswapDelegates(t *testing.T) {
	pool := testPool()
	pool.Venue = types.VenueSushiswap
	out, err := NewSushiswap().Swap(pool, weth, dai, big.NewInt(1_000), nil)
	require.NoError(t, err)
	assert.Positive(t, out.Sign())
}

func TestRegistry(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		r := Default()
		assert.True(t, r.Known(types.VenueUniswapV2))
		assert.True(t, r.Known(types.VenueSushiswap))
		assert.False(t, r.Known(types.VenueUnknown))

		v, err := r.Lookup(types.VenueUniswapV2)
		require.NoError(t, err)
		assert.Equal(t, types.VenueUniswapV2, v.ID())
	})

	t.Run("UnknownID", func(t *testing.T) {
		_, err := Default().Lookup(types.VenueID(42))
		require.ErrorIs(t, err, types.ErrRouteInvalid)
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		_, err := NewRegistry(NewUniswapV2(), NewUniswapV2())
		require.Error(t, err)
	})
}

func TestPoolClone(t *testing.T) {
	pool := testPool()
	cp := pool.Clone()
	cp.Reserve0.Add(cp.Reserve0, big.NewInt(1))
	assert.Zero(t, pool.Reserve0.Cmp(big.NewInt(1_000_000)))
}
