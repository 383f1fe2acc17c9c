package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHopCodecRoundTrip(t *testing.T) {
	hops := closedRoute().Hops

	encoded, err := EncodeHops(hops)
	require.NoError(t, err)

	decoded, err := DecodeHops(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(hops))
	for i := range hops {
		assert.Equal(t, hops[i].Venue, decoded[i].Venue)
		assert.Equal(t, hops[i].AssetIn, decoded[i].AssetIn)
		assert.Equal(t, hops[i].AssetOut, decoded[i].AssetOut)
		assert.Zero(t, hops[i].AmountIn.Cmp(decoded[i].AmountIn))
		assert.Zero(t, hops[i].MinOut.Cmp(decoded[i].MinOut))
		assert.Equal(t, hops[i].VenueData, decoded[i].VenueData)
	}
}

func TestEncodeHopsRejectsEmpty(t *testing.T) {
	_, err := EncodeHops(nil)
	require.ErrorIs(t, err, ErrRouteInvalid)
}

func TestEncodeHopsRejectsMissingBounds(t *testing.T) {
	hops := closedRoute().Hops
	hops[0].MinOut = nil
	_, err := EncodeHops(hops)
	require.ErrorIs(t, err, ErrRouteInvalid)
}

func TestDecodeHopsRejectsGarbage(t *testing.T) {
	_, err := DecodeHops([]byte{0xde, 0xad, 0xbe, 0xef})
	require.ErrorIs(t, err, ErrRouteInvalid)

	_, err = DecodeHops(nil)
	require.Error(t, err)
}

func TestHopCodecSingleHop(t *testing.T) {
	hops := []Hop{{
		Venue:     VenueUniswapV2,
		AssetIn:   assetA,
		AssetOut:  assetA,
		AmountIn:  big.NewInt(1),
		MinOut:    big.NewInt(0),
		VenueData: poolX.Bytes(),
	}}
	encoded, err := EncodeHops(hops)
	require.NoError(t, err)
	decoded, err := DecodeHops(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, VenueUniswapV2, decoded[0].Venue)
}
