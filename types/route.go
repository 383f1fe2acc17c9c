package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Hop payload layout shared by the orchestrator (encode) and the settlement
// engine (decode). Parallel arrays, one element per hop.
var hopArguments = abi.Arguments{
	{Name: "venues", Type: mustType("uint8[]")},
	{Name: "assetsIn", Type: mustType("address[]")},
	{Name: "assetsOut", Type: mustType("address[]")},
	{Name: "amountsIn", Type: mustType("uint256[]")},
	{Name: "minOuts", Type: mustType("uint256[]")},
	{Name: "venueData", Type: mustType("bytes[]")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeHops serializes a hop sequence into the settlement call payload.
// The hop list must already satisfy ArbitrageOpportunity.Validate; this only
// guards against the structurally impossible.
func EncodeHops(hops []Hop) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: empty hop list", ErrRouteInvalid)
	}
	venues := make([]uint8, len(hops))
	assetsIn := make([]common.Address, len(hops))
	assetsOut := make([]common.Address, len(hops))
	amountsIn := make([]*big.Int, len(hops))
	minOuts := make([]*big.Int, len(hops))
	venueData := make([][]byte, len(hops))
	for i, h := range hops {
		if h.AmountIn == nil || h.MinOut == nil {
			return nil, fmt.Errorf("%w: hop %d missing amount bounds", ErrRouteInvalid, i)
		}
		venues[i] = uint8(h.Venue)
		assetsIn[i] = h.AssetIn
		assetsOut[i] = h.AssetOut
		amountsIn[i] = h.AmountIn
		minOuts[i] = h.MinOut
		venueData[i] = h.VenueData
	}
	data, err := hopArguments.Pack(venues, assetsIn, assetsOut, amountsIn, minOuts, venueData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack hop payload: %w", err)
	}
	return data, nil
}

// DecodeHops parses a hop payload back into its hop sequence.
func DecodeHops(data []byte) ([]Hop, error) {
	values, err := hopArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable hop payload: %v", ErrRouteInvalid, err)
	}
	venues, ok := values[0].([]uint8)
	if !ok {
		return nil, fmt.Errorf("%w: malformed venue list", ErrRouteInvalid)
	}
	assetsIn := values[1].([]common.Address)
	assetsOut := values[2].([]common.Address)
	amountsIn := values[3].([]*big.Int)
	minOuts := values[4].([]*big.Int)
	venueData := values[5].([][]byte)
	n := len(venues)
	if len(assetsIn) != n || len(assetsOut) != n || len(amountsIn) != n ||
		len(minOuts) != n || len(venueData) != n {
		return nil, fmt.Errorf("%w: hop array length mismatch", ErrRouteInvalid)
	}
	hops := make([]Hop, n)
	for i := 0; i < n; i++ {
		hops[i] = Hop{
			Venue:     VenueID(venues[i]),
			AssetIn:   assetsIn[i],
			AssetOut:  assetsOut[i],
			AmountIn:  amountsIn[i],
			MinOut:    minOuts[i],
			VenueData: venueData[i],
		}
	}
	return hops, nil
}
