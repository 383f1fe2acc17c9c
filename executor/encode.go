package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

// ABI of the deployed settlement program. The hop payload inside `hops` uses
// the codec in types/route.go, shared with the in-process engine.
const settlementABIJSON = `[
	{
		"inputs": [
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes", "name": "hops", "type": "bytes"}
		],
		"name": "initiate",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "asset", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "profit", "type": "uint256"}
		],
		"name": "ArbitrageExecuted",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "asset", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "ArbitrageFailed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "uint256", "name": "cumulativeLoss", "type": "uint256"}
		],
		"name": "BreakerTripped",
		"type": "event"
	}
]`

var settlementABI = mustABI(settlementABIJSON)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EncodeInitiate turns an opportunity into the settlement call data. It
// rejects routes that do not close on the borrowed asset and venue IDs
// outside the registry, so a malformed route never reaches submission.
func EncodeInitiate(opp *types.ArbitrageOpportunity, venues *venue.Registry) ([]byte, error) {
	if err := opp.Validate(); err != nil {
		return nil, err
	}
	for i, hop := range opp.Hops {
		if !venues.Known(hop.Venue) {
			return nil, fmt.Errorf("%w: hop %d names unrecognized venue %s",
				types.ErrRouteInvalid, i, hop.Venue)
		}
	}
	hops, err := types.EncodeHops(opp.Hops)
	if err != nil {
		return nil, err
	}
	data, err := settlementABI.Pack("initiate", opp.Asset, opp.Amount, hops)
	if err != nil {
		return nil, fmt.Errorf("failed to pack initiate call: %w", err)
	}
	return data, nil
}

// Outcome is the settlement result parsed from a confirmed receipt.
type Outcome struct {
	Executed bool
	Profit   *big.Int
	Reason   string
}

// ParseOutcome extracts the settlement outcome from receipt logs emitted by
// the program at contract.
func ParseOutcome(receipt *ethtypes.Receipt, contract common.Address) (*Outcome, error) {
	executed := settlementABI.Events["ArbitrageExecuted"]
	failed := settlementABI.Events["ArbitrageFailed"]

	for _, log := range receipt.Logs {
		if log.Address != contract || len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case executed.ID:
			values, err := executed.Inputs.NonIndexed().Unpack(log.Data)
			if err != nil {
				return nil, fmt.Errorf("undecodable success event: %w", err)
			}
			return &Outcome{Executed: true, Profit: values[1].(*big.Int)}, nil
		case failed.ID:
			values, err := failed.Inputs.NonIndexed().Unpack(log.Data)
			if err != nil {
				return nil, fmt.Errorf("undecodable failure event: %w", err)
			}
			return &Outcome{Executed: false, Reason: values[1].(string)}, nil
		}
	}
	return nil, fmt.Errorf("no settlement event in receipt %s", receipt.TxHash.Hex())
}
