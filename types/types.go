// Package types holds the domain model shared by the settlement engine and
// the transaction orchestrator.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// VenueID identifies a swap venue. The set of venues is closed; IDs outside
// the known set are rejected at encode time.
type VenueID uint8

const (
	VenueUnknown VenueID = iota
	VenueUniswapV2
	VenueSushiswap
)

// String returns the canonical venue name.
func (v VenueID) String() string {
	switch v {
	case VenueUniswapV2:
		return "uniswap_v2"
	case VenueSushiswap:
		return "sushiswap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ParseVenueID maps a canonical venue name to its ID.
func ParseVenueID(name string) (VenueID, error) {
	switch name {
	case "uniswap_v2":
		return VenueUniswapV2, nil
	case "sushiswap":
		return VenueSushiswap, nil
	default:
		return VenueUnknown, fmt.Errorf("unknown venue %q", name)
	}
}

// Hop is one swap step within a route. VenueData carries the venue-specific
// payload (for the built-in venues, the 20-byte pool address).
type Hop struct {
	Venue     VenueID
	AssetIn   common.Address
	AssetOut  common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	VenueData []byte
}

// ArbitrageOpportunity is produced by an external route-discovery feed and
// consumed once by the orchestrator. Immutable after creation.
type ArbitrageOpportunity struct {
	Asset          common.Address
	Amount         *big.Int
	Hops           []Hop
	ExpectedProfit *big.Int
	GasEstimate    uint64
	Deadline       time.Time
}

// Validate checks the structural route invariants: non-empty hop list,
// positive amounts, and an asset chain that closes on the borrowed asset.
func (o *ArbitrageOpportunity) Validate() error {
	if o.Amount == nil || o.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive loan amount", ErrRouteInvalid)
	}
	if len(o.Hops) == 0 {
		return fmt.Errorf("%w: empty hop list", ErrRouteInvalid)
	}
	if o.Hops[0].AssetIn != o.Asset {
		return fmt.Errorf("%w: first hop input %s is not the borrowed asset %s",
			ErrRouteInvalid, o.Hops[0].AssetIn.Hex(), o.Asset.Hex())
	}
	for i, h := range o.Hops {
		if h.AmountIn == nil || h.AmountIn.Sign() <= 0 {
			return fmt.Errorf("%w: hop %d has non-positive input amount", ErrRouteInvalid, i)
		}
		if h.MinOut == nil || h.MinOut.Sign() < 0 {
			return fmt.Errorf("%w: hop %d has no minimum output bound", ErrRouteInvalid, i)
		}
		if i > 0 && o.Hops[i-1].AssetOut != h.AssetIn {
			return fmt.Errorf("%w: hop %d input %s does not match hop %d output %s",
				ErrRouteInvalid, i, h.AssetIn.Hex(), i-1, o.Hops[i-1].AssetOut.Hex())
		}
	}
	if last := o.Hops[len(o.Hops)-1]; last.AssetOut != o.Asset {
		return fmt.Errorf("%w: route ends on %s, not the borrowed asset %s",
			ErrRouteInvalid, last.AssetOut.Hex(), o.Asset.Hex())
	}
	return nil
}

// Expired reports whether the opportunity deadline has elapsed at now.
func (o *ArbitrageOpportunity) Expired(now time.Time) bool {
	return !o.Deadline.IsZero() && now.After(o.Deadline)
}

// Fingerprint is a stable identity for the route, used to deduplicate
// opportunities the feed re-emits.
func (o *ArbitrageOpportunity) Fingerprint() uint64 {
	h := xxhash.New()
	_, _ = h.Write(o.Asset.Bytes())
	_, _ = h.Write(o.Amount.Bytes())
	for _, hop := range o.Hops {
		_, _ = h.Write([]byte{byte(hop.Venue)})
		_, _ = h.Write(hop.AssetIn.Bytes())
		_, _ = h.Write(hop.AssetOut.Bytes())
		_, _ = h.Write(hop.VenueData)
	}
	var deadline [8]byte
	unix := o.Deadline.Unix()
	for i := 0; i < 8; i++ {
		deadline[i] = byte(unix >> (8 * i))
	}
	_, _ = h.Write(deadline[:])
	return h.Sum64()
}

// TxState is the lifecycle state of a single submission attempt.
type TxState int

const (
	TxPending TxState = iota
	TxSent
	TxConfirming
	TxConfirmed
	TxFailed
)

// String returns the lowercase state name.
func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSent:
		return "sent"
	case TxConfirming:
		return "confirming"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// TransactionStatus tracks one submission attempt. Retried attempts get a new
// nonce and hash but keep the same logical ExecutionID.
type TransactionStatus struct {
	ExecutionID string
	State       TxState
	Nonce       uint64
	Hash        common.Hash
	Attempt     int
	UpdatedAt   time.Time
}

// ExecutionResult is the terminal record of one opportunity execution attempt.
// Persisted externally through a sink, one record per attempt.
type ExecutionResult struct {
	ExecutionID string
	Opportunity *ArbitrageOpportunity
	Success     bool
	Profit      *big.Int // realized profit net of gas; negative on loss
	GasUsed     uint64
	GasPrice    *big.Int
	TxHash      common.Hash
	Duration    time.Duration
	Reason      string
	FinishedAt  time.Time
}
