package settlement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quaylabs/flasharb/types"
)

// Event is a typed settlement notification. The set is sealed; consumers
// switch on the concrete type instead of string event names.
type Event interface {
	settlementEvent()
}

// ExecutionSucceeded is emitted once per committed execution.
type ExecutionSucceeded struct {
	Asset  common.Address
	Amount *big.Int
	Profit *big.Int
	Venues []types.VenueID
	At     time.Time
}

// ExecutionFailed is emitted when an execution aborts; no state change
// accompanies it beyond loss accounting.
type ExecutionFailed struct {
	Asset  common.Address
	Amount *big.Int
	Reason string
	At     time.Time
}

// BreakerTripped is emitted exactly once when cumulative losses exceed the
// daily ceiling and the engine pauses itself.
type BreakerTripped struct {
	CumulativeLoss *big.Int
	At             time.Time
}

func (ExecutionSucceeded) settlementEvent() {}
func (ExecutionFailed) settlementEvent()    {}
func (BreakerTripped) settlementEvent()     {}
