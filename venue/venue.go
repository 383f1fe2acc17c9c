// Package venue implements the closed set of swap venues the settlement
// engine can dispatch a hop to.
package venue

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quaylabs/flasharb/types"
)

// Pool is one two-asset liquidity pool on a venue.
type Pool struct {
	Address  common.Address
	Venue    types.VenueID
	Token0   common.Address
	Token1   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeBps   uint32
}

// Clone returns a deep copy, used by the engine to swap against shadow state.
func (p *Pool) Clone() *Pool {
	cp := *p
	cp.Reserve0 = new(big.Int).Set(p.Reserve0)
	cp.Reserve1 = new(big.Int).Set(p.Reserve1)
	return &cp
}

// orient returns the (in, out) reserves for a swap from assetIn to assetOut.
func (p *Pool) orient(assetIn, assetOut common.Address) (rIn, rOut *big.Int, err error) {
	switch {
	case assetIn == p.Token0 && assetOut == p.Token1:
		return p.Reserve0, p.Reserve1, nil
	case assetIn == p.Token1 && assetOut == p.Token0:
		return p.Reserve1, p.Reserve0, nil
	default:
		return nil, nil, fmt.Errorf("pool %s does not trade %s/%s",
			p.Address.Hex(), assetIn.Hex(), assetOut.Hex())
	}
}

// Venue executes one hop against a pool. Implementations mutate the pool's
// reserves on success; callers pass shadow copies when atomicity matters.
type Venue interface {
	ID() types.VenueID
	Name() string
	Swap(pool *Pool, assetIn, assetOut common.Address, amountIn, minOut *big.Int) (*big.Int, error)
}

// Registry is the closed venue set. Unknown IDs are rejected here once, at
// encode time, instead of failing deep inside a settlement call.
type Registry struct {
	venues map[types.VenueID]Venue
}

// NewRegistry builds a registry over a fixed venue set.
func NewRegistry(venues ...Venue) (*Registry, error) {
	r := &Registry{venues: make(map[types.VenueID]Venue, len(venues))}
	for _, v := range venues {
		if _, dup := r.venues[v.ID()]; dup {
			return nil, fmt.Errorf("duplicate venue registration for %s", v.Name())
		}
		r.venues[v.ID()] = v
	}
	return r, nil
}

// Lookup returns the venue for an ID.
func (r *Registry) Lookup(id types.VenueID) (Venue, error) {
	v, ok := r.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized venue %s", types.ErrRouteInvalid, id)
	}
	return v, nil
}

// Known reports whether the ID is in the registry.
func (r *Registry) Known(id types.VenueID) bool {
	_, ok := r.venues[id]
	return ok
}

// Default returns a registry of all built-in venues.
func Default() *Registry {
	r, err := NewRegistry(NewUniswapV2(), NewSushiswap())
	if err != nil {
		panic(err) // built-in IDs are distinct
	}
	return r
}
