package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger tracks per-asset balances held by the engine. The engine mutates a
// clone during execution and swaps it in only on commit, which is what makes
// the loan→swap→repay cycle all-or-nothing.
type Ledger struct {
	balances map[common.Address]*big.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]*big.Int)}
}

// Balance returns a copy of the asset balance.
func (l *Ledger) Balance(asset common.Address) *big.Int {
	if b, ok := l.balances[asset]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Credit adds amount to the asset balance.
func (l *Ledger) Credit(asset common.Address, amount *big.Int) {
	b, ok := l.balances[asset]
	if !ok {
		b = new(big.Int)
		l.balances[asset] = b
	}
	b.Add(b, amount)
}

// Debit removes amount from the asset balance, failing on insufficiency.
func (l *Ledger) Debit(asset common.Address, amount *big.Int) error {
	b, ok := l.balances[asset]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s: have %s, need %s",
			asset.Hex(), l.Balance(asset), amount)
	}
	b.Sub(b, amount)
	return nil
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	cp := NewLedger()
	for asset, b := range l.balances {
		cp.balances[asset] = new(big.Int).Set(b)
	}
	return cp
}
