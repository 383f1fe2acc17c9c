package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Admin surface. A distinct operator identity controls these; the execution
// authorization set cannot.

func (e *Engine) requireOperator(caller common.Address) error {
	if caller != e.gate.Operator() {
		return fmt.Errorf("%w: %s", ErrOperatorOnly, caller.Hex())
	}
	return nil
}

// Pause halts new executions.
func (e *Engine) Pause(caller common.Address) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.Pause()
	e.logger.Info("engine paused", zap.String("operator", caller.Hex()))
	return nil
}

// Unpause resumes executions.
func (e *Engine) Unpause(caller common.Address) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.Unpause()
	e.logger.Info("engine unpaused", zap.String("operator", caller.Hex()))
	return nil
}

// SetAuthorization adds or removes an execution-tier caller.
func (e *Engine) SetAuthorization(caller, subject common.Address, allowed bool) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if allowed {
		e.gate.Authorize(subject)
	} else {
		e.gate.Revoke(subject)
	}
	return nil
}

// SetAssetCap adjusts the per-asset loan cap.
func (e *Engine) SetAssetCap(caller, asset common.Address, cap *big.Int) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.SetAssetCap(asset, cap)
	return nil
}

// SetFeeCeiling adjusts the maximum tolerated network fee.
func (e *Engine) SetFeeCeiling(caller common.Address, fee *big.Int) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.SetMaxNetworkFee(fee)
	return nil
}

// SetDailyLossCeiling adjusts the circuit breaker threshold.
func (e *Engine) SetDailyLossCeiling(caller common.Address, ceiling *big.Int) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.SetDailyLossCeiling(ceiling)
	return nil
}

// ResetBreaker clears a tripped breaker and unpauses the engine.
func (e *Engine) ResetBreaker(caller common.Address) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	e.gate.ResetTrip()
	e.gate.Unpause()
	e.logger.Info("breaker reset", zap.String("operator", caller.Hex()))
	return nil
}

// Sweep drains the treasury balance of an asset, returning the swept amount.
func (e *Engine) Sweep(caller, asset common.Address) (*big.Int, error) {
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	amount := e.treasury.Balance(asset)
	if amount.Sign() > 0 {
		if err := e.treasury.Debit(asset, amount); err != nil {
			return nil, err
		}
	}
	e.logger.Info("treasury swept",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()))
	return amount, nil
}
