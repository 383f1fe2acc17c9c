package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// confirmBackend is the slice of the RPC client the confirmation wait needs.
type confirmBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// waitConfirmed polls for the receipt and then for the configured number of
// confirmations on top of it. The context carries the confirmation timeout;
// expiry means the attempt is abandoned, not that the chain is force-reverted.
func waitConfirmed(ctx context.Context, backend confirmBackend, hash common.Hash, confirmations uint64, poll time.Duration) (*ethtypes.Receipt, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var receipt *ethtypes.Receipt
	for receipt == nil {
		r, err := backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt = r
		case errors.Is(err, ethereum.NotFound):
			if err := sleep(ctx, poll); err != nil {
				return nil, fmt.Errorf("confirmation wait abandoned for %s: %w", hash.Hex(), err)
			}
		default:
			return nil, fmt.Errorf("failed to poll receipt for %s: %w", hash.Hex(), err)
		}
	}

	if confirmations <= 1 {
		return receipt, nil
	}
	target := receipt.BlockNumber.Uint64() + confirmations - 1
	for {
		head, err := backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read head block: %w", err)
		}
		if head >= target {
			return receipt, nil
		}
		if err := sleep(ctx, poll); err != nil {
			return nil, fmt.Errorf("confirmation wait abandoned for %s: %w", hash.Hex(), err)
		}
	}
}
