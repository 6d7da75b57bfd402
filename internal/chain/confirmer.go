package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrConfirmTimeout is returned when a transaction is not mined within the
// configured window. The transaction may still land later; callers decide
// whether to re-check or mark the intent failed.
var ErrConfirmTimeout = errors.New("chain: confirmation timed out")

// ErrTxReverted is returned when the mined transaction has a failed receipt
// status.
var ErrTxReverted = errors.New("chain: transaction reverted")

const (
	confirmInitialBackoff = 500 * time.Millisecond
	confirmMaxBackoff     = 8 * time.Second
)

// receiptSource is the part of ethclient the confirmer needs.
type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Confirmer polls for a transaction receipt with exponential backoff, capped
// per attempt and bounded by an overall timeout.
type Confirmer struct {
	eth     receiptSource
	timeout time.Duration
}

// NewConfirmer creates a Confirmer with the given overall timeout.
func NewConfirmer(eth receiptSource, timeout time.Duration) *Confirmer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Confirmer{eth: eth, timeout: timeout}
}

// WaitMined blocks until the transaction has a receipt, the timeout elapses,
// or the context is cancelled. Not-yet-mined lookups back off exponentially.
func (c *Confirmer) WaitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	backoff := confirmInitialBackoff
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ErrConfirmTimeout, txHash.Hex(), c.timeout)
			}
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > confirmMaxBackoff {
			backoff = confirmMaxBackoff
		}
	}
}
