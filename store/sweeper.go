package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andrewreder/paygate/go-api/x402"
)

// RunSweeper deletes expired settlement rows every interval until ctx is done.
func RunSweeper(ctx context.Context, sweeper x402.Sweeper, interval time.Duration, metrics *x402.Metrics, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sweeper.DeleteExpired(ctx, now.UTC())
			if err != nil {
				logger.Warn("ledger sweep failed", zap.Error(err))
				continue
			}
			metrics.LedgerSwept(n)
			if n > 0 {
				logger.Info("ledger swept", zap.Int64("deleted", n))
			}
		}
	}
}
