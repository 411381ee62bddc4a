package privacy

import (
	"context"
	"time"
)

// RunRotation rotates the encryption key every interval until ctx is done.
// A zero or negative interval disables rotation and returns immediately.
// A failed rotation stops the loop; the previous key stays current.
func (g *Guard) RunRotation(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.RotateKey(ctx); err != nil {
				if g.logger != nil {
					g.logger.ErrorContext(ctx, "scheduled key rotation failed", "error", err)
				}
				return err
			}
		}
	}
}
