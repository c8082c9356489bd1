package notification

import (
	"context"
	"fmt"
)

// SweepResult summarizes one RetryFailed run.
type SweepResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// RetryFailed re-sends up to limit Failed notifications that have been
// attempted fewer than maxRetries times. Rows are claimed with SKIP LOCKED,
// so concurrent sweeps never send the same notification twice. Nothing
// schedules this; it runs when an operator or cron invokes it.
func (p *Processor) RetryFailed(ctx context.Context, maxRetries, limit int) (SweepResult, error) {
	var res SweepResult
	if maxRetries <= 0 || limit <= 0 {
		return res, fmt.Errorf("maxRetries and limit must be positive, got %d and %d", maxRetries, limit)
	}
	err := p.repo.InTx(ctx, func(ctx context.Context) error {
		claimed, err := p.repo.ClaimFailed(ctx, maxRetries, limit)
		if err != nil {
			return fmt.Errorf("claim failed notifications: %w", err)
		}
		res.Claimed = len(claimed)
		for _, n := range claimed {
			if err := p.Redeliver(ctx, n); err != nil {
				return err
			}
			if n.Status == StatusSent {
				res.Sent++
			} else {
				res.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	p.logger.Info().Int("claimed", res.Claimed).Int("sent", res.Sent).Int("failed", res.Failed).Msg("retry sweep finished")
	return res, nil
}
