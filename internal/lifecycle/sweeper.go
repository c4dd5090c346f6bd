package lifecycle

import (
	"context"
	"time"

	"github.com/tullo/livecore/internal/logger"
)

// Run sweeps for stale sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	log := logger.L().With().Str("job", "stream_reaper").Logger()
	log.Info().Dur("interval", m.interval).Dur("threshold", m.threshold).Msg("reaper started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			if n := m.Sweep(logger.WithLogger(ctx, log)); n > 0 {
				log.Info().Int("reaped", n).Dur("took", time.Since(start)).Msg("sweep finished")
			}
		}
	}
}
