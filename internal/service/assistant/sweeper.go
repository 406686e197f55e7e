package assistant

import (
	"context"
	"time"

	"corpuschat/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultStaleAfter    = 15 * time.Minute
)

type placeholderCounter interface {
	CountStalePlaceholders(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper reports assistant placeholders whose generation never finished.
// It does not modify them.
type Sweeper struct {
	store      placeholderCounter
	staleAfter time.Duration
	logger     zerolog.Logger
}

func NewSweeper(store placeholderCounter, staleAfter time.Duration, logger zerolog.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{store: store, staleAfter: staleAfter, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.loop(ctx, interval)
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("placeholder sweep failed")
			}
		}
	}
}

// Sweep counts stale placeholders once and exports the count.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.CountStalePlaceholders(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	metrics.DanglingPlaceholders.Set(float64(n))
	if n > 0 {
		s.logger.Warn().Int("count", n).Dur("older_than", s.staleAfter).Msg("assistant messages still pending")
	}
	return n, nil
}
