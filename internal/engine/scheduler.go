package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/models"
)

// Scheduler drives the engine on a fixed interval. One active ticker
// per engine instance; instances sharing a store are safe to run
// concurrently because claiming happens in the store.
type Scheduler struct {
	engine   *Engine
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine:   engine,
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	zlog.Logger.Info().
		Dur("tick_interval", s.engine.cfg.TickInterval).
		Int("batch_size", s.engine.cfg.BatchSize).
		Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	zlog.Logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.engine.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.engine.Tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one pass over due reminders. Batch items are delivered in
// parallel (batch size bounds the concurrent gateway work); each item
// is isolated so one bad row never blocks the rest, and no error
// crosses the tick boundary.
func (e *Engine) Tick(ctx context.Context) {
	due, err := e.store.ListDue(ctx, e.now().UTC(), e.cfg.BatchSize)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to list due reminders")
		return
	}
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, r := range due {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					zlog.Logger.Error().
						Interface("panic", rec).
						Str("reminder_id", id).
						Msg("delivery panicked")
				}
			}()

			_, err := e.deliver(ctx, id)
			switch {
			case errors.Is(err, models.ErrConflict):
				// another worker, a manual send or a cancel got
				// there first; nothing to do
				zlog.Logger.Debug().Str("reminder_id", id).Msg("claim lost, skipping")
			case errors.Is(err, models.ErrNotFound):
				zlog.Logger.Debug().Str("reminder_id", id).Msg("reminder deleted before claim")
			case err != nil:
				zlog.Logger.Error().Err(err).Str("reminder_id", id).Msg("delivery round failed")
			}
		}(r.ID)
	}
	wg.Wait()
}
