// Package scheduler opens new turns for stored prompts on a cron,
// interval, or one-shot schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
)

// TurnOpener starts a turn for a prompt; the gateway implements it by
// handing the prompt to the upstream model bridge.
type TurnOpener interface {
	OpenTurn(ctx context.Context, prompt string) (turnID string, err error)
}

type Scheduler struct {
	store        *store.Store
	opener       TurnOpener
	pollInterval time.Duration
}

func New(s *store.Store, opener TurnOpener, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		opener:       opener,
		pollInterval: cfg.PollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	prompts, err := s.store.DuePrompts(time.Now())
	if err != nil {
		slog.Error("failed to get due prompts", "error", err)
		return
	}

	for _, p := range prompts {
		s.fire(ctx, p)
	}
}

func (s *Scheduler) fire(ctx context.Context, p store.ScheduledPrompt) {
	slog.Info("opening scheduled turn", "id", p.ID, "name", p.Name)

	turnID, err := s.opener.OpenTurn(ctx, p.Prompt)
	var runErr string
	if err != nil {
		runErr = err.Error()
		slog.Error("scheduled turn failed to open", "id", p.ID, "error", err)
	} else {
		slog.Info("scheduled turn opened", "id", p.ID, "turn", turnID)
	}

	next := schedule.CalculateNextRun(p.Schedule)
	if err := s.store.MarkPromptRun(p.ID, next, runErr); err != nil {
		slog.Error("failed to record prompt run", "id", p.ID, "error", err)
	}
}
