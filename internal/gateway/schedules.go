package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/rules"
)

// startSchedules (re)starts one ticker goroutine per scheduled rule group
// in the active ruleset. Called after every successful reload; a no-op
// until Run establishes the lifetime context.
func (g *Gateway) startSchedules() {
	g.schedMu.Lock()
	defer g.schedMu.Unlock()

	if g.runCtx == nil {
		return
	}
	if g.schedCancel != nil {
		g.schedCancel()
	}
	ctx, cancel := context.WithCancel(g.runCtx)
	g.schedCancel = cancel

	for _, s := range g.engine.Ruleset().Schedules() {
		every, err := parseEvery(s.Spec)
		if err != nil {
			logging.Warn("unsupported schedule spec",
				zap.String("schedule", s.ID), zap.String("spec", s.Spec), zap.Error(err))
			continue
		}
		go g.runSchedule(ctx, s, every)
	}
}

func (g *Gateway) runSchedule(ctx context.Context, s *rules.Schedule, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.engine.RunGroup(ctx, s)
		}
	}
}

// parseEvery accepts "every 5m", "@every 5m" or a bare Go duration.
func parseEvery(spec string) (time.Duration, error) {
	s := strings.TrimSpace(spec)
	s = strings.TrimPrefix(s, "@every ")
	s = strings.TrimPrefix(s, "every ")
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive interval %q", spec)
	}
	return d, nil
}
