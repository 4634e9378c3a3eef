package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSyncTime parses an HH:MM time of day and returns the matching
// daily cron expression.
func ParseSyncTime(value string) (string, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return "", fmt.Errorf("sync time %q: want HH:MM", value)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 || len(hh) > 2 {
		return "", fmt.Errorf("sync time %q: invalid hour", value)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 || len(mm) != 2 {
		return "", fmt.Errorf("sync time %q: invalid minute", value)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Schedule runs a sync immediately and then every day at syncTime UTC
// until ctx ends. Failed syncs are logged and retried at the next slot.
func (s *Syncer) Schedule(ctx context.Context, syncTime string) error {
	expr, err := ParseSyncTime(syncTime)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(expr, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}

	s.runOnce(ctx)

	c.Start()
	s.logger.Info("directory sync scheduled", "at", syncTime, "zone", "UTC")

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (s *Syncer) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("directory sync failed", "err", err)
	}
}
