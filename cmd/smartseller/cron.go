package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"smartseller/internal/engine"
	"smartseller/internal/jobs"
)

type schedule struct {
	spec string
	name string
	fn   func(context.Context) (engine.Result, error)
}

func schedules(eng *engine.Engine) []schedule {
	worker := func(queue string) func(context.Context) (engine.Result, error) {
		return func(ctx context.Context) (engine.Result, error) { return eng.RunWorker(ctx, queue) }
	}
	return []schedule{
		{"@every 1m", "refresh-urgent", eng.ScanUrgent},
		{"@every 5m", "refresh-scan", eng.ScanRefresh},
		{"@every 1m", "refresh-worker", worker(jobs.QueueRefresh)},
		{"@every 5m", "backfill-scan", eng.ScanBackfill},
		{"@every 1m", "backfill-worker", worker(jobs.QueueBackfill)},
		{"@every 1m", "ingest-worker", worker(jobs.QueueIngest)},
		{"@every 15m", "dead-letter", eng.ProcessDeadLetters},
		{"30 * * * *", "cleanup", eng.Cleanup},
	}
}

// startCron fires the triggers in-process. Each trigger takes its own lock,
// so running this on several instances is safe.
func startCron(ctx context.Context, eng *engine.Engine, log *zap.Logger) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	for _, s := range schedules(eng) {
		_, err := c.AddFunc(s.spec, func() {
			res, err := s.fn(ctx)
			if err != nil {
				log.Error("cron trigger failed", zap.String("trigger", s.name), zap.Error(err))
				return
			}
			log.Debug("cron trigger done", zap.String("trigger", s.name), zap.String("status", res.Status))
		})
		if err != nil {
			return nil, err
		}
	}
	c.Start()
	log.Info("internal cron started")
	return c, nil
}
