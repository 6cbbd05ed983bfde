package sweep

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sagecrm/drip/errors"
)

// Scheduler triggers registered sweep functions on a schedule. Tests
// substitute a manual implementation and drive ticks directly; the
// daemon uses CronScheduler.
type Scheduler interface {
	AddSchedule(spec, name string, fn func()) error
	Start()
	Stop()
}

// CronScheduler runs sweeps on standard 5-field cron expressions via
// robfig/cron.
type CronScheduler struct {
	cron   *cron.Cron
	logger *zap.SugaredLogger
}

// NewCronScheduler creates a cron-backed scheduler.
func NewCronScheduler(logger *zap.SugaredLogger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CronScheduler{
		cron:   cron.New(),
		logger: logger.Named("scheduler"),
	}
}

// AddSchedule registers fn under the given cron spec. A panicking sweep
// is recovered and logged so one bad run cannot kill the scheduler.
func (s *CronScheduler) AddSchedule(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("sweep panicked", "schedule", name, "panic", r)
			}
		}()
		s.logger.Debugw("sweep firing", "schedule", name)
		fn()
	})
	if err != nil {
		return errors.Wrapf(err, "invalid cron spec %q for schedule %s", spec, name)
	}
	s.logger.Infow("schedule registered", "schedule", name, "spec", spec)
	return nil
}

// Start begins firing schedules in a background goroutine.
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started")
}

// Stop halts scheduling and waits for in-flight sweeps to finish.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}
