// Package scheduler runs the periodic card maintenance jobs
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Expirer marks cards past their expiry date as expired
type Expirer interface {
	ExpireCards(ctx context.Context, now time.Time) (int, error)
}

// Scheduler triggers the expiry sweep on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	expirer Expirer
	log     *logrus.Logger
	timeout time.Duration
	now     func() time.Time
}

// New registers the sweep under schedule (standard 5-field expression or a
// descriptor such as "@daily"). Overlapping runs are skipped.
func New(expirer Expirer, schedule string, log *logrus.Logger) (*Scheduler, error) {
	s := &Scheduler{
		expirer: expirer,
		log:     log,
		timeout: 5 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	cronLog := cron.PrintfLogger(log)
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid expiry sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.log.Info("Starting card expiry scheduler")
	s.cron.Start()
}

// Stop prevents new runs and waits for a running sweep until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Card expiry sweep still running at shutdown")
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := s.now()
	n, err := s.expirer.ExpireCards(ctx, start)
	if err != nil {
		s.log.WithError(err).WithField("expired", n).Error("Card expiry sweep failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"expired":  n,
		"duration": time.Since(start).String(),
	}).Info("Card expiry sweep finished")
}
