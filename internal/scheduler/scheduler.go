package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Task is one run of a background job. The context is cancelled after the
// job's timeout or when the scheduler shuts down.
type Task func(ctx context.Context) error

// Scheduler runs the background jobs of the service in UTC. A job never
// overlaps with its own previous run.
type Scheduler struct {
	s       gocron.Scheduler
	log     logrus.FieldLogger
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func New(log logrus.FieldLogger, timeout time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{s: s, log: log, ctx: ctx, cancel: cancel, timeout: timeout}, nil
}

// Every runs task at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	return s.add(name, gocron.DurationJob(interval), task)
}

// Daily runs task once a day at hour:minute UTC.
func (s *Scheduler) Daily(name string, hour, minute uint, task Task) error {
	return s.add(name, gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(hour, minute, 0))), task)
}

func (s *Scheduler) add(name string, def gocron.JobDefinition, task Task) error {
	_, err := s.s.NewJob(
		def,
		gocron.NewTask(func() { s.run(name, task) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	log := s.log.WithField("job", name)
	if err := task(ctx); err != nil {
		log.WithError(err).Error("scheduled job failed")
		return
	}
	log.WithField("duration", time.Since(start)).Debug("scheduled job finished")
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.s.Shutdown()
}
