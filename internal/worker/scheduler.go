package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// Job is a unit of periodic maintenance.
type Job func(ctx context.Context) error

type SchedulerConfig struct {
	Timezone   string
	JobTimeout time.Duration
}

// Scheduler runs maintenance jobs on cron specs. A job still running when its
// next tick fires is skipped for that tick.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	parser  cron.Parser
	logger  *logger.Logger
	timeout time.Duration
	ctx     context.Context
	names   map[cron.EntryID]string
}

func NewScheduler(cfg SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		parser:  parser,
		logger:  log,
		timeout: cfg.JobTimeout,
		ctx:     context.Background(),
		names:   make(map[cron.EntryID]string),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	return s, nil
}

// Add registers job under a cron spec such as "0 3 * * *" or "@every 15s".
func (s *Scheduler) Add(name, spec string, job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	return nil
}

// Every registers job at a fixed interval.
func (s *Scheduler) Every(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("invalid interval %s for %s", every, name)
	}
	return s.Add(name, "@every "+every.String(), job)
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	jobs := len(s.names)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", jobs)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Error(err, "Scheduled job failed", "job", name, "duration", time.Since(start).String())
		return
	}
	s.logger.Debug("Scheduled job finished", "job", name, "duration", time.Since(start).String())
}
