// Package schedule runs worker-pool passes on cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner executes one pass over the named pools.
type Runner interface {
	RunPools(ctx context.Context, pools []string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, pools []string) error

// RunPools implements Runner.
func (f RunnerFunc) RunPools(ctx context.Context, pools []string) error {
	return f(ctx, pools)
}

// Entry runs Pools whenever Spec fires.
type Entry struct {
	Spec  string
	Pools []string
}

// Scheduler owns a cron instance. Overlapping firings of one entry are skipped.
type Scheduler struct {
	parser  cron.Parser
	entries []Entry
	runner  Runner
	logger  *zap.Logger
}

// New validates every spec. Standard five-field specs and descriptors such as @hourly or
// @every 30m are accepted.
func New(entries []Entry, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, e := range entries {
		if len(e.Pools) == 0 {
			return nil, fmt.Errorf("schedule entry %d has no pools", i)
		}
		if _, err := parser.Parse(e.Spec); err != nil {
			return nil, fmt.Errorf("schedule entry %d: parse %q: %w", i, e.Spec, err)
		}
	}
	return &Scheduler{
		parser:  parser,
		entries: entries,
		runner:  runner,
		logger:  logger.Named("schedule"),
	}, nil
}

// Next reports when each entry fires next after now, in entry order.
func (s *Scheduler) Next(now time.Time) []time.Time {
	out := make([]time.Time, 0, len(s.entries))
	for _, e := range s.entries {
		sched, err := s.parser.Parse(e.Spec)
		if err != nil {
			out = append(out, time.Time{})
			continue
		}
		out = append(out, sched.Next(now))
	}
	return out
}

// Run starts the cron loop and blocks until ctx ends, then waits for running passes.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	for _, e := range s.entries {
		entry := e
		if _, err := c.AddFunc(entry.Spec, func() { s.fire(ctx, entry) }); err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Spec, err)
		}
		s.logger.Info("scheduled pools",
			zap.String("spec", entry.Spec),
			zap.Strings("pools", entry.Pools))
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	pools := strings.Join(e.Pools, ",")
	s.logger.Info("scheduled pass starting", zap.String("spec", e.Spec), zap.String("pools", pools))
	if err := s.runner.RunPools(ctx, e.Pools); err != nil {
		s.logger.Error("scheduled pass failed",
			zap.String("spec", e.Spec),
			zap.String("pools", pools),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled pass finished",
		zap.String("spec", e.Spec),
		zap.String("pools", pools),
		zap.Duration("duration", time.Since(start)))
}
