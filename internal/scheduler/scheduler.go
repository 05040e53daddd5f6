// Package scheduler runs ingestion, recheck, assignment and digest cycles on
// their own cron triggers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mention_radar/internal/model"
	"mention_radar/internal/provider"
	"mention_radar/internal/recheck"
)

// Func is one cycle of a scheduled job.
type Func func(ctx context.Context) error

// KeywordRunner runs one keyword-query cycle of a source.
type KeywordRunner interface {
	Run(ctx context.Context, source string, a provider.Adapter) error
}

// RecheckRunner runs one recheck cycle over the items of a source.
type RecheckRunner interface {
	Run(ctx context.Context, source string, f recheck.Fetcher) error
}

// Runners binds sources to the components that drive them.
type Runners struct {
	Build    func(src model.Source) (provider.Adapter, error)
	Keywords KeywordRunner
	Recheck  RecheckRunner
}

type job struct {
	name     string
	schedule cron.Schedule
	fn       Func
	running  atomic.Bool
}

// Scheduler owns a set of jobs, each with its own trigger. A job never
// overlaps with itself; different jobs run concurrently.
type Scheduler struct {
	jobs []*job
	log  *slog.Logger
}

// New creates an empty Scheduler.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{log: log.With("component", "scheduler")}
}

// Add registers a job under a standard five-field cron expression or a
// descriptor such as "@every 10m".
func (s *Scheduler) Add(name, spec string, fn Func) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("job %s: parse schedule %q: %w", name, spec, err)
	}
	s.jobs = append(s.jobs, &job{name: name, schedule: sched, fn: fn})
	return nil
}

// AddSources registers one job per source according to its crawl mode. A
// recheck job shares the adapter of its target source, and with it the
// target's rate limit.
func (s *Scheduler) AddSources(sources []model.Source, r Runners) error {
	b := &adapterSet{
		build:   r.Build,
		byName:  make(map[string]model.Source, len(sources)),
		adapter: make(map[string]provider.Adapter, len(sources)),
	}
	for _, src := range sources {
		b.byName[src.Name] = src
	}

	for _, src := range sources {
		fn, err := sourceJob(src, b, r)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.Name, err)
		}
		if err := s.Add("source:"+src.Name, src.Schedule, fn); err != nil {
			return err
		}
	}
	return nil
}

// adapterSet builds each source's adapter at most once.
type adapterSet struct {
	build   func(src model.Source) (provider.Adapter, error)
	byName  map[string]model.Source
	adapter map[string]provider.Adapter
}

func (b *adapterSet) get(src model.Source) (provider.Adapter, error) {
	if a, ok := b.adapter[src.Name]; ok {
		return a, nil
	}
	a, err := b.build(src)
	if err != nil {
		return nil, err
	}
	b.adapter[src.Name] = a
	return a, nil
}

func sourceJob(src model.Source, b *adapterSet, r Runners) (Func, error) {
	switch src.Mode {
	case model.ModeBatch:
		a, err := b.get(src)
		if err != nil {
			return nil, err
		}
		return a.FetchAll, nil
	case model.ModeKeywordQuery:
		a, err := b.get(src)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return r.Keywords.Run(ctx, src.Name, a)
		}, nil
	case model.ModeRecheck:
		target, ok := b.byName[src.Target]
		if !ok {
			return nil, fmt.Errorf("unknown recheck target %q", src.Target)
		}
		a, err := b.get(target)
		if err != nil {
			return nil, fmt.Errorf("build target adapter: %w", err)
		}
		return func(ctx context.Context) error {
			return r.Recheck.Run(ctx, target.Name, a)
		}, nil
	}
	return nil, fmt.Errorf("unknown crawl mode %q", src.Mode)
}

// Run runs every job once, then on its trigger, blocking until ctx is
// cancelled and all in-flight cycles have returned.
func (s *Scheduler) Run(ctx context.Context) {
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() { s.trigger(ctx, j) }))

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.trigger(ctx, j)
		}()
	}

	s.log.Info("scheduler started", "jobs", len(s.jobs))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	s.log.Info("scheduler stopped")
}

// trigger runs one cycle of j unless a previous one is still running.
func (s *Scheduler) trigger(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		s.log.Warn("previous cycle still running, skipping", "job", j.name)
		return
	}
	defer j.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		s.log.Error("cycle failed", "job", j.name, "duration", time.Since(start), "error", err)
		return
	}
	s.log.Debug("cycle completed", "job", j.name, "duration", time.Since(start))
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
