package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bilirelay/pkg/logx"
)

// Job is one scheduled unit of work. Returned errors are logged.
type Job func(ctx context.Context) error

type entry struct {
	id    cron.EntryID
	spec  Spec
	job   Job
	first bool
}

// Runner owns a cron instance whose jobs are wrapped with panic recovery and
// skip-if-still-running, so a job never overlaps itself.
type Runner struct {
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
	started bool
}

func NewRunner(log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "schedule"))
	cl := logx.CronLogger(log)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Runner{
		log:    log,
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}
}

// Add registers (or replaces) the named job. With runNow the job also runs
// once as soon as the runner is started.
func (r *Runner) Add(name, schedule string, runNow bool, job Job) error {
	sp, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := r.parser.Parse(sp.CronSpec()); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[name]; ok {
		r.c.Remove(old.id)
	}
	e := &entry{spec: sp, job: job, first: runNow}
	id, err := r.c.AddFunc(sp.CronSpec(), func() { r.exec(name, e) })
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e.id = id
	r.entries[name] = e
	if r.started && runNow {
		r.kickLocked(e)
	}
	r.log.Info("job scheduled", logx.String("job", name), logx.String("schedule", sp.String()))
	return nil
}

// Reschedule changes the schedule of an existing job, keeping its func.
// It is a no-op when the schedule is unchanged.
func (r *Runner) Reschedule(name, schedule string) error {
	sp, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: no such job", name)
	}
	if e.spec == sp {
		return nil
	}
	return r.Add(name, schedule, false, e.job)
}

// Remove unschedules the named job.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		r.c.Remove(e.id)
		delete(r.entries, name)
	}
}

// Start begins firing jobs; ctx is handed to every run.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx = ctx
	r.started = true
	r.c.Start()
	for _, e := range r.entries {
		if e.first {
			r.kickLocked(e)
		}
	}
}

// kickLocked runs e through its wrapped chain so the skip rule applies.
func (r *Runner) kickLocked(e *entry) {
	e.first = false
	wrapped := r.c.Entry(e.id).WrappedJob
	if wrapped == nil {
		return
	}
	go wrapped.Run()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	done := r.c.Stop()
	r.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next fire time of the named job.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return r.c.Entry(e.id).Next, true
}

func (r *Runner) exec(name string, e *entry) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := e.job(ctx); err != nil {
		r.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}
