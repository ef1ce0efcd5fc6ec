// Package delivery runs the per-target interaction state machine that places a
// message into chat windows.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bilirelay/internal/model"
	"bilirelay/internal/window"
	"bilirelay/pkg/logx"
)

// Settle holds the named delays of the state machine.
type Settle struct {
	Activate time.Duration
	Mention  time.Duration
	Step     time.Duration
}

// Options configures an Engine. It can be swapped at runtime.
type Options struct {
	Settle           Settle
	LegacyForeground bool
	MentionTrigger   string
}

func (o Options) normalized() Options {
	if o.MentionTrigger == "" {
		o.MentionTrigger = "@"
	}
	return o
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StepError is the failure of one state for one target.
type StepError struct {
	Step   model.Step
	Target model.Target
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s on %q: %v", e.Step, e.Target.Title, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ImagePreparer turns an image reference into a packed DIB.
type ImagePreparer interface {
	Prepare(ctx context.Context, ref string) ([]byte, error)
}

// Engine executes delivery jobs. It is not safe to run two jobs at once;
// callers serialize jobs through a single queue.
type Engine struct {
	log    logx.Logger
	images ImagePreparer
	sleep  Sleeper

	mu  sync.RWMutex
	drv window.Driver
	opt Options
}

func New(drv window.Driver, images ImagePreparer, opt Options, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:    log.With(logx.String("comp", "delivery")),
		images: images,
		sleep:  SleepContext,
		drv:    drv,
		opt:    opt.normalized(),
	}
}

// WithSleeper replaces the delay function. Intended for tests.
func (e *Engine) WithSleeper(s Sleeper) *Engine {
	if s != nil {
		e.sleep = s
	}
	return e
}

// Apply swaps options and, when drv is non-nil, the driver. The change takes
// effect from the next job.
func (e *Engine) Apply(opt Options, drv window.Driver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opt = opt.normalized()
	if drv != nil {
		e.drv = drv
	}
}

// Driver returns the current driver.
func (e *Engine) Driver() window.Driver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.drv
}

func (e *Engine) snapshot() (window.Driver, Options) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.drv, e.opt
}

// Deliver runs job against every target in order. A failing target never
// stops the others.
func (e *Engine) Deliver(ctx context.Context, job model.Job) model.Report {
	start := time.Now()
	rep := model.Report{JobID: job.ID, Source: job.Source}
	log := e.log.With(logx.String("job", job.ID), logx.String("source", job.Source))

	if len(job.Targets) == 0 {
		rep.Status = model.Skipped
		rep.Reason = "no targets"
		rep.Took = time.Since(start)
		log.Warn("no delivery targets found")
		return rep
	}

	drv, opt := e.snapshot()

	var dib []byte
	if job.ImageRef != "" && e.images != nil {
		b, err := e.images.Prepare(ctx, job.ImageRef)
		if err != nil {
			log.Warn("image preparation failed, sending text only", logx.String("image", job.ImageRef), logx.Err(err))
		} else {
			dib = b
			rep.Image = true
		}
	}

	r := runner{drv: drv, opt: opt, sleep: e.sleep}
	for _, t := range job.Targets {
		out := r.run(ctx, t, job, dib)
		tl := log.With(logx.String("target", t.Title), logx.String("generation", t.Generation.String()))
		if out.Status == model.Failed {
			tl.Warn("delivery failed", logx.String("reason", out.Reason))
		} else {
			tl.Info("delivered", logx.Int("steps", len(out.Steps)))
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}

	ok, fail := rep.Counts()
	switch {
	case ok > 0:
		rep.Status = model.Delivered
	case fail > 0:
		rep.Status = model.Failed
		rep.Reason = "all targets failed"
	default:
		rep.Status = model.Skipped
	}
	rep.Took = time.Since(start)
	return rep
}

type runner struct {
	drv   window.Driver
	opt   Options
	sleep Sleeper
}

func (r runner) run(ctx context.Context, t model.Target, job model.Job, dib []byte) model.Outcome {
	out := model.Outcome{Target: t}

	steps := []struct {
		step model.Step
		on   bool
		fn   func() error
	}{
		{model.StepActivate, true, func() error { return r.activate(ctx, t) }},
		{model.StepMentionAll, job.MentionAll, func() error { return r.mention(ctx, t) }},
		{model.StepPasteText, true, func() error { return r.pasteText(ctx, t, job) }},
		{model.StepPasteImage, len(dib) > 0, func() error { return r.pasteImage(ctx, t, dib) }},
		{model.StepSubmit, true, func() error { return r.submit(ctx, t) }},
	}
	for _, s := range steps {
		if !s.on {
			continue
		}
		if err := s.fn(); err != nil {
			se := &StepError{Step: s.step, Target: t, Err: err}
			out.Status = model.Failed
			out.Reason = se.Error()
			return out
		}
		out.Steps = append(out.Steps, s.step)
	}
	out.Status = model.Delivered
	return out
}

func (r runner) activate(ctx context.Context, t model.Target) error {
	if err := r.drv.Show(t.Handle); err != nil {
		return err
	}
	if t.Generation == model.Modern || r.opt.LegacyForeground {
		if err := r.drv.Foreground(t.Handle); err != nil {
			return err
		}
	}
	return r.sleep(ctx, r.opt.Settle.Activate)
}

func (r runner) mention(ctx context.Context, t model.Target) error {
	if err := r.drv.SetClipboardText(r.opt.MentionTrigger); err != nil {
		return err
	}
	if err := r.paste(t); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.opt.Settle.Mention); err != nil {
		return err
	}
	if err := r.enter(t); err != nil {
		return err
	}
	return r.sleep(ctx, r.opt.Settle.Mention)
}

func (r runner) pasteText(ctx context.Context, t model.Target, job model.Job) error {
	text := job.Text
	if job.MentionAll {
		text = "\n" + text
	}
	if err := r.drv.SetClipboardText(text); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.opt.Settle.Step); err != nil {
		return err
	}
	return r.paste(t)
}

func (r runner) pasteImage(ctx context.Context, t model.Target, dib []byte) error {
	if err := r.drv.SetClipboardDIB(dib); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.opt.Settle.Step); err != nil {
		return err
	}
	return r.paste(t)
}

func (r runner) submit(ctx context.Context, t model.Target) error {
	if err := r.sleep(ctx, r.opt.Settle.Step); err != nil {
		return err
	}
	if err := r.enter(t); err != nil {
		return err
	}
	return r.sleep(ctx, r.opt.Settle.Step)
}

func (r runner) paste(t model.Target) error {
	if t.Generation == model.Modern {
		return r.drv.SendChord(window.KeyControl, window.KeyV)
	}
	return r.drv.PostPaste(t.Handle)
}

func (r runner) enter(t model.Target) error {
	if t.Generation == model.Modern {
		return r.drv.SendChord(window.KeyReturn)
	}
	return r.drv.PostEnter(t.Handle)
}
