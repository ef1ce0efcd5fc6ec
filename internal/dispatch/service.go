package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bilirelay/internal/eventbus"
	"bilirelay/internal/model"
	rtsup "bilirelay/internal/runtime/supervisor"
	"bilirelay/internal/storage"
	"bilirelay/internal/window"
	"bilirelay/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
	ErrEmpty     = errors.New("empty message")
)

// Resolver finds the targets of a job at execution time.
type Resolver interface {
	Resolve(ctx context.Context, m window.Match) ([]model.Target, error)
}

// Deliverer runs one job.
type Deliverer interface {
	Deliver(ctx context.Context, job model.Job) model.Report
}

type job struct {
	id       string
	req      Request
	dedupKey string
	done     chan model.Report
}

// Service implements the single delivery queue:
// queue + one worker + min interval + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	res   Resolver
	eng   Deliverer
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, res Resolver, eng Deliverer, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "dispatch")),
		res:   res,
		eng:   eng,
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	if cfg.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return nil
		})
	}
	// Exactly one worker: jobs never overlap.
	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Dispatch enqueues req and waits until the worker has run it.
//
// A duplicate returns a Skipped report and a nil error. If ctx ends first
// the job still runs; only the wait is abandoned.
func (s *Service) Dispatch(ctx context.Context, req Request) (model.Report, error) {
	if err := ctx.Err(); err != nil {
		return model.Report{}, err
	}
	if req.Message.Text == "" {
		return model.Report{}, ErrEmpty
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return model.Report{}, ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()

	j := job{
		id:       uuid.NewString(),
		req:      req,
		dedupKey: dedupKey(req),
		done:     make(chan model.Report, 1),
	}
	ev := JobEvent{JobID: j.id, Source: req.Source, Event: string(req.Event), Key: j.dedupKey}

	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, j.dedupKey, cfg, pch) {
		s.sendWG.Done()
		ev.At = time.Now()
		eventbus.Emit(s.bus, eventbus.DispatchDeduped, ev)
		s.log.Info("duplicate message suppressed", logx.String("source", req.Source), logx.String("event", string(req.Event)))
		return model.Report{JobID: j.id, Source: req.Source, Status: model.Skipped, Reason: "duplicate"}, nil
	}

	select {
	case q <- j:
		s.sendWG.Done()
		ev.At = time.Now()
		eventbus.Emit(s.bus, eventbus.DispatchQueued, ev)
	default:
		s.sendWG.Done()
		ev.At, ev.Error = time.Now(), ErrQueueFull.Error()
		eventbus.Emit(s.bus, eventbus.DispatchDropped, ev)
		return model.Report{}, ErrQueueFull
	}

	select {
	case rep := <-j.done:
		return rep, nil
	case <-ctx.Done():
		return model.Report{JobID: j.id, Source: req.Source}, ctx.Err()
	}
}

// Snapshot returns recent job reports, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(req Request, rep model.Report) {
	ok, fail := rep.Counts()
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At:        time.Now(),
		JobID:     rep.JobID,
		Source:    req.Source,
		Event:     string(req.Event),
		Status:    string(rep.Status),
		Reason:    rep.Reason,
		Delivered: ok,
		Failed:    fail,
		Image:     rep.Image,
		Took:      rep.Took,
	})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			rep := s.run(ctx, j)
			j.done <- rep
		}
	}
}

func (s *Service) run(ctx context.Context, j job) model.Report {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	log := s.log.With(logx.String("job", j.id), logx.String("source", j.req.Source))
	rep := model.Report{JobID: j.id, Source: j.req.Source}

	if err := lim.Wait(ctx); err != nil {
		rep.Status, rep.Reason = model.Failed, err.Error()
		return rep
	}

	targets, err := s.res.Resolve(ctx, j.req.Match)
	if err != nil {
		rep.Status, rep.Reason = model.Failed, fmt.Sprintf("resolve targets: %v", err)
		log.Warn("target resolution failed", logx.Err(err))
	} else {
		rep = s.eng.Deliver(ctx, model.Job{
			ID:         j.id,
			Source:     j.req.Source,
			Event:      j.req.Event,
			Text:       j.req.Message.Text,
			ImageRef:   j.req.Message.ImageRef,
			MentionAll: j.req.MentionAll,
			Targets:    targets,
		})
		rep.JobID, rep.Source = j.id, j.req.Source
	}

	ok, fail := rep.Counts()
	log.Info("job finished",
		logx.String("event", string(j.req.Event)),
		logx.String("status", string(rep.Status)),
		logx.Int("targets", len(targets)),
		logx.Int("delivered", ok),
		logx.Int("failed", fail),
		logx.Duration("took", rep.Took),
	)
	s.appendHistory(j.req, rep)
	r := rep
	eventbus.Emit(s.bus, eventbus.DispatchDone, JobEvent{
		JobID:  j.id,
		Source: j.req.Source,
		Event:  string(j.req.Event),
		Key:    j.dedupKey,
		At:     time.Now(),
		Error:  rep.Reason,
		Report: &r,
	})
	return rep
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func dedupKey(r Request) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(r.Source))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Event))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Message.Text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(r.Message.ImageRef))
	return fmt.Sprintf("%s:%x", r.Source, h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
