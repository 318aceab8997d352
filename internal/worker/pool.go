package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/task"
)

type Broker interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Envelope, error)
	RequeueDelayed(ctx context.Context, env *task.Envelope, notBefore time.Time) error
	Remove(ctx context.Context, env *task.Envelope) error
}

type Records interface {
	Transition(ctx context.Context, id string, to task.State, mutate func(*task.Record)) (*task.Record, error)
	IsRevoked(ctx context.Context, id string) (bool, error)
	Revocations(ctx context.Context) (<-chan result.Revocation, error)
}

// Submitter enqueues follow-up envelopes returned by handlers.
type Submitter interface {
	Submit(ctx context.Context, env *task.Envelope) error
}

type Config struct {
	Size          int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	PollTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Size:          4,
		SoftTimeLimit: 50 * time.Minute,
		HardTimeLimit: 60 * time.Minute,
		PollTimeout:   2 * time.Second,
	}
}

type Pool struct {
	broker    Broker
	records   Records
	registry  *task.Registry
	submitter Submitter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

type outcome struct {
	res task.Result
	err error
}

func NewPool(broker Broker, records Records, registry *task.Registry, submitter Submitter, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Size < 1 {
		cfg.Size = def.Size
	}
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = def.HardTimeLimit
	}
	if cfg.SoftTimeLimit <= 0 {
		cfg.SoftTimeLimit = def.SoftTimeLimit
	}
	if cfg.SoftTimeLimit > cfg.HardTimeLimit {
		cfg.SoftTimeLimit = cfg.HardTimeLimit
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		broker:    broker,
		records:   records,
		registry:  registry,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Start subscribes to revocations and launches the worker slots. Slots stop
// taking new envelopes once ctx is done; Stop waits for them.
func (p *Pool) Start(ctx context.Context) error {
	revocations, err := p.records.Revocations(ctx)
	if err != nil {
		return err
	}

	p.wg.Add(1)
	go p.listen(revocations)

	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "size", p.cfg.Size)
	return nil
}

func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}

func (p *Pool) listen(revocations <-chan result.Revocation) {
	defer p.wg.Done()

	for r := range revocations {
		if !r.Terminate {
			continue
		}
		p.mu.Lock()
		cancel, ok := p.running[r.TaskID]
		p.mu.Unlock()
		if ok {
			p.logger.Info("terminating revoked task", "task_id", r.TaskID)
			cancel(task.ErrRevoked)
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker shutting down")
			return
		default:
			env, err := p.broker.Dequeue(ctx, p.cfg.PollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("dequeue failed", "error", err)
				time.Sleep(p.cfg.PollTimeout)
				continue
			}

			if env == nil {
				continue
			}

			p.process(ctx, logger, env)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, env *task.Envelope) {
	// Bookkeeping must land even while the pool is shutting down.
	bg := context.WithoutCancel(ctx)
	logger = logger.With("task_id", env.ID, "task_name", env.Name)

	route, ok := p.registry.Lookup(env.Name)
	if !ok {
		p.fail(bg, logger, env, time.Time{}, fmt.Errorf("no handler registered for %q", env.Name))
		return
	}

	startedAt := p.now()
	mark := func(r *task.Record) {
		if r.Attempts > env.Attempt {
			env.Attempt = r.Attempts
		}
		r.Attempts = env.Attempt + 1
		r.StartedAt = &startedAt
	}
	rec, err := p.records.Transition(bg, env.ID, task.StateStarted, mark)
	if errors.Is(err, result.ErrInvalidTransition) && rec != nil && rec.State == task.StateStarted {
		// Redelivered after its lease ran out: the worker holding it is gone.
		if env.Attempt < rec.Attempts {
			env.Attempt = rec.Attempts
		}
		if !env.CanRetry() {
			p.fail(bg, logger, env, time.Time{}, task.ErrWorkerLost)
			return
		}
		logger.Warn("resuming abandoned task", "attempts", rec.Attempts)
		_, err = p.records.Transition(bg, env.ID, task.StateRetry, func(r *task.Record) {
			r.Retries = env.Attempt
			r.Error = task.ErrWorkerLost.Error()
		})
		if err == nil {
			_, err = p.records.Transition(bg, env.ID, task.StateStarted, mark)
		}
	}
	if err != nil {
		if errors.Is(err, result.ErrTerminal) || errors.Is(err, result.ErrNotFound) {
			logger.Info("skipping task", "reason", err)
			p.drop(bg, logger, env)
			return
		}
		logger.Error("failed to mark task started", "error", err)
		if err := p.broker.RequeueDelayed(bg, env, p.now().Add(p.cfg.PollTimeout)); err != nil {
			logger.Error("failed to put envelope back", "error", err)
		}
		return
	}
	env.Attempt++
	logger.Info("processing task", "attempt", env.Attempt, "max_attempts", env.MaxAttempts)

	out := p.run(ctx, env, route.Handler)
	elapsed := p.now().Sub(startedAt)

	if out.err != nil {
		if ctx.Err() != nil && interrupted(out.err) {
			// Shutdown cut the attempt short; it does not count.
			env.Attempt--
			p.retry(ctx, logger, env, out.err)
			return
		}
		if errors.Is(out.err, task.ErrHardTimeLimit) || task.IsPermanent(out.err) || !env.CanRetry() {
			p.fail(bg, logger, env, startedAt, out.err)
			return
		}
		p.retry(ctx, logger, env, out.err)
		return
	}

	if revoked, _ := p.records.IsRevoked(bg, env.ID); revoked {
		logger.Info("discarding result of revoked task")
		p.drop(bg, logger, env)
		return
	}

	for _, follow := range out.res.FollowUps {
		if err := p.submitter.Submit(bg, follow); err != nil {
			err = fmt.Errorf("enqueue follow-up %s: %w", follow.Name, err)
			if env.CanRetry() {
				p.retry(ctx, logger, env, err)
			} else {
				p.fail(bg, logger, env, startedAt, err)
			}
			return
		}
	}

	var value json.RawMessage
	if out.res.Value != nil {
		value, err = json.Marshal(out.res.Value)
		if err != nil {
			p.fail(bg, logger, env, startedAt, fmt.Errorf("marshal result: %w", err))
			return
		}
	}

	_, err = p.records.Transition(bg, env.ID, task.StateSuccess, func(r *task.Record) {
		completed := p.now()
		r.Result = value
		r.Error = ""
		r.CompletedAt = &completed
		r.Duration = elapsed
	})
	if err != nil && !errors.Is(err, result.ErrTerminal) {
		logger.Error("failed to record success", "error", err)
		return
	}

	logger.Info("task completed", "duration", elapsed, "follow_ups", len(out.res.FollowUps))
	p.drop(bg, logger, env)
}

// interrupted reports whether err came from the pool context rather than a
// time limit or a revocation.
func interrupted(err error) bool {
	return !errors.Is(err, task.ErrSoftTimeLimit) &&
		!errors.Is(err, task.ErrHardTimeLimit) &&
		!errors.Is(err, task.ErrRevoked)
}

// run executes the handler under the soft and hard time limits. A handler
// still running at the hard limit is abandoned.
func (p *Pool) run(ctx context.Context, env *task.Envelope, h task.Handler) outcome {
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.mu.Lock()
	p.running[env.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, env.ID)
		p.mu.Unlock()
	}()

	id := env.ID
	hctx = task.WithRevokeCheck(hctx, func(ctx context.Context) bool {
		revoked, err := p.records.IsRevoked(context.WithoutCancel(ctx), id)
		return err == nil && revoked
	})

	soft := time.AfterFunc(p.cfg.SoftTimeLimit, func() { cancel(task.ErrSoftTimeLimit) })
	defer soft.Stop()
	hard := time.NewTimer(p.cfg.HardTimeLimit)
	defer hard.Stop()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h(hctx, env)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && hctx.Err() != nil {
			if cause := context.Cause(hctx); cause != nil && !errors.Is(out.err, cause) {
				out.err = fmt.Errorf("%w: %v", cause, out.err)
			}
		}
		return out
	case <-hard.C:
		cancel(task.ErrHardTimeLimit)
		return outcome{err: task.ErrHardTimeLimit}
	}
}

func (p *Pool) retry(ctx context.Context, logger *slog.Logger, env *task.Envelope, cause error) {
	bg := context.WithoutCancel(ctx)

	_, err := p.records.Transition(bg, env.ID, task.StateRetry, func(r *task.Record) {
		r.Attempts = env.Attempt
		r.Retries = env.Attempt
	})
	if err != nil {
		if errors.Is(err, result.ErrTerminal) {
			logger.Info("task revoked while running", "error", cause)
			p.drop(bg, logger, env)
			return
		}
		logger.Error("failed to record retry", "error", err)
		return
	}

	delay := env.Backoff.Next(env.Attempt)
	if ctx.Err() != nil {
		delay = 0
	}
	if err := p.broker.RequeueDelayed(bg, env, p.now().Add(delay)); err != nil {
		logger.Error("failed to schedule retry", "error", err)
		return
	}
	logger.Warn("task failed, retry scheduled", "error", cause, "attempt", env.Attempt, "delay", delay)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, env *task.Envelope, startedAt time.Time, cause error) {
	_, err := p.records.Transition(ctx, env.ID, task.StateFailure, func(r *task.Record) {
		completed := p.now()
		r.Error = cause.Error()
		r.Result = nil
		r.CompletedAt = &completed
		if !startedAt.IsZero() {
			r.Duration = completed.Sub(startedAt)
		}
	})
	if err != nil && !errors.Is(err, result.ErrTerminal) {
		logger.Error("failed to record failure", "error", err)
		return
	}

	if err == nil {
		logger.Error("task failed", "error", cause, "attempt", env.Attempt)
	}
	p.drop(ctx, logger, env)
}

func (p *Pool) drop(ctx context.Context, logger *slog.Logger, env *task.Envelope) {
	if err := p.broker.Remove(ctx, env); err != nil {
		logger.Error("failed to remove envelope", "error", err)
	}
}
