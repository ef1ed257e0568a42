// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/infra/logging"
	"grading-orchestrator/internal/infra/metrics"
)

// Processor handles one leased task. It owns the lease until it returns.
type Processor interface {
	Process(ctx context.Context, lease *model.Lease)
}

// Source is the part of the task queue the pool needs.
type Source interface {
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*model.Lease, error)
	Len(ctx context.Context) (int64, error)
}

// Pool keeps between min and max workers, each running its own
// dequeue -> process loop. A controller resizes it by one worker per tick
// from the queue length to worker ratio. Workers stop cooperatively: a
// retiring worker finishes its current task first.
type Pool struct {
	src  Source
	proc Processor
	cfg  config.WorkerConfig

	dequeueTimeout time.Duration
	errBackoff     time.Duration
	name           string
	log            *zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	workers []*slot
	seq     int
	started bool
	wg      sync.WaitGroup
}

type slot struct {
	id   string
	quit chan struct{}
}

func NewPool(src Source, proc Processor, cfg config.WorkerConfig, dequeueTimeout time.Duration, logger *zerolog.Logger) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 30 * time.Second
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = 5
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = 1
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = 2 * time.Second
	}
	l := logger.With().Str("component", "worker_pool").Logger()
	return &Pool{
		src:            src,
		proc:           proc,
		cfg:            cfg,
		dequeueTimeout: dequeueTimeout,
		errBackoff:     time.Second,
		name:           uuid.NewString()[:8],
		log:            &l,
	}
}

// Start launches min workers and the scaling controller.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.stop = make(chan struct{})
	for range p.cfg.MinWorkers {
		p.spawnLocked()
	}
	n := len(p.workers)
	p.mu.Unlock()

	metrics.SetPoolWorkers(n)
	p.log.Info().Int("workers", n).Int("min", p.cfg.MinWorkers).Int("max", p.cfg.MaxWorkers).Msg("worker pool started")

	p.wg.Add(1)
	go p.control(p.ctx, p.stop)
}

// Stop retires every worker, waits for in-flight tasks, then cancels the
// shared context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	for _, w := range p.workers {
		close(w.quit)
	}
	p.workers = nil
	close(p.stop)
	cancel := p.cancel
	p.mu.Unlock()

	p.wg.Wait()
	cancel()
	metrics.SetPoolWorkers(0)
	p.log.Info().Msg("worker pool stopped")
}

// Size reports the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Scale adds (delta > 0) or retires (delta < 0) workers, clamped to
// [min, max]. It returns the new size.
func (p *Pool) Scale(delta int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return len(p.workers)
	}
	target := min(max(len(p.workers)+delta, p.cfg.MinWorkers), p.cfg.MaxWorkers)
	for len(p.workers) < target {
		p.spawnLocked()
	}
	for len(p.workers) > target {
		last := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		close(last.quit)
	}
	metrics.SetPoolWorkers(len(p.workers))
	return len(p.workers)
}

// Evaluate returns the resize step for the observed queue length:
// +1 above the scale-up ratio, -1 below the scale-down ratio, else 0.
func (p *Pool) Evaluate(queueLen int64, active int) int {
	return Decide(queueLen, active, p.cfg)
}

// Decide is the pure scaling rule.
func Decide(queueLen int64, active int, cfg config.WorkerConfig) int {
	if active < cfg.MinWorkers {
		return 1
	}
	if active > cfg.MaxWorkers {
		return -1
	}
	ratio := float64(queueLen)
	if active > 0 {
		ratio = float64(queueLen) / float64(active)
	}
	switch {
	case ratio > cfg.ScaleUpThreshold && active < cfg.MaxWorkers:
		return 1
	case ratio < cfg.ScaleDownThreshold && active > cfg.MinWorkers:
		return -1
	}
	return 0
}

func (p *Pool) control(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.ScaleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	n, err := p.src.Len(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("queue length unavailable; pool size unchanged")
		return
	}
	active := p.Size()
	step := p.Evaluate(n, active)
	if step == 0 {
		return
	}
	size := p.Scale(step)
	if size == active {
		return
	}
	dir := "up"
	if step < 0 {
		dir = "down"
	}
	metrics.IncPoolScale(dir)
	p.log.Info().Int64("queue_len", n).Int("from", active).Int("to", size).Msg("worker pool resized")
}

func (p *Pool) spawnLocked() {
	p.seq++
	w := &slot{id: fmt.Sprintf("%s-%d", p.name, p.seq), quit: make(chan struct{})}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.run(p.ctx, w)
}

func (p *Pool) run(ctx context.Context, w *slot) {
	defer p.wg.Done()
	ctx = logging.WithWorkerID(ctx, w.id)
	log := logging.With(ctx, p.log)
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		default:
		}

		lease, err := p.src.Dequeue(ctx, w.id, p.dequeueTimeout)
		switch {
		case err == nil:
			p.proc.Process(ctx, lease)
		case errors.Is(err, domain.ErrQueueEmpty):
		case ctx.Err() != nil:
			return
		default:
			log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-w.quit:
				return
			case <-time.After(p.errBackoff):
			}
		}
	}
}
