package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Poller samples on an interval and keeps the latest reading.
type Poller struct {
	sampler  Sampler
	logger   *slog.Logger
	interval time.Duration
	onSample func(model.SystemSample)

	mu     sync.RWMutex
	latest *model.SystemSample

	started     atomic.Bool
	unavailable atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
}

// NewPoller creates a poller. onSample, when non-nil, is called from the
// poll goroutine after every successful sample.
func NewPoller(s Sampler, logger *slog.Logger, interval time.Duration, onSample func(model.SystemSample)) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		sampler:  s,
		logger:   logger,
		interval: interval,
		onSample: onSample,
		done:     make(chan struct{}),
	}
}

// Start begins polling. A second call is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("sampler: poller already started")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.loop(loopCtx)
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll takes one sample now. Failures are logged; ErrUnavailable is logged once.
func (p *Poller) Poll(ctx context.Context) (model.SystemSample, bool) {
	s, err := p.sampler.Sample(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			if p.unavailable.CompareAndSwap(false, true) {
				p.logger.Info("sampler: resource sampling unavailable, system metrics disabled")
			}
		} else if ctx.Err() == nil {
			p.logger.Warn("sampler: sample failed", "error", err)
		}
		return model.SystemSample{}, false
	}

	p.mu.Lock()
	p.latest = &s
	p.mu.Unlock()

	if p.onSample != nil {
		p.onSample(s)
	}
	return s, true
}

// Latest returns the most recent successful sample.
func (p *Poller) Latest() (model.SystemSample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return model.SystemSample{}, false
	}
	return *p.latest, true
}

// Stop ends the poll loop and waits for it, bounded by ctx. Safe to call
// more than once and before Start.
func (p *Poller) Stop(ctx context.Context) {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.cancelLoop()
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("sampler: stop timed out waiting for poll loop")
	}
}
