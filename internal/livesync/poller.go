package livesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase is the presentation state a viewer derives from the latest response.
type Phase string

const (
	PhaseSetup  Phase = "SETUP"
	PhaseActive Phase = "ACTIVE"
)

// View is the viewer-local state. Data is always the latest applied
// response, replaced wholesale on every poll.
type View[T any] struct {
	Phase     Phase
	Data      T
	Seq       uint64
	UpdatedAt time.Time
}

// Poller re-fetches a snapshot on a fixed interval. Each request carries a
// sequence number; a response older than the one already applied is dropped,
// so a slow response can never overwrite a newer one. Fetch errors are logged
// and the next tick retries.
type Poller[T any] struct {
	fetch    func(context.Context) (T, error)
	active   func(T) bool
	interval time.Duration
	log      *zap.Logger
	onChange func(View[T])

	issued atomic.Uint64
	mu     sync.Mutex
	cbMu   sync.Mutex
	view   View[T]
}

// NewPoller creates a poller. active tells whether a response describes a
// running session; onChange, if set, receives every applied view in order.
func NewPoller[T any](fetch func(context.Context) (T, error), active func(T) bool, interval time.Duration, logger *zap.Logger, onChange func(View[T])) *Poller[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller[T]{
		fetch:    fetch,
		active:   active,
		interval: interval,
		log:      logger,
		onChange: onChange,
		view:     View[T]{Phase: PhaseSetup},
	}
}

// View returns the current view.
func (p *Poller[T]) View() View[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// Run polls immediately and then on every tick until ctx is done. Requests
// still in flight at teardown are cancelled and their results ignored.
func (p *Poller[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	p.poll(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx, &wg)
		}
	}
}

func (p *Poller[T]) poll(ctx context.Context, wg *sync.WaitGroup) {
	seq := p.issued.Add(1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		data, err := p.fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warn("poll failed, retrying on next tick", zap.Uint64("seq", seq), zap.Error(err))
			return
		}
		p.apply(seq, data)
	}()
}

// apply installs data as the current view unless a newer response has
// already been applied.
func (p *Poller[T]) apply(seq uint64, data T) bool {
	p.mu.Lock()
	if seq <= p.view.Seq {
		p.mu.Unlock()
		p.log.Debug("discarding out-of-order response", zap.Uint64("seq", seq))
		return false
	}
	prev := p.view.Phase
	next := View[T]{Phase: PhaseSetup, Data: data, Seq: seq, UpdatedAt: time.Now()}
	if p.active(data) {
		next.Phase = PhaseActive
	}
	p.view = next
	p.cbMu.Lock()
	p.mu.Unlock()
	defer p.cbMu.Unlock()

	if prev == PhaseActive && next.Phase == PhaseSetup {
		p.log.Info("session no longer active, viewer reset")
	}
	if p.onChange != nil {
		p.onChange(next)
	}
	return true
}
