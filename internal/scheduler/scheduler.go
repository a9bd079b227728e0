package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"
)

type Scheduler struct {
	kind     TickKind
	interval time.Duration
	jitter   time.Duration

	tickCh chan<- Tick

	// stats (atomic) for observability
	sent    uint64
	dropped uint64
}

type Options struct {
	Kind     TickKind
	Interval time.Duration
	Jitter   time.Duration
	TickCh   chan<- Tick
}

// NewScheduler creates a scheduler that periodically emits ticks into TickCh.
// - Interval: base schedule interval
// - Jitter: random delay added each cycle (0..Jitter) to spread remote polls
func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Scheduler{
		kind:     opts.Kind,
		interval: opts.Interval,
		jitter:   opts.Jitter,
		tickCh:   opts.TickCh,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	// Kick once immediately
	s.emit(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.jitter > 0 {
				delay := time.Duration(rand.Int63n(int64(s.jitter)))
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			s.emit(ctx)
		}
	}
}

// emit is non-blocking: if the consumer is still busy with the previous tick
// this one is dropped and counted.
func (s *Scheduler) emit(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	select {
	case s.tickCh <- Tick{Kind: s.kind, At: time.Now()}:
		atomic.AddUint64(&s.sent, 1)
	default:
		d := atomic.AddUint64(&s.dropped, 1)
		if d%100 == 1 {
			log.Printf("scheduler: %s tick dropped (total=%d, consumer busy)", s.kind, d)
		}
	}
}

func (s *Scheduler) Stats() (sent uint64, dropped uint64) {
	return atomic.LoadUint64(&s.sent), atomic.LoadUint64(&s.dropped)
}
