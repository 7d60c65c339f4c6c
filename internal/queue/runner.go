package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/evq"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// DefaultBatch caps the events taken per poll.
const DefaultBatch = 32

// Handler receives decoded events. It runs without the event queue lock
// held, so it may take connection locks and submit commands.
type Handler interface {
	HandleEvent(ctx context.Context, ev uapi.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev uapi.Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev uapi.Event) error { return f(ctx, ev) }

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type Config struct {
	QueuePair uint32
	Events    *evq.Queue
	Handler   Handler

	// Batch caps the events copied out per poll.
	Batch int

	// Wait bounds one blocking wait between polls.
	Wait time.Duration

	// Idle runs after every poll; the flow-control coordinator uses it to
	// finish owed work.
	Idle func(ctx context.Context) error

	Logger Logger
}

// Runner is the single observer of one event queue. It copies a batch of
// entries out under the queue lock, retires them, releases the lock and
// only then dispatches them to the handler.
type Runner struct {
	qp      uint32
	eq      *evq.Queue
	handler Handler
	batch   int
	wait    time.Duration
	idle    func(ctx context.Context) error
	logger  Logger

	events []uapi.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	polled  atomic.Uint64
	dropped atomic.Uint64
	errs    atomic.Uint64
}

// NewRunner creates a runner for one queue pair's event queue.
func NewRunner(config Config) (*Runner, error) {
	if config.Events == nil {
		return nil, errors.New("queue: nil event queue")
	}
	if config.Handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	if config.Batch <= 0 {
		config.Batch = DefaultBatch
	}
	if config.Wait <= 0 {
		config.Wait = constants.EventPollInterval
	}
	if config.Logger != nil {
		config.Logger.Debugf("creating event runner for queue pair %d", config.QueuePair)
	}
	return &Runner{
		qp:      config.QueuePair,
		eq:      config.Events,
		handler: config.Handler,
		batch:   config.Batch,
		wait:    config.Wait,
		idle:    config.Idle,
		logger:  config.Logger,
		events:  make([]uapi.Event, 0, config.Batch),
	}, nil
}

// QueuePair returns the queue pair this runner serves.
func (r *Runner) QueuePair() uint32 { return r.qp }

// Poll drains up to one batch of valid entries and dispatches them. It
// returns the number of entries retired, dropped ones included. Handler
// errors are joined; they do not stop the batch. Poll is not safe for
// concurrent use; a runner has one loop.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	r.eq.Lock()
	evs := r.events[:0]
	n := 0
	for n < r.batch {
		e, ok := r.eq.Peek(uint32(n))
		if !ok {
			break
		}
		if e.Dropped() {
			evs = append(evs, uapi.Event{Kind: e.Kind(), Dropped: true})
		} else {
			ev, err := e.Decode()
			if err != nil {
				r.eq.Unlock()
				return 0, fmt.Errorf("queue pair %d: decode event at slot %d: %w", r.qp, e.Slot(), err)
			}
			evs = append(evs, ev)
		}
		n++
	}
	if n > 0 {
		if err := r.eq.AdvanceMultiple(uint32(n)); err != nil {
			r.eq.Unlock()
			return 0, err
		}
	}
	r.eq.Unlock()

	if n == 0 {
		return 0, nil
	}
	r.polled.Add(uint64(n))

	var errs []error
	for i := range evs {
		ev := &evs[i]
		if ev.Dropped {
			r.dropped.Add(1)
			if r.logger != nil {
				r.logger.Printf("queue pair %d: %s event dropped by device", r.qp, uapi.KindName(ev.Kind))
			}
			continue
		}
		if err := r.handler.HandleEvent(ctx, *ev); err != nil {
			r.errs.Add(1)
			errs = append(errs, err)
		}
	}
	r.events = evs[:0]
	return n, errors.Join(errs...)
}

// Run polls until ctx ends. Between empty polls it blocks in the event
// queue's wait. Handler errors are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.Debugf("queue pair %d: event loop starting", r.qp)
	}
	for {
		if ctx.Err() != nil {
			if r.logger != nil {
				r.logger.Debugf("queue pair %d: event loop stopping", r.qp)
			}
			return nil
		}

		n, err := r.Poll(ctx)
		if err != nil && r.logger != nil {
			r.logger.Printf("queue pair %d: %v", r.qp, err)
		}
		if r.idle != nil {
			if err := r.idle(ctx); err != nil && ctx.Err() == nil && r.logger != nil {
				r.logger.Printf("queue pair %d: %v", r.qp, err)
			}
		}
		if n > 0 {
			continue
		}

		if _, err := r.eq.Wait(ctx, r.wait); err != nil {
			switch {
			case errors.Is(err, evq.ErrTimeout):
			case ctx.Err() != nil:
			default:
				return fmt.Errorf("queue pair %d: %w", r.qp, err)
			}
		}
	}
}

// Start runs the loop in its own goroutine.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("queue pair %d: runner already started", r.qp)
	}
	if r.logger != nil {
		r.logger.Printf("Starting event runner for queue pair %d", r.qp)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := r.Run(ctx); err != nil && r.logger != nil {
			r.logger.Printf("event runner exited: %v", err)
		}
	}(r.done)
	return nil
}

// Stop cancels the loop started by Start.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close stops the loop and waits for it to exit.
func (r *Runner) Close() error {
	r.Stop()
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Stats reports what the runner has processed.
type Stats struct {
	Events        uint64
	Dropped       uint64
	HandlerErrors uint64
}

func (r *Runner) Stats() Stats {
	return Stats{
		Events:        r.polled.Load(),
		Dropped:       r.dropped.Load(),
		HandlerErrors: r.errs.Load(),
	}
}

// RunAll runs every runner on its own goroutine until ctx ends or one of
// them fails, in which case the rest are cancelled.
func RunAll(ctx context.Context, runners ...*Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// Poller visits many runners from a single goroutine, sleeping for Idle
// when a full pass finds nothing.
type Poller struct {
	Runners []*Runner
	Idle    time.Duration
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	idle := p.Idle
	if idle <= 0 {
		idle = constants.DeviceIdlePoll
	}
	for {
		total := 0
		for _, r := range p.Runners {
			n, err := r.Poll(ctx)
			if err != nil && r.logger != nil {
				r.logger.Printf("queue pair %d: %v", r.qp, err)
			}
			if r.idle != nil {
				_ = r.idle(ctx)
			}
			total += n
		}
		if total > 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idle):
		}
	}
}
