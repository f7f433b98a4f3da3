package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Sink delivers one event to a consumer. A returned error causes a retry.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter is what the allocator publishes through.
type Emitter interface {
	Publish(ev Event)
}

type Options struct {
	// Buffer is the channel capacity per subscriber. Events beyond it spill
	// into an unbounded overflow list, so Publish never blocks.
	Buffer       int
	RetryBase    time.Duration
	RetryMax     time.Duration
	DrainTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
}

type Publisher struct {
	opts Options

	mu      sync.Mutex
	subs    []*subscriber
	started bool
	wg      sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
}

func NewPublisher(opts Options) *Publisher {
	opts.defaults()
	return &Publisher{opts: opts}
}

var ErrStarted = errors.New("events: publisher already running")

// Subscribe registers a named sink. Subscribers must be added before Run.
func (p *Publisher) Subscribe(name string, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	p.subs = append(p.subs, &subscriber{
		name:  name,
		sink:  sink,
		ch:    make(chan Event, p.opts.Buffer),
		spill: make(chan struct{}, 1),
	})
	return nil
}

// Publish enqueues ev for every subscriber without blocking.
func (p *Publisher) Publish(ev Event) {
	p.published.Add(1)
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()
	for _, s := range subs {
		s.offer(ev)
	}
}

// Run delivers events until ctx is cancelled, then makes one last attempt at
// everything still buffered.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrStarted
	}
	p.started = true
	subs := p.subs
	p.mu.Unlock()

	for _, s := range subs {
		p.wg.Add(1)
		go func(s *subscriber) {
			defer p.wg.Done()
			p.loop(ctx, s)
		}(s)
	}
	p.wg.Wait()
	return nil
}

type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Failures  int64 `json:"failures"`
	Pending   int   `json:"pending"`
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()
	st := Stats{Published: p.published.Load(), Delivered: p.delivered.Load(), Failures: p.failures.Load()}
	for _, s := range subs {
		st.Pending += s.pending()
	}
	return st
}

func (p *Publisher) loop(ctx context.Context, s *subscriber) {
	for {
		select {
		case ev := <-s.ch:
			p.deliver(ctx, s, ev)
		case <-s.spill:
			for _, ev := range s.takeAll() {
				p.deliver(ctx, s, ev)
			}
		case <-ctx.Done():
			p.drain(s)
			return
		}
	}
}

// deliver retries with exponential backoff until the sink accepts ev or ctx
// ends. Events still undelivered at shutdown get one more try in drain.
func (p *Publisher) deliver(ctx context.Context, s *subscriber, ev Event) {
	backoff := p.opts.RetryBase
	for {
		err := s.sink.Deliver(ctx, ev)
		if err == nil {
			p.delivered.Add(1)
			return
		}
		p.failures.Add(1)
		log.Printf("events: deliver failed sink=%s type=%s reservation=%s err=%v", s.name, ev.Type, ev.ReservationID, err)

		select {
		case <-ctx.Done():
			s.requeue(ev)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.opts.RetryMax {
			backoff = p.opts.RetryMax
		}
	}
}

func (p *Publisher) drain(s *subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()
	left := s.takeAll()
	for i, ev := range left {
		if err := s.sink.Deliver(ctx, ev); err != nil {
			p.failures.Add(1)
			log.Printf("events: dropping %d undelivered events sink=%s err=%v", len(left)-i, s.name, err)
			return
		}
		p.delivered.Add(1)
	}
}

type subscriber struct {
	name  string
	sink  Sink
	ch    chan Event
	spill chan struct{}

	mu       sync.Mutex
	overflow []Event
	retry    []Event
}

func (s *subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, ev)
	select {
	case s.spill <- struct{}{}:
	default:
	}
}

func (s *subscriber) requeue(ev Event) {
	s.mu.Lock()
	s.retry = append(s.retry, ev)
	s.mu.Unlock()
}

// takeAll empties the subscriber in publish order.
func (s *subscriber) takeAll() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.retry
	s.retry = nil
	for drained := false; !drained; {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			drained = true
		}
	}
	out = append(out, s.overflow...)
	s.overflow = nil
	return out
}

func (s *subscriber) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ch) + len(s.overflow) + len(s.retry)
}
