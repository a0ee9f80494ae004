// Package pool implements the connection pool: a bounded set of
// persistent client streams to one peer endpoint, with health validation on
// acquire and capped exponential-backoff reconnection on disconnect. One
// mutex guards size/idle/waiting bookkeeping; acquire is a bounded wait
// rather than a busy loop. Idle streams are checked against IdleTimeout
// only when acquired or released; no background goroutine reaps them.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/telemetry"
)

// Stream is a single persistent client connection to the pool's endpoint.
// Implementations wrap the concrete transport (a unix/TCP net.Conn, an IPC
// broker client stream, etc).
type Stream interface {
	// Connect establishes the underlying connection and blocks until the
	// peer signals "connected" or ctx is done.
	Connect(ctx context.Context) error
	// Connected reports whether the stream believes itself usable.
	Connected() bool
	// Close tears down the underlying connection.
	Close() error
}

// Dialer creates a new, unconnected Stream.
type Dialer func() Stream

// Config controls pool sizing and timeouts. Zero fields take the defaults
// below.
type Config struct {
	Min                  int
	Max                  int
	AcquireTimeout       time.Duration
	CreateTimeout        time.Duration
	IdleTimeout          time.Duration
	DestroyTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = 2 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = 2
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	return c
}

type entry struct {
	stream      Stream
	lastUsed    time.Time
	lastHardErr time.Time
	hadHardErr  bool
}

// Handle is an acquired Stream, returned by Acquire and consumed by Release.
type Handle struct {
	id     int64
	Stream Stream
}

// Pool maintains between Min and Max streams to one endpoint.
type Pool struct {
	cfg    Config
	dial   Dialer
	logger telemetry.Logger

	mu      sync.Mutex
	closed  bool
	nextID  int64
	idle    *list.List // of *entry
	inUse   map[int64]*entry
	waiters *list.List // of chan struct{}
	size    int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(p *Pool) { p.logger = l } }

// New constructs a Pool bound to one endpoint via dial. It does not
// pre-warm Min streams synchronously; callers that want a warm pool call
// Warm explicitly.
func New(dial Dialer, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		logger:  telemetry.NoopLogger{},
		idle:    list.New(),
		inUse:   make(map[int64]*entry),
		waiters: list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Warm creates Min streams and places them in the idle set, returning the
// first error encountered.
func (p *Pool) Warm(ctx context.Context) error {
	for range p.cfg.Min {
		p.mu.Lock()
		h, err := p.createLocked(ctx)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		ent := p.inUse[h.id]
		delete(p.inUse, h.id)
		p.idle.PushBack(ent)
		p.mu.Unlock()
	}
	return nil
}

// Acquire returns a healthy idle stream, creating a new one if the pool has
// not reached Max, or waiting up to Config.AcquireTimeout otherwise. It
// fails with orcherrors.PoolExhausted on timeout and orcherrors.PoolClosed
// if the pool has been shut down.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool acquire: %w", orcherrors.PoolClosed)
		}

		if h := p.popValidIdleLocked(); h != nil {
			p.mu.Unlock()
			return h, nil
		}

		if p.size < p.cfg.Max {
			h, err := p.createLocked(ctx)
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return h, nil
		}

		wait := make(chan struct{})
		elem := p.waiters.PushBack(wait)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(elem)
			return nil, fmt.Errorf("pool acquire: %w", orcherrors.PoolExhausted)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			// loop around: a release signaled us, try again.
		case <-timer.C:
			p.removeWaiter(elem)
			return nil, fmt.Errorf("pool acquire: %w", orcherrors.PoolExhausted)
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(elem)
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	p.waiters.Remove(elem)
	p.mu.Unlock()
}

// popValidIdleLocked must be called with p.mu held. It returns the first
// idle stream that passes validation, discarding (and scheduling reconnect
// for) any that do not.
func (p *Pool) popValidIdleLocked() *Handle {
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		p.idle.Remove(e)

		if p.validLocked(ent) {
			id := p.nextID
			p.nextID++
			p.inUse[id] = ent
			return &Handle{id: id, Stream: ent.stream}
		}

		p.size--
		go p.reconnectAndReturn(ent)
		e = next
	}
	return nil
}

func (p *Pool) validLocked(ent *entry) bool {
	if !ent.stream.Connected() {
		return false
	}
	if ent.hadHardErr && time.Since(ent.lastHardErr) < 60*time.Second {
		return false
	}
	if time.Since(ent.lastUsed) > p.cfg.IdleTimeout {
		return false
	}
	return true
}

// createLocked must be called with p.mu held; it provisionally reserves a
// size slot before dropping the lock to dial, so concurrent acquires cannot
// over-create past Max.
func (p *Pool) createLocked(ctx context.Context) (*Handle, error) {
	p.size++
	p.mu.Unlock()
	stream := p.dial()
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	err := stream.Connect(cctx)
	cancel()
	p.mu.Lock()

	if err != nil {
		p.size--
		return nil, fmt.Errorf("pool create stream: %w", err)
	}

	ent := &entry{stream: stream, lastUsed: time.Now()}
	id := p.nextID
	p.nextID++
	p.inUse[id] = ent
	return &Handle{id: id, Stream: stream}, nil
}

// Release returns an acquired Handle to the idle set, or discards it (and
// schedules reconnection) if hardErr is non-nil.
func (p *Pool) Release(h *Handle, hardErr error) {
	p.mu.Lock()
	ent, ok := p.inUse[h.id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, h.id)
	ent.lastUsed = time.Now()
	if hardErr != nil {
		ent.hadHardErr = true
		ent.lastHardErr = time.Now()
	}
	if !p.validLocked(ent) {
		p.size--
		p.mu.Unlock()
		go p.reconnectAndReturn(ent)
		return
	}
	p.idle.PushBack(ent)
	p.mu.Unlock()
	p.wakeOneWaiter()
}

func (p *Pool) wakeOneWaiter() {
	p.mu.Lock()
	front := p.waiters.Front()
	var ch chan struct{}
	if front != nil {
		ch = front.Value.(chan struct{})
		p.waiters.Remove(front)
	}
	p.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// reconnectAndReturn retries dialing a replacement stream with capped
// exponential backoff, independent of any in-flight acquire: reconnections
// are independent per stream, and the acquire path never blocks on them.
// It dials only while the pool is below Min; otherwise it just closes the
// old stream.
func (p *Pool) reconnectAndReturn(old *entry) {
	_ = old.stream.Close()

	delay := p.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		p.mu.Lock()
		closed := p.closed
		belowMin := p.size < p.cfg.Min
		p.mu.Unlock()
		if closed {
			return
		}
		if !belowMin {
			return
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * p.cfg.ReconnectMultiplier)
		if delay > p.cfg.ReconnectMaxDelay {
			delay = p.cfg.ReconnectMaxDelay
		}

		stream := p.dial()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
		err := stream.Connect(ctx)
		cancel()
		if err != nil {
			p.logger.Warn(context.Background(), "pool reconnect failed", "attempt", attempt, "error", err.Error())
			continue
		}

		p.mu.Lock()
		p.size++
		p.idle.PushBack(&entry{stream: stream, lastUsed: time.Now()})
		p.mu.Unlock()
		p.wakeOneWaiter()
		return
	}
}

// With acquires a stream, runs fn, and releases it, treating any error from
// fn as a hard error so the stream is not returned to the idle set.
func With[T any](ctx context.Context, p *Pool, fn func(s Stream) (T, error)) (T, error) {
	var zero T
	h, err := p.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	result, err := fn(h.Stream)
	p.Release(h, err)
	return result, err
}

// Broadcaster is satisfied by streams that can send a named event payload,
// used by Broadcast.
type Broadcaster interface {
	Send(event string, payload any) error
}

// Broadcast writes event/payload to every currently idle, healthy stream
// concurrently. Partial failures are logged, not returned, matching the
// broadcast semantics (shared here since the pool's broadcast mirrors the
// broker's).
func (p *Pool) Broadcast(event string, payload any) {
	p.mu.Lock()
	streams := make([]Stream, 0, p.idle.Len())
	for e := p.idle.Front(); e != nil; e = e.Next() {
		streams = append(streams, e.Value.(*entry).stream)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		b, ok := s.(Broadcaster)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(b Broadcaster) {
			defer wg.Done()
			if err := b.Send(event, payload); err != nil {
				p.logger.Warn(context.Background(), "pool broadcast failed", "event", event, "error", err.Error())
			}
		}(b)
	}
	wg.Wait()
}

// Stats reports the pool's current size/idle/waiting counts for the driver
// API's health() query.
type Stats struct {
	Size    int
	Idle    int
	Waiting int
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, Idle: p.idle.Len(), Waiting: p.waiters.Len()}
}

// Close drains the pool: stops accepting new acquires, destroys every idle
// stream within DestroyTimeout, and wakes any waiters with PoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var streams []Stream
	for e := p.idle.Front(); e != nil; e = e.Next() {
		streams = append(streams, e.Value.(*entry).stream)
	}
	p.idle.Init()
	waiters := make([]chan struct{}, 0, p.waiters.Len())
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(chan struct{}))
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				_ = s.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(p.cfg.DestroyTimeout):
			}
		}(s)
	}
	wg.Wait()
	return nil
}
