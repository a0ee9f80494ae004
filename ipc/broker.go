package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/registry"
	"github.com/orchestrd/dataplane/telemetry"
)

// Config holds the Broker's configuration knobs.
type Config struct {
	SocketPath       string
	MaxConnections   int
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	AuthWindow       time.Duration
	MaxAuthAttempts  int
	AllowedAgents    map[string]bool
	Token            string

	// OutboundQueueSoftCap bounds the per-handle backpressure queue; a
	// handle whose queue exceeds it is degraded.
	OutboundQueueSoftCap int
}

func (c *Config) withDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 50
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.AuthWindow <= 0 {
		c.AuthWindow = 60 * time.Second
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = 5
	}
	if c.OutboundQueueSoftCap <= 0 {
		c.OutboundQueueSoftCap = 64
	}
}

// Option configures a Broker at construction.
type Option func(*Broker)

// WithLogger attaches a Logger, replacing the noop default.
func WithLogger(l telemetry.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithMetrics attaches a Metrics sink, replacing the noop default.
func WithMetrics(m telemetry.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// WithValidator attaches a frame-data Validator; the default is
// NewValidator().
func WithValidator(v *Validator) Option { return func(b *Broker) { b.validator = v } }

// Broker is the local stream-socket server brokering tasks, events, and
// heartbeats between the workflow and the registered workers.
type Broker struct {
	cfg       Config
	reg       *registry.Registry
	validator *Validator
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	authMu   sync.Mutex
	authLim  map[string]*rate.Limiter

	futMu     sync.Mutex
	futures   map[string]chan ResponseData

	wg       sync.WaitGroup
	listener net.Listener
}

// New constructs a Broker. reg must be non-nil; the broker installs and
// evicts worker handles on it directly.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Broker {
	cfg.withDefaults()
	b := &Broker{
		cfg:       cfg,
		reg:       reg,
		validator: NewValidator(),
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
		authLim:   make(map[string]*rate.Limiter),
		futures:   make(map[string]chan ResponseData),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve listens on cfg.SocketPath and accepts connections until ctx is
// cancelled, then closes the listener and waits for in-flight connection
// handlers to drain: a listener, an accept goroutine feeding an error
// channel, and a select between
// ctx.Done and that channel.
func (b *Broker) Serve(ctx context.Context) error {
	_ = os.Remove(b.cfg.SocketPath)
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.SocketPath, err)
	}
	b.listener = lis

	errCh := make(chan error, 1)
	go func() {
		sem := make(chan struct{}, b.cfg.MaxConnections)
		for {
			conn, err := lis.Accept()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case sem <- struct{}{}:
			default:
				// at capacity: refuse immediately rather than queue
				// unboundedly in the kernel backlog.
				_ = conn.Close()
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer func() { <-sem }()
				b.handleConn(ctx, conn)
			}()
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	_ = lis.Close()
	b.wg.Wait()
	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("accept loop: %w", serveErr)
	}
	return nil
}

// RunHeartbeatSweep ticks every 5s, evicting any handle whose last
// heartbeat exceeds cfg.HeartbeatTimeout and failing its outstanding task
// futures with WorkerTimeout. Blocks until ctx is cancelled.
func (b *Broker) RunHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce()
		}
	}
}

func (b *Broker) sweepOnce() {
	now := time.Now()
	for _, h := range b.reg.List() {
		if now.Sub(h.LastHeartbeat) <= b.cfg.HeartbeatTimeout {
			continue
		}
		b.logger.Warn(context.Background(), "evicting worker on heartbeat timeout", "identity", string(h.Identity))
		b.metrics.IncCounter("broker.worker.evicted", 1, "identity", string(h.Identity))
		ids := h.InFlightIDs()
		b.reg.Evict(h.Identity, h)
		for _, taskID := range ids {
			b.resolveFuture(taskID, ResponseData{Status: ResponseTimeout, Error: orcherrors.WorkerTimeout.Error()})
		}
	}
}

// Dispatch sends a task frame to identity's worker, registering a future
// keyed by taskID that Collect resolves. Returns WorkerUnavailable if the
// identity is not registered, WorkerBusy if its outbound queue is full.
func (b *Broker) Dispatch(ctx context.Context, identity model.WorkerIdentity, taskID string, data TaskData) error {
	h := b.reg.Get(identity)
	if h == nil {
		return orcherrors.WorkerUnavailable
	}
	ch, ok := h.Conn.(*connHandle)
	if !ok {
		return orcherrors.WorkerUnavailable
	}
	if err := b.validator.ValidateTaskData(ctx, mustMarshal(data)); err != nil {
		return fmt.Errorf("%w: %s", orcherrors.ProtocolViolation, err)
	}

	b.futMu.Lock()
	b.futures[taskID] = make(chan ResponseData, 1)
	b.futMu.Unlock()

	env := Envelope{ID: taskID, Type: FrameTask, Agent: string(identity), Timestamp: time.Now(), Data: mustMarshal(data)}
	if err := ch.enqueue(env); err != nil {
		b.futMu.Lock()
		delete(b.futures, taskID)
		b.futMu.Unlock()
		if err == errQueueFull {
			b.reg.Degrade(identity)
			return orcherrors.WorkerBusy
		}
		return err
	}
	b.reg.Reserve(identity, taskID)
	return nil
}

// Collect blocks until taskID's response arrives, ctx is cancelled, or
// deadline elapses.
func (b *Broker) Collect(ctx context.Context, taskID string) (ResponseData, error) {
	b.futMu.Lock()
	ch, ok := b.futures[taskID]
	b.futMu.Unlock()
	if !ok {
		return ResponseData{}, fmt.Errorf("collect %s: %w", taskID, orcherrors.ProtocolViolation)
	}
	select {
	case resp := <-ch:
		b.futMu.Lock()
		delete(b.futures, taskID)
		b.futMu.Unlock()
		return resp, nil
	case <-ctx.Done():
		return ResponseData{}, ctx.Err()
	}
}

// resolveFuture delivers resp to taskID's future. The future stays
// registered until Collect takes the response, so a response that arrives
// before Collect is called is kept; a duplicate response is discarded.
func (b *Broker) resolveFuture(taskID string, resp ResponseData) {
	b.futMu.Lock()
	ch, ok := b.futures[taskID]
	b.futMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// handleConn runs one accepted connection's lifecycle: handshake, then a
// read loop dispatching frames by type until the stream closes or errors.
func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	identity, ok := b.handshake(conn, reader)
	if !ok {
		return
	}

	ch := newConnHandle(conn, b.cfg.OutboundQueueSoftCap)
	handle := &registry.Handle{
		Identity:      identity,
		Conn:          ch,
		LastHeartbeat: time.Now(),
		Status:        model.StatusIdle,
	}
	b.reg.Install(handle)
	b.metrics.IncCounter("broker.worker.connected", 1, "identity", string(identity))
	go ch.writeLoop()
	defer ch.close()

	for {
		conn.SetReadDeadline(time.Time{})
		env, err := readFrame(reader)
		if err != nil {
			b.reg.Evict(identity, handle)
			return
		}
		switch env.Type {
		case FrameHeartbeat, FramePing:
			handle.LastHeartbeat = time.Now()
			if env.Type == FramePing {
				_ = ch.enqueue(Envelope{ID: env.ID, Type: FramePong, Agent: env.Agent, Timestamp: time.Now()})
			}
		case FrameTask:
			var resp ResponseData
			if err := json.Unmarshal(env.Data, &resp); err != nil {
				continue
			}
			if err := b.validator.ValidateResponseData(ctx, env.Data); err != nil {
				b.logger.Warn(ctx, "rejecting malformed response frame", "error", err.Error())
				continue
			}
			b.reg.Release(identity, env.ID, time.Duration(resp.KPIs.LatencyMS)*time.Millisecond)
			if handle.QueueDepth() < b.cfg.OutboundQueueSoftCap {
				b.reg.Undegrade(identity)
			}
			b.resolveFuture(env.ID, resp)
		case FrameEvent:
			// forwarded events (e.g. progress notices) are observational
			// only; the workflow does not block on them.
		}
	}
}

// handshake reads the first frame, requiring it to be a FrameAuth within
// HandshakeTimeout, and admits or rejects the connection.
func (b *Broker) handshake(conn net.Conn, reader *bufio.Reader) (model.WorkerIdentity, bool) {
	conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	env, err := readFrame(reader)
	if err != nil || env.Type != FrameAuth {
		return "", false
	}
	var auth AuthData
	if err := json.Unmarshal(env.Data, &auth); err != nil {
		return "", false
	}

	if b.cfg.AllowedAgents != nil && !b.cfg.AllowedAgents[auth.AgentID] {
		return "", false
	}
	lim := b.authLimiter(auth.AgentID)
	if lim.Tokens() < 1 {
		// (MAX_AUTH_ATTEMPTS+1)th failure within the window: rejected
		// outright, without comparing the token.
		return "", false
	}
	if auth.Token != b.cfg.Token {
		lim.Allow() // only a failed attempt spends the peer's allowance
		return "", false
	}
	return model.WorkerIdentity(auth.AgentID), true
}

// authLimiter returns the failed-auth limiter for this peer (keyed by
// claimed agent id, since a unix stream socket exposes no distinguishable
// remote address). It holds MaxAuthAttempts tokens, refilled evenly over
// AuthWindow; each failed attempt spends one.
func (b *Broker) authLimiter(agentID string) *rate.Limiter {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	lim, ok := b.authLim[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.cfg.AuthWindow/time.Duration(b.cfg.MaxAuthAttempts)), b.cfg.MaxAuthAttempts)
		b.authLim[agentID] = lim
	}
	return lim
}
