package redis

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// connState enumerates the Connection lifecycle. Exactly one of
// {Closed, Broken} or an open transport holds at any time.
type connState int32

const (
	stateClosed connState = iota
	stateConnecting
	stateReady
	stateBroken
	stateDraining
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateBroken:
		return "broken"
	case stateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// BackoffFunc computes the delay before reconnect attempt n (1-based).
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff doubles from 5ms, capped at half a second, matching the
// teacher's DialDelayMax discipline.
func DefaultBackoff(attempt int) time.Duration {
	d := 5 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 500*time.Millisecond {
			return 500 * time.Millisecond
		}
	}
	return d
}

// ConnectOpts configures a Connection.
type ConnectOpts struct {
	Hostname string
	Port     int
	TLS      bool
	DB       int // 0..15
	Name     string
	Password string

	// MaxRetryCount bounds reconnect attempts after a transport failure.
	// Zero means DefaultMaxRetryCount.
	MaxRetryCount uint32
	// Backoff computes the delay between reconnect attempts. Nil means
	// DefaultBackoff.
	Backoff BackoffFunc
	// HealthCheckInterval, when nonzero, drives a background PING on an
	// otherwise idle direct Connection.
	HealthCheckInterval time.Duration
}

// DefaultMaxRetryCount is ConnectOpts.MaxRetryCount's zero-value default.
const DefaultMaxRetryCount = 10

func (o ConnectOpts) addr() string {
	return net.JoinHostPort(o.Hostname, strconv.Itoa(o.Port))
}

func (o ConnectOpts) maxRetries() uint32 {
	if o.MaxRetryCount == 0 {
		return DefaultMaxRetryCount
	}
	return o.MaxRetryCount
}

func (o ConnectOpts) backoff() BackoffFunc {
	if o.Backoff == nil {
		return DefaultBackoff
	}
	return o.Backoff
}

// validatePort reports ConnectError("invalid port") for a negative port or
// one above 65535, before any socket work is attempted.
func (o ConnectOpts) validatePort() error {
	if o.Port < 0 || o.Port > 65535 {
		return &ConnectError{Addr: o.addr(), Err: fmt.Errorf("invalid port %d", o.Port)}
	}
	return nil
}

// Connection wraps a transport with handshake, health state, and a
// transparent reconnect policy. A Connection is single-owner: exactly one
// executor drives it at a time.
type Connection struct {
	Addr string

	opts   ConnectOpts
	logger Logger

	mu         sync.Mutex
	tr         *transport
	state      connState
	generation uint64
	retryCount uint32

	lastUse    int64 // unix nano, for health-check scheduling
	healthStop chan struct{}

	// cmdMu serializes a full request-response cycle (send + recv, across
	// any reconnect-and-replay), so the background health check (started by
	// connectLocked when HealthCheckInterval is set) can never interleave a
	// PING with an executor's in-flight command.
	cmdMu sync.Mutex
}

// newConnection constructs a Connection in the Closed state; no socket work
// happens until the first command (lazy) or an explicit Dial call (eager).
func newConnection(opts ConnectOpts, logger Logger) (*Connection, error) {
	if err := opts.validatePort(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Connection{
		Addr:   opts.addr(),
		opts:   opts,
		logger: logger,
		state:  stateClosed,
	}, nil
}

// Dial constructs a Connection and eagerly establishes it, running the
// handshake before returning.
func Dial(opts ConnectOpts, logger Logger) (*Connection, error) {
	conn, err := newConnection(opts, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.dial(); err != nil {
		return nil, err
	}
	return conn, nil
}

// dial eagerly establishes the connection and runs the handshake.
func (c *Connection) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

// IsConnected is true iff the Connection is in the Ready state.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// IsClosed is true iff the Connection has been explicitly closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed || c.state == stateDraining
}

// Close closes the underlying transport. Further commands fail with
// ErrBadResource.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed || c.state == stateDraining {
		return nil
	}
	c.state = stateDraining
	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
	var err error
	if c.tr != nil {
		err = c.tr.close()
		c.tr = nil
	}
	c.state = stateClosed
	return err
}

// connectLocked dials and runs AUTH/SELECT/CLIENT SETNAME. Caller holds mu.
func (c *Connection) connectLocked() error {
	c.state = stateConnecting
	tr, err := dialTransport(c.Addr, c.opts.TLS)
	if err != nil {
		c.state = stateBroken
		return &ConnectError{Addr: c.Addr, Err: err}
	}

	if err := c.handshake(tr); err != nil {
		tr.close()
		c.state = stateBroken
		return err
	}

	c.tr = tr
	c.state = stateReady
	c.generation++
	c.retryCount = 0
	c.lastUse = time.Now().UnixNano()

	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
	if c.opts.HealthCheckInterval > 0 {
		stop := make(chan struct{})
		c.healthStop = stop
		go c.healthCheckLoop(c.generation, stop)
	}
	return nil
}

// handshake runs AUTH, SELECT, CLIENT SETNAME in order, per §4.3. Any
// failure here is returned as a ConnectError. In reconnect, a server error
// reply ends the retry loop at once; an I/O failure during the handshake is
// retried like a dial failure.
func (c *Connection) handshake(tr *transport) error {
	if c.opts.Password != "" {
		if err := c.handshakeCommand(tr, "AUTH", c.opts.Password); err != nil {
			return err
		}
	}
	if c.opts.DB > 0 {
		if err := c.handshakeCommand(tr, "SELECT", strconv.Itoa(c.opts.DB)); err != nil {
			return err
		}
	}
	if c.opts.Name != "" {
		if err := c.handshakeCommand(tr, "CLIENT", "SETNAME", c.opts.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) handshakeCommand(tr *transport, name string, args ...interface{}) error {
	buf := encodeCommand(nil, name, args...)
	if _, err := tr.w.Write(buf); err != nil {
		return &ConnectError{Addr: c.Addr, Err: err}
	}
	if err := tr.flush(); err != nil {
		return &ConnectError{Addr: c.Addr, Err: err}
	}
	v, err := readReply(tr.r)
	if err != nil {
		if e, ok := err.(ErrorReply); ok {
			return &ConnectError{Addr: c.Addr, Err: e}
		}
		return &ConnectError{Addr: c.Addr, Err: err}
	}
	_ = v
	return nil
}

// reconnect runs the backoff/retry loop for a Broken connection. It
// preserves db and name (ConnectOpts is immutable for the Connection's
// lifetime) and reports ErrConnectionClosed once retries are exhausted.
func (c *Connection) reconnect() error {
	max := c.opts.maxRetries()
	backoff := c.opts.backoff()
	for attempt := 1; attempt <= int(max); attempt++ {
		c.mu.Lock()
		err := c.connectLocked()
		c.mu.Unlock()
		if err == nil {
			return nil
		}
		if _, ok := err.(*ConnectError); ok {
			// a server error reply during the handshake (e.g. a rejected
			// AUTH) is never retried.
			if isAuthFailure(err) {
				return err
			}
		}
		c.mu.Lock()
		c.retryCount = uint32(attempt)
		c.mu.Unlock()
		c.logger.Printf("redis: reconnect attempt %d/%d to %s failed: %v", attempt, max, c.Addr, err)
		time.Sleep(backoff(attempt))
	}
	c.mu.Lock()
	c.state = stateBroken
	c.mu.Unlock()
	return ErrConnectionClosed
}

// healthCheckLoop PINGs an otherwise-idle Connection at HealthCheckInterval,
// per §4.3a. It runs only for the generation that started it: a reconnect
// or Close stops it (via healthStop) and, on reconnect, a fresh loop is
// started for the new generation.
func (c *Connection) healthCheckLoop(generation uint64, stop chan struct{}) {
	interval := c.opts.HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			live := c.generation == generation && c.state == stateReady
			idle := time.Now().UnixNano()-c.lastUse >= interval.Nanoseconds()
			c.mu.Unlock()
			if !live {
				return
			}
			if !idle {
				continue
			}

			c.cmdMu.Lock()
			err := c.sendCommand("PING")
			if err == nil {
				_, err = c.recvReply(nil)
			}
			c.cmdMu.Unlock()
			if err != nil {
				c.logger.Printf("redis: health check ping to %s failed: %v", c.Addr, err)
			}
		}
	}
}

func isAuthFailure(err error) bool {
	ce, ok := err.(*ConnectError)
	if !ok {
		return false
	}
	_, ok = ce.Err.(ErrorReply)
	return ok
}

// sendCommand writes one request frame and flushes it. Transport-level
// failure marks the Connection Broken and returns the raw error so the
// caller (an executor) can decide on reconnect-and-replay.
func (c *Connection) sendCommand(name string, args ...interface{}) error {
	c.mu.Lock()
	tr := c.tr
	state := c.state
	c.mu.Unlock()
	if err := stateErr(state); err != nil {
		return err
	}

	buf := encodeCommand(nil, name, args...)
	if _, err := tr.w.Write(buf); err != nil {
		c.markBroken()
		return err
	}
	if err := tr.flush(); err != nil {
		c.markBroken()
		return err
	}
	return nil
}

// sendRaw writes an already-encoded, possibly multi-command, byte block
// (used by the pipeline executor).
func (c *Connection) sendRaw(buf []byte) error {
	c.mu.Lock()
	tr := c.tr
	state := c.state
	c.mu.Unlock()
	if err := stateErr(state); err != nil {
		return err
	}
	if _, err := tr.w.Write(buf); err != nil {
		c.markBroken()
		return err
	}
	if err := tr.flush(); err != nil {
		c.markBroken()
		return err
	}
	return nil
}

// recvReply reads one reply frame. A non-ErrorReply I/O failure marks the
// Connection Broken, since framing state is now unknown.
func (c *Connection) recvReply(parse ParseFunc) (Value, error) {
	c.mu.Lock()
	tr := c.tr
	state := c.state
	c.mu.Unlock()
	if err := stateErr(state); err != nil {
		return Value{}, err
	}
	c.mu.Lock()
	c.lastUse = time.Now().UnixNano()
	c.mu.Unlock()

	v, err := readReplyWith(tr.r, parse)
	if err != nil {
		if _, ok := err.(ErrorReply); !ok {
			c.markBroken()
		}
		return Value{}, err
	}
	return v, nil
}

// stateErr maps a non-Ready state to the error a caller should see: an
// explicit close yields ErrBadResource, anything else (Broken mid-retry,
// never-yet-connected) yields ErrConnectionClosed.
func stateErr(state connState) error {
	switch state {
	case stateReady:
		return nil
	case stateClosed, stateDraining:
		return ErrBadResource
	default:
		return ErrConnectionClosed
	}
}

func (c *Connection) markBroken() {
	c.mu.Lock()
	if c.state == stateReady || c.state == stateConnecting {
		c.state = stateBroken
		if c.tr != nil {
			c.tr.close()
			c.tr = nil
		}
	}
	c.mu.Unlock()
}

// ensureReady lazily dials (or reconnects a Broken connection) so that
// createLazyClient's "open on first command" semantics and the reconnect
// policy share one code path.
func (c *Connection) ensureReady() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateReady:
		return nil
	case stateClosed:
		c.mu.Lock()
		err := c.connectLocked()
		c.mu.Unlock()
		return err
	case stateDraining:
		return ErrBadResource
	default: // stateBroken, stateConnecting
		return c.reconnect()
	}
}

var _ io.Closer = (*Connection)(nil)
