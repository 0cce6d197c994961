// Package stream manages long-lived subscriptions to camera event endpoints.
// A Channel owns the reconnect policy for one camera: views only ever see its
// state and events, never the underlying transport.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ayusman/gestureops/internal/detection"
)

// DefaultRetryDelay is the fixed wait between reconnect attempts.
const DefaultRetryDelay = 3 * time.Second

const pingWriteWait = time.Second

// Config configures a Channel.
type Config struct {
	CameraID   int64
	URL        string
	Dialer     Dialer
	RetryDelay time.Duration
	// ReadTimeout is how long a connection may stay silent, pongs included,
	// before it is dropped and redialed. Zero means three retry delays;
	// negative disables the check. Pings go out every third of it.
	ReadTimeout time.Duration
	// Limiter, when set, bounds how many channels may dial at once.
	Limiter *semaphore.Weighted
	Clock   clock.Clock
	Logger  *zap.Logger
	OnEvent func(Event)
	OnState func(Status)
}

// Channel is an auto-reconnecting subscription to one camera's event feed.
// Handlers run on the channel's read goroutine, in arrival order, and must
// not call Close on the same channel.
type Channel struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	conn    Conn
	onEvent func(Event)
	onState func(Status)

	// emitMu is held while a handler runs; Close takes it once after marking
	// the channel closed so no handler runs after Close returns.
	emitMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	seq       uint64
}

// Open starts connecting to the camera endpoint and returns immediately.
func Open(cfg Config) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * cfg.RetryDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{HandshakeTimeout: 5 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.Int64("camera_id", cfg.CameraID)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onEvent: cfg.OnEvent,
		onState: cfg.OnState,
		status: Status{
			CameraID: cfg.CameraID,
			State:    Connecting,
			Since:    cfg.Clock.Now(),
		},
	}
	go c.run()
	return c
}

// OnEvent replaces the event handler.
func (c *Channel) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnState replaces the state-change handler.
func (c *Channel) OnState(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CameraID returns the id of the camera this channel subscribes to.
func (c *Channel) CameraID() int64 {
	return c.cfg.CameraID
}

// Done is closed once the channel's goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close stops the channel. It is idempotent, cancels any pending retry and
// guarantees that no handler is invoked after it returns.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.status.State = Disconnected
		c.status.Since = c.clock.Now()
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		c.emitMu.Lock()
		c.emitMu.Unlock()

		c.logger.Debug("camera stream closed")
	})
}

func (c *Channel) run() {
	defer close(c.done)

	bo := backoff.NewConstantBackOff(c.cfg.RetryDelay)
	attempts := 0
	c.setState(Connecting, 0, nil)

	for {
		conn, err := c.dial()
		if err == nil {
			if !c.attach(conn) {
				conn.Close()
				return
			}
			attempts = 0
			bo.Reset()
			c.setState(Connected, 0, nil)
			c.logger.Info("camera stream connected", zap.String("url", c.cfg.URL))

			err = c.read(conn)
			c.detach(conn)
			conn.Close()
		}

		if c.ctx.Err() != nil {
			return
		}

		attempts++
		delay := bo.NextBackOff()
		// The timer exists before the state is published so that anyone
		// observing Reconnecting can rely on the retry being scheduled.
		timer := c.clock.Timer(delay)
		c.setState(Reconnecting, attempts, err)
		c.logger.Warn("camera stream unavailable, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))

		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) dial() (Conn, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Acquire(c.ctx, 1); err != nil {
			return nil, err
		}
		defer c.cfg.Limiter.Release(1)
	}
	return c.cfg.Dialer.Dial(c.ctx, c.cfg.URL)
}

func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Channel) read(conn Conn) error {
	if c.cfg.ReadTimeout > 0 {
		// Network deadlines are wall-clock.
		extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
		if err := extend(); err != nil {
			return err
		}
		conn.SetPongHandler(func(string) error { return extend() })

		stop := make(chan struct{})
		defer close(stop)
		go c.ping(conn, stop)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		now := c.clock.Now()

		switch mt {
		case TextMessage:
			msg, err := detection.Decode(c.cfg.CameraID, data)
			if err != nil {
				c.logger.Warn("dropping malformed stream message", zap.Error(err))
				continue
			}
			switch msg.Kind {
			case detection.KindFrame:
				c.deliver(Event{Frame: msg.Frame, Received: now})
			case detection.KindNotice:
				c.logger.Info("camera stream notice", zap.String("notice", msg.Notice))
			}
		case BinaryMessage:
			c.deliver(Event{Image: data, Received: now})
		}
	}
}

// ping keeps a silent but healthy camera answering with pongs. A failed
// ping is left to the read deadline.
func (c *Channel) ping(conn Conn, stop <-chan struct{}) {
	ticker := c.clock.Ticker(c.cfg.ReadTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				c.logger.Debug("camera stream ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Channel) setState(state State, attempts int, cause error) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.status.State = state
	c.status.Attempts = attempts
	c.status.Since = c.clock.Now()
	switch {
	case cause != nil:
		c.status.LastError = cause.Error()
	case state == Connected:
		c.status.LastError = ""
	}
	st := c.status
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		c.emit(func() { fn(st) })
	}
}

func (c *Channel) deliver(ev Event) {
	c.seq++
	ev.CameraID = c.cfg.CameraID
	ev.Seq = c.seq

	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()

	if fn != nil {
		c.emit(func() { fn(ev) })
	}
}

func (c *Channel) emit(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed.Load() {
		return
	}
	fn()
}
