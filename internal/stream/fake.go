package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// FakeDialer is a Dialer for tests. In scripted mode every Dial blocks until
// the test calls Accept or Refuse; in auto mode every Dial succeeds with a
// fresh FakeConn that can be looked up by URL.
type FakeDialer struct {
	auto    bool
	results chan dialResult

	mu    sync.Mutex
	dials int
	conns map[string]*FakeConn
}

type dialResult struct {
	conn Conn
	err  error
}

// NewFakeDialer returns a scripted FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		results: make(chan dialResult),
		conns:   make(map[string]*FakeConn),
	}
}

// NewAutoDialer returns a FakeDialer that accepts every dial.
func NewAutoDialer() *FakeDialer {
	d := NewFakeDialer()
	d.auto = true
	return d
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.auto {
		conn := NewFakeConn()
		d.conns[url] = conn
		d.mu.Unlock()
		return conn, nil
	}
	d.mu.Unlock()

	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept completes the next pending Dial with conn.
func (d *FakeDialer) Accept(conn *FakeConn) {
	d.results <- dialResult{conn: conn}
}

// Refuse fails the next pending Dial with err.
func (d *FakeDialer) Refuse(err error) {
	d.results <- dialResult{err: err}
}

// Dials returns how many Dial calls have been made.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conn waits up to timeout for an auto-accepted connection to url.
func (d *FakeDialer) Conn(url string, timeout time.Duration) (*FakeConn, bool) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		conn, ok := d.conns[url]
		d.mu.Unlock()
		if ok || time.Now().After(deadline) {
			return conn, ok
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// FakeConn is an in-memory Conn fed by the test. It honors read deadlines
// in wall-clock time.
type FakeConn struct {
	msgs   chan fakeMessage
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
	onPong   func(string) error
	pings    int
}

type fakeMessage struct {
	typ  int
	data []byte
	err  error
	pong bool
}

// NewFakeConn returns an open FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		msgs:   make(chan fakeMessage),
		closed: make(chan struct{}),
	}
}

// ReadMessage implements Conn.
func (c *FakeConn) ReadMessage() (int, []byte, error) {
	for {
		m, err := c.next()
		if err != nil {
			return 0, nil, err
		}
		if !m.pong {
			return m.typ, m.data, m.err
		}
		c.mu.Lock()
		h := c.onPong
		c.mu.Unlock()
		if h != nil {
			if err := h(string(m.data)); err != nil {
				return 0, nil, err
			}
		}
	}
}

func (c *FakeConn) next() (fakeMessage, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case m := <-c.msgs:
		return m, nil
	case <-expired:
		return fakeMessage{}, os.ErrDeadlineExceeded
	case <-c.closed:
		return fakeMessage{}, net.ErrClosed
	}
}

// SetReadDeadline implements Conn.
func (c *FakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// SetPongHandler implements Conn.
func (c *FakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPong = h
}

// WriteControl implements Conn. Pings are counted.
func (c *FakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if c.Closed() {
		return net.ErrClosed
	}
	if messageType == PingMessage {
		c.mu.Lock()
		c.pings++
		c.mu.Unlock()
	}
	return nil
}

// Pings returns how many pings have been written.
func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Pong delivers a pong to the reader.
func (c *FakeConn) Pong() bool {
	return c.send(fakeMessage{pong: true})
}

// Close implements Conn.
func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendText hands a text message to the reader. It returns false if the
// connection was closed before the reader took it.
func (c *FakeConn) SendText(data string) bool {
	return c.send(fakeMessage{typ: TextMessage, data: []byte(data)})
}

// SendBinary hands a binary message to the reader.
func (c *FakeConn) SendBinary(data []byte) bool {
	return c.send(fakeMessage{typ: BinaryMessage, data: data})
}

// SendFrame encodes v as JSON and sends it as a text message.
func (c *FakeConn) SendFrame(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.send(fakeMessage{typ: TextMessage, data: b})
}

// Drop makes the reader fail with err, simulating a network drop.
func (c *FakeConn) Drop(err error) bool {
	if err == nil {
		err = errors.New("connection reset")
	}
	return c.send(fakeMessage{err: err})
}

func (c *FakeConn) send(m fakeMessage) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.closed:
		return false
	}
}
