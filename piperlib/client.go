// Package piperlib is a pipelining HTTP/1.1 client core. One dispatch
// goroutine owns every connection, pairs responses to requests in FIFO
// order and hands deliveries to futures or receivers. Socket I/O runs
// on a gnet event loop engine behind a small wire boundary.
package piperlib

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultSweepEvery     = 1 * time.Second
	defaultDialTimeout    = 5 * time.Second
	defaultDialAttempts   = 3
	defaultMaxBodyBytes   = 8 << 20
	eventBacklog          = 1024
)

// Client drives any number of pipelined HTTP/1.1 connections from one
// dispatch goroutine. The zero value is ready to use; fields must be
// set before the first call. Every used Client must be released with
// Shutdown.
type Client struct {
	RequestTimeout time.Duration // fail a request this long after it was sent, negative disables
	IdleTimeout    time.Duration // reap connections quiet for this long, negative disables
	SweepEvery     time.Duration // timeout sweep interval
	DialTimeout    time.Duration // per-attempt dial timeout
	DialAttempts   int           // dial attempts before giving up
	MaxBodyBytes   int64         // largest accepted response body, chunk or buffered stream
	Logger         *slog.Logger

	wire wire

	mu     sync.RWMutex
	closed bool

	once     sync.Once
	shutOnce sync.Once
	startErr error
	events   chan event
	stopping chan struct{}
	done     chan struct{}
	log      *slog.Logger

	// owned by the dispatch goroutine
	conns  map[uint64]*conn
	lastID uint64
	open   openRequests
}

func (c *Client) init() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	} else if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	c.log = c.Logger
	if c.log == nil {
		c.log = slog.Default()
	}
	c.events = make(chan event, eventBacklog)
	c.stopping = make(chan struct{})
	c.done = make(chan struct{})
	c.conns = make(map[uint64]*conn)
	if c.wire == nil {
		c.wire = newGnetWire(c.DialTimeout, c.DialAttempts, c.SweepEvery, c.log)
	}
	if err := c.wire.Run(c.postFromWire); err != nil {
		c.startErr = err
		close(c.stopping)
		close(c.done)
		return
	}
	go c.run()
}

func (c *Client) start() error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	c.once.Do(c.init)
	return c.startErr
}

func (c *Client) post(ev event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrShutdown
	}
	c.events <- ev
	return nil
}

// postFromWire delivers wire events. Once shutdown starts joining the
// wire the dispatcher no longer drains, so posters bail out and release
// whatever the event carries instead of blocking the join.
func (c *Client) postFromWire(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopping:
		switch ev := ev.(type) {
		case dataEvent:
			bytebufferpool.Put(ev.buf)
		case dialedEvent:
			_ = ev.wc.Close()
		}
	}
}

// fail delivers a submission failure on the dispatch goroutine. Once
// the client has shut down the dispatcher is gone, so the calling
// goroutine delivers instead.
func (c *Client) fail(s sink, err error) {
	if c.post(funcEvent{fn: func() { s.onFailure(err) }}) != nil {
		s.onFailure(err)
	}
}

// Connect dials host:port and returns a handle to the new connection
// once it is established.
func (c *Client) Connect(ctx context.Context, host string, port int) (*Conn, error) {
	if err := c.start(); err != nil {
		return nil, err
	}
	reply := make(chan connectResult, 1)
	if err := c.post(connectEvent{host: host, port: port, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-reply; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Shutdown closes every connection, fails every open request with
// ErrShutdown and stops the wire. It blocks until the dispatch
// goroutine has exited and is safe to call more than once.
func (c *Client) Shutdown() {
	c.once.Do(c.init)
	c.shutOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.startErr == nil {
			c.events <- shutdownEvent{}
		}
	})
	<-c.done
}
