package piperlib

import (
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
)

type event any

type connectResult struct {
	conn *Conn
	err  error
}

type (
	connectEvent struct {
		host  string
		port  int
		reply chan connectResult
	}
	sendEvent struct {
		connID uint64
		qs     *queuedSend
	}
	closeEvent struct {
		connID uint64
	}
	funcEvent struct {
		fn func()
	}
	shutdownEvent struct{}

	dialedEvent struct {
		id uint64
		wc wireConn
	}
	dialFailedEvent struct {
		id  uint64
		err error
	}
	dataEvent struct {
		id  uint64
		buf *bytebufferpool.ByteBuffer
	}
	drainedEvent struct {
		id uint64
	}
	closedEvent struct {
		id  uint64
		err error
	}
	tickEvent struct {
		now time.Time
	}
)

// run is the dispatch loop. All connection and registry state is owned
// by this goroutine; everything else talks to it through c.events.
func (c *Client) run() {
	defer close(c.done)
	for {
		if stop := c.handleEvent(<-c.events); stop {
			c.drainEvents()
			return
		}
	}
}

func (c *Client) handleEvent(ev event) (stop bool) {
	switch ev := ev.(type) {
	case connectEvent:
		c.onConnect(ev)
	case dialedEvent:
		c.onDialed(ev)
	case dialFailedEvent:
		c.onDialFailed(ev)
	case sendEvent:
		c.onSend(ev)
	case drainedEvent:
		c.onDrained(ev)
	case dataEvent:
		c.onData(ev)
	case closedEvent:
		c.onClosed(ev)
	case closeEvent:
		c.onClose(ev)
	case tickEvent:
		c.onTick(ev.now)
	case funcEvent:
		ev.fn()
	case shutdownEvent:
		c.onShutdown()
		return true
	}
	return false
}

func (c *Client) onConnect(ev connectEvent) {
	c.lastID++
	cn := &conn{
		client: c,
		id:     c.lastID,
		host:   ev.host,
		port:   ev.port,
		state:  connDialing,
		reply:  ev.reply,
		parser: newParser(c.MaxBodyBytes),
	}
	cn.touch(time.Now())
	c.conns[cn.id] = cn
	wc, err := c.wire.Dial(cn.id, ev.host, ev.port)
	if err != nil {
		delete(c.conns, cn.id)
		cn.state = connClosed
		cn.reply <- connectResult{err: fmt.Errorf("piper: connect %s:%d: %w", ev.host, ev.port, err)}
		cn.reply = nil
		return
	}
	if wc != nil {
		c.finishDial(cn, wc)
	}
}

func (c *Client) finishDial(cn *conn, wc wireConn) {
	cn.wc = wc
	cn.state = connOpen
	cn.touch(time.Now())
	c.log.Debug("connected", "conn", cn.id, "host", cn.host, "port", cn.port)
	if cn.reply != nil {
		cn.reply <- connectResult{conn: &Conn{client: c, id: cn.id, host: cn.host, port: cn.port}}
		cn.reply = nil
	}
}

func (c *Client) onDialed(ev dialedEvent) {
	cn := c.conns[ev.id]
	if cn == nil || cn.state != connDialing {
		_ = ev.wc.Close()
		return
	}
	c.finishDial(cn, ev.wc)
}

func (c *Client) onDialFailed(ev dialFailedEvent) {
	cn := c.conns[ev.id]
	if cn == nil || cn.state != connDialing {
		return
	}
	delete(c.conns, cn.id)
	cn.state = connClosed
	c.log.Warn("connect failed", "conn", cn.id, "host", cn.host, "port", cn.port, "err", ev.err)
	cn.reply <- connectResult{err: fmt.Errorf("piper: connect %s:%d: %w", cn.host, cn.port, ev.err)}
	cn.reply = nil
}

func (c *Client) onSend(ev sendEvent) {
	cn := c.conns[ev.connID]
	if cn == nil || cn.state != connOpen {
		releaseBufs(ev.qs.bufs)
		s := ev.qs.s
		sendPool.release(ev.qs)
		s.onFailure(errSendClosed)
		return
	}
	if err := cn.acceptSend(ev.qs, time.Now()); err != nil {
		c.closeConn(cn, fmt.Errorf("piper: write failed: %w", err))
	}
}

func (c *Client) onDrained(ev drainedEvent) {
	cn := c.conns[ev.id]
	if cn == nil || cn.state != connOpen {
		return
	}
	if err := cn.onWriteDrained(time.Now()); err != nil {
		c.closeConn(cn, fmt.Errorf("piper: write failed: %w", err))
	}
}

func (c *Client) onData(ev dataEvent) {
	cn := c.conns[ev.id]
	if cn == nil || cn.state != connOpen {
		bytebufferpool.Put(ev.buf)
		return
	}
	cn.touch(time.Now())
	err := cn.handleData(ev.buf.B)
	bytebufferpool.Put(ev.buf)
	if err != nil {
		c.log.Warn("closing connection", "conn", cn.id, "err", err)
		c.closeConn(cn, err)
	}
}

func (c *Client) onClosed(ev closedEvent) {
	cn := c.conns[ev.id]
	if cn == nil || cn.state != connOpen {
		return
	}
	if res, ok := cn.parser.finishClose(); ok {
		if err := cn.deliver(parseEvent{kind: parsedResponse, res: res}); err != nil {
			c.closeConn(cn, err)
			return
		}
	}
	cause := errServerClosed
	if ev.err != nil {
		cause = fmt.Errorf("piper: server closed connection: %w", ev.err)
	}
	c.closeConn(cn, cause)
}

func (c *Client) onClose(ev closeEvent) {
	cn := c.conns[ev.connID]
	if cn == nil || cn.state == connClosed {
		return
	}
	c.closeConn(cn, errConnClosed)
}

// onTick expires overdue requests, oldest first, then reaps idle
// connections.
func (c *Client) onTick(now time.Time) {
	if c.RequestTimeout > 0 {
		cutoff := now.Add(-c.RequestTimeout)
		c.open.expireBefore(cutoff, func(p *pendingResponse) {
			c.log.Warn("request timed out", "req", p.req.id, "conn", p.c.id, "host", p.c.host)
			c.closeConn(p.c, fmt.Errorf("piper: request timed out after %s", c.RequestTimeout))
		})
	}
	if c.IdleTimeout <= 0 {
		return
	}
	var idle []*conn
	for _, cn := range c.conns {
		if cn.state == connOpen && now.Sub(cn.lastActivity) > c.IdleTimeout {
			idle = append(idle, cn)
		}
	}
	for _, cn := range idle {
		c.log.Debug("reaping idle connection", "conn", cn.id, "host", cn.host)
		c.closeConn(cn, fmt.Errorf("piper: idle connection reaped after %s", c.IdleTimeout))
	}
}

func (c *Client) closeConn(cn *conn, err error) {
	if cn.state == connClosed {
		return
	}
	cn.state = connClosed
	delete(c.conns, cn.id)
	if cn.wc != nil {
		_ = cn.wc.Close()
	}
	if cn.reply != nil {
		cn.reply <- connectResult{err: err}
		cn.reply = nil
	}
	cn.failAll(err)
	c.log.Debug("connection closed", "conn", cn.id, "err", err)
}

func (c *Client) onShutdown() {
	// Stop joins the wire's event loops, and a loop blocked on a full
	// events channel would never let the join finish. Release posters
	// before joining.
	close(c.stopping)
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	for _, cn := range conns {
		c.closeConn(cn, ErrShutdown)
	}
	if err := c.wire.Stop(); err != nil {
		c.log.Warn("wire stop", "err", err)
	}
}

// drainEvents rejects whatever was posted concurrently with shutdown.
func (c *Client) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case connectEvent:
				ev.reply <- connectResult{err: ErrShutdown}
			case sendEvent:
				releaseBufs(ev.qs.bufs)
				s := ev.qs.s
				sendPool.release(ev.qs)
				s.onFailure(ErrShutdown)
			case dialedEvent:
				_ = ev.wc.Close()
			case dataEvent:
				bytebufferpool.Put(ev.buf)
			case funcEvent:
				ev.fn()
			}
		default:
			return
		}
	}
}
