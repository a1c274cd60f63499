package piperlib

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	gnet "github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
)

// gnetWire runs socket I/O on a gnet client engine. Event loop
// callbacks copy payloads out of loop-owned buffers and post them to
// the dispatch goroutine, which also receives its sweep ticks from the
// engine ticker.
type gnetWire struct {
	dialTimeout  time.Duration
	dialAttempts int
	tick         time.Duration
	log          *slog.Logger

	post func(event)
	cli  *gnet.Client
}

func newGnetWire(dialTimeout time.Duration, dialAttempts int, tick time.Duration, log *slog.Logger) *gnetWire {
	return &gnetWire{
		dialTimeout:  dialTimeout,
		dialAttempts: dialAttempts,
		tick:         tick,
		log:          log,
	}
}

func (w *gnetWire) Run(post func(event)) error {
	w.post = post
	cli, err := gnet.NewClient(&gnetEvents{w: w}, gnet.WithTicker(true))
	if err != nil {
		return err
	}
	w.cli = cli
	return cli.Start()
}

func (w *gnetWire) Stop() error { return w.cli.Stop() }

func (w *gnetWire) Dial(id uint64, host string, port int) (wireConn, error) {
	go w.dial(id, net.JoinHostPort(host, strconv.Itoa(port)))
	return nil, nil
}

func (w *gnetWire) dial(id uint64, addr string) {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	attempts := w.dialAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d := b.Duration()
			w.log.Debug("retrying dial", "addr", addr, "attempt", i+1, "backoff", d)
			time.Sleep(d)
		}
		nc, err := net.DialTimeout("tcp", addr, w.dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		gc, err := w.cli.EnrollContext(nc, id)
		if err != nil {
			_ = nc.Close()
			lastErr = err
			continue
		}
		w.post(dialedEvent{id: id, wc: &gnetConn{w: w, id: id, gc: gc}})
		return
	}
	w.post(dialFailedEvent{id: id, err: lastErr})
}

type gnetConn struct {
	w  *gnetWire
	id uint64
	gc gnet.Conn
}

func (cn *gnetConn) Write(bufs []*bytebufferpool.ByteBuffer) error {
	bs := make([][]byte, len(bufs))
	for i, b := range bufs {
		bs[i] = b.B
	}
	err := cn.gc.AsyncWritev(bs, func(_ gnet.Conn, err error) error {
		releaseBufs(bufs)
		if err != nil {
			cn.w.post(closedEvent{id: cn.id, err: err})
		} else {
			cn.w.post(drainedEvent{id: cn.id})
		}
		return nil
	})
	if err != nil {
		releaseBufs(bufs)
	}
	return err
}

func (cn *gnetConn) Close() error { return cn.gc.Close() }

type gnetEvents struct {
	gnet.BuiltinEventEngine
	w *gnetWire
}

func (e *gnetEvents) OnTraffic(c gnet.Conn) gnet.Action {
	id, ok := c.Context().(uint64)
	if !ok {
		return gnet.None
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if len(data) == 0 {
		return gnet.None
	}
	buf := bytebufferpool.Get()
	_, _ = buf.Write(data)
	e.w.post(dataEvent{id: id, buf: buf})
	return gnet.None
}

func (e *gnetEvents) OnClose(c gnet.Conn, err error) gnet.Action {
	if id, ok := c.Context().(uint64); ok {
		e.w.post(closedEvent{id: id, err: err})
	}
	return gnet.None
}

func (e *gnetEvents) OnTick() (time.Duration, gnet.Action) {
	e.w.post(tickEvent{now: time.Now()})
	return e.w.tick, gnet.None
}
