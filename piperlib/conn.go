package piperlib

import (
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
)

type connState uint8

const (
	connDialing connState = iota
	connOpen
	connClosed
)

// queuedSend is a request serialized into wire buffers, waiting for the
// writer slot on its connection.
type queuedSend struct {
	req  *Request
	bufs []*bytebufferpool.ByteBuffer
	s    sink
}

// pendingResponse is one sent request awaiting its response. It doubles
// as the request's record in the client-wide open request list.
type pendingResponse struct {
	req    *Request
	s      sink
	c      *conn
	sentAt time.Time
	done   bool // a terminal delivery has fired

	prev, next *pendingResponse
	linked     bool
}

func (p *pendingResponse) finish() bool {
	if p.done {
		return false
	}
	p.done = true
	return true
}

type conn struct {
	client *Client
	id     uint64
	host   string
	port   int

	state connState
	wc    wireConn
	reply chan connectResult // resolves the Connect call, nil afterwards

	writing bool          // a batch of buffers is with the wire
	sendq   []*queuedSend // sends waiting for the writer slot
	pending []*pendingResponse
	parser  parser

	lastActivity time.Time
}

func (cn *conn) touch(now time.Time) { cn.lastActivity = now }

func (cn *conn) acceptSend(qs *queuedSend, now time.Time) error {
	if cn.writing {
		cn.sendq = append(cn.sendq, qs)
		return nil
	}
	return cn.startSend(qs, now)
}

func (cn *conn) startSend(qs *queuedSend, now time.Time) error {
	slot := slotPool.acquire(cn, qs.req, qs.s, now)
	cn.pending = append(cn.pending, slot)
	cn.client.open.push(slot)
	if len(cn.pending) == 1 {
		cn.parser.prime(slot.req.Method)
	}
	cn.writing = true
	bufs := qs.bufs
	sendPool.release(qs)
	return cn.wc.Write(bufs)
}

func (cn *conn) onWriteDrained(now time.Time) error {
	cn.writing = false
	cn.touch(now)
	if len(cn.pending) > 0 && cn.parser.phase == phaseIdle {
		cn.parser.prime(cn.pending[0].req.Method)
	}
	if len(cn.sendq) == 0 {
		return nil
	}
	qs := cn.sendq[0]
	cn.sendq[0] = nil
	cn.sendq = cn.sendq[1:]
	return cn.startSend(qs, now)
}

// handleData runs inbound bytes through the parser and delivers every
// event it produces. A non-nil error means the connection is beyond
// recovery and must be closed.
func (cn *conn) handleData(data []byte) error {
	cn.parser.feed(data)
	for {
		ev, ok, err := cn.parser.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := cn.deliver(ev); err != nil {
			return err
		}
	}
}

func (cn *conn) deliver(ev parseEvent) error {
	if len(cn.pending) == 0 {
		return fmt.Errorf("piper: protocol violation: response arrived with no request pending")
	}
	head := cn.pending[0]
	switch ev.kind {
	case parsedResponse:
		cn.popHead()
		cn.client.open.remove(head)
		if head.finish() {
			head.s.onResponse(ev.res)
		}
		slotPool.release(head)
		cn.primeForHead()
	case parsedChunkStart:
		if !head.done {
			head.s.onChunkStart(ev.res)
		}
	case parsedChunk:
		if !head.done {
			head.s.onChunk(ev.chunk)
		}
	case parsedChunkEnd:
		cn.popHead()
		cn.client.open.remove(head)
		if head.finish() {
			head.s.onChunkEnd(ev.ext, ev.trailer)
		}
		slotPool.release(head)
		cn.primeForHead()
	}
	return nil
}

func (cn *conn) popHead() {
	cn.pending[0] = nil
	cn.pending = cn.pending[1:]
}

// primeForHead re-arms the parser for the request now at the head of
// the pipeline. Framing depends on that request's method.
func (cn *conn) primeForHead() {
	if len(cn.pending) == 0 {
		return
	}
	cn.parser.prime(cn.pending[0].req.Method)
}

// failAll delivers err to every request on the connection, pipelined
// before queued, each at most once, and empties both queues.
func (cn *conn) failAll(err error) {
	for i, slot := range cn.pending {
		cn.client.open.remove(slot)
		if slot.finish() {
			slot.s.onFailure(err)
		}
		slotPool.release(slot)
		cn.pending[i] = nil
	}
	cn.pending = nil
	for i, qs := range cn.sendq {
		releaseBufs(qs.bufs)
		s := qs.s
		sendPool.release(qs)
		s.onFailure(err)
		cn.sendq[i] = nil
	}
	cn.sendq = nil
}
