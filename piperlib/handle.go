package piperlib

import (
	"context"
	"io"
	"net"
	"strconv"
)

// Conn is a caller-facing handle to one pipelined connection. Handles
// stay valid after the connection dies; submissions then fail through
// the usual delivery path.
type Conn struct {
	client *Client
	id     uint64
	host   string
	port   int
}

// Addr returns the host:port the connection was dialed to.
func (h *Conn) Addr() string { return net.JoinHostPort(h.host, strconv.Itoa(h.port)) }

// Send pipelines req and returns a future resolving with the complete
// response. Chunked responses are buffered up to the client's
// MaxBodyBytes; use SendTo to stream them.
func (h *Conn) Send(req *Request) *Future {
	f := newFuture(h.client.MaxBodyBytes)
	h.submit(req, f)
	return f
}

// SendTo pipelines req and streams delivery events to r, tagging every
// callback with ctx. Failures reach r.OnError.
func (h *Conn) SendTo(req *Request, r Receiver, ctx any) {
	h.submit(req, &receiverSink{r: r, ctx: ctx})
}

// Do sends req and waits for the response.
func (h *Conn) Do(ctx context.Context, req *Request) (*Response, error) {
	return h.Send(req).Wait(ctx)
}

// StartRequestStream would open req with a caller-driven body stream.
// The write side of streaming is not built, so it only reports that.
func (h *Conn) StartRequestStream(req *Request) (io.WriteCloser, error) {
	return nil, ErrStreamingUnsupported
}

// Close releases the connection. Requests still open on it fail with a
// closed-connection error.
func (h *Conn) Close() {
	_ = h.client.post(closeEvent{connID: h.id})
}

func (h *Conn) submit(req *Request, s sink) {
	if err := req.normalize(); err != nil {
		h.client.fail(s, err)
		return
	}
	qs := sendPool.acquire(req, s)
	qs.bufs = serializeRequest(req, h.host, h.port)
	if err := h.client.post(sendEvent{connID: h.id, qs: qs}); err != nil {
		releaseBufs(qs.bufs)
		sendPool.release(qs)
		s.onFailure(err)
	}
}
