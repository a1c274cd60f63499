package piperlib

import (
	"errors"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// fakeWire drives the dispatcher deterministically. Dials complete
// inline or on demand, and flushes, inbound bytes, closures and ticks
// are all posted explicitly by the test.
type fakeWire struct {
	syncDial  bool
	autoDrain bool

	mu    sync.Mutex
	post  func(event)
	conns map[uint64]*fakeConn
	dials []uint64
}

func newFakeWire(syncDial, autoDrain bool) *fakeWire {
	return &fakeWire{syncDial: syncDial, autoDrain: autoDrain, conns: make(map[uint64]*fakeConn)}
}

func (w *fakeWire) Run(post func(event)) error {
	w.post = post
	return nil
}

func (w *fakeWire) Stop() error { return nil }

func (w *fakeWire) Dial(id uint64, host string, port int) (wireConn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fc := &fakeConn{w: w, id: id, autoDrain: w.autoDrain}
	w.conns[id] = fc
	if w.syncDial {
		return fc, nil
	}
	w.dials = append(w.dials, id)
	return nil, nil
}

// completeDial finishes the oldest outstanding dial.
func (w *fakeWire) completeDial() {
	w.mu.Lock()
	id := w.dials[0]
	w.dials = w.dials[1:]
	fc := w.conns[id]
	w.mu.Unlock()
	w.post(dialedEvent{id: id, wc: fc})
}

// failDial fails the oldest outstanding dial with err.
func (w *fakeWire) failDial(err error) {
	w.mu.Lock()
	id := w.dials[0]
	w.dials = w.dials[1:]
	delete(w.conns, id)
	w.mu.Unlock()
	w.post(dialFailedEvent{id: id, err: err})
}

func (w *fakeWire) pendingDials() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dials)
}

func (w *fakeWire) conn(id uint64) *fakeConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conns[id]
}

func (w *fakeWire) tick(now time.Time) { w.post(tickEvent{now: now}) }

// floodStopWire keeps posting inbound data while Stop runs, the way a
// live engine's loops keep delivering until the join completes.
type floodStopWire struct {
	*fakeWire
}

func (w *floodStopWire) Stop() error {
	for i := 0; i < eventBacklog+8; i++ {
		buf := bytebufferpool.Get()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\n")
		w.post(dataEvent{id: 1, buf: buf})
	}
	return nil
}

var errFakeConnClosed = errors.New("fake wire: conn closed")

type fakeConn struct {
	w         *fakeWire
	id        uint64
	autoDrain bool

	mu      sync.Mutex
	flushed []byte
	batches int
	closed  bool
}

func (fc *fakeConn) Write(bufs []*bytebufferpool.ByteBuffer) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		releaseBufs(bufs)
		return errFakeConnClosed
	}
	for _, b := range bufs {
		fc.flushed = append(fc.flushed, b.B...)
	}
	fc.batches++
	auto := fc.autoDrain
	fc.mu.Unlock()
	releaseBufs(bufs)
	if auto {
		fc.w.post(drainedEvent{id: fc.id})
	}
	return nil
}

func (fc *fakeConn) Close() error {
	fc.mu.Lock()
	fc.closed = true
	fc.mu.Unlock()
	return nil
}

// drain posts one write completion.
func (fc *fakeConn) drain() { fc.w.post(drainedEvent{id: fc.id}) }

// serve posts inbound bytes as if the server had sent them.
func (fc *fakeConn) serve(s string) {
	buf := bytebufferpool.Get()
	_, _ = buf.WriteString(s)
	fc.w.post(dataEvent{id: fc.id, buf: buf})
}

// closeByPeer posts a connection closure notice.
func (fc *fakeConn) closeByPeer(err error) { fc.w.post(closedEvent{id: fc.id, err: err}) }

func (fc *fakeConn) wrote() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return string(fc.flushed)
}

func (fc *fakeConn) batchCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.batches
}
