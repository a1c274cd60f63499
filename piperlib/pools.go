package piperlib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// na + nr equal the total number of acquires.
// na + nr - np equal the number still in use.
type PoolMetrics struct {
	na uint64 // number of new allocations
	nr uint64 // number of reuses from the pool
	np uint64 // number of puts back to the pool
}

func (m *PoolMetrics) metricsString() string {
	na := atomic.LoadUint64(&m.na)
	nr := atomic.LoadUint64(&m.nr)
	np := atomic.LoadUint64(&m.np)
	return fmt.Sprintf("{\"na\" = %d, \"nr\" = %d, \"np\" = %d, \"running\" = %d}", na, nr, np, na+nr-np)
}

var sendPool = &SendPool{sp: sync.Pool{}}

type SendPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *SendPool) acquire(req *Request, s sink) *queuedSend {
	v := p.sp.Get()
	if v == nil {
		v = &queuedSend{}
		atomic.AddUint64(&p.m.na, uint64(1))
	} else {
		atomic.AddUint64(&p.m.nr, uint64(1))
	}
	qs := v.(*queuedSend)
	qs.req = req
	qs.s = s
	return qs
}

func (p *SendPool) release(qs *queuedSend) {
	qs.req, qs.s, qs.bufs = nil, nil, nil
	p.sp.Put(qs)
	atomic.AddUint64(&p.m.np, uint64(1))
}

var slotPool = &SlotPool{sp: sync.Pool{}}

type SlotPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *SlotPool) acquire(cn *conn, req *Request, s sink, sentAt time.Time) *pendingResponse {
	v := p.sp.Get()
	if v == nil {
		v = &pendingResponse{}
		atomic.AddUint64(&p.m.na, uint64(1))
	} else {
		atomic.AddUint64(&p.m.nr, uint64(1))
	}
	slot := v.(*pendingResponse)
	slot.c = cn
	slot.req = req
	slot.s = s
	slot.sentAt = sentAt
	slot.done = false
	return slot
}

func (p *SlotPool) release(slot *pendingResponse) {
	slot.c, slot.req, slot.s = nil, nil, nil
	slot.prev, slot.next, slot.linked = nil, nil, false
	p.sp.Put(slot)
	atomic.AddUint64(&p.m.np, uint64(1))
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"sendPool\" = %s, \"slotPool\" = %s}",
		sendPool.m.metricsString(),
		slotPool.m.metricsString(),
	)
}
