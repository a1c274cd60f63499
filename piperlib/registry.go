package piperlib

import "time"

// openRequests tracks every in-flight request across all connections in
// send order. Records embed their own links, so append and removal are
// O(1) and an expiry scan touches only the oldest records.
type openRequests struct {
	head *pendingResponse
	tail *pendingResponse
	n    int
}

func (l *openRequests) push(p *pendingResponse) {
	p.prev, p.next = l.tail, nil
	p.linked = true
	if l.tail != nil {
		l.tail.next = p
	} else {
		l.head = p
	}
	l.tail = p
	l.n++
}

func (l *openRequests) remove(p *pendingResponse) {
	if !p.linked {
		return
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.prev, p.next = nil, nil
	p.linked = false
	l.n--
}

func (l *openRequests) len() int { return l.n }

// expireBefore calls fn for every record sent before cutoff, oldest
// first, and stops at the first record that is still fresh. fn is
// expected to unlink the record, and may unlink any number of later
// records along with it.
func (l *openRequests) expireBefore(cutoff time.Time, fn func(*pendingResponse)) {
	for {
		p := l.head
		if p == nil || !p.sentAt.Before(cutoff) {
			return
		}
		fn(p)
		if l.head == p {
			l.remove(p)
		}
	}
}
