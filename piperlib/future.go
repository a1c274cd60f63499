package piperlib

import (
	"context"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Future resolves with the response to one pipelined request, or with
// the error that ended it. A chunk-streamed response is buffered into a
// single Response whose Trailer carries the trailer fields; chunk
// extensions are discarded and the buffered body may not exceed the
// client's MaxBodyBytes.
type Future struct {
	done chan struct{}
	res  *Response
	err  error

	limit    int64
	resolved bool
	head     *Response
	body     *bytebufferpool.ByteBuffer
}

func newFuture(limit int64) *Future {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	return &Future{done: make(chan struct{}), limit: limit}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Response returns the resolved response, nil before Done is closed.
func (f *Future) Response() *Response { return f.res }

// Err returns the resolved error, nil before Done is closed.
func (f *Future) Err() error { return f.err }

func (f *Future) onResponse(res *Response) { f.resolve(res, nil) }

func (f *Future) onChunkStart(res *Response) {
	f.head = res
	f.body = bytebufferpool.Get()
}

func (f *Future) onChunk(chunk Chunk) {
	if f.resolved {
		return
	}
	if int64(f.body.Len())+int64(len(chunk.Data)) > f.limit {
		f.releaseBody()
		f.resolve(nil, fmt.Errorf("piper: buffered response body exceeds limit %d", f.limit))
		return
	}
	_, _ = f.body.Write(chunk.Data)
}

func (f *Future) onChunkEnd(_ string, trailer Header) {
	if f.resolved {
		return
	}
	res := f.head
	res.Body = append([]byte(nil), f.body.B...)
	res.Trailer = trailer
	f.releaseBody()
	f.resolve(res, nil)
}

func (f *Future) onFailure(err error) {
	f.releaseBody()
	f.resolve(nil, err)
}

func (f *Future) releaseBody() {
	if f.body != nil {
		bytebufferpool.Put(f.body)
		f.head, f.body = nil, nil
	}
}

// resolve settles the future once; a stream that was already failed for
// overflow swallows whatever the connection still delivers.
func (f *Future) resolve(res *Response, err error) {
	if f.resolved {
		return
	}
	f.resolved = true
	f.res, f.err = res, err
	close(f.done)
}
