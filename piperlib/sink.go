package piperlib

// Receiver consumes delivery events for requests submitted with SendTo.
// Callbacks run on the client's dispatch goroutine and must not block;
// hand work off to another goroutine instead. The one exception is a
// request rejected after Shutdown, whose OnError runs on the
// submitting goroutine. Exactly one terminal callback fires per
// request: OnResponse, OnChunkEnd or OnError.
type Receiver interface {
	// OnResponse delivers a complete non-chunked response.
	OnResponse(ctx any, res *Response)
	// OnChunkStart delivers the head of a chunked response. res.Body is nil.
	OnChunkStart(ctx any, res *Response)
	// OnChunk delivers one body chunk. The receiver owns chunk.Data.
	OnChunk(ctx any, chunk Chunk)
	// OnChunkEnd delivers the zero-length final chunk and any trailer.
	OnChunkEnd(ctx any, extensions string, trailer Header)
	// OnError delivers the failure that ended the request.
	OnError(ctx any, err error)
}

type sink interface {
	onResponse(res *Response)
	onChunkStart(res *Response)
	onChunk(chunk Chunk)
	onChunkEnd(extensions string, trailer Header)
	onFailure(err error)
}

type receiverSink struct {
	r   Receiver
	ctx any
}

func (s *receiverSink) onResponse(res *Response)              { s.r.OnResponse(s.ctx, res) }
func (s *receiverSink) onChunkStart(res *Response)            { s.r.OnChunkStart(s.ctx, res) }
func (s *receiverSink) onChunk(chunk Chunk)                   { s.r.OnChunk(s.ctx, chunk) }
func (s *receiverSink) onChunkEnd(ext string, trailer Header) { s.r.OnChunkEnd(s.ctx, ext, trailer) }
func (s *receiverSink) onFailure(err error)                   { s.r.OnError(s.ctx, err) }
