package piperlib

import (
	"net/textproto"
	"sort"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// serializeRequest renders req into wire buffers: one for the head and,
// when a body is present, a second one for the body. Buffers come from
// bytebufferpool and are owned by the wire once handed over.
func serializeRequest(req *Request, host string, port int) []*bytebufferpool.ByteBuffer {
	head := bytebufferpool.Get()
	b := head.B
	b = append(b, req.Method...)
	b = append(b, ' ')
	b = append(b, req.URI...)
	b = append(b, ' ')
	b = append(b, req.Proto...)
	b = append(b, crlf...)
	if req.Header.Get("Host") == "" {
		b = append(b, "Host: "...)
		b = append(b, host...)
		if port != 80 {
			b = append(b, ':')
			b = strconv.AppendInt(b, int64(port), 10)
		}
		b = append(b, crlf...)
	}
	withBody := req.Body != nil
	if withBody {
		b = append(b, "Content-Length: "...)
		b = strconv.AppendInt(b, int64(len(req.Body)), 10)
		b = append(b, crlf...)
	}
	if len(req.Header) > 0 {
		keys := make([]string, 0, len(req.Header))
		for k := range req.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ck := textproto.CanonicalMIMEHeaderKey(k)
			if withBody && ck == "Content-Length" {
				continue
			}
			for _, v := range req.Header[k] {
				b = append(b, ck...)
				b = append(b, ": "...)
				b = append(b, v...)
				b = append(b, crlf...)
			}
		}
	}
	b = append(b, crlf...)
	head.B = b

	if len(req.Body) == 0 {
		return []*bytebufferpool.ByteBuffer{head}
	}
	body := bytebufferpool.Get()
	_, _ = body.Write(req.Body)
	return []*bytebufferpool.ByteBuffer{head, body}
}

func releaseBufs(bufs []*bytebufferpool.ByteBuffer) {
	for _, b := range bufs {
		bytebufferpool.Put(b)
	}
}
