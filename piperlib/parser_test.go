package piperlib

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// parserDriver feeds wire bytes to a parser and re-primes it after each
// terminal event with the next method in the pipeline, the way the
// dispatcher does for a live connection.
type parserDriver struct {
	p       parser
	methods []string
	events  []parseEvent
}

func newParserDriver(maxBody int64, methods ...string) *parserDriver {
	d := &parserDriver{p: newParser(maxBody), methods: methods}
	d.primeNext()
	return d
}

func (d *parserDriver) primeNext() {
	if len(d.methods) == 0 {
		return
	}
	d.p.prime(d.methods[0])
	d.methods = d.methods[1:]
}

func (d *parserDriver) feed(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, d.feedErr(data))
}

func (d *parserDriver) feedErr(data string) error {
	d.p.feed([]byte(data))
	for {
		ev, ok, err := d.p.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.events = append(d.events, ev)
		if ev.kind == parsedResponse || ev.kind == parsedChunkEnd {
			d.primeNext()
		}
	}
}

func TestParserSimpleResponse(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")

	require.Len(t, d.events, 1)
	res := d.events[0].res
	require.Equal(t, parsedResponse, d.events[0].kind)
	require.Equal(t, "HTTP/1.1", res.Proto)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "OK", res.Reason)
	require.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	require.Equal(t, "hello", string(res.Body))
	require.Zero(t, d.p.buffered())
}

func TestParserResponseSplitByteByByte(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	wire := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	d := newParserDriver(0, "GET")
	for i := 0; i < len(wire); i++ {
		d.feed(t, wire[i:i+1])
	}

	require.Len(t, d.events, 1)
	require.Equal(t, "hello", string(d.events[0].res.Body))
}

func TestParserPipelinedBurstWithHead(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET", "HEAD", "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"+
		"HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"+
		"HTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok")

	require.Len(t, d.events, 3)
	require.Equal(t, "abc", string(d.events[0].res.Body))
	require.Empty(t, d.events[1].res.Body)
	require.Equal(t, "10", d.events[1].res.Header.Get("Content-Length"))
	require.Equal(t, 201, d.events[2].res.Status)
	require.Equal(t, "ok", string(d.events[2].res.Body))
	require.Zero(t, d.p.buffered())
}

func TestParserBodylessStatuses(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET", "GET")
	d.feed(t, "HTTP/1.1 204 No Content\r\n\r\n"+
		"HTTP/1.1 304 Not Modified\r\nEtag: \"v1\"\r\n\r\n")

	require.Len(t, d.events, 2)
	require.Equal(t, 204, d.events[0].res.Status)
	require.Equal(t, 304, d.events[1].res.Status)
	require.Empty(t, d.events[1].res.Body)
	require.Equal(t, `"v1"`, d.events[1].res.Header.Get("Etag"))
}

func TestParserStatusLineWithoutReason(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.0 204\r\n\r\n")

	require.Len(t, d.events, 1)
	require.Equal(t, "HTTP/1.0", d.events[0].res.Proto)
	require.Equal(t, 204, d.events[0].res.Status)
	require.Empty(t, d.events[0].res.Reason)
}

func TestParserChunkedStream(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
	require.Len(t, d.events, 1)
	require.Equal(t, parsedChunkStart, d.events[0].kind)
	require.Equal(t, 200, d.events[0].res.Status)

	d.feed(t, "4\r\nWi")
	require.Len(t, d.events, 1)

	d.feed(t, "ki\r\n")
	require.Len(t, d.events, 2)
	require.Equal(t, parsedChunk, d.events[1].kind)
	require.Equal(t, "Wiki", string(d.events[1].chunk.Data))
	require.Empty(t, d.events[1].chunk.Extensions)

	d.feed(t, "6;x=1\r\npedia \r\n0\r\n")
	require.Len(t, d.events, 3)
	require.Equal(t, "pedia ", string(d.events[2].chunk.Data))
	require.Equal(t, "x=1", d.events[2].chunk.Extensions)

	d.feed(t, "X-Checksum: abc\r\n\r\n")
	require.Len(t, d.events, 4)
	require.Equal(t, parsedChunkEnd, d.events[3].kind)
	require.Equal(t, "abc", d.events[3].trailer.Get("X-Checksum"))
	require.Zero(t, d.p.buffered())
}

func TestParserChunkedWithoutTrailer(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET", "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3\r\nabc\r\n0\r\n\r\n"+
		"HTTP/1.1 204 No Content\r\n\r\n")

	require.Len(t, d.events, 4)
	require.Equal(t, parsedChunkStart, d.events[0].kind)
	require.Equal(t, parsedChunk, d.events[1].kind)
	require.Equal(t, parsedChunkEnd, d.events[2].kind)
	require.Nil(t, d.events[2].trailer)
	require.Equal(t, 204, d.events[3].res.Status)
}

func TestParserInterimResponsesSkipped(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "POST")
	d.feed(t, "HTTP/1.1 100 Continue\r\n\r\n"+
		"HTTP/1.1 102 Processing\r\n\r\n"+
		"HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndone")

	require.Len(t, d.events, 1)
	require.Equal(t, 200, d.events[0].res.Status)
	require.Equal(t, "done", string(d.events[0].res.Body))
}

func TestParserSwitchingProtocolsDelivered(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n")

	require.Len(t, d.events, 1)
	require.Equal(t, 101, d.events[0].res.Status)
	require.Empty(t, d.events[0].res.Body)
}

func TestParserReadToCloseBody(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\n\r\npart one, ")
	d.feed(t, "part two")
	require.Empty(t, d.events)

	res, ok := d.p.finishClose()
	require.True(t, ok)
	require.Equal(t, "part one, part two", string(res.Body))

	_, ok = d.p.finishClose()
	require.False(t, ok)
}

func TestParserFinishCloseOnlyAppliesToUnboundedBodies(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(0, "GET")
	d.feed(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhel")

	_, ok := d.p.finishClose()
	require.False(t, ok)
}

func TestParserUnsolicitedBytes(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	p := newParser(0)
	p.feed([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	_, _, err := p.next()
	require.ErrorContains(t, err, "unsolicited")
}

func TestParserErrors(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	chunkedHead := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	cases := []struct {
		name string
		wire string
		want string
	}{
		{"bad protocol", "SPDY/3 200 OK\r\n\r\n", "unsupported protocol"},
		{"http2", "HTTP/2.0 200 OK\r\n\r\n", "unsupported protocol"},
		{"no status line", "garbage\r\n\r\n", "malformed status line"},
		{"short status", "HTTP/1.1 9\r\n\r\n", "malformed status line"},
		{"non-numeric status", "HTTP/1.1 2x0 OK\r\n\r\n", "malformed status code"},
		{"header without colon", "HTTP/1.1 200 OK\r\nNoColonHere\r\n\r\n", "malformed header field"},
		{"bad content-length", "HTTP/1.1 200 OK\r\nContent-Length: five\r\n\r\n", "bad content-length"},
		{"negative content-length", "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n", "bad content-length"},
		{"bad chunk size", chunkedHead + "ZZZ\r\n", "malformed chunk size"},
		{"signed chunk size", chunkedHead + "+4\r\nwxyz\r\n", "malformed chunk size"},
		{"negative chunk size", chunkedHead + "-1\r\n", "malformed chunk size"},
		{"chunk not terminated", chunkedHead + "4\r\nWikiXX", "not CRLF-terminated"},
		{"line too long", "HTTP/1.1 200 OK\r\nX-Big: " + strings.Repeat("a", maxLineBytes+16), "line exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newParserDriver(0, "GET")
			err := d.feedErr(tc.wire)
			require.ErrorContains(t, err, tc.want)

			// A failed parser stays failed and ignores re-priming.
			d.p.prime("GET")
			_, _, err = d.p.next()
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParserBodyLimits(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	d := newParserDriver(16, "GET")
	err := d.feedErr("HTTP/1.1 200 OK\r\nContent-Length: 17\r\n\r\n")
	require.ErrorContains(t, err, "exceeds limit 16")

	d = newParserDriver(16, "GET")
	err = d.feedErr("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nFFFF\r\n")
	require.ErrorContains(t, err, "exceeds limit 16")

	d = newParserDriver(16, "GET")
	err = d.feedErr("HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("a", 17))
	require.ErrorContains(t, err, "exceeds limit 16")
}

func TestParserTooManyHeaderFields(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 200 OK\r\n")
	for i := 0; i <= maxHeaderFields; i++ {
		sb.WriteString("X-Filler: y\r\n")
	}
	sb.WriteString("\r\n")

	d := newParserDriver(0, "GET")
	err := d.feedErr(sb.String())
	require.ErrorContains(t, err, "header fields")
}

func BenchmarkParserPipelinedResponses(b *testing.B) {
	const batch = 16
	wire := []byte(strings.Repeat("HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world", batch))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p := newParser(0)
		p.prime("GET")
		p.feed(wire)
		for n := 0; n < batch; {
			ev, ok, err := p.next()
			if err != nil {
				b.Fatal(err)
			}
			if !ok {
				b.Fatal("starved")
			}
			if ev.kind == parsedResponse {
				n++
				p.prime("GET")
			}
		}
	}
}
