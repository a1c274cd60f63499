package piperlib

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lithdew/bytesutil"
)

const (
	maxLineBytes    = 8 << 10
	maxHeaderFields = 128
)

var crlf = []byte("\r\n")

type parserPhase uint8

const (
	phaseIdle parserPhase = iota // nothing pending, inbound bytes are a protocol violation
	phaseHead                    // reading status line and header fields
	phaseBody                    // reading a fixed-length or read-to-close body
	phaseChunks                  // streaming a chunked body
	phaseFailed
)

type parseKind uint8

const (
	parsedResponse parseKind = iota
	parsedChunkStart
	parsedChunk
	parsedChunkEnd
)

type parseEvent struct {
	kind    parseKind
	res     *Response
	chunk   Chunk
	ext     string
	trailer Header
}

// parser decodes pipelined HTTP/1.1 responses incrementally. It must be
// primed with the method of the request at the head of the pipeline
// before that response's bytes are parsed, because framing depends on
// the method. Incomplete input never consumes; next simply reports that
// more bytes are needed.
type parser struct {
	phase   parserPhase
	method  string
	maxBody int64

	buf []byte
	off int

	res     *Response
	bodyLen int64 // fixed body length, -1 reads until close

	err error
}

func newParser(maxBody int64) parser {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return parser{maxBody: maxBody}
}

// prime arms the parser for the response to a request with the given
// method. It has no effect after a parse failure.
func (p *parser) prime(method string) {
	if p.err != nil {
		return
	}
	p.phase = phaseHead
	p.method = method
	p.res = nil
	p.bodyLen = 0
}

func (p *parser) feed(data []byte) {
	if p.off > 0 {
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, data...)
}

func (p *parser) buffered() int { return len(p.buf) - p.off }

// next decodes one event from the buffered bytes. ok is false when more
// input is needed. Any error is terminal for the connection.
func (p *parser) next() (ev parseEvent, ok bool, err error) {
	if p.err != nil {
		return ev, false, p.err
	}
	switch p.phase {
	case phaseIdle:
		if p.buffered() > 0 {
			return ev, false, p.fail(fmt.Errorf("piper: protocol violation: %d unsolicited bytes from server", p.buffered()))
		}
		return ev, false, nil
	case phaseHead:
		return p.nextHead()
	case phaseBody:
		return p.nextBody()
	case phaseChunks:
		return p.nextChunk()
	}
	return ev, false, p.err
}

func (p *parser) nextHead() (ev parseEvent, ok bool, err error) {
	for {
		cur := p.off
		line, n, lok, lerr := cutLine(p.buf, cur)
		if lerr != nil {
			return ev, false, p.fail(lerr)
		}
		if !lok {
			return ev, false, nil
		}
		proto, status, reason, serr := parseStatusLine(line)
		if serr != nil {
			return ev, false, p.fail(serr)
		}
		cur += n

		hdr := make(Header, 8)
		fields := 0
		for {
			line, n, lok, lerr = cutLine(p.buf, cur)
			if lerr != nil {
				return ev, false, p.fail(lerr)
			}
			if !lok {
				return ev, false, nil
			}
			cur += n
			if len(line) == 0 {
				break
			}
			if fields++; fields > maxHeaderFields {
				return ev, false, p.fail(fmt.Errorf("piper: parse error: more than %d header fields", maxHeaderFields))
			}
			if herr := appendHeaderLine(hdr, line); herr != nil {
				return ev, false, p.fail(herr)
			}
		}
		p.off = cur

		// Interim responses are never the final answer; skip and keep
		// reading with the same framing hint.
		if status >= 100 && status < 200 && status != 101 {
			continue
		}

		res := &Response{Proto: proto, Status: status, Reason: reason, Header: hdr}
		if !responseHasBody(p.method, status) {
			p.finishMessage()
			return parseEvent{kind: parsedResponse, res: res}, true, nil
		}
		if headerHasChunked(hdr) {
			p.res = res
			p.phase = phaseChunks
			return parseEvent{kind: parsedChunkStart, res: res}, true, nil
		}
		cl := hdr.Get("Content-Length")
		if cl == "" {
			p.res = res
			p.bodyLen = -1
			p.phase = phaseBody
			return p.nextBody()
		}
		size, perr := strconv.ParseInt(cl, 10, 64)
		if perr != nil || size < 0 {
			return ev, false, p.fail(fmt.Errorf("piper: parse error: bad content-length %q", cl))
		}
		if size > p.maxBody {
			return ev, false, p.fail(fmt.Errorf("piper: parse error: response body of %d bytes exceeds limit %d", size, p.maxBody))
		}
		res.Body = make([]byte, 0, size)
		p.res = res
		p.bodyLen = size
		p.phase = phaseBody
		return p.nextBody()
	}
}

func (p *parser) nextBody() (ev parseEvent, ok bool, err error) {
	avail := p.buf[p.off:]
	if p.bodyLen < 0 {
		if int64(len(p.res.Body))+int64(len(avail)) > p.maxBody {
			return ev, false, p.fail(fmt.Errorf("piper: parse error: response body exceeds limit %d", p.maxBody))
		}
		p.res.Body = append(p.res.Body, avail...)
		p.off = len(p.buf)
		return ev, false, nil
	}
	need := p.bodyLen - int64(len(p.res.Body))
	take := int64(len(avail))
	if take > need {
		take = need
	}
	p.res.Body = append(p.res.Body, avail[:take]...)
	p.off += int(take)
	if int64(len(p.res.Body)) < p.bodyLen {
		return ev, false, nil
	}
	res := p.res
	p.finishMessage()
	return parseEvent{kind: parsedResponse, res: res}, true, nil
}

func (p *parser) nextChunk() (ev parseEvent, ok bool, err error) {
	cur := p.off
	line, n, lok, lerr := cutLine(p.buf, cur)
	if lerr != nil {
		return ev, false, p.fail(lerr)
	}
	if !lok {
		return ev, false, nil
	}
	size, ext, serr := parseChunkSize(line)
	if serr != nil {
		return ev, false, p.fail(serr)
	}
	cur += n

	if size == 0 {
		trailer, m, tok, terr := parseTrailer(p.buf, cur)
		if terr != nil {
			return ev, false, p.fail(terr)
		}
		if !tok {
			return ev, false, nil
		}
		p.off = cur + m
		p.finishMessage()
		return parseEvent{kind: parsedChunkEnd, ext: ext, trailer: trailer}, true, nil
	}

	if size > p.maxBody {
		return ev, false, p.fail(fmt.Errorf("piper: parse error: chunk of %d bytes exceeds limit %d", size, p.maxBody))
	}
	end := cur + int(size)
	if len(p.buf) < end+2 {
		return ev, false, nil
	}
	if p.buf[end] != '\r' || p.buf[end+1] != '\n' {
		return ev, false, p.fail(fmt.Errorf("piper: parse error: chunk data not CRLF-terminated"))
	}
	data := make([]byte, size)
	copy(data, p.buf[cur:end])
	p.off = end + 2
	return parseEvent{kind: parsedChunk, chunk: Chunk{Extensions: ext, Data: data}}, true, nil
}

// finishClose completes a read-to-close body when the peer closes the
// connection.
func (p *parser) finishClose() (*Response, bool) {
	if p.phase != phaseBody || p.bodyLen >= 0 {
		return nil, false
	}
	res := p.res
	p.finishMessage()
	return res, true
}

func (p *parser) finishMessage() {
	p.phase = phaseIdle
	p.method = ""
	p.res = nil
	p.bodyLen = 0
}

func (p *parser) fail(err error) error {
	p.phase = phaseFailed
	p.err = err
	return err
}

// cutLine returns the CRLF-terminated line starting at off, without its
// terminator, and the number of bytes it spans including the terminator.
func cutLine(buf []byte, off int) (line []byte, n int, ok bool, err error) {
	rest := buf[off:]
	i := bytes.Index(rest, crlf)
	if i < 0 {
		if len(rest) > maxLineBytes {
			return nil, 0, false, fmt.Errorf("piper: parse error: line exceeds %d bytes", maxLineBytes)
		}
		return nil, 0, false, nil
	}
	if i > maxLineBytes {
		return nil, 0, false, fmt.Errorf("piper: parse error: line exceeds %d bytes", maxLineBytes)
	}
	return rest[:i], i + 2, true, nil
}

func parseStatusLine(line []byte) (proto string, status int, reason string, err error) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return "", 0, "", fmt.Errorf("piper: parse error: malformed status line %q", line)
	}
	if !bytes.HasPrefix(line[:sp], []byte("HTTP/1.")) {
		return "", 0, "", fmt.Errorf("piper: parse error: unsupported protocol %q", line[:sp])
	}
	proto = string(line[:sp])
	rest := line[sp+1:]
	if len(rest) < 3 {
		return "", 0, "", fmt.Errorf("piper: parse error: malformed status line %q", line)
	}
	for i := 0; i < 3; i++ {
		c := rest[i]
		if c < '0' || c > '9' {
			return "", 0, "", fmt.Errorf("piper: parse error: malformed status code %q", rest)
		}
		status = status*10 + int(c-'0')
	}
	switch {
	case len(rest) == 3:
	case rest[3] == ' ':
		reason = string(rest[4:])
	default:
		return "", 0, "", fmt.Errorf("piper: parse error: malformed status line %q", line)
	}
	return proto, status, reason, nil
}

func appendHeaderLine(h Header, line []byte) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("piper: parse error: malformed header field %q", line)
	}
	key := string(bytes.TrimRight(line[:i], " \t"))
	val := string(bytes.Trim(line[i+1:], " \t"))
	h.Add(key, val)
	return nil
}

func parseChunkSize(line []byte) (size int64, ext string, err error) {
	num := line
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		num = line[:i]
		ext = string(bytes.TrimSpace(line[i+1:]))
	}
	num = bytes.TrimSpace(num)
	// Chunk sizes are bare hex digits; ParseUint rejects a sign prefix.
	u, perr := strconv.ParseUint(bytesutil.String(num), 16, 63)
	if perr != nil {
		return 0, "", fmt.Errorf("piper: parse error: malformed chunk size %q", line)
	}
	return int64(u), ext, nil
}

func parseTrailer(buf []byte, off int) (trailer Header, n int, ok bool, err error) {
	cur := off
	fields := 0
	for {
		line, m, lok, lerr := cutLine(buf, cur)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if !lok {
			return nil, 0, false, nil
		}
		cur += m
		if len(line) == 0 {
			return trailer, cur - off, true, nil
		}
		if fields++; fields > maxHeaderFields {
			return nil, 0, false, fmt.Errorf("piper: parse error: more than %d trailer fields", maxHeaderFields)
		}
		if trailer == nil {
			trailer = make(Header, 2)
		}
		if herr := appendHeaderLine(trailer, line); herr != nil {
			return nil, 0, false, herr
		}
	}
}

// responseHasBody implements the HTTP/1.1 framing rules that depend on
// the request method and the status code.
func responseHasBody(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	if status/100 == 1 || status == 204 || status == 304 {
		return false
	}
	if method == "CONNECT" && status/100 == 2 {
		return false
	}
	return true
}

func headerHasChunked(h Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				return true
			}
		}
	}
	return false
}
