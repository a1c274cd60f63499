package piperlib

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Request describes one HTTP/1.1 request to pipeline onto a connection.
// A Request must not be modified after it has been submitted.
type Request struct {
	Method string // defaults to GET
	URI    string // origin-form target, defaults to /
	Proto  string // defaults to HTTP/1.1
	Header Header
	Body   []byte

	id string
}

func NewRequest(method, uri string, body []byte) *Request {
	return &Request{Method: method, URI: uri, Body: body, Header: make(Header, 4)}
}

// ID returns the identifier stamped on the request at submission time,
// or "" before then.
func (r *Request) ID() string { return r.id }

func (r *Request) normalize() error {
	if r.Method == "" {
		r.Method = "GET"
	}
	if !validMethod(r.Method) {
		return fmt.Errorf("piper: invalid method %q", r.Method)
	}
	if r.URI == "" {
		r.URI = "/"
	}
	if strings.ContainsAny(r.URI, " \t\r\n") {
		return fmt.Errorf("piper: invalid target %q", r.URI)
	}
	switch r.Proto {
	case "":
		r.Proto = "HTTP/1.1"
	case "HTTP/1.1", "HTTP/1.0":
	default:
		return fmt.Errorf("piper: unsupported protocol %q", r.Proto)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	return nil
}

func validMethod(m string) bool {
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c <= ' ' || c >= 0x7f || c == ':' || c == '/' {
			return false
		}
	}
	return len(m) > 0
}
