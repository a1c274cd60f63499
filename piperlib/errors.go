package piperlib

import "errors"

var (
	// ErrShutdown is delivered to every open request when the client
	// shuts down, and returned by submissions made afterwards.
	ErrShutdown = errors.New("piper: client shut down")

	// ErrStreamingUnsupported is returned by Conn.StartRequestStream.
	ErrStreamingUnsupported = errors.New("piper: request body streaming is not implemented")
)

var (
	errSendClosed   = errors.New("piper: send on closed connection")
	errConnClosed   = errors.New("piper: connection closed")
	errServerClosed = errors.New("piper: server closed connection")
)
