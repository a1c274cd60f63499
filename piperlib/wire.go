package piperlib

import "github.com/valyala/bytebufferpool"

// wire is the transport backend driving real sockets. It reports
// inbound bytes, write completions, closures and periodic ticks by
// posting events through the function handed to Run.
type wire interface {
	Run(post func(event)) error

	// Dial opens a transport connection to host:port on behalf of conn
	// id. Returning (nil, nil) means the dial completes later with a
	// dialedEvent or dialFailedEvent.
	Dial(id uint64, host string, port int) (wireConn, error)

	Stop() error
}

// wireConn is one established transport connection.
type wireConn interface {
	// Write flushes bufs in order and takes ownership of them, even on
	// error. A drainedEvent follows once the batch has left the client.
	Write(bufs []*bytebufferpool.ByteBuffer) error

	Close() error
}
