package piperlib

// Response is a parsed HTTP/1.1 response. On chunk-streamed deliveries
// Body is nil and the payload arrives as Chunk events instead.
type Response struct {
	Proto   string
	Status  int
	Reason  string
	Header  Header
	Body    []byte
	Trailer Header // trailer fields, for buffered chunked responses
}

// Chunk is one transfer-encoded piece of a streaming response body.
type Chunk struct {
	Extensions string // raw chunk extensions, without the leading semicolon
	Data       []byte
}
