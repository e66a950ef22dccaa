package h3

import (
	"io"

	"github.com/quic-go/qpack"
)

type trailerFunc func([]qpack.HeaderField, error)

// body adapts a RequestStream's receive half to io.ReadCloser, the shape
// both http.Request.Body and http.Response.Body need.
type body struct {
	str *RequestStream

	// reqDone is only set for a response body: closed once the
	// application is finished reading it, so RoundTrip's cancellation
	// goroutine can stop watching the request context.
	reqDone       chan<- struct{}
	reqDoneClosed bool

	onTrailers trailerFunc
}

var _ io.ReadCloser = &body{}

func newRequestBody(str *RequestStream, onTrailers trailerFunc) *body {
	return &body{str: str, onTrailers: onTrailers}
}

func newResponseBody(str *RequestStream, onTrailers trailerFunc, done chan<- struct{}) *body {
	return &body{str: str, onTrailers: onTrailers, reqDone: done}
}

func (r *body) Read(p []byte) (int, error) {
	n, err := r.str.Read(p)
	if err == io.EOF && r.onTrailers != nil {
		trailers, terr := r.str.ReadTrailers()
		r.onTrailers(trailers, terr)
	}
	if err != nil {
		r.requestDone()
	}
	return n, err
}

func (r *body) requestDone() {
	if r.reqDoneClosed || r.reqDone == nil {
		return
	}
	close(r.reqDone)
	r.reqDoneClosed = true
}

func (r *body) Close() error {
	r.requestDone()
	// If the body has already been fully read, this is a no-op.
	r.str.StopSending(ErrCodeRequestCanceled)
	return nil
}

// appendGzipHeader marks a request as accepting gzip-encoded responses.
func appendGzipHeader(fields []qpack.HeaderField) []qpack.HeaderField {
	return append(fields, qpack.HeaderField{Name: "accept-encoding", Value: "gzip"})
}
