package h3

import "net/http"

// responseWriter adapts a RequestStream's send half to http.ResponseWriter
// for Server handlers.
type responseWriter struct {
	str *RequestStream

	header      http.Header
	wroteHeader bool
	status      int
}

func newResponseWriter(str *RequestStream) *responseWriter {
	return &responseWriter{str: str, header: http.Header{}}
}

var (
	_ http.ResponseWriter = &responseWriter{}
	_ http.Flusher        = &responseWriter{}
)

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	_ = w.str.WriteHeaders(ResponseHeaders(status, w.header))
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.str.DataWriter().Write(p)
}

// Flush is a no-op: DataWriter already writes one DATA frame per Write
// call, so there is nothing buffered to push out early.
func (w *responseWriter) Flush() {}

// finish completes the response, writing a default 200 status if the
// handler never called WriteHeader or Write.
func (w *responseWriter) finish() error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.str.Finish()
}
