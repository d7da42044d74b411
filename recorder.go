package idempotency

import (
	"bytes"
	"net/http"
)

// responseRecorder buffers the handler's response instead of writing it
// through, so the coordinator can decide afterwards whether to cache it
// and exactly what to flush to the client.
type responseRecorder struct {
	header      http.Header
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     make(http.Header),
		statusCode: http.StatusOK,
		body:       &bytes.Buffer{},
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = statusCode
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// flush copies the buffered response onto the real writer.
func (r *responseRecorder) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	w.WriteHeader(r.statusCode)
	if r.body.Len() > 0 {
		w.Write(r.body.Bytes())
	}
}
