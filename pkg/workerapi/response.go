package workerapi

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/narya/wpool/internal/wire"
)

// ResponseWriter accumulates one handler's response and flushes it as a
// single "response" frame (or a sequence of "sse" frames followed by one
// terminating frame) once the handler returns.
type ResponseWriter struct {
	worker *Worker
	id     uint64
	req    *Request

	mu        sync.Mutex
	abandoned bool

	status       int
	headers      map[string][]string
	body         bytes.Buffer
	bodyIsString bool

	sseStarted bool
	sseEnded   bool

	filePath string
	fileDel  bool
}

func newResponseWriter(w *Worker, id uint64, req *Request) *ResponseWriter {
	return &ResponseWriter{worker: w, id: id, req: req, status: 200, headers: map[string][]string{}}
}

// Header returns the header map so callers can Set/Add before WriteHeader.
func (w *ResponseWriter) Header() map[string][]string { return w.headers }

// WriteHeader sets the status code. Calling it more than once keeps the
// last value, matching net/http's forgiving behaviour.
func (w *ResponseWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return
	}
	w.status = status
}

// Write appends to the buffered response body as a binary buffer.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return len(p), nil
	}
	return w.body.Write(p)
}

// WriteString appends s to the response body and marks the reply as a
// plain string rather than a binary buffer.
func (w *ResponseWriter) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return len(s), nil
	}
	w.bodyIsString = true
	return w.body.WriteString(s)
}

// JSON marshals v as the response body and sets a JSON content type,
// pretty-printing it when the request carries a "pretty" query param and
// wrapping it as a JSONP callback if "callback" is present instead.
func (w *ResponseWriter) JSON(v any) error {
	_, pretty := w.req.Query["pretty"]
	body, err := marshalJSON(v, pretty)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return nil
	}
	w.headers["Content-Type"] = []string{"application/json"}
	if cb := w.req.QueryParam("callback"); cb != "" {
		w.headers["Content-Type"] = []string{"text/javascript"}
		w.body.WriteString(cb)
		w.body.WriteByte('(')
		w.body.Write(body)
		w.body.WriteString(");")
		return nil
	}
	w.body.Write(body)
	return nil
}

// Error sends a 500 with msg as the body; handlers use this instead of
// panicking for expected failure paths.
func (w *ResponseWriter) Error(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return
	}
	w.status = 500
	w.body.Reset()
	w.bodyIsString = true
	w.body.WriteString(msg)
}

// abandon marks the writer so any response the orphaned handler goroutine
// still produces after a request-timeout abort is silently dropped instead
// of racing the timeout reply that already went out.
func (w *ResponseWriter) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = true
}

// File marks this response as a file transfer: the parent stats and
// streams path directly rather than the child buffering it into memory.
// If del is true the parent unlinks the file shortly after sending it.
func (w *ResponseWriter) File(path string, del bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return
	}
	w.filePath = path
	w.fileDel = del
}

// Chunk sends one Server-Sent-Events chunk immediately, before the
// handler returns. The first call marks the response as an SSE stream;
// no Content-Type header is set for it.
func (w *ResponseWriter) Chunk(data []byte) {
	w.mu.Lock()
	if w.abandoned || w.sseEnded {
		w.mu.Unlock()
		return
	}
	w.sseStarted = true
	w.mu.Unlock()
	w.worker.writeFrame(&wire.ChildFrame{Cmd: wire.CmdSSE, ID: w.id, Chunk: data})
}

// End stops an SSE stream: later Chunk calls are dropped. It sends no
// frame itself; the terminating sse-typed response frame goes out when
// the handler returns. Calling it more than once is a no-op, so a handler
// racing a client disconnect can call it defensively.
func (w *ResponseWriter) End() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sseEnded = true
}

// defaultCompressible matches response content types worth compressing
// when the pool config doesn't override compression_content_type: text
// and JSON payloads compress well, images and already-compressed formats
// do not.
var defaultCompressible = regexp.MustCompile(`^(text/|application/(json|javascript|xml))`)

func (w *ResponseWriter) finish(start time.Time) {
	w.mu.Lock()
	if w.abandoned {
		w.mu.Unlock()
		return
	}
	sseStarted := w.sseStarted
	filePath := w.filePath
	fileDel := w.fileDel
	status := w.status
	headers := w.headers
	bodyIsString := w.bodyIsString
	body := append([]byte(nil), w.body.Bytes()...)
	w.mu.Unlock()

	if sseStarted {
		w.worker.writeFrame(&wire.ChildFrame{Cmd: wire.CmdResponse, ID: w.id, Status: status, Type: wire.TypeSSE})
		return
	}

	if filePath != "" {
		w.worker.writeFrame(&wire.ChildFrame{
			Cmd: wire.CmdResponse, ID: w.id, Status: status, Type: wire.TypeFile,
			Headers: headers, Data: filePath, Delete: fileDel,
		})
		return
	}

	respType := wire.TypeBuffer
	if bodyIsString {
		respType = wire.TypeString
	}
	if respType == wire.TypeString && w.worker.config.CompressionEnabled && len(body) > 0 && w.shouldCompress(status, headers) {
		if enc, compressed, err := compress(body, w.req.Headers["Accept-Encoding"]); err == nil {
			body = compressed
			headers = withHeader(headers, "Content-Encoding", enc)
			respType = wire.TypeBuffer
		}
	}

	w.worker.writeFrame(&wire.ChildFrame{
		Cmd: wire.CmdResponse, ID: w.id, Status: status, Type: respType,
		Headers: headers, Body: body,
		Perf: &wire.Perf{ReqCount: 1, MemUsage: 0},
	})
}

func (w *ResponseWriter) shouldCompress(status int, headers map[string][]string) bool {
	if status != 200 {
		return false
	}
	if _, ok := headers["Content-Encoding"]; ok {
		return false
	}
	ct := ""
	if v, ok := headers["Content-Type"]; ok && len(v) > 0 {
		ct = v[0]
	}
	pattern := defaultCompressible
	if w.worker.config.CompressionContentType != "" {
		if re, err := regexp.Compile(w.worker.config.CompressionContentType); err == nil {
			pattern = re
		}
	}
	return pattern.MatchString(ct)
}

func withHeader(headers map[string][]string, key, value string) map[string][]string {
	out := make(map[string][]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = []string{value}
	return out
}

// compress picks the best encoding the client accepts, preferring gzip
// over deflate -- the pack carries no third-party compression library, so
// this stays on compress/gzip and compress/flate rather than reaching for
// brotli.
func compress(body []byte, acceptEncoding []string) (string, []byte, error) {
	accepts := func(enc string) bool {
		for _, v := range acceptEncoding {
			if containsToken(v, enc) {
				return true
			}
		}
		return false
	}

	var buf bytes.Buffer
	switch {
	case accepts("gzip"):
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return "", nil, err
		}
		if err := gw.Close(); err != nil {
			return "", nil, err
		}
		return "gzip", buf.Bytes(), nil
	case accepts("deflate"):
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return "", nil, err
		}
		if _, err := fw.Write(body); err != nil {
			return "", nil, err
		}
		if err := fw.Close(); err != nil {
			return "", nil, err
		}
		return "deflate", buf.Bytes(), nil
	default:
		return "", nil, fmt.Errorf("workerapi: client accepts no supported encoding")
	}
}
