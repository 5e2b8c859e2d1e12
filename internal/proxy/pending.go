package proxy

import "time"

// Result is what a completed request resolves to. File is set for a
// "file" typed response frame; otherwise Body carries the frame's body.
type Result struct {
	Status  int
	Headers map[string][]string
	Body    []byte
	File    *FileStream
}

// FileStream describes a "file" typed response: the proxy has already
// stat'd the path and opened it for reading by the time the caller
// receives it.
type FileStream struct {
	Reader interface {
		Read([]byte) (int, error)
		Close() error
	}
	Size int64
}

// Callback is invoked exactly once per dispatched request: on a response,
// a timeout, a child crash, or a shutdown-drain abort. err is non-nil in
// every case except a normal response.
type Callback func(res *Result, err error)

// pendingRequest is one in-flight request's bookkeeping: enough of the
// origin args to log or reconstruct a URL, the caller's callback, and an
// optional deadline timer.
type pendingRequest struct {
	id       uint64
	method   string
	uri      string
	callback Callback
	onChunk  func([]byte) // set only for requests that may stream SSE
	timer    *time.Timer
}

func (pr *pendingRequest) cancelTimer() {
	if pr.timer != nil {
		pr.timer.Stop()
	}
}
