// Package workerapi is the child-side runtime a worker script links
// against: it speaks the framed parent<->child protocol over stdin/stdout
// so application code only ever sees typed requests and typed results.
package workerapi

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/narya/wpool/internal/wire"
)

// HandlerFunc answers one dispatched request.
type HandlerFunc func(req *Request, w *ResponseWriter)

// CustomHandlerFunc answers one "custom" dispatch: an out-of-band call
// that always maps to a JSON-ish value or an error, never a full HTTP
// response.
type CustomHandlerFunc func(params map[string]any) (any, error)

// MaintHook runs when the parent requests cooperative maintenance. It
// receives whatever payload the pool attached and should return once any
// warm caches have been flushed; the worker resumes serving immediately
// after.
type MaintHook func(payload any)

// ShutdownHook runs once, after in-flight requests have drained and
// before the process exits.
type ShutdownHook func()

// MessageHook runs when the parent broadcasts a "message" frame to every
// worker in the pool.
type MessageHook func(data any)

// InternalHook runs when the parent sends a debug-inspector handshake
// payload directly to this worker.
type InternalHook func(data any)

type route struct {
	pattern *regexp.Regexp
	handler HandlerFunc
}

// Worker is the child-process runtime. Construct with New, register
// routes and hooks, then call Run.
type Worker struct {
	in  io.Reader
	out io.Writer

	codec *wire.Codec
	dec   *wire.Decoder

	routes         []route
	genericHandler HandlerFunc
	customHandler  CustomHandlerFunc

	onMaint    MaintHook
	onShutdown ShutdownHook
	onMessage  MessageHook
	onInternal InternalHook

	server wire.ServerInfo
	config wire.WorkerConfig

	activeMu     sync.Mutex
	numActive    int64
	numServed    int64
	maintPending bool
	maintFrame   *wire.ParentFrame

	writeMu    sync.Mutex // request goroutines share one outbound stream
	writeErrCh chan error
}

// New wires a Worker to in/out -- normally os.Stdin/os.Stdout, swapped
// for pipes in tests.
func New(in io.Reader, out io.Writer) *Worker {
	codec := wire.New(0)
	return &Worker{
		in:    in,
		out:   out,
		codec: codec,
		dec:   codec.NewDecoder(in),
	}
}

// Handle registers a handler for requests whose URI matches pattern.
// Patterns are anchored regular expressions; the first pattern registered
// that matches wins.
func (w *Worker) Handle(pattern string, h HandlerFunc) error {
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return fmt.Errorf("workerapi: invalid route pattern %q: %w", pattern, err)
	}
	w.routes = append(w.routes, route{pattern: re, handler: h})
	return nil
}

// HandleFunc is the generic fallback invoked when no registered pattern
// matches a request.
func (w *Worker) HandleFunc(h HandlerFunc) { w.genericHandler = h }

// HandleCustom registers the handler for "custom" dispatches.
func (w *Worker) HandleCustom(h CustomHandlerFunc) { w.customHandler = h }

// OnMaint registers the maintenance hook.
func (w *Worker) OnMaint(h MaintHook) { w.onMaint = h }

// OnShutdown registers the shutdown hook.
func (w *Worker) OnShutdown(h ShutdownHook) { w.onShutdown = h }

// OnMessage registers the hook run for parent-broadcast "message" frames.
func (w *Worker) OnMessage(h MessageHook) { w.onMessage = h }

// OnInternal registers the hook run for debug-inspector handshake frames.
func (w *Worker) OnInternal(h InternalHook) { w.onInternal = h }

// installSignalHandling makes SIGINT a no-op -- the parent drains the
// worker with a "shutdown" frame instead -- and treats SIGTERM as an
// unrecoverable termination: the shutdown hook gets a best-effort run
// before the process exits with status 1.
func (w *Worker) installSignalHandling() {
	signal.Ignore(syscall.SIGINT)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	go func() {
		<-term
		if w.onShutdown != nil {
			w.onShutdown()
		}
		os.Exit(1)
	}()
}

// Run blocks, servicing frames until the parent closes the stream or
// sends "shutdown". It returns nil on a clean shutdown.
func (w *Worker) Run() error {
	w.installSignalHandling()
	w.writeErrCh = make(chan error, 1)
	for {
		var f wire.ParentFrame
		if err := w.dec.Decode(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			var de *wire.DecodeError
			if isDecodeError(err, &de) {
				continue
			}
			return err
		}

		switch f.Cmd {
		case wire.CmdStartup:
			w.handleStartup(&f)
		case wire.CmdRequest:
			go w.handleRequest(&f)
		case wire.CmdCustom:
			go w.handleCustom(&f)
		case wire.CmdMaint:
			w.handleMaint(&f)
		case wire.CmdMessage:
			if w.onMessage != nil {
				w.onMessage(f.Data)
			}
		case wire.CmdInternal:
			if w.onInternal != nil {
				w.onInternal(f.Data)
			}
		case wire.CmdShutdown:
			w.handleShutdown()
			return nil
		}
	}
}

func isDecodeError(err error, target **wire.DecodeError) bool {
	de, ok := err.(*wire.DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func (w *Worker) writeFrame(f *wire.ChildFrame) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.codec.WriteMessage(w.out, f); err != nil {
		select {
		case w.writeErrCh <- err:
		default:
		}
	}
}

func (w *Worker) handleStartup(f *wire.ParentFrame) {
	if f.Server != nil {
		w.server = *f.Server
	}
	if f.Config != nil {
		w.config = *f.Config
	}
	w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdStartupComplete})
}

// handleMaint waits for every in-flight request to drain before running
// the maintenance hook: a maint request that arrives while the worker is
// still busy is remembered and only realised from endRequest, once
// numActive reaches zero.
func (w *Worker) handleMaint(f *wire.ParentFrame) {
	w.activeMu.Lock()
	if w.numActive > 0 {
		w.maintPending = true
		w.maintFrame = f
		w.activeMu.Unlock()
		return
	}
	w.activeMu.Unlock()
	w.runMaint(f)
}

func (w *Worker) runMaint(f *wire.ParentFrame) {
	if w.onMaint != nil {
		w.onMaint(f.Data)
	}
	w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdMaintComplete})
}

func (w *Worker) handleShutdown() {
	for {
		w.activeMu.Lock()
		n := w.numActive
		w.activeMu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.onShutdown != nil {
		w.onShutdown()
	}
}

func (w *Worker) beginRequest() {
	w.activeMu.Lock()
	w.numActive++
	w.activeMu.Unlock()
}

// endRequest decrements the active-request count and, if a maint request
// was left waiting on the drain, runs it now that the count has reached
// zero.
func (w *Worker) endRequest() {
	w.activeMu.Lock()
	w.numActive--
	w.numServed++
	var drainedMaint *wire.ParentFrame
	if w.numActive == 0 && w.maintPending {
		drainedMaint = w.maintFrame
		w.maintPending = false
		w.maintFrame = nil
	}
	w.activeMu.Unlock()

	if drainedMaint != nil {
		w.runMaint(drainedMaint)
	}
}

// requestTimeout returns the worker's own copy of request_timeout_sec, the
// deadline it enforces independently of the proxy's identical timer, so a
// hung handler is abandoned and its slot freed even if the parent's own
// timeout notification is lost.
func (w *Worker) requestTimeout() time.Duration {
	if w.config.RequestTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(w.config.RequestTimeoutSec) * time.Second
}

func (w *Worker) handleRequest(f *wire.ParentFrame) {
	req := newRequest(f)
	rw := newResponseWriter(w, f.ID, req)

	w.beginRequest()
	defer w.endRequest()

	start := time.Now()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				rw.Error(fmt.Sprintf("panic: %v", r))
			}
		}()

		handler := w.matchRoute(req.URI)
		if handler == nil {
			handler = w.genericHandler
		}
		if handler == nil {
			rw.WriteHeader(404)
			rw.Write([]byte("not found"))
			return
		}

		handler(req, rw)
	}()

	if timeout := w.requestTimeout(); timeout > 0 {
		select {
		case <-done:
			rw.finish(start)
		case <-time.After(timeout):
			// The parent races the same deadline and owns the 504 reply; the
			// worker only aborts and frees its slot, it never answers here.
			rw.abandon()
		}
		return
	}

	<-done
	rw.finish(start)
}

func (w *Worker) matchRoute(uri string) HandlerFunc {
	for _, r := range w.routes {
		if r.pattern.MatchString(uri) {
			return r.handler
		}
	}
	return nil
}

func (w *Worker) handleCustom(f *wire.ParentFrame) {
	w.beginRequest()
	defer w.endRequest()

	if w.customHandler == nil {
		w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Error: "workerapi: no custom handler registered"})
		return
	}

	result, err := w.customHandler(f.Params)
	if err != nil {
		w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Error: err.Error()})
		return
	}

	body, encErr := marshalJSON(result, false)
	if encErr != nil {
		w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Error: encErr.Error()})
		return
	}
	w.writeFrame(&wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Status: 200, Type: wire.TypeBuffer, Body: body})
}
