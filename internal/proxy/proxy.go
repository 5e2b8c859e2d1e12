// Package proxy implements the parent-side representative of one child
// worker process: its lifecycle state machine, its framed stdio streams,
// and its per-request correlation table.
package proxy

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/wire"
)

// Host is the callback surface a Pool implements so a Proxy can report
// lifecycle events without importing the pool package back (which would
// cycle). Handlers run on the proxy's own read-loop goroutine and must not
// block.
type Host interface {
	OnStartupComplete(px *Proxy)
	OnStartupFailed(px *Proxy, err error)
	OnMaintComplete(px *Proxy)
	OnMessage(px *Proxy, data any)
	OnInternal(px *Proxy, data any)
	OnChildExited(px *Proxy, cause error)
	// OnActiveDelta reports a change in this proxy's active-request count
	// so the pool can keep its own running total in lock-step with the
	// sum of every proxy's own count.
	OnActiveDelta(px *Proxy, delta int)
}

// DispatchArgs is a request headed to a URI-matched or generic handler.
type DispatchArgs struct {
	Method      string
	IP          string
	IPs         []string
	Headers     map[string][]string
	HTTPVersion string
	URI         string
	URL         string
	Query       map[string][]string
	Cookies     map[string]string
	Files       []wire.FileUpload
	Params      map[string]any
	RawBody     []byte
}

// Proxy owns one child process's pipes, pending-request table, and small
// lifecycle state machine.
type Proxy struct {
	poolID string
	logger zerolog.Logger

	child   ChildProcess
	codec   *wire.Codec
	decoder *wire.Decoder
	writeMu sync.Mutex

	host Host

	mu                sync.Mutex
	state             State
	pending           map[uint64]*pendingRequest
	numActiveRequests int
	numRequestsServed int64

	maxRequestsPerChild int // resolved once at spawn; never re-randomised

	lastMaintCount int64
	lastMaintTime  time.Time

	requestMaintPending bool
	requestMaintPayload any
	requestRestart      bool

	startupTimer *time.Timer
	maintTimer   *time.Timer
	killTimer    *time.Timer

	childExited bool
	exitErr     error
}

// Spawn launches a child for cfg via spawner, performs the startup
// handshake, and returns a Proxy in StateStartup. The caller learns of
// startup success/failure asynchronously via Host.OnStartupComplete /
// OnStartupFailed -- Spawn itself only reports process-launch errors.
func Spawn(spawner Spawner, cfg *poolcfg.Config, server wire.ServerInfo, host Host, logger zerolog.Logger, rng *rand.Rand) (*Proxy, error) {
	child, err := spawner.Spawn(cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy: spawn %s: %w", scriptBaseName(cfg.Script), err)
	}

	px := &Proxy{
		poolID:              cfg.ID,
		logger:              logger.With().Str("pool", cfg.ID).Int("pid", child.Pid()).Logger(),
		child:                child,
		codec:               wire.New(0),
		host:                host,
		state:               StateStartup,
		pending:             make(map[uint64]*pendingRequest),
		maxRequestsPerChild: cfg.MaxRequestsPerChild.Resolve(rng),
		lastMaintTime:       time.Now(),
	}
	px.decoder = px.codec.NewDecoder(child.Stdout())

	startup := &wire.ParentFrame{
		Cmd:    wire.CmdStartup,
		Server: &server,
		Config: &wire.WorkerConfig{
			RequestTimeoutSec:      cfg.RequestTimeoutSec,
			ShutdownTimeoutSec:     cfg.ShutdownTimeoutSec,
			CompressionEnabled:     cfg.CompressionEnabled,
			CompressionContentType: cfg.CompressionContentType,
		},
	}
	if err := px.writeFrame(startup); err != nil {
		child.Kill()
		return nil, fmt.Errorf("proxy: send startup frame: %w", err)
	}

	px.startupTimer = time.AfterFunc(cfg.StartupTimeout(), px.onStartupTimeout)

	go px.readLoop()

	return px, nil
}

func (px *Proxy) writeFrame(f *wire.ParentFrame) error {
	px.writeMu.Lock()
	defer px.writeMu.Unlock()
	return px.codec.WriteMessage(px.child, f)
}

func (px *Proxy) onStartupTimeout() {
	px.mu.Lock()
	if px.state != StateStartup {
		px.mu.Unlock()
		return
	}
	px.mu.Unlock()

	px.logger.Warn().Msg("startup timed out, killing child")
	px.child.Kill()
	px.host.OnStartupFailed(px, fmt.Errorf("proxy: startup timeout"))
}

// Pid returns the child's OS process id.
func (px *Proxy) Pid() int { return px.child.Pid() }

// PoolID returns the owning pool's id.
func (px *Proxy) PoolID() string { return px.poolID }

// State returns the current lifecycle state.
func (px *Proxy) State() State {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.state
}

// NumActiveRequests returns the current in-flight request count.
func (px *Proxy) NumActiveRequests() int {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.numActiveRequests
}

// NumRequestsServed returns the lifetime served-request count.
func (px *Proxy) NumRequestsServed() int64 {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.numRequestsServed
}

// MaxRequestsPerChild returns the value resolved once at spawn time.
func (px *Proxy) MaxRequestsPerChild() int { return px.maxRequestsPerChild }

// LastMaint returns the served-count and wall-clock time of the last
// completed maintenance cycle, for the pool tick's due-for-maint check.
func (px *Proxy) LastMaint() (count int64, at time.Time) {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.lastMaintCount, px.lastMaintTime
}

// SetRequestMaint records a pending cooperative maintenance request; the
// pool's tick realises it under its own concurrency limit.
func (px *Proxy) SetRequestMaint(payload any) {
	px.mu.Lock()
	defer px.mu.Unlock()
	px.requestMaintPending = true
	px.requestMaintPayload = payload
}

// TakeRequestMaint returns and clears the pending maint request, if any.
func (px *Proxy) TakeRequestMaint() (any, bool) {
	px.mu.Lock()
	defer px.mu.Unlock()
	if !px.requestMaintPending {
		return nil, false
	}
	payload := px.requestMaintPayload
	px.requestMaintPending = false
	px.requestMaintPayload = nil
	return payload, true
}

// SetRequestRestart records a pending rolling-restart request.
func (px *Proxy) SetRequestRestart() {
	px.mu.Lock()
	defer px.mu.Unlock()
	px.requestRestart = true
}

// TakeRequestRestart returns and clears the pending restart flag.
func (px *Proxy) TakeRequestRestart() bool {
	px.mu.Lock()
	defer px.mu.Unlock()
	if !px.requestRestart {
		return false
	}
	px.requestRestart = false
	return true
}

// Dispatch sends a "request" frame and registers cb to run when the
// response arrives, times out, or the child dies first. onChunk, if
// non-nil, is invoked for every out-of-band SSE chunk before cb runs with
// the final (possibly empty) body.
func (px *Proxy) Dispatch(id uint64, timeout time.Duration, args DispatchArgs, cb Callback, onChunk func([]byte)) error {
	px.mu.Lock()
	if px.state != StateActive && px.state != StateMaint {
		px.mu.Unlock()
		return fmt.Errorf("proxy: cannot dispatch to proxy in state %s", px.state)
	}
	pr := &pendingRequest{id: id, method: args.Method, uri: args.URI, callback: cb, onChunk: onChunk}
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() { px.timeoutRequest(id) })
	}
	px.pending[id] = pr
	px.numActiveRequests++
	px.mu.Unlock()

	px.host.OnActiveDelta(px, 1)

	frame := &wire.ParentFrame{
		Cmd:         wire.CmdRequest,
		ID:          id,
		Method:      args.Method,
		IP:          args.IP,
		IPs:         args.IPs,
		Headers:     args.Headers,
		HTTPVersion: args.HTTPVersion,
		URI:         args.URI,
		URL:         args.URL,
		Query:       args.Query,
		Cookies:     args.Cookies,
		Files:       args.Files,
		Params:      args.Params,
		RawBody:     args.RawBody,
	}
	if err := px.writeFrame(frame); err != nil {
		px.completeRequest(id, nil, fmt.Errorf("proxy: write request frame: %w", err))
		return err
	}
	return nil
}

// CustomCallback receives the mapped error (a non-200 status becomes an
// error whose message names the numeric status), the raw body, and a perf
// argument. DispatchCustom always passes a nil perf: a perf snapshot the
// child attaches to its response is not forwarded.
type CustomCallback func(err error, body []byte, perf *wire.Perf)

// DispatchCustom sends a "custom" frame: a non-200-OK response becomes
// an error rather than a Result.
func (px *Proxy) DispatchCustom(id uint64, timeout time.Duration, params any, cb CustomCallback) error {
	wrapped := func(res *Result, err error) {
		if err != nil {
			cb(err, nil, nil)
			return
		}
		if res.Status != 0 && res.Status != 200 {
			cb(fmt.Errorf("proxy: custom dispatch status %d", res.Status), res.Body, nil)
			return
		}
		cb(nil, res.Body, nil)
	}

	px.mu.Lock()
	if px.state != StateActive && px.state != StateMaint {
		px.mu.Unlock()
		return fmt.Errorf("proxy: cannot dispatch to proxy in state %s", px.state)
	}
	pr := &pendingRequest{id: id, callback: wrapped}
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() { px.timeoutRequest(id) })
	}
	px.pending[id] = pr
	px.numActiveRequests++
	px.mu.Unlock()

	px.host.OnActiveDelta(px, 1)

	frame := &wire.ParentFrame{Cmd: wire.CmdCustom, ID: id, Params: toParamsMap(params)}
	if err := px.writeFrame(frame); err != nil {
		px.completeRequest(id, nil, fmt.Errorf("proxy: write custom frame: %w", err))
		return err
	}
	return nil
}

func toParamsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// ErrRequestTimeout resolves a dispatch when a worker fails to answer
// within its request timeout. Routers map it to a 504.
var ErrRequestTimeout = fmt.Errorf("proxy: request timed out")

func (px *Proxy) timeoutRequest(id uint64) {
	px.completeRequest(id, nil, ErrRequestTimeout)
}

// completeRequest resolves a pending request exactly once. It is safe to
// call after the entry has already been removed (e.g. a duplicate
// response racing a timeout) -- the second call is logged and ignored.
func (px *Proxy) completeRequest(id uint64, res *Result, err error) {
	px.mu.Lock()
	pr, ok := px.pending[id]
	if !ok {
		px.mu.Unlock()
		px.logger.Warn().Uint64("id", id).Msg("duplicate response for request, ignoring")
		return
	}
	delete(px.pending, id)
	px.numActiveRequests--
	if err == nil {
		px.numRequestsServed++
	}
	px.mu.Unlock()

	pr.cancelTimer()
	px.host.OnActiveDelta(px, -1)
	pr.callback(res, err)
}

// SendMessage writes a "message" frame, used both for Pool.sendMessage
// broadcasts and admin fan-out.
func (px *Proxy) SendMessage(data any) error {
	return px.writeFrame(&wire.ParentFrame{Cmd: wire.CmdMessage, Data: data})
}

// SendInternal writes an "internal" frame (the debug-inspector handshake).
func (px *Proxy) SendInternal(data any) error {
	return px.writeFrame(&wire.ParentFrame{Cmd: wire.CmdInternal, Data: data})
}

// Maint asks the child to run a maintenance cycle, transitions to
// StateMaint, and arms the maint timeout.
func (px *Proxy) Maint(payload any, timeout time.Duration) error {
	px.mu.Lock()
	if px.state != StateActive {
		px.mu.Unlock()
		return fmt.Errorf("proxy: cannot maint proxy in state %s", px.state)
	}
	px.state = StateMaint
	px.mu.Unlock()

	if err := px.writeFrame(&wire.ParentFrame{Cmd: wire.CmdMaint, Data: payload}); err != nil {
		return fmt.Errorf("proxy: write maint frame: %w", err)
	}

	px.maintTimer = time.AfterFunc(timeout, px.onMaintTimeout)
	return nil
}

func (px *Proxy) onMaintTimeout() {
	px.mu.Lock()
	if px.state != StateMaint {
		px.mu.Unlock()
		return
	}
	px.mu.Unlock()

	px.logger.Warn().Msg("maint timed out, escalating to shutdown")
	px.Shutdown(px.defaultShutdownTimeout())
}

func (px *Proxy) defaultShutdownTimeout() time.Duration { return 10 * time.Second }

// Shutdown writes a "shutdown" frame, transitions to StateShutdown, and
// arms a kill timer that SIGKILLs the child if it does not exit in time.
// Pending requests are left to complete or abort on child exit.
func (px *Proxy) Shutdown(timeout time.Duration) error {
	px.mu.Lock()
	if px.state == StateShutdown {
		px.mu.Unlock()
		return nil
	}
	px.state = StateShutdown
	px.mu.Unlock()

	if px.startupTimer != nil {
		px.startupTimer.Stop()
	}
	if px.maintTimer != nil {
		px.maintTimer.Stop()
	}

	if err := px.writeFrame(&wire.ParentFrame{Cmd: wire.CmdShutdown}); err != nil {
		px.logger.Warn().Err(err).Msg("failed to write shutdown frame, killing directly")
		px.child.Kill()
		return err
	}

	px.killTimer = time.AfterFunc(timeout, func() {
		px.logger.Warn().Msg("shutdown timed out, sending SIGKILL")
		px.child.Kill()
	})
	return nil
}

// ForceKill sends SIGKILL immediately, bypassing any drain -- used by the
// Manager's emergency shutdown path.
func (px *Proxy) ForceKill() {
	px.child.Signal(syscall.SIGKILL)
}

// Wait blocks until the child process exits.
func (px *Proxy) Wait() error {
	return px.child.Wait()
}

// readLoop is the proxy's single reader goroutine: frame decoding on a
// given child's inbound stream is serialised by construction (one
// goroutine, one decoder), so frames are always handled in arrival order.
func (px *Proxy) readLoop() {
	for {
		var frame wire.ChildFrame
		err := px.decoder.Decode(&frame)
		if err != nil {
			if err == io.EOF {
				px.onChildExit(nil)
				return
			}
			var decodeErr *wire.DecodeError
			if isDecodeError(err, &decodeErr) {
				px.logger.Warn().Err(err).Msg("discarding malformed frame")
				continue
			}
			px.onChildExit(err)
			return
		}
		px.handleFrame(&frame)
	}
}

func isDecodeError(err error, target **wire.DecodeError) bool {
	de, ok := err.(*wire.DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func (px *Proxy) handleFrame(f *wire.ChildFrame) {
	switch f.Cmd {
	case wire.CmdStartupComplete:
		px.mu.Lock()
		if px.startupTimer != nil {
			px.startupTimer.Stop()
		}
		px.state = StateActive
		px.mu.Unlock()
		px.host.OnStartupComplete(px)

	case wire.CmdMaintComplete:
		px.mu.Lock()
		if px.maintTimer != nil {
			px.maintTimer.Stop()
		}
		px.state = StateActive
		px.lastMaintCount = px.numRequestsServed
		px.lastMaintTime = time.Now()
		px.mu.Unlock()
		px.host.OnMaintComplete(px)

	case wire.CmdMessage:
		px.host.OnMessage(px, f.Data)

	case wire.CmdInternal:
		px.host.OnInternal(px, f.Data)

	case wire.CmdSSE:
		px.mu.Lock()
		pr := px.pending[f.ID]
		px.mu.Unlock()
		if pr != nil && pr.onChunk != nil {
			pr.onChunk(f.Chunk)
		}

	default: // "response" or unset cmd
		px.handleResponse(f)
	}
}

func (px *Proxy) handleResponse(f *wire.ChildFrame) {
	if f.Type == wire.TypeFile {
		file, size, err := px.openFileResponse(f)
		if err != nil {
			px.completeRequest(f.ID, nil, fmt.Errorf("proxy: file response: %w", err))
			return
		}
		px.completeRequest(f.ID, &Result{
			Status:  f.Status,
			Headers: withContentLength(f.Headers, size),
			File:    &FileStream{Reader: file, Size: size},
		}, nil)
		return
	}

	if f.Error != "" {
		px.completeRequest(f.ID, nil, fmt.Errorf("proxy: handler error: %s", f.Error))
		return
	}

	px.completeRequest(f.ID, &Result{Status: f.Status, Headers: f.Headers, Body: f.Body}, nil)
}

func withContentLength(headers map[string][]string, size int64) map[string][]string {
	out := make(map[string][]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out["Content-Length"] = []string{fmt.Sprintf("%d", size)}
	return out
}

// openFileResponse stats and opens the path the child wants served: a
// stat failure yields a 500 to the caller, and files marked Delete are
// unlinked shortly after being handed off, without blocking the response
// on unlink success.
func (px *Proxy) openFileResponse(f *wire.ChildFrame) (*os.File, int64, error) {
	path, _ := f.Data.(string)
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	if f.Delete {
		go func() {
			time.Sleep(2 * time.Second)
			os.Remove(path)
		}()
	}
	return file, info.Size(), nil
}

// onChildExit tears the proxy down after the OS reports the child gone:
// every pending request fails with a synthetic 500, the proxy retires,
// and the host is notified so the pool can remove it from its pid map.
func (px *Proxy) onChildExit(cause error) {
	px.mu.Lock()
	if px.childExited {
		px.mu.Unlock()
		return
	}
	px.childExited = true
	px.exitErr = cause
	wasStartup := px.state == StateStartup
	px.state = StateShutdown
	if px.startupTimer != nil {
		px.startupTimer.Stop()
	}
	if px.maintTimer != nil {
		px.maintTimer.Stop()
	}
	if px.killTimer != nil {
		px.killTimer.Stop()
	}
	pending := make([]*pendingRequest, 0, len(px.pending))
	for id, pr := range px.pending {
		pending = append(pending, pr)
		delete(px.pending, id)
	}
	px.numActiveRequests = 0
	px.mu.Unlock()

	msg := "child exited"
	if cause != nil {
		msg = cause.Error()
	}
	for range pending {
		px.host.OnActiveDelta(px, -1)
	}
	for _, pr := range pending {
		pr.cancelTimer()
		pr.callback(nil, fmt.Errorf("proxy: %s", msg))
	}

	if wasStartup {
		err := cause
		if err == nil {
			err = fmt.Errorf("proxy: child exited before startup_complete")
		}
		px.host.OnStartupFailed(px, err)
		return
	}

	px.host.OnChildExited(px, cause)
}
