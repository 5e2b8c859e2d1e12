package proxy

import (
	"io"
	"math/rand"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/wire"
)

// fakeChild is an in-process stand-in for a spawned OS process: its
// "stdin" and "stdout" are pipes a test goroutine drives directly,
// speaking the real wire protocol without forking anything.
type fakeChild struct {
	pid int

	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu      sync.Mutex
	killed  bool
	waitCh  chan struct{}
	waitErr error

	// maintGate, when non-nil, holds back the maint_complete reply until
	// the test closes it.
	maintGate chan struct{}
}

func newFakeChild(pid int) *fakeChild {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeChild{
		pid:     pid,
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		waitCh:  make(chan struct{}),
	}
}

func (f *fakeChild) Write(p []byte) (int, error) { return f.stdinW.Write(p) }
func (f *fakeChild) Stdout() io.Reader            { return f.stdoutR }
func (f *fakeChild) Pid() int                     { return f.pid }
func (f *fakeChild) Signal(sig syscall.Signal) error {
	return nil
}

func (f *fakeChild) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.waitCh)
		f.stdoutW.CloseWithError(io.EOF)
	}
	return nil
}

func (f *fakeChild) Wait() error {
	<-f.waitCh
	return f.waitErr
}

// exitCleanly simulates the child process exiting on its own, e.g. after
// a shutdown drain, without the parent having called Kill.
func (f *fakeChild) exitCleanly() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.waitCh)
	}
	f.stdoutW.Close()
}

type spyHost struct {
	mu               sync.Mutex
	startupCompleted []int
	startupFailed    map[int]error
	maintCompleted   []int
	messages         []any
	internals        []any
	exited           map[int]error
	activeDelta      int
}

func newSpyHost() *spyHost {
	return &spyHost{startupFailed: map[int]error{}, exited: map[int]error{}}
}

func (s *spyHost) OnStartupComplete(px *Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startupCompleted = append(s.startupCompleted, px.Pid())
}
func (s *spyHost) OnStartupFailed(px *Proxy, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startupFailed[px.Pid()] = err
}
func (s *spyHost) OnMaintComplete(px *Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintCompleted = append(s.maintCompleted, px.Pid())
}
func (s *spyHost) OnMessage(px *Proxy, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, data)
}
func (s *spyHost) OnInternal(px *Proxy, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internals = append(s.internals, data)
}
func (s *spyHost) OnChildExited(px *Proxy, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited[px.Pid()] = cause
}
func (s *spyHost) OnActiveDelta(px *Proxy, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeDelta += delta
}

func testConfig() *poolcfg.Config {
	cfg := poolcfg.Default("web", "fake")
	cfg.StartupTimeoutSec = 1
	cfg.ShutdownTimeoutSec = 1
	cfg.MaintTimeoutSec = 1
	cfg.RequestTimeoutSec = 0
	return cfg
}

type childProcessSpawner struct{ child *fakeChild }

func (s childProcessSpawner) Spawn(cfg *poolcfg.Config) (ChildProcess, error) { return s.child, nil }

// runFakeWorker decodes parent frames and reacts with a fixed, simple
// script good enough to exercise Proxy from the other end: it always
// completes startup immediately, completes maint once maintGate (if set)
// is closed, and answers every request with whatever onRequest returns
// (nothing at all when it returns nil).
func runFakeWorker(t *testing.T, child *fakeChild, onRequest func(f *wire.ParentFrame) *wire.ChildFrame) {
	t.Helper()
	codec := wire.New(0)
	dec := codec.NewDecoder(child.stdinR)
	go func() {
		for {
			var f wire.ParentFrame
			if err := dec.Decode(&f); err != nil {
				return
			}
			switch f.Cmd {
			case wire.CmdStartup:
				codec.WriteMessage(child.stdoutW, &wire.ChildFrame{Cmd: wire.CmdStartupComplete})
			case wire.CmdMaint:
				if child.maintGate != nil {
					<-child.maintGate
				}
				codec.WriteMessage(child.stdoutW, &wire.ChildFrame{Cmd: wire.CmdMaintComplete})
			case wire.CmdShutdown:
				child.exitCleanly()
				return
			case wire.CmdRequest, wire.CmdCustom:
				resp := onRequest(&f)
				if resp != nil {
					codec.WriteMessage(child.stdoutW, resp)
				}
			}
		}
	}()
}

func TestProxyStartupHandshake(t *testing.T) {
	child := newFakeChild(101)
	host := newSpyHost()
	runFakeWorker(t, child, nil)

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.startupCompleted) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, StateActive, px.State())
}

func TestProxyDispatchRoundTrip(t *testing.T) {
	child := newFakeChild(102)
	host := newSpyHost()
	runFakeWorker(t, child, func(f *wire.ParentFrame) *wire.ChildFrame {
		return &wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Status: 200, Body: []byte("ok"), Headers: map[string][]string{"X-Test": {"1"}}}
	})

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	waitActive(t, px)

	resCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	err = px.Dispatch(1, 0, DispatchArgs{Method: "GET", URI: "/"}, func(res *Result, err error) {
		resCh <- res
		errCh <- err
	}, nil)
	require.NoError(t, err)

	select {
	case res := <-resCh:
		require.Equal(t, 200, res.Status)
		require.Equal(t, []byte("ok"), res.Body)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
	require.NoError(t, <-errCh)
	require.Equal(t, 0, px.NumActiveRequests())
	require.EqualValues(t, 1, px.NumRequestsServed())
}

func TestProxyDispatchTimeout(t *testing.T) {
	child := newFakeChild(103)
	host := newSpyHost()
	runFakeWorker(t, child, func(f *wire.ParentFrame) *wire.ChildFrame {
		return nil // never respond
	})

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	waitActive(t, px)

	errCh := make(chan error, 1)
	err = px.Dispatch(2, 20*time.Millisecond, DispatchArgs{Method: "GET", URI: "/slow"}, func(res *Result, err error) {
		errCh <- err
	}, nil)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout callback")
	}
	require.Equal(t, 0, px.NumActiveRequests())
}

func TestProxyChildExitFailsPendingRequests(t *testing.T) {
	child := newFakeChild(104)
	host := newSpyHost()
	runFakeWorker(t, child, func(f *wire.ParentFrame) *wire.ChildFrame {
		return nil // never respond -- we'll kill the child instead
	})

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	waitActive(t, px)

	errCh := make(chan error, 1)
	err = px.Dispatch(3, 0, DispatchArgs{Method: "GET", URI: "/"}, func(res *Result, err error) {
		errCh <- err
	}, nil)
	require.NoError(t, err)

	child.Kill()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for child-exit failure")
	}

	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		_, ok := host.exited[104]
		return ok
	}, time.Second, time.Millisecond)
}

func TestProxyMaintRoundTrip(t *testing.T) {
	child := newFakeChild(105)
	child.maintGate = make(chan struct{})
	host := newSpyHost()
	runFakeWorker(t, child, nil)

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	waitActive(t, px)

	require.NoError(t, px.Maint(nil, time.Second))
	require.Equal(t, StateMaint, px.State())
	close(child.maintGate)

	require.Eventually(t, func() bool {
		return px.State() == StateActive
	}, time.Second, time.Millisecond)

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.maintCompleted, 1)
}

func TestProxyCustomDispatchMapsNon200ToError(t *testing.T) {
	child := newFakeChild(106)
	host := newSpyHost()
	runFakeWorker(t, child, func(f *wire.ParentFrame) *wire.ChildFrame {
		return &wire.ChildFrame{Cmd: wire.CmdResponse, ID: f.ID, Status: 500, Body: []byte("boom")}
	})

	px, err := Spawn(childProcessSpawner{child}, testConfig(), wire.ServerInfo{}, host, zerolog.Nop(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	waitActive(t, px)

	done := make(chan struct{})
	var gotErr error
	err = px.DispatchCustom(4, 0, map[string]any{"test": 1234}, func(err error, body []byte, perf *wire.Perf) {
		gotErr = err
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
		require.Error(t, gotErr)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func waitActive(t *testing.T, px *Proxy) {
	t.Helper()
	require.Eventually(t, func() bool { return px.State() == StateActive }, time.Second, time.Millisecond)
}
