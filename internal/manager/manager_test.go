package manager

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
	"github.com/narya/wpool/internal/wire"
)

type fakeManagedChild struct {
	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	mu      sync.Mutex
	killed  bool
	waitCh  chan struct{}
}

func newFakeManagedChild(pid int) *fakeManagedChild {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeManagedChild{pid: pid, stdinR: inR, stdinW: inW, stdoutR: outR, stdoutW: outW, waitCh: make(chan struct{})}
}

func (f *fakeManagedChild) Write(p []byte) (int, error)    { return f.stdinW.Write(p) }
func (f *fakeManagedChild) Stdout() io.Reader               { return f.stdoutR }
func (f *fakeManagedChild) Pid() int                        { return f.pid }
func (f *fakeManagedChild) Signal(sig syscall.Signal) error { return nil }

func (f *fakeManagedChild) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.waitCh)
		f.stdoutW.CloseWithError(io.EOF)
	}
	return nil
}

func (f *fakeManagedChild) Wait() error { <-f.waitCh; return nil }

func runFakeManagedWorker(t *testing.T, child *fakeManagedChild) {
	t.Helper()
	codec := wire.New(0)
	dec := codec.NewDecoder(child.stdinR)
	go func() {
		for {
			var f wire.ParentFrame
			if err := dec.Decode(&f); err != nil {
				return
			}
			if f.Cmd == wire.CmdStartup {
				codec.WriteMessage(child.stdoutW, &wire.ChildFrame{Cmd: wire.CmdStartupComplete})
			}
		}
	}()
}

type managedSpawner struct {
	t       *testing.T
	nextPid atomic.Int64
}

func (s *managedSpawner) Spawn(cfg *poolcfg.Config) (proxy.ChildProcess, error) {
	pid := int(s.nextPid.Add(1))
	child := newFakeManagedChild(pid)
	runFakeManagedWorker(s.t, child)
	return child, nil
}

func testManagedConfig(id string) *poolcfg.Config {
	cfg := poolcfg.Default(id, "fake")
	cfg.MinChildren = 1
	cfg.MaxChildren = 2
	cfg.MaxConcurrentLaunches = 2
	cfg.StartupTimeoutSec = 2
	cfg.ShutdownTimeoutSec = 1
	return cfg
}

func TestManagerCreateAndRemovePool(t *testing.T) {
	spawner := &managedSpawner{t: t}
	m := New(spawner, wire.ServerInfo{}, nil, nil, zerolog.Nop())

	ctx := context.Background()
	p, err := m.CreatePool(ctx, testManagedConfig("web"))
	require.NoError(t, err)
	require.Len(t, p.Proxies(), 1)

	_, ok := m.Pool("web")
	require.True(t, ok)

	require.NoError(t, m.RemovePool(ctx, "web"))
	_, ok = m.Pool("web")
	require.False(t, ok)
}

func TestManagerCreatePoolDuplicateIDFails(t *testing.T) {
	spawner := &managedSpawner{t: t}
	m := New(spawner, wire.ServerInfo{}, nil, nil, zerolog.Nop())

	ctx := context.Background()
	_, err := m.CreatePool(ctx, testManagedConfig("web"))
	require.NoError(t, err)

	_, err = m.CreatePool(ctx, testManagedConfig("web"))
	require.Error(t, err)
}

func TestManagerNextRequestIDIsMonotonic(t *testing.T) {
	m := New(&managedSpawner{t: t}, wire.ServerInfo{}, nil, nil, zerolog.Nop())
	a := m.NextRequestID()
	b := m.NextRequestID()
	require.Less(t, a, b)
}

func TestManagerRunTicksRegisteredPools(t *testing.T) {
	spawner := &managedSpawner{t: t}
	m := New(spawner, wire.ServerInfo{}, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.CreatePool(ctx, testManagedConfig("web"))
	require.NoError(t, err)

	go m.Run(ctx)
	time.Sleep(1100 * time.Millisecond)
	cancel()
	m.Stop()
}
