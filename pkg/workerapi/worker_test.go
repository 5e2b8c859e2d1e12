package workerapi

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/narya/wpool/internal/wire"
)

// harness drives a Worker from the parent's side of an in-process pipe
// pair, the mirror image of internal/proxy's fake-child tests.
type harness struct {
	codec *wire.Codec
	dec   *wire.Decoder
	toW   *Worker
	toWW  io.Writer
}

func newHarness(t *testing.T, configure func(*Worker)) *harness {
	t.Helper()
	parentToChild := newPipe()
	childToParent := newPipe()

	w := New(parentToChild.r, childToParent.w)
	configure(w)

	go func() { _ = w.Run() }()

	codec := wire.New(0)
	return &harness{
		codec: codec,
		dec:   codec.NewDecoder(childToParent.r),
		toW:   w,
		toWW:  parentToChild.w,
	}
}

type pipe struct {
	r io.Reader
	w io.Writer
}

func newPipe() pipe {
	r, w := io.Pipe()
	return pipe{r: r, w: w}
}

func (h *harness) send(f *wire.ParentFrame) {
	h.codec.WriteMessage(h.toWW, f)
}

func (h *harness) recv(t *testing.T) *wire.ChildFrame {
	t.Helper()
	var f wire.ChildFrame
	done := make(chan error, 1)
	go func() { done <- h.dec.Decode(&f) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for child frame")
	}
	return &f
}

func TestWorkerStartupHandshake(t *testing.T) {
	h := newHarness(t, func(w *Worker) {})
	h.send(&wire.ParentFrame{Cmd: wire.CmdStartup, Server: &wire.ServerInfo{Hostname: "x"}})
	frame := h.recv(t)
	require.Equal(t, wire.CmdStartupComplete, frame.Cmd)
}

func TestWorkerRoutesToMatchingHandler(t *testing.T) {
	h := newHarness(t, func(w *Worker) {
		w.Handle("/users/[0-9]+", func(req *Request, rw *ResponseWriter) {
			rw.WriteHeader(200)
			rw.Write([]byte("user"))
		})
		w.HandleFunc(func(req *Request, rw *ResponseWriter) {
			rw.WriteHeader(404)
		})
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdRequest, ID: 1, Method: "GET", URI: "/users/42"})
	frame := h.recv(t)
	require.Equal(t, 200, frame.Status)
	require.Equal(t, []byte("user"), frame.Body)
}

func TestWorkerFallsBackToGenericHandler(t *testing.T) {
	h := newHarness(t, func(w *Worker) {
		w.HandleFunc(func(req *Request, rw *ResponseWriter) {
			rw.WriteHeader(404)
			rw.Write([]byte("nope"))
		})
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdRequest, ID: 2, Method: "GET", URI: "/anything"})
	frame := h.recv(t)
	require.Equal(t, 404, frame.Status)
}

func TestWorkerJSONPWrapsCallback(t *testing.T) {
	h := newHarness(t, func(w *Worker) {
		w.HandleFunc(func(req *Request, rw *ResponseWriter) {
			rw.JSON(map[string]any{"ok": true})
		})
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdRequest, ID: 3, Method: "GET", URI: "/data", Query: map[string][]string{"callback": {"cb"}}})
	frame := h.recv(t)
	require.Contains(t, string(frame.Body), "cb({")
}

func TestWorkerRecoversPanicAndRepliesWithError(t *testing.T) {
	h := newHarness(t, func(w *Worker) {
		w.HandleFunc(func(req *Request, rw *ResponseWriter) {
			panic("boom")
		})
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdRequest, ID: 9, Method: "GET", URI: "/panics"})
	frame := h.recv(t)
	require.Equal(t, 500, frame.Status)
	require.Contains(t, string(frame.Body), "boom")
}

func TestWorkerCustomDispatch(t *testing.T) {
	h := newHarness(t, func(w *Worker) {
		w.HandleCustom(func(params map[string]any) (any, error) {
			return map[string]any{"echo": params["value"]}, nil
		})
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdCustom, ID: 4, Params: map[string]any{"value": "hi"}})
	frame := h.recv(t)
	require.Equal(t, 200, frame.Status)
	require.Contains(t, string(frame.Body), "hi")
}

func TestWorkerMaintHookRunsAndAcks(t *testing.T) {
	ran := make(chan any, 1)
	h := newHarness(t, func(w *Worker) {
		w.OnMaint(func(payload any) { ran <- payload })
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdMaint, Data: "flush"})
	frame := h.recv(t)
	require.Equal(t, wire.CmdMaintComplete, frame.Cmd)

	select {
	case p := <-ran:
		require.Equal(t, "flush", p)
	case <-time.After(time.Second):
		t.Fatal("maint hook did not run")
	}
}

func TestWorkerShutdownHookRunsBeforeExit(t *testing.T) {
	ran := make(chan struct{}, 1)
	h := newHarness(t, func(w *Worker) {
		w.OnShutdown(func() { close(ran) })
	})

	h.send(&wire.ParentFrame{Cmd: wire.CmdShutdown})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook did not run")
	}
}
