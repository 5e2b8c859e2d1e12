package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/narya/wpool/internal/pool"
	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
)

type fakeDispatcher struct {
	cfg     *poolcfg.Config
	dispatch func(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error
}

func (f *fakeDispatcher) Dispatch(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error {
	return f.dispatch(id, timeout, args, cb, onChunk)
}
func (f *fakeDispatcher) Config() *poolcfg.Config { return f.cfg }

type seqIDs struct{ n uint64 }

func (s *seqIDs) NextRequestID() uint64 { s.n++; return s.n }

func TestRouterDispatchesToMatchingBinding(t *testing.T) {
	r := New(&seqIDs{}, zerolog.Nop())
	d := &fakeDispatcher{
		cfg: poolcfg.Default("api", "fake"),
		dispatch: func(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error {
			cb(&proxy.Result{Status: 200, Body: []byte("hello")}, nil)
			return nil
		},
	}
	require.NoError(t, r.Bind("^/api/.*$", d, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestRouterAtCapacityReturns429(t *testing.T) {
	r := New(&seqIDs{}, zerolog.Nop())
	d := &fakeDispatcher{
		cfg: poolcfg.Default("api", "fake"),
		dispatch: func(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error {
			return pool.ErrAtCapacity
		},
	}
	require.NoError(t, r.Bind("^/api/.*$", d, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRouterUnmatchedFallsThroughToMux(t *testing.T) {
	r := New(&seqIDs{}, zerolog.Nop())
	r.Mux().Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRouterACLRejectsUnlistedRemote(t *testing.T) {
	r := New(&seqIDs{}, zerolog.Nop())
	d := &fakeDispatcher{cfg: poolcfg.Default("api", "fake")}
	require.NoError(t, r.Bind("^/api/.*$", d, []string{"10.0.0.0/8"}))

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
