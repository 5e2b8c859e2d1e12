// Package router adapts inbound HTTP requests onto the pool dispatch
// surface: URI-pattern-to-pool binding, ACL enforcement, and
// translating a proxy.Result back into an http.ResponseWriter call.
package router

import (
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/narya/wpool/internal/manager"
	"github.com/narya/wpool/internal/pool"
	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
)

// Dispatcher is the subset of *pool.Pool the router needs, so tests can
// substitute a fake without spinning up real workers.
type Dispatcher interface {
	Dispatch(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error
	Config() *poolcfg.Config
}

// IDGenerator mints per-request correlation ids.
type IDGenerator interface {
	NextRequestID() uint64
}

// Binding maps one URI pattern to the pool that should serve it, with an
// optional ACL of allowed remote addresses/CIDRs.
type Binding struct {
	Pattern string
	regex   *regexp.Regexp
	Pool    Dispatcher
	ACL     []*net.IPNet
}

// Router is an http.Handler that dispatches to whichever bound pool first
// matches the request URI, in registration order. Static routes (health,
// metrics, debug) are served from the embedded chi mux; pool bindings are
// matched separately since a pool's uri_match is an arbitrary regular
// expression rather than a chi path pattern.
type Router struct {
	mux      *chi.Mux
	ids      IDGenerator
	logger   zerolog.Logger
	bindings []Binding
}

// New builds an empty Router.
func New(ids IDGenerator, logger zerolog.Logger) *Router {
	return &Router{mux: chi.NewRouter(), ids: ids, logger: logger}
}

// Mux exposes the underlying chi router so callers can register static
// endpoints (health, metrics, debug) alongside pool bindings.
func (r *Router) Mux() *chi.Mux { return r.mux }

// Bind registers a uri_match regular expression to p, in the order
// dispatch should try bindings. aclCIDRs, if non-empty, restricts the
// binding to matching remote addresses.
func (r *Router) Bind(pattern string, p Dispatcher, aclCIDRs []string) error {
	acl, err := parseACL(aclCIDRs)
	if err != nil {
		return err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.bindings = append(r.bindings, Binding{Pattern: pattern, regex: re, Pool: p, ACL: acl})
	return nil
}

// BindManaged binds every pool currently registered in m under its
// config's URIMatch pattern, skipping pools that don't declare one.
func (r *Router) BindManaged(m *manager.Manager) error {
	for _, p := range m.Pools() {
		cfg := p.Config()
		if cfg.URIMatch == "" {
			continue
		}
		if err := r.Bind(cfg.URIMatch, p, cfg.ACL); err != nil {
			return err
		}
	}
	return nil
}

func parseACL(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			c += "/32"
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		out = append(out, ipnet)
	}
	return out, nil
}

func aclAllows(acl []*net.IPNet, remoteAddr string) bool {
	if len(acl) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range acl {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (r *Router) matchBinding(uri string) *Binding {
	for i := range r.bindings {
		if r.bindings[i].regex.MatchString(uri) {
			return &r.bindings[i]
		}
	}
	return nil
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request, p Dispatcher) {
	args, err := toDispatchArgs(req)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	cfg := p.Config()
	timeout := cfg.RequestTimeout()

	type outcome struct {
		res *proxy.Result
		err error
	}
	done := make(chan outcome, 1)

	sseFlusher, isSSE := w.(http.Flusher)
	var onChunk func([]byte)
	if isSSE {
		onChunk = func(chunk []byte) {
			w.Write(chunk)
			sseFlusher.Flush()
		}
	}

	err = p.Dispatch(r.ids.NextRequestID(), timeout, args, func(res *proxy.Result, err error) {
		done <- outcome{res, err}
	}, onChunk)

	if err != nil {
		writeDispatchError(w, err)
		return
	}

	select {
	case o := <-done:
		if o.err != nil {
			writeDispatchError(w, o.err)
			return
		}
		writeResult(w, o.res)
	case <-req.Context().Done():
		// The client hung up before the worker replied. There is
		// nothing left to write; the proxy's own timeout or the
		// eventual response will still drain the pending entry.
	}
}

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrAtCapacity):
		http.Error(w, "at capacity", http.StatusTooManyRequests)
	case errors.Is(err, pool.ErrNoWorkerAvailable):
		http.Error(w, "no worker available", http.StatusServiceUnavailable)
	case errors.Is(err, proxy.ErrRequestTimeout):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeResult(w http.ResponseWriter, res *proxy.Result) {
	for k, vs := range res.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := res.Status
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)

	if res.File != nil {
		defer res.File.Reader.Close()
		io.Copy(w, res.File.Reader)
		return
	}
	w.Write(res.Body)
}

func toDispatchArgs(req *http.Request) (proxy.DispatchArgs, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, 32<<20))
		if err != nil {
			return proxy.DispatchArgs{}, err
		}
		req.Body.Close()
	}

	cookies := make(map[string]string, len(req.Cookies()))
	for _, c := range req.Cookies() {
		cookies[c.Name] = c.Value
	}

	return proxy.DispatchArgs{
		Method:      req.Method,
		IP:          clientIP(req),
		Headers:     req.Header,
		HTTPVersion: req.Proto,
		URI:         req.URL.Path,
		URL:         req.URL.String(),
		Query:       req.URL.Query(),
		Cookies:     cookies,
		RawBody:     body,
	}, nil
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// ServeHTTP implements http.Handler: a matching pool binding takes
// priority over the static chi routes, which only ever cover exact
// paths like /health, /metrics, and /debug/workers.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if b := r.matchBinding(req.URL.Path); b != nil {
		if !aclAllows(b.ACL, req.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		r.dispatch(w, req, b.Pool)
		return
	}
	r.mux.ServeHTTP(w, req)
}
