package workerapi

import "github.com/narya/wpool/internal/wire"

// Request is the child-side view of one dispatched HTTP-shaped call.
type Request struct {
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
	Body        []byte
}

func newRequest(f *wire.ParentFrame) *Request {
	return &Request{
		Method:      f.Method,
		IP:          f.IP,
		IPs:         f.IPs,
		Headers:     f.Headers,
		HTTPVersion: f.HTTPVersion,
		URI:         f.URI,
		URL:         f.URL,
		Query:       f.Query,
		Cookies:     f.Cookies,
		Files:       f.Files,
		Params:      f.Params,
		Body:        f.RawBody,
	}
}

// Header returns the first value for a request header, per the common
// convention of net/http's Header.Get.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// QueryParam returns the first value for a query parameter.
func (r *Request) QueryParam(name string) string {
	if v, ok := r.Query[name]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// AcceptsEncoding reports whether the client's Accept-Encoding header
// lists enc.
func (r *Request) AcceptsEncoding(enc string) bool {
	for _, v := range r.Headers["Accept-Encoding"] {
		if containsToken(v, enc) {
			return true
		}
	}
	return false
}
