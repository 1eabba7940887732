package bridge

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultMaxBodyBytes bounds the request body captured by NewRequest.
const DefaultMaxBodyBytes = 4 << 20

// Request is an immutable snapshot of one HTTP call. Header names are
// lower-cased so lookups are case-insensitive regardless of how the client
// spelled them.
type Request struct {
	Method     string
	URL        *url.URL
	RemoteAddr string
	Body       []byte

	header map[string][]string
}

// NewRequest reads r's body (up to maxBody bytes, DefaultMaxBodyBytes when
// maxBody <= 0) and snapshots the call.
func NewRequest(r *http.Request, maxBody int64) (*Request, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	req := &Request{
		Method:     r.Method,
		URL:        cloneURL(r.URL),
		RemoteAddr: r.RemoteAddr,
		header:     make(map[string][]string, len(r.Header)),
	}
	for k, vs := range r.Header {
		key := strings.ToLower(k)
		req.header[key] = append(req.header[key], vs...)
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if int64(len(body)) > maxBody {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBody)
		}
		req.Body = body
	}

	return req, nil
}

// Get returns the first value of the named header, or "".
func (r *Request) Get(name string) string {
	vs := r.header[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value of the named header.
func (r *Request) Values(name string) []string {
	vs := r.header[strings.ToLower(name)]
	return append([]string(nil), vs...)
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{}
	}
	c := *u
	if u.User != nil {
		uu := *u.User
		c.User = &uu
	}
	return &c
}
