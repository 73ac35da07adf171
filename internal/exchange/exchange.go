// Package exchange holds fully buffered request and response snapshots. A
// snapshot can be replayed, cached and written any number of times, unlike a
// streaming http body.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HeaderSource names the component that produced a response.
const HeaderSource = "X-Offline0"

// Request is an immutable description of an outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r Request) Target() (*url.URL, error) {
	return url.Parse(r.URL)
}

// HTTP builds a fresh *http.Request bound to ctx.
func (r Request) HTTP(ctx context.Context) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, r.Header)
	return req, nil
}

// FromHTTP snapshots an incoming request, reading at most maxBody bytes of
// its body. target overrides the request URL when non-empty.
func FromHTTP(r *http.Request, target string, maxBody int64) (Request, error) {
	if target == "" {
		target = r.URL.String()
	}
	out := Request{
		Method: r.Method,
		URL:    target,
		Header: CloneHeader(r.Header),
	}
	if r.Body == nil || r.Body == http.NoBody {
		return out, nil
	}
	defer r.Body.Close()
	body, err := readLimited(r.Body, maxBody)
	if err != nil {
		return Request{}, err
	}
	out.Body = body
	return out, nil
}

// Response is a complete response snapshot.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ReadResponse drains resp into a snapshot and closes its body.
func ReadResponse(resp *http.Response, maxBody int64) (*Response, error) {
	defer resp.Body.Close()
	body, err := readLimited(resp.Body, maxBody)
	if err != nil {
		return nil, err
	}
	h := CloneHeader(resp.Header)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: body}, nil
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone deep-copies the snapshot.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: CloneHeader(r.Header), Body: body}
}

// WithSource returns a clone tagged with the source header.
func (r *Response) WithSource(source string) *Response {
	out := r.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	SetSourceHeaders(out.Header, source)
	return out
}

// HTTP converts the snapshot into an *http.Response answering req.
func (r *Response) HTTP(req *http.Request) *http.Response {
	h := CloneHeader(r.Header)
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Write copies the snapshot to w.
func (r *Response) Write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

// SetSourceHeaders sets the source header and makes it readable from
// browser scripts in a CORS context.
func SetSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderSource, source)
	}
	EnsureExposedHeader(h, HeaderSource)
}

func EnsureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// CopyHeaders copies every header except Host.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ErrTooLarge is returned when a body exceeds the configured limit.
var ErrTooLarge = errors.New("body exceeds size limit")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, ErrTooLarge
	}
	return b, nil
}
