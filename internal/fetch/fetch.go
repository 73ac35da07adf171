// Package fetch performs network requests under a hard deadline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offline0/internal/exchange"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultAPITimeout = 5 * time.Second
)

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout = errors.New("fetch: timeout")
	ErrNetwork = errors.New("fetch: network error")
)

// Error describes a failed fetch. It matches ErrTimeout or ErrNetwork with
// errors.Is.
type Error struct {
	Kind    Kind
	Method  string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("%s %s: timeout after %s", e.Method, e.URL, e.Timeout)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNetwork:
		return e.Kind == KindNetwork
	}
	return false
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Fetcher issues requests through Client with a per-call deadline covering
// the whole exchange, body included. It never retries.
type Fetcher struct {
	Client      Doer
	MaxBodySize int64
}

func New(client Doer, maxBody int64) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{Client: client, MaxBodySize: maxBody}
}

func (f *Fetcher) Fetch(ctx context.Context, req exchange.Request, timeout time.Duration) (*exchange.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) error {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Method: req.Method, URL: req.URL, Timeout: timeout, Err: err}
	}

	hr, err := req.HTTP(ctx)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Method: req.Method, URL: req.URL, Err: err}
	}
	// Cache keys ignore headers, so stored bodies must not depend on the
	// encodings one client happened to offer.
	hr.Header.Set("Accept-Encoding", "identity")
	resp, err := f.Client.Do(hr)
	if err != nil {
		return nil, fail(err)
	}
	snap, err := exchange.ReadResponse(resp, f.MaxBodySize)
	if err != nil {
		return nil, fail(err)
	}
	return snap, nil
}
