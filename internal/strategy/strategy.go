// Package strategy implements the cache-first and network-first policies
// that answer intercepted requests.
package strategy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/exchange"
)

// Fetcher is the network side of a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, req exchange.Request, timeout time.Duration) (*exchange.Response, error)
}

// Source says where a response came from. It is also the value of the
// exchange.HeaderSource header on synthetic and cached responses.
type Source string

const (
	SourceCache        Source = "cache"
	SourceNetwork      Source = "network"
	SourceOfflineCache Source = "offline-cache"
	SourceQueued       Source = "queued"
	SourceOfflinePage  Source = "offline-page"
	SourcePlaceholder  Source = "placeholder"
	SourcePassthrough  Source = "passthrough"
)

// Outcome is the answer to one request. Err keeps the network failure that
// led to a fallback answer, if any.
type Outcome struct {
	Response *exchange.Response
	Source   Source
	QueueID  uint64
	Err      error
}

// Strategy answers a request or fails with the network error.
type Strategy interface {
	Handle(ctx context.Context, req exchange.Request) (Outcome, error)
}

// Fallback produces a substitute response for a failed request, or nil.
type Fallback func(req exchange.Request) (*exchange.Response, Source)

// Chain tries each fallback in turn.
func Chain(fbs ...Fallback) Fallback {
	return func(req exchange.Request) (*exchange.Response, Source) {
		for _, fb := range fbs {
			if fb == nil {
				continue
			}
			if resp, src := fb(req); resp != nil {
				return resp, src
			}
		}
		return nil, ""
	}
}

func tagged(resp *exchange.Response, src Source) *exchange.Response {
	return resp.WithSource(string(src))
}

func nowOr(f func() time.Time) time.Time {
	if f != nil {
		return f()
	}
	return time.Now()
}

func logOr(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return logrus.StandardLogger()
}
