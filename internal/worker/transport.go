package worker

import (
	"net/http"

	"offline0/internal/exchange"
)

// Transport is an http.RoundTripper that answers requests through a Worker.
// Network responses come back unmodified; cached and synthetic ones carry
// the exchange.HeaderSource header. The Worker's own fetcher must not use
// this Transport.
type Transport struct {
	Worker      *Worker
	MaxBodySize int64
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	req, err := exchange.FromHTTP(r, r.URL.String(), t.MaxBodySize)
	if err != nil {
		return nil, err
	}
	res, err := t.Worker.Dispatch(r.Context(), Event{Kind: KindFetch, Request: req})
	if err != nil {
		return nil, err
	}
	return res.Outcome.Response.HTTP(r), nil
}
