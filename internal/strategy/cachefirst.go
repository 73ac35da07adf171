package strategy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/cachestore"
	"offline0/internal/exchange"
)

// CacheFirst serves static assets and images: cache hit without touching the
// network, otherwise fetch and store.
type CacheFirst struct {
	Store    *cachestore.Bounded
	Fetcher  Fetcher
	Timeout  time.Duration
	Fallback Fallback
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func (s *CacheFirst) Handle(ctx context.Context, req exchange.Request) (Outcome, error) {
	key, cacheable := cachestore.KeyFor(req)
	if cacheable {
		e, ok, err := s.Store.Get(ctx, key)
		switch {
		case err != nil:
			logOr(s.Log).WithFields(logrus.Fields{"cache": s.Store.Name, "url": req.URL}).WithError(err).Warn("cache lookup failed")
		case ok:
			return Outcome{Response: tagged(e.Response(), SourceCache), Source: SourceCache}, nil
		}
	}

	resp, err := s.Fetcher.Fetch(ctx, req, s.Timeout)
	if err != nil {
		if s.Fallback != nil {
			if fb, src := s.Fallback(req); fb != nil {
				return Outcome{Response: tagged(fb, src), Source: src, Err: err}, nil
			}
		}
		return Outcome{}, err
	}

	if cacheable && resp.OK() {
		if err := s.Store.Put(ctx, cachestore.NewEntry(key, resp, nowOr(s.Now).Unix())); err != nil {
			logOr(s.Log).WithFields(logrus.Fields{"cache": s.Store.Name, "url": req.URL}).WithError(err).Warn("cache write failed")
		}
	}
	return Outcome{Response: resp, Source: SourceNetwork}, nil
}
