package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/cachestore"
	"offline0/internal/classify"
	"offline0/internal/exchange"
	"offline0/internal/syncqueue"
)

// NetworkFirst serves API and dynamic traffic. Reads fall back to the
// dynamic cache; writes that cannot reach the network are queued.
type NetworkFirst struct {
	Store    *cachestore.Bounded
	Queue    syncqueue.Queue
	Fetcher  Fetcher
	Timeout  time.Duration
	Fallback Fallback
	Log      logrus.FieldLogger
	Now      func() time.Time

	// OnEnqueue, when set, observes every deferred write.
	OnEnqueue func(it syncqueue.Item)
}

func (s *NetworkFirst) Handle(ctx context.Context, req exchange.Request) (Outcome, error) {
	key, cacheable := cachestore.KeyFor(req)

	resp, err := s.Fetcher.Fetch(ctx, req, s.Timeout)
	if err == nil {
		if cacheable && resp.OK() {
			if perr := s.Store.Put(ctx, cachestore.NewEntry(key, resp, nowOr(s.Now).Unix())); perr != nil {
				logOr(s.Log).WithFields(logrus.Fields{"cache": s.Store.Name, "url": req.URL}).WithError(perr).Warn("cache write failed")
			}
		}
		return Outcome{Response: resp, Source: SourceNetwork}, nil
	}

	if classify.IsRead(req.Method) {
		return s.readFallback(ctx, req, key, cacheable, err)
	}
	return s.enqueue(ctx, req, err)
}

func (s *NetworkFirst) readFallback(ctx context.Context, req exchange.Request, key cachestore.Key, cacheable bool, fetchErr error) (Outcome, error) {
	if cacheable {
		e, ok, err := s.Store.Get(ctx, key)
		switch {
		case err != nil:
			logOr(s.Log).WithFields(logrus.Fields{"cache": s.Store.Name, "url": req.URL}).WithError(err).Warn("cache lookup failed")
		case ok:
			return Outcome{Response: tagged(e.Response(), SourceOfflineCache), Source: SourceOfflineCache, Err: fetchErr}, nil
		}
	}
	if s.Fallback != nil {
		if fb, src := s.Fallback(req); fb != nil {
			return Outcome{Response: tagged(fb, src), Source: src, Err: fetchErr}, nil
		}
	}
	return Outcome{}, fetchErr
}

func (s *NetworkFirst) enqueue(ctx context.Context, req exchange.Request, fetchErr error) (Outcome, error) {
	item, err := s.Queue.Enqueue(ctx, syncqueue.NewItem(req, nowOr(s.Now)))
	if err != nil {
		logOr(s.Log).WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).WithError(err).Error("could not queue request for background sync")
		return Outcome{}, fmt.Errorf("%w (not queued: %w)", fetchErr, err)
	}
	logOr(s.Log).WithFields(logrus.Fields{
		"method":   req.Method,
		"url":      req.URL,
		"queue_id": item.ID,
	}).WithError(fetchErr).Info("request queued for background sync")
	if s.OnEnqueue != nil {
		s.OnEnqueue(item)
	}
	return Outcome{Response: tagged(QueuedResponse(), SourceQueued), Source: SourceQueued, QueueID: item.ID, Err: fetchErr}, nil
}
