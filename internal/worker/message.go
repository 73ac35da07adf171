package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"offline0/internal/cachestore"
	"offline0/internal/exchange"
)

const (
	MsgSkipWaiting  = "SKIP_WAITING"
	MsgCacheURLs    = "CACHE_URLS"
	MsgClearCache   = "CLEAR_CACHE"
	MsgGetCacheInfo = "GET_CACHE_INFO"
)

var (
	ErrUnknownMessage = errors.New("worker: unknown message type")
	ErrBadMessage     = errors.New("worker: malformed message data")
)

// Message is a control envelope sent by the page.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type CacheURLsData struct {
	URLs []string `json:"urls"`
}

type ClearCacheData struct {
	CacheName string `json:"cacheName"`
}

// CacheInfo describes one named store in a GET_CACHE_INFO reply.
type CacheInfo struct {
	Count int      `json:"count"`
	URLs  []string `json:"urls"`
}

type CacheURLsReply struct {
	Cached int `json:"cached"`
	Failed int `json:"failed"`
}

type ClearCacheReply struct {
	Deleted bool `json:"deleted"`
}

type SkipWaitingReply struct {
	State string `json:"state"`
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Result, error) {
	msg := ev.Message
	switch msg.Type {
	case MsgSkipWaiting:
		if err := w.lifecycle.SkipWaitingNow(ctx); err != nil {
			return Result{}, err
		}
		return Result{Reply: SkipWaitingReply{State: w.lifecycle.State().String()}}, nil

	case MsgCacheURLs:
		var d CacheURLsData
		if err := decodeData(msg, &d); err != nil {
			return Result{}, err
		}
		return Result{Reply: w.cacheURLs(ctx, d.URLs)}, nil

	case MsgClearCache:
		var d ClearCacheData
		if err := decodeData(msg, &d); err != nil {
			return Result{}, err
		}
		if d.CacheName == "" {
			return Result{}, fmt.Errorf("%w: cacheName is required", ErrBadMessage)
		}
		ok, err := w.backend.Delete(ctx, d.CacheName)
		if err != nil {
			return Result{}, fmt.Errorf("clear %s: %w", d.CacheName, err)
		}
		w.log.WithFields(logrus.Fields{"cache": d.CacheName, "deleted": ok}).Info("cache cleared on request")
		return Result{Reply: ClearCacheReply{Deleted: ok}}, nil

	case MsgGetCacheInfo:
		info, err := w.CacheInfo(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Reply: info}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func decodeData(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: %s needs data", ErrBadMessage, msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}

// cacheURLs fetches each URL into the dynamic store. Failures are logged and
// skipped.
func (w *Worker) cacheURLs(ctx context.Context, urls []string) CacheURLsReply {
	var rep CacheURLsReply
	for _, raw := range urls {
		log := w.log.WithFields(logrus.Fields{"cache": w.dynamic.Name, "url": raw})
		abs, err := resolve(w.cfg.Self, raw)
		if err != nil {
			rep.Failed++
			log.WithError(err).Warn("skipping unparsable url")
			continue
		}
		req := exchange.Request{Method: http.MethodGet, URL: abs, Header: http.Header{}}
		resp, err := w.fetcher.Fetch(ctx, req, w.cfg.Timeout)
		if err != nil || !resp.OK() {
			rep.Failed++
			if err == nil {
				err = fmt.Errorf("unexpected status %d", resp.Status)
			}
			log.WithError(err).Warn("could not cache url")
			continue
		}
		key, _ := cachestore.KeyFor(req)
		if err := w.dynamic.Put(ctx, cachestore.NewEntry(key, resp, w.now().Unix())); err != nil {
			rep.Failed++
			log.WithError(err).Warn("could not cache url")
			continue
		}
		rep.Cached++
	}
	return rep
}

// CacheInfo lists every named store with its entry URLs in insertion order.
func (w *Worker) CacheInfo(ctx context.Context) (map[string]CacheInfo, error) {
	names, err := w.backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	out := make(map[string]CacheInfo, len(names))
	for _, name := range names {
		entries, err := w.backend.Entries(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		urls := make([]string, 0, len(entries))
		for _, e := range entries {
			urls = append(urls, e.Key.URL)
		}
		out[name] = CacheInfo{Count: len(entries), URLs: urls}
	}
	return out, nil
}
