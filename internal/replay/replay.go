// Package replay drains the sync queue once connectivity is back.
package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/exchange"
	"offline0/internal/notify"
	"offline0/internal/syncqueue"
)

// DefaultMaxRetries bounds failed replays before an item is discarded.
const DefaultMaxRetries = 3

var ErrInProgress = errors.New("replay: pass already running")

type Fetcher interface {
	Fetch(ctx context.Context, req exchange.Request, timeout time.Duration) (*exchange.Response, error)
}

// Report summarises one pass.
type Report struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

type Engine struct {
	Queue    syncqueue.Queue
	Fetcher  Fetcher
	Notifier notify.Notifier
	Timeout  time.Duration
	// MaxRetries is the number of failed replays after which an item is
	// dropped. Zero means DefaultMaxRetries; negative means never.
	MaxRetries int
	Log        logrus.FieldLogger

	// Observe, when set, is called with the outcome of each item:
	// "success", "failure" or "discarded".
	Observe func(outcome string)

	running atomic.Bool
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e *Engine) maxRetries() int {
	if e.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return e.MaxRetries
}

// Replay runs one pass over the items pending when it starts, in enqueue
// order. An item's failure never stops the pass.
func (e *Engine) Replay(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrInProgress
	}
	defer e.running.Store(false)

	items, err := e.Queue.ListPending(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++
		e.replayOne(ctx, it, &rep)
	}

	if rep.Attempted > 0 {
		e.log().WithFields(logrus.Fields{
			"attempted": rep.Attempted,
			"succeeded": rep.Succeeded,
			"failed":    rep.Failed,
			"discarded": rep.Discarded,
		}).Info("background sync pass finished")
	}
	return rep, nil
}

func (e *Engine) replayOne(ctx context.Context, it syncqueue.Item, rep *Report) {
	log := e.log().WithFields(logrus.Fields{"queue_id": it.ID, "method": it.Method, "url": it.URL})

	resp, err := e.Fetcher.Fetch(ctx, it.Request(), e.Timeout)
	if err == nil && resp.OK() {
		if err := e.Queue.Remove(ctx, it.ID); err != nil {
			// The request went through; a stale item would be sent twice.
			log.WithError(err).Error("replayed request could not be removed from queue")
		}
		rep.Succeeded++
		e.observe("success")
		if e.Notifier != nil {
			e.Notifier.Notify(notify.SyncSucceeded(it.URL, it.ID))
		}
		log.Info("queued request replayed")
		return
	}
	if err == nil {
		log = log.WithField("status", resp.Status)
	} else {
		log = log.WithError(err)
	}

	updated, merr := e.Queue.MarkFailed(ctx, it.ID)
	if merr != nil {
		log.WithField("mark_error", merr.Error()).Warn("replay failed; retry count not updated")
		rep.Failed++
		e.observe("failure")
		return
	}

	if max := e.maxRetries(); max > 0 && updated.RetryCount >= max {
		if err := e.Queue.Remove(ctx, it.ID); err != nil {
			log.WithField("remove_error", err.Error()).Error("could not discard exhausted item")
		}
		rep.Discarded++
		e.observe("discarded")
		if e.Notifier != nil {
			e.Notifier.Notify(notify.SyncFailed(it.URL, it.ID, updated.RetryCount))
		}
		log.WithField("retries", updated.RetryCount).Warn("queued request discarded after max retries")
		return
	}

	rep.Failed++
	e.observe("failure")
	log.WithField("retries", updated.RetryCount).Info("replay failed; will retry on next sync")
}

func (e *Engine) observe(outcome string) {
	if e.Observe != nil {
		e.Observe(outcome)
	}
}
