package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/exchange"
	"offline0/internal/fetch"
)

const (
	linkUnknown int32 = iota
	linkOnline
	linkOffline
)

// connectivity tracks whether the origin answers. The first success after
// start or after an outage fires onRestore.
type connectivity struct {
	state     atomic.Int32
	onRestore func()
	log       logrus.FieldLogger
	warn      *rateLimitedLogger
}

func newConnectivity(log logrus.FieldLogger, onRestore func()) *connectivity {
	return &connectivity{
		onRestore: onRestore,
		log:       log,
		warn:      newRateLimitedLogger(log, time.Minute),
	}
}

func (c *connectivity) Online() bool { return c.state.Load() == linkOnline }

// Report records the result of a network attempt. Errors other than
// network failures say nothing about connectivity and are ignored.
func (c *connectivity) Report(err error) {
	switch {
	case err == nil:
		prev := c.state.Swap(linkOnline)
		if prev == linkOnline {
			return
		}
		if prev == linkOffline {
			c.log.Info("origin reachable again")
		}
		if c.onRestore != nil {
			c.onRestore()
		}
	case errors.Is(err, fetch.ErrNetwork), errors.Is(err, fetch.ErrTimeout):
		if c.state.Swap(linkOffline) != linkOffline {
			c.log.WithError(err).Warn("origin unreachable; serving offline")
			return
		}
		c.warn.Warn(logrus.Fields{"error": err.Error()}, "origin still unreachable")
	}
}

func (s *Service) probeOnce(ctx context.Context) error {
	req := exchange.Request{Method: http.MethodHead, URL: s.originURL(s.cfg.Connectivity.ProbePath)}
	_, err := s.fetcher.Fetch(ctx, req, s.cfg.APITimeout())
	return err
}

func (s *Service) monitorLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.monitor.Report(s.probeOnce(context.Background()))
		}
	}
}
