package offline0

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// statsCollector tracks sizes of responses served to clients.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	offline        atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response. fromOffline marks answers that did not come
// from the network.
func (s *statsCollector) Observe(respBytes int, fromOffline bool) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	if fromOffline {
		s.offline.Add(1)
	}

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	OfflineServed  uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		OfflineServed:  s.offline.Load(),
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stores, entries := 0, 0
	if info, err := s.worker.CacheInfo(ctx); err == nil {
		stores = len(info)
		for _, ci := range info {
			entries += ci.Count
		}
	}
	pending := -1
	if items, err := s.queue.ListPending(ctx); err == nil {
		pending = len(items)
	}

	ss := s.stats.Snapshot()
	s.log.WithFields(logrus.Fields{
		"stores":   stores,
		"entries":  entries,
		"pending":  pending,
		"served":   ss.TotalResponses,
		"offline":  ss.OfflineServed,
		"online":   s.monitor.Online(),
		"resp_min": humanize.Bytes(ss.MinRespBytes),
		"resp_avg": humanize.Bytes(ss.AvgRespBytes),
		"resp_max": humanize.Bytes(ss.MaxRespBytes),
	}).Info("stats")
}
