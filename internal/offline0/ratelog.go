package offline0

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger drops repeats of a noisy warning within interval.
type rateLimitedLogger struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	lastAt   time.Time
	dropped  int
	interval time.Duration
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(fields logrus.Fields, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	entry := l.log.WithFields(fields)
	if dropped > 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warn(msg)
}
