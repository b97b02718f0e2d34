package progress

import (
	"context"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const defaultMaxLogFrequency = 10 * time.Second

// SyncCounts rate limits the progress lines of running syncs. Several syncs may report through the same value.
type SyncCounts struct {
	mtx             sync.Mutex
	lastLog         map[int64]time.Time
	maxLogFrequency time.Duration
	now             func() time.Time
}

type Option func(*SyncCounts)

// WithMaxLogFrequency sets the minimum time between two progress lines of the same sync.
func WithMaxLogFrequency(d time.Duration) Option {
	return func(p *SyncCounts) {
		if d >= 0 {
			p.maxLogFrequency = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *SyncCounts) {
		if now != nil {
			p.now = now
		}
	}
}

func NewSyncCounts(opts ...Option) *SyncCounts {
	p := &SyncCounts{
		lastLog:         make(map[int64]time.Time),
		maxLogFrequency: defaultMaxLogFrequency,
		now:             time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// due reports whether syncID may log again and, if so, records that it did.
func (p *SyncCounts) due(syncID int64) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	now := p.now()
	if now.Sub(p.lastLog[syncID]) < p.maxLogFrequency {
		return false
	}
	p.lastLog[syncID] = now
	return true
}

// LogProgress logs how many of total records a sync processed. A total below zero means the server did not say.
func (p *SyncCounts) LogProgress(ctx context.Context, syncID int64, what string, processed int, total int) {
	l := ctxzap.Extract(ctx).With(zap.Int64("sync_id", syncID))

	if total < 0 {
		// without a total there is no percentage, so just log every so often
		if p.due(syncID) {
			l.Info("Syncing "+what, zap.Int("synced", processed))
		}
		return
	}

	switch {
	case processed > total:
		// records created remotely while paging push the count past the total the first page announced
		l.Warn("more "+what+" than the server announced",
			zap.Int("synced", processed),
			zap.Int("total", total),
		)
	case total == 0 || processed == total:
		l.Info("Synced "+what,
			zap.Int("count", processed),
			zap.Int("total", total),
		)
		p.Forget(syncID)
	case p.due(syncID):
		l.Info("Syncing "+what,
			zap.Int("synced", processed),
			zap.Int("total", total),
			zap.Int("percent_complete", processed*100/total),
		)
	}
}

// Forget drops the rate limit state of a sync, so its next line is logged right away.
func (p *SyncCounts) Forget(syncID int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.lastLog, syncID)
}
