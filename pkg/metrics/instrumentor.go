package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/conductorone/mobilesync/pkg/restapi"
)

const (
	syncRunCounterName     = "mobilesync.sync_runs"
	syncDurationHistoName  = "mobilesync.sync_latency"
	recordsCounterName     = "mobilesync.records_synced"
	conflictsCounterName   = "mobilesync.sync_conflicts"
	runningGaugeName       = "mobilesync.syncs_running"
	syncRunCounterDesc     = "number of finished sync runs by sync type, status and failure reason"
	syncDurationHistoDesc  = "duration of sync runs by sync type and status"
	recordsCounterDesc     = "number of records merged down or pushed up by sync type"
	conflictsCounterDesc   = "number of locally modified records left alone because the server copy changed"
	runningGaugeDesc       = "number of syncs running in this process"
	failureReasonNone      = "none"
	failureReasonTransport = "transport"
	failureReasonCancelled = "cancelled"
	failureReasonOther     = "other"
)

// failureReason buckets err for tagging: the http status of a rejected request, a transport failure, a cancelled
// context or anything else.
func failureReason(err error) string {
	if err == nil {
		return failureReasonNone
	}
	var netErr *restapi.NetworkError
	if errors.As(err, &netErr) {
		if netErr.StatusCode == 0 {
			return failureReasonTransport
		}
		return strconv.Itoa(netErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failureReasonCancelled
	}
	return failureReasonOther
}

// M records what sync runs do on top of a Handler.
type M struct {
	underlying Handler
}

// RecordSyncFinished counts one finished run. err is the error the run failed with, if any.
func (m *M) RecordSyncFinished(ctx context.Context, syncType string, status string, dur time.Duration, err error) {
	c := m.underlying.Int64Counter(syncRunCounterName, syncRunCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(syncDurationHistoName, syncDurationHistoDesc, Milliseconds)

	c.Add(ctx, 1, map[string]string{
		"sync_type":      syncType,
		"sync_status":    status,
		"failure_reason": failureReason(err),
	})
	h.Record(ctx, dur.Milliseconds(), map[string]string{
		"sync_type":   syncType,
		"sync_status": status,
	})
}

func (m *M) RecordRecords(ctx context.Context, syncType string, n int) {
	if n <= 0 {
		return
	}
	c := m.underlying.Int64Counter(recordsCounterName, recordsCounterDesc, Dimensionless)
	c.Add(ctx, int64(n), map[string]string{"sync_type": syncType})
}

func (m *M) RecordConflicts(ctx context.Context, syncType string, n int) {
	if n <= 0 {
		return
	}
	c := m.underlying.Int64Counter(conflictsCounterName, conflictsCounterDesc, Dimensionless)
	c.Add(ctx, int64(n), map[string]string{"sync_type": syncType})
}

func (m *M) RecordRunning(ctx context.Context, n int) {
	g := m.underlying.Int64Gauge(runningGaugeName, runningGaugeDesc, Dimensionless)
	g.Observe(ctx, int64(n), nil)
}

func New(handler Handler) *M {
	if handler == nil {
		handler = &noopHandler{}
	}
	return &M{underlying: handler}
}
