package sync //nolint:revive,nolintlint // sync is the natural name for the package

import (
	"context"

	"github.com/conductorone/mobilesync/pkg/progress"
)

// Callback receives a copy of the state after every change a run makes. It is called on the goroutine running the
// sync, so a slow callback slows the sync down.
type Callback func(s *SyncState)

// percent is processed over total as a percentage, or -1 when the total is unknown.
func percent(processed int, total int) int {
	switch {
	case total < 0:
		return -1
	case total == 0:
		return 100
	default:
		return processed * 100 / total
	}
}

// tracker applies a run's progress to its state and reports it.
type tracker struct {
	st        *SyncState
	cb        Callback
	counts    *progress.SyncCounts
	what      string
	processed int
}

func (t *tracker) notify() {
	if t.cb != nil {
		t.cb(t.st.Clone())
	}
}

// advance counts n more processed records against total and recomputes the percentage. An unknown total leaves the
// percentage where it is.
func (t *tracker) advance(ctx context.Context, n int, total int) {
	t.processed += n
	t.st.TotalSize = total
	if p := percent(t.processed, total); p >= 0 {
		t.st.setProgress(p)
	}
	t.counts.LogProgress(ctx, t.st.ID, t.what, t.processed, total)
}
