package sync //nolint:revive,nolintlint // sync is the natural name for the package

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/conductorone/mobilesync/pkg/metrics"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/sync/target"
	"github.com/conductorone/mobilesync/pkg/test"
)

type testEnv struct {
	ctx   context.Context
	org   *test.FakeOrg
	store *smartstore.SQLiteStore
	m     *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := smartstore.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	org := test.NewFakeOrg(t)
	m, err := NewManager(ctx, store, org.Client)
	require.NoError(t, err)
	return &testEnv{ctx: ctx, org: org, store: store, m: m}
}

func (e *testEnv) soup(t *testing.T, soup string) []record.Record {
	t.Helper()
	docs, err := e.store.Query(e.ctx, soup, smartstore.MatchAll())
	require.NoError(t, err)
	return record.FromDocs(docs)
}

func (e *testEnv) local(t *testing.T, soup string, id string) record.Record {
	t.Helper()
	doc, err := e.store.LookupByExternalID(e.ctx, soup, "Id", id)
	require.NoError(t, err)
	require.NotNil(t, doc, "no local record %s", id)
	return record.Record(doc)
}

func (e *testEnv) put(t *testing.T, soup string, r record.Record) record.Record {
	t.Helper()
	doc, err := e.store.Upsert(e.ctx, soup, r, "Id")
	require.NoError(t, err)
	return record.Record(doc)
}

// hookedStore calls its hooks before passing calls on to the wrapped store.
type hookedStore struct {
	smartstore.Store
	onRetrieve func(soup string)
	onUpsert   func(soup string)
}

func (s *hookedStore) Retrieve(ctx context.Context, soup string, ids ...int64) ([]map[string]any, error) {
	if s.onRetrieve != nil {
		s.onRetrieve(soup)
	}
	return s.Store.Retrieve(ctx, soup, ids...)
}

func (s *hookedStore) Upsert(ctx context.Context, soup string, doc map[string]any, externalIDPath string) (map[string]any, error) {
	if s.onUpsert != nil {
		s.onUpsert(soup)
	}
	return s.Store.Upsert(ctx, soup, doc, externalIDPath)
}

func countCalls(calls []string, method string, pathSuffix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, method+" ") && strings.HasSuffix(c, pathSuffix) {
			n++
		}
	}
	return n
}

// collect records every state a run reports.
func collect(states *[]*SyncState) Callback {
	return func(s *SyncState) {
		*states = append(*states, s)
	}
}

func accountsQuery() *target.SOQLTarget {
	return target.NewSOQLTarget("SELECT Name FROM Account")
}

func TestManager_CreateAndLookup(t *testing.T) {
	e := newTestEnv(t)

	st, err := e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "accounts-down")
	require.NoError(t, err)
	require.NotZero(t, st.ID)
	require.Equal(t, StatusNew, st.Status)
	require.Equal(t, target.MergeModeOverwrite, st.Options.MergeMode)
	require.Equal(t, -1, st.TotalSize)

	ok, err := e.store.HasSoup(e.ctx, "accounts")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.m.GetSyncStatus(e.ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, st, got)

	got, err = e.m.GetSyncStatusByName(e.ctx, "accounts-down")
	require.NoError(t, err)
	require.Equal(t, st.ID, got.ID)

	has, err := e.m.HasSyncWithName(e.ctx, "accounts-down")
	require.NoError(t, err)
	require.True(t, has)
	has, err = e.m.HasSyncWithName(e.ctx, "other")
	require.NoError(t, err)
	require.False(t, has)

	_, err = e.m.CreateSyncUp(e.ctx, target.NewRESTTarget(nil), Options{}, "accounts", "accounts-down")
	require.ErrorIs(t, err, ErrDuplicateSyncName)

	// unnamed syncs never collide
	_, err = e.m.CreateSyncUp(e.ctx, target.NewRESTTarget(nil), Options{}, "accounts", "")
	require.NoError(t, err)
	_, err = e.m.CreateSyncUp(e.ctx, target.NewRESTTarget(nil), Options{}, "accounts", "")
	require.NoError(t, err)

	all, err := e.m.ListSyncs(e.ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, st.ID, all[0].ID)
}

func TestManager_CreateValidation(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{MergeMode: "MERGE"}, "accounts", "")
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "", "")
	require.Error(t, err)
	_, err = e.m.CreateSyncDown(e.ctx, nil, Options{}, "accounts", "")
	require.Error(t, err)

	all, err := e.m.ListSyncs(e.ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestManager_UnknownSync(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.m.GetSyncStatus(e.ctx, 404)
	require.ErrorIs(t, err, ErrUnknownSync)
	var unknown *UnknownSyncError
	require.ErrorAs(t, err, &unknown)
	require.EqualValues(t, 404, unknown.SyncID)

	_, err = e.m.GetSyncStatusByName(e.ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownSync)
	_, err = e.m.Run(e.ctx, 404, nil)
	require.ErrorIs(t, err, ErrUnknownSync)
	_, err = e.m.ReSyncByName(e.ctx, "missing", nil)
	require.ErrorIs(t, err, ErrUnknownSync)
	require.ErrorIs(t, e.m.DeleteSync(e.ctx, 404), ErrUnknownSync)
	_, err = e.m.CleanResyncGhosts(e.ctx, 404)
	require.ErrorIs(t, err, ErrUnknownSync)
}

func TestManager_StatusPreconditions(t *testing.T) {
	e := newTestEnv(t)
	e.org.Put("Account", map[string]any{"Name": "a"})

	st, err := e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "")
	require.NoError(t, err)

	_, err = e.m.ReSync(e.ctx, st.ID, nil)
	require.ErrorIs(t, err, ErrInvalidSyncStatus)
	_, err = e.m.Restart(e.ctx, st.ID, nil)
	require.ErrorIs(t, err, ErrInvalidSyncStatus)

	st, err = e.m.Run(e.ctx, st.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, st.Status)

	_, err = e.m.Run(e.ctx, st.ID, nil)
	require.ErrorIs(t, err, ErrInvalidSyncStatus)

	st, err = e.m.ReSync(e.ctx, st.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, st.Status)
	st, err = e.m.Restart(e.ctx, st.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, st.Status)
}

func TestManager_AlreadyRunning(t *testing.T) {
	e := newTestEnv(t)
	e.org.Put("Account", map[string]any{"Name": "a"})

	st, err := e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "busy")
	require.NoError(t, err)

	var runErr, reSyncErr, deleteErr, ghostErr error
	var running bool
	final, err := e.m.Run(e.ctx, st.ID, func(s *SyncState) {
		if s.Status != StatusRunning || running {
			return
		}
		running = e.m.IsRunning(s.ID)
		_, runErr = e.m.Run(e.ctx, s.ID, nil)
		_, reSyncErr = e.m.ReSyncByName(e.ctx, "busy", nil)
		deleteErr = e.m.DeleteSyncByName(e.ctx, "busy")
		_, ghostErr = e.m.CleanResyncGhosts(e.ctx, s.ID)
	})
	require.NoError(t, err)
	require.Equal(t, StatusDone, final.Status)

	require.True(t, running)
	for _, err := range []error{runErr, reSyncErr, deleteErr, ghostErr} {
		require.ErrorIs(t, err, ErrSyncAlreadyRunning)
		var already *SyncAlreadyRunningError
		require.True(t, errors.As(err, &already))
		require.Equal(t, st.ID, already.SyncID)
	}
	require.False(t, e.m.IsRunning(st.ID))
	require.False(t, e.m.Stop(st.ID))
}

func TestManager_DeleteSync(t *testing.T) {
	e := newTestEnv(t)
	e.org.Put("Account", map[string]any{"Name": "a"})

	st, err := e.m.SyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "doomed", nil)
	require.NoError(t, err)

	require.NoError(t, e.m.DeleteSyncByName(e.ctx, "doomed"))
	_, err = e.m.GetSyncStatus(e.ctx, st.ID)
	require.ErrorIs(t, err, ErrUnknownSync)

	// the synced records stay
	require.Len(t, e.soup(t, "accounts"), 1)

	// the name is free again
	_, err = e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "doomed")
	require.NoError(t, err)
}

func TestNewManager_StopsInterruptedSyncs(t *testing.T) {
	e := newTestEnv(t)
	st, err := e.m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "")
	require.NoError(t, err)

	// a process that died mid run leaves RUNNING behind
	st.Status = StatusRunning
	require.NoError(t, e.m.save(e.ctx, st))

	m, err := NewManager(e.ctx, e.store, e.org.Client)
	require.NoError(t, err)
	got, err := m.GetSyncStatus(e.ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, got.Status)

	got, err = m.Restart(e.ctx, st.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
}

func TestNewManager_Validation(t *testing.T) {
	e := newTestEnv(t)
	_, err := NewManager(e.ctx, nil, e.org.Client)
	require.Error(t, err)
	_, err = NewManager(e.ctx, e.store, nil)
	require.Error(t, err)
}

func TestManagers(t *testing.T) {
	e := newTestEnv(t)
	reg := NewManagers()

	a, err := reg.GetOrCreate(e.ctx, "acct-a", e.store, e.org.Client)
	require.NoError(t, err)
	again, err := reg.GetOrCreate(e.ctx, "acct-a", nil, nil)
	require.NoError(t, err)
	require.Same(t, a, again)

	b, err := reg.GetOrCreate(e.ctx, "acct-b", e.store, e.org.Client)
	require.NoError(t, err)
	require.NotSame(t, a, b)

	_, err = reg.GetOrCreate(e.ctx, "broken", nil, e.org.Client)
	require.Error(t, err)
	_, ok := reg.Get("broken")
	require.False(t, ok)

	reg.Reset("acct-a")
	_, ok = reg.Get("acct-a")
	require.False(t, ok)
	_, ok = reg.Get("acct-b")
	require.True(t, ok)

	fresh, err := reg.GetOrCreate(e.ctx, "acct-a", e.store, e.org.Client)
	require.NoError(t, err)
	require.NotSame(t, a, fresh)

	reg.ResetAll()
	_, ok = reg.Get("acct-b")
	require.False(t, ok)
}

func TestManagers_ResetStopsRunningSyncs(t *testing.T) {
	e := newTestEnv(t)
	e.org.PageSize = 1
	e.org.Put("Account", map[string]any{"Name": "a"})
	e.org.Put("Account", map[string]any{"Name": "b"})

	reg := NewManagers()
	m, err := reg.GetOrCreate(e.ctx, "acct", e.store, e.org.Client)
	require.NoError(t, err)

	st, err := m.SyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "", func(s *SyncState) {
		if s.Status == StatusRunning && s.Progress > 0 {
			reg.ResetAll()
		}
	})
	require.NoError(t, err)
	require.Equal(t, StatusStopped, st.Status)
	require.Len(t, e.soup(t, "accounts"), 1)
}

func TestManager_Metrics(t *testing.T) {
	ctx := context.Background()
	store, err := smartstore.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	org := test.NewFakeOrg(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewManager(ctx, store, org.Client, WithMetrics(metrics.NewOtelHandler(ctx, provider, "test")))
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		org.Put("Account", map[string]any{"Name": name})
	}
	st, err := m.SyncDown(ctx, accountsQuery(), Options{}, "accounts", "accounts", nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, st.Status)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}
	require.EqualValues(t, 1, sums["mobilesync.sync_runs"])
	require.EqualValues(t, 3, sums["mobilesync.records_synced"])
}

func TestManager_RunReadsStateWhileHoldingTheSlot(t *testing.T) {
	e := newTestEnv(t)
	e.org.Put("Account", map[string]any{"Name": "a"})

	hooked := &hookedStore{Store: e.store}
	m, err := NewManager(e.ctx, hooked, e.org.Client)
	require.NoError(t, err)

	st, err := m.CreateSyncDown(e.ctx, accountsQuery(), Options{}, "accounts", "")
	require.NoError(t, err)

	// a second run starting while the first one reads the sync must not run it again
	var nestedErr error
	nested := false
	hooked.onRetrieve = func(soup string) {
		if soup != SyncsSoup || nested {
			return
		}
		nested = true
		_, nestedErr = m.Run(e.ctx, st.ID, nil)
	}

	final, err := m.Run(e.ctx, st.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusDone, final.Status)
	require.True(t, nested)
	require.ErrorIs(t, nestedErr, ErrSyncAlreadyRunning)
	require.Equal(t, 1, countCalls(e.org.Calls(), "GET", "/query"))

	_, err = m.Run(e.ctx, st.ID, nil)
	require.ErrorIs(t, err, ErrInvalidSyncStatus)
}
