// Package sync keeps soups of the local store in step with a remote org. A Manager persists the state of every
// sync it knows in the syncs soup and runs them: sync down merges remote records page by page, sync up pushes the
// records that were changed locally.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/mobilesync/pkg/metrics"
	"github.com/conductorone/mobilesync/pkg/progress"
	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/sync/target"
)

var tracer = otel.Tracer("mobilesync/pkg.sync")

const (
	// SyncsSoup holds one document per sync.
	SyncsSoup = "syncs_soup"

	syncNameField = "syncName"
	statusField   = "status"
)

// run is the in-memory side of a running sync. A stop is only a request, the run notices it at its next page or
// batch boundary.
type run struct {
	mtx     sync.Mutex
	stopped bool
}

func (r *run) stop() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.stopped = true
}

func (r *run) stopRequested() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.stopped
}

type Manager struct {
	store    smartstore.Store
	client   restapi.Sender
	registry *target.Registry
	counts   *progress.SyncCounts
	metrics  *metrics.M
	now      func() time.Time

	// createMtx makes the name check and the insert of a new sync atomic.
	createMtx sync.Mutex

	mtx     sync.Mutex
	running map[int64]*run
}

type ManagerOption func(*Manager)

// WithTargetRegistry sets the registry target descriptors are decoded with. The default knows the built-in kinds.
func WithTargetRegistry(r *target.Registry) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithSyncCounts shares progress logging between managers.
func WithSyncCounts(c *progress.SyncCounts) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.counts = c
		}
	}
}

// WithMetrics reports sync runs to h. Without it nothing is recorded.
func WithMetrics(h metrics.Handler) ManagerOption {
	return func(m *Manager) {
		if h != nil {
			m.metrics = metrics.New(h)
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager prepares the syncs soup of store. Syncs left RUNNING by a previous process are marked STOPPED, so they
// can be restarted.
func NewManager(ctx context.Context, store smartstore.Store, client restapi.Sender, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("sync: a store is required")
	}
	if client == nil {
		return nil, errors.New("sync: a client is required")
	}
	m := &Manager{
		store:    store,
		client:   client,
		registry: target.DefaultRegistry,
		counts:   progress.NewSyncCounts(),
		metrics:  metrics.New(metrics.NewNoOpHandler(ctx)),
		now:      time.Now,
		running:  make(map[int64]*run),
	}
	for _, o := range opts {
		o(m)
	}

	if err := store.RegisterSoup(ctx, SyncsSoup, syncNameField, statusField); err != nil {
		return nil, err
	}
	if err := m.recoverInterrupted(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) recoverInterrupted(ctx context.Context) error {
	docs, err := m.store.Query(ctx, SyncsSoup, smartstore.Exact(statusField, string(StatusRunning)))
	if err != nil {
		return err
	}
	for _, doc := range docs {
		st, err := SyncStateFromJSON(doc)
		if err != nil {
			return err
		}
		ctxzap.Extract(ctx).Info("marking interrupted sync as stopped", zap.Int64("sync_id", st.ID))
		st.Status = StatusStopped
		if err := m.save(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Registry is what the manager decodes target descriptors with.
func (m *Manager) Registry() *target.Registry {
	return m.registry
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}

func (m *Manager) save(ctx context.Context, st *SyncState) error {
	doc, err := st.AsJSON()
	if err != nil {
		return err
	}
	if st.ID != 0 {
		doc[smartstore.SoupEntryID] = st.ID
		_, err = m.store.Upsert(ctx, SyncsSoup, doc, syncNameField)
		return err
	}
	created, err := m.store.Create(ctx, SyncsSoup, doc)
	if err != nil {
		return err
	}
	id, ok := smartstore.EntryID(created)
	if !ok {
		return errors.New("sync: store returned a sync without entry id")
	}
	st.ID = id
	return nil
}

func (m *Manager) load(ctx context.Context, syncID int64) (*SyncState, error) {
	docs, err := m.store.Retrieve(ctx, SyncsSoup, syncID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &UnknownSyncError{SyncID: syncID}
	}
	return SyncStateFromJSON(docs[0])
}

func (m *Manager) loadByName(ctx context.Context, name string) (*SyncState, error) {
	if name == "" {
		return nil, &UnknownSyncError{}
	}
	doc, err := m.store.LookupByExternalID(ctx, SyncsSoup, syncNameField, name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &UnknownSyncError{Name: name}
	}
	return SyncStateFromJSON(doc)
}

func (m *Manager) create(ctx context.Context, syncType SyncType, tgt target.Target, opts Options, soup string, name string) (*SyncState, error) {
	if tgt == nil {
		return nil, errors.New("sync: a target is required")
	}
	if soup == "" {
		return nil, errors.New("sync: a soup name is required")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	st, err := newSyncState(syncType, tgt, opts, soup, name)
	if err != nil {
		return nil, err
	}

	m.createMtx.Lock()
	defer m.createMtx.Unlock()

	if name != "" {
		exists, err := m.HasSyncWithName(ctx, name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSyncName, name)
		}
	}
	if err := m.store.RegisterSoup(ctx, soup, tgt.IDFieldName(), record.Local, record.SyncID); err != nil {
		return nil, err
	}
	if err := m.save(ctx, st); err != nil {
		return nil, err
	}

	ctxzap.Extract(ctx).Debug("sync created",
		zap.Int64("sync_id", st.ID),
		zap.String("sync_name", name),
		zap.String("type", string(syncType)),
		zap.String("soup", soup),
	)
	return st, nil
}

// CreateSyncDown persists a NEW sync down. Names are optional but unique.
func (m *Manager) CreateSyncDown(ctx context.Context, tgt target.DownTarget, opts Options, soup string, name string) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.CreateSyncDown")
	defer span.End()

	return m.create(ctx, SyncTypeDown, tgt, opts, soup, name)
}

// CreateSyncUp persists a NEW sync up.
func (m *Manager) CreateSyncUp(ctx context.Context, tgt target.UpTarget, opts Options, soup string, name string) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.CreateSyncUp")
	defer span.End()

	return m.create(ctx, SyncTypeUp, tgt, opts, soup, name)
}

// SyncDown creates a sync down and runs it to completion.
func (m *Manager) SyncDown(ctx context.Context, tgt target.DownTarget, opts Options, soup string, name string, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.SyncDown")
	defer span.End()

	st, err := m.create(ctx, SyncTypeDown, tgt, opts, soup, name)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, st.ID, cb, StatusNew)
}

// SyncUp creates a sync up and runs it to completion.
func (m *Manager) SyncUp(ctx context.Context, tgt target.UpTarget, opts Options, soup string, name string, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.SyncUp")
	defer span.End()

	st, err := m.create(ctx, SyncTypeUp, tgt, opts, soup, name)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, st.ID, cb, StatusNew)
}

// Run runs a NEW sync and returns its final state. A failure of the run itself is reported through the state, the
// error only covers what prevented the run from starting.
func (m *Manager) Run(ctx context.Context, syncID int64, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.Run")
	defer span.End()

	return m.start(ctx, syncID, cb, StatusNew)
}

// ReSync runs a sync that finished DONE or FAILED again. Sync down resumes from the watermark of the last DONE run.
func (m *Manager) ReSync(ctx context.Context, syncID int64, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.ReSync")
	defer span.End()

	return m.start(ctx, syncID, cb, StatusDone, StatusFailed)
}

func (m *Manager) ReSyncByName(ctx context.Context, name string, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.ReSyncByName")
	defer span.End()

	st, err := m.loadByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, st.ID, cb, StatusDone, StatusFailed)
}

// Restart is ReSync that also accepts a STOPPED sync.
func (m *Manager) Restart(ctx context.Context, syncID int64, cb Callback) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.Restart")
	defer span.End()

	return m.start(ctx, syncID, cb, StatusStopped, StatusDone, StatusFailed)
}

// Stop asks a running sync to stop. The run ends STOPPED at the next page boundary. It reports whether the sync was
// running.
func (m *Manager) Stop(syncID int64) bool {
	m.mtx.Lock()
	r, ok := m.running[syncID]
	m.mtx.Unlock()
	if ok {
		r.stop()
	}
	return ok
}

// StopAll asks every running sync to stop.
func (m *Manager) StopAll() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.running {
		r.stop()
	}
}

func (m *Manager) IsRunning(syncID int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.running[syncID]
	return ok
}

func (m *Manager) acquire(ctx context.Context, syncID int64) (*run, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.running[syncID]; ok {
		return nil, &SyncAlreadyRunningError{SyncID: syncID}
	}
	r := &run{}
	m.running[syncID] = r
	m.metrics.RecordRunning(ctx, len(m.running))
	return r, nil
}

func (m *Manager) release(syncID int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.running[syncID]; ok {
		delete(m.running, syncID)
		m.metrics.RecordRunning(context.Background(), len(m.running))
	}
}

// start runs the sync with the given id when its stored status is one of allowed. The state is read again once the
// run slot is held, so a run that finished meanwhile is seen.
func (m *Manager) start(ctx context.Context, syncID int64, cb Callback, allowed ...Status) (*SyncState, error) {
	r, err := m.acquire(ctx, syncID)
	if err != nil {
		return nil, err
	}
	defer m.release(syncID)

	st, err := m.load(ctx, syncID)
	if err != nil {
		return nil, err
	}

	ok := false
	for _, s := range allowed {
		if st.Status == s {
			ok = true
		}
	}
	if !ok {
		return nil, invalidStatus(st, "run")
	}

	if err := m.runSync(ctx, st, r, cb); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// GetSyncStatus returns the stored state of a sync, ErrUnknownSync when there is none.
func (m *Manager) GetSyncStatus(ctx context.Context, syncID int64) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.GetSyncStatus")
	defer span.End()

	return m.load(ctx, syncID)
}

func (m *Manager) GetSyncStatusByName(ctx context.Context, name string) (*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.GetSyncStatusByName")
	defer span.End()

	return m.loadByName(ctx, name)
}

func (m *Manager) HasSyncWithName(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	doc, err := m.store.LookupByExternalID(ctx, SyncsSoup, syncNameField, name)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// ListSyncs returns every sync, oldest first.
func (m *Manager) ListSyncs(ctx context.Context) ([]*SyncState, error) {
	ctx, span := tracer.Start(ctx, "Manager.ListSyncs")
	defer span.End()

	docs, err := m.store.Query(ctx, SyncsSoup, smartstore.MatchAll())
	if err != nil {
		return nil, err
	}
	ret := make([]*SyncState, 0, len(docs))
	for _, doc := range docs {
		st, err := SyncStateFromJSON(doc)
		if err != nil {
			return nil, err
		}
		ret = append(ret, st)
	}
	return ret, nil
}

// DeleteSync forgets a sync. The records it brought into its soup are left alone.
func (m *Manager) DeleteSync(ctx context.Context, syncID int64) error {
	ctx, span := tracer.Start(ctx, "Manager.DeleteSync")
	defer span.End()

	st, err := m.load(ctx, syncID)
	if err != nil {
		return err
	}
	return m.delete(ctx, st)
}

func (m *Manager) DeleteSyncByName(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Manager.DeleteSyncByName")
	defer span.End()

	st, err := m.loadByName(ctx, name)
	if err != nil {
		return err
	}
	return m.delete(ctx, st)
}

func (m *Manager) delete(ctx context.Context, st *SyncState) error {
	// holding the run slot keeps the sync from starting while it is deleted
	_, err := m.acquire(ctx, st.ID)
	if err != nil {
		return err
	}
	defer m.release(st.ID)

	if err := m.store.Delete(ctx, SyncsSoup, st.ID); err != nil {
		return err
	}
	ctxzap.Extract(ctx).Debug("sync deleted", zap.Int64("sync_id", st.ID), zap.String("sync_name", st.Name))
	return nil
}
