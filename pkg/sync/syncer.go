package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/composite"
	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/sync/target"
)

// errStopRequested ends a pass early. The run is then STOPPED rather than FAILED.
var errStopRequested = errors.New("sync: stop requested")

func stopRequested(ctx context.Context, r *run) bool {
	return r.stopRequested() || ctx.Err() != nil
}

// runSync drives one pass of st and records the outcome in st. Only failing to persist the outcome is returned.
func (m *Manager) runSync(ctx context.Context, st *SyncState, r *run, cb Callback) error {
	l := ctxzap.Extract(ctx).With(
		zap.Int64("sync_id", st.ID),
		zap.String("sync_name", st.Name),
		zap.String("soup", st.SoupName),
	)
	ctx = ctxzap.ToContext(ctx, l)

	what := "records down"
	if st.Type == SyncTypeUp {
		what = "records up"
	}
	t := &tracker{st: st, cb: cb, counts: m.counts, what: what}
	defer m.counts.Forget(st.ID)

	st.Status = StatusRunning
	st.Progress = 0
	st.TotalSize = -1
	st.Error = ""
	st.Conflicts = 0
	st.StartTime = m.nowMillis()
	st.EndTime = 0
	if err := m.save(ctx, st); err != nil {
		return err
	}
	t.notify()
	l.Info("sync started", zap.String("type", string(st.Type)))

	var err error
	switch st.Type {
	case SyncTypeDown:
		err = m.syncDown(ctx, st, r, t)
	case SyncTypeUp:
		err = m.syncUp(ctx, st, r, t)
	default:
		err = fmt.Errorf("sync: unknown sync type %q", st.Type)
	}

	switch {
	case err == nil:
		st.Status = StatusDone
		st.Progress = 100
		l.Info("sync finished",
			zap.Int("total_size", st.TotalSize),
			zap.Int("conflicts", st.Conflicts),
			zap.Int64("max_time_stamp", st.MaxTimeStamp),
		)
	case errors.Is(err, errStopRequested) || stopRequested(ctx, r):
		st.Status = StatusStopped
		l.Info("sync stopped", zap.Int("progress", st.Progress))
	default:
		st.Status = StatusFailed
		st.Error = err.Error()
		l.Error("sync failed", zap.Error(err))
	}
	st.EndTime = m.nowMillis()

	dur := time.Duration(st.EndTime-st.StartTime) * time.Millisecond
	m.metrics.RecordSyncFinished(ctx, string(st.Type), string(st.Status), dur, err)
	m.metrics.RecordConflicts(ctx, string(st.Type), st.Conflicts)

	// the run context may be cancelled by now, the outcome is persisted regardless
	if err := m.save(context.WithoutCancel(ctx), st); err != nil {
		return err
	}
	t.notify()
	return nil
}

func (m *Manager) syncDown(ctx context.Context, st *SyncState, r *run, t *tracker) error {
	tgt, err := m.registry.DownFromJSON(st.Target)
	if err != nil {
		return err
	}

	maxTS := st.MaxTimeStamp
	page, err := tgt.StartFetch(ctx, m.client, st.MaxTimeStamp)
	for {
		if err != nil {
			return err
		}
		if page == nil {
			break
		}
		// a fetched page is merged and checkpointed whole, even when ctx is cancelled meanwhile
		pageCtx := context.WithoutCancel(ctx)
		if err := m.mergePage(pageCtx, st, tgt, page); err != nil {
			return err
		}
		if ts := tgt.LatestModificationTimeStamp(page); ts > maxTS {
			maxTS = ts
		}

		t.advance(pageCtx, len(page), tgt.TotalSize())
		m.metrics.RecordRecords(pageCtx, string(st.Type), len(page))
		if err := m.save(pageCtx, st); err != nil {
			return err
		}
		t.notify()
		ctxzap.Extract(ctx).Debug("merged page",
			zap.Int("records", len(page)),
			zap.Int("progress", st.Progress),
		)

		if tgt.ContinuationState() == "" {
			break
		}
		if stopRequested(ctx, r) {
			return errStopRequested
		}
		page, err = tgt.ContinueFetch(ctx, m.client)
	}

	st.MaxTimeStamp = maxTS
	return nil
}

// mergePage writes remote records into the soup. Under LEAVE_IF_CHANGED and SYNC_DOWN_ONLY a local copy with
// unpushed changes wins.
func (m *Manager) mergePage(ctx context.Context, st *SyncState, tgt target.DownTarget, page []record.Record) error {
	l := ctxzap.Extract(ctx)
	idField := tgt.IDFieldName()

	for _, rec := range page {
		id := rec.String(idField)
		if id == "" {
			l.Warn("skipping remote record without id", zap.String("id_field", idField))
			continue
		}

		if st.Options.MergeMode.KeepsLocalChanges() {
			local, err := m.store.LookupByExternalID(ctx, st.SoupName, idField, id)
			if err != nil {
				return err
			}
			if local != nil && record.Record(local).IsDirty() {
				st.Conflicts++
				l.Debug("keeping locally modified record", zap.String("id", id))
				continue
			}
		}

		doc := rec.Clone()
		delete(doc, smartstore.SoupEntryID)
		doc.MarkClean(st.ID)
		if _, err := m.store.Upsert(ctx, st.SoupName, doc, idField); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) syncUp(ctx context.Context, st *SyncState, r *run, t *tracker) error {
	tgt, err := m.registry.UpFromJSON(st.Target)
	if err != nil {
		return err
	}
	if st.Options.MergeMode == target.MergeModeSyncDownOnly {
		ctxzap.Extract(ctx).Info("merge mode is sync down only, local changes stay local")
		t.advance(ctx, 0, 0)
		return nil
	}

	ids, err := tgt.DirtyRecordIDs(ctx, m.store, st.SoupName)
	if err != nil {
		return err
	}
	ids, err = m.orderByReferences(ctx, st.SoupName, ids, tgt.IDFieldName())
	if err != nil {
		return err
	}
	total := len(ids)
	t.advance(ctx, 0, total)

	u := &upPass{
		m:        m,
		st:       st,
		tgt:      tgt,
		idField:  tgt.IDFieldName(),
		resolved: make(map[string]string),
	}
	batchSize := tgt.BatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(ids); start += batchSize {
		if stopRequested(ctx, r) {
			return errStopRequested
		}
		end := min(start+batchSize, len(ids))
		// a batch is pushed and applied whole, even when ctx is cancelled meanwhile
		batchCtx := context.WithoutCancel(ctx)
		if err := u.pushBatch(batchCtx, ids[start:end]); err != nil {
			return err
		}

		t.advance(batchCtx, end-start, total)
		m.metrics.RecordRecords(batchCtx, string(st.Type), end-start)
		if err := m.save(batchCtx, st); err != nil {
			return err
		}
		t.notify()
	}
	return nil
}

// referencedTempIDs returns the temporary ids rec holds outside of its own id, in field order.
func referencedTempIDs(rec record.Record, idField string) []string {
	var ret []string
	for _, field := range slices.Sorted(maps.Keys(rec)) {
		if field == idField || isReservedField(field) {
			continue
		}
		if v, ok := rec[field].(string); ok && record.IsLocalID(v) {
			ret = append(ret, v)
		}
	}
	return ret
}

// orderByReferences reorders the dirty entries ids so that a locally created record is pushed before the records
// holding its temporary id. Records in a reference cycle keep their entry order.
func (m *Manager) orderByReferences(ctx context.Context, soup string, ids []int64, idField string) ([]int64, error) {
	docs, err := m.store.Retrieve(ctx, soup, ids...)
	if err != nil {
		return nil, err
	}
	recs := record.FromDocs(docs)

	byTempID := make(map[string]int)
	for i, rec := range recs {
		if !rec.IsLocallyCreated() {
			continue
		}
		for _, id := range []string{rec.String(idField), rec.String(record.LocalID)} {
			if record.IsLocalID(id) {
				byTempID[id] = i
			}
		}
	}
	if len(byTempID) == 0 {
		return ids, nil
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(recs))
	ret := make([]int64, 0, len(recs))
	var visit func(i int)
	visit = func(i int) {
		if state[i] != unvisited {
			return
		}
		state[i] = visiting
		for _, ref := range referencedTempIDs(recs[i], idField) {
			if j, ok := byTempID[ref]; ok && j != i {
				visit(j)
			}
		}
		state[i] = visited
		if id, ok := recs[i].EntryID(); ok {
			ret = append(ret, id)
		}
	}
	for i := range recs {
		visit(i)
	}
	return ret, nil
}

// upPass is the state shared by the batches of one sync up.
type upPass struct {
	m       *Manager
	st      *SyncState
	tgt     target.UpTarget
	idField string
	// resolved maps the temporary ids of records created so far to their server ids.
	resolved map[string]string
}

func isReservedField(field string) bool {
	return strings.HasPrefix(field, "__") || field == record.Attributes || field == smartstore.SoupEntryID
}

// rewriteReferences replaces temporary ids held by any field of rec with the server ids they were created as.
func (u *upPass) rewriteReferences(rec record.Record) {
	if len(u.resolved) == 0 {
		return
	}
	for field := range rec {
		if isReservedField(field) {
			continue
		}
		composite.UpdateReferences(rec, field, u.resolved)
	}
}

func (u *upPass) save(ctx context.Context, rec record.Record) error {
	u.rewriteReferences(rec)
	_, err := u.m.store.Upsert(ctx, u.st.SoupName, rec, u.idField)
	return err
}

func (u *upPass) deleteLocal(ctx context.Context, rec record.Record) error {
	id, ok := rec.EntryID()
	if !ok {
		return nil
	}
	return u.m.store.Delete(ctx, u.st.SoupName, id)
}

// conflicted reports whether the server copy of rec changed after the local one was synced down. Records without a
// modification date of their own are compared against the sync's watermark.
func (u *upPass) conflicted(ctx context.Context, rec record.Record) (bool, error) {
	remoteTS, err := u.tgt.FetchLastModified(ctx, u.m.client, rec)
	if err != nil {
		return false, err
	}
	localTS := target.ParseTimeStamp(rec.String(u.tgt.ModificationDateFieldName()))
	if localTS == 0 {
		localTS = u.st.MaxTimeStamp
	}
	if remoteTS == 0 || remoteTS <= localTS {
		return false, nil
	}
	ctxzap.Extract(ctx).Warn("leaving locally modified record alone",
		zap.Error(&target.ConflictError{
			ObjectType:  u.tgt.ObjectTypeFor(rec),
			ID:          rec.String(u.idField),
			LocalModTS:  localTS,
			RemoteModTS: remoteTS,
		}),
	)
	return true, nil
}

// recordFailed keeps rec dirty and remembers why it could not be pushed.
func (u *upPass) recordFailed(ctx context.Context, rec record.Record, err error) error {
	ctxzap.Extract(ctx).Warn("could not sync record up",
		zap.String("id", rec.String(u.idField)),
		zap.Error(err),
	)
	rec.SetLastError(err)
	return u.save(ctx, rec)
}

// unresolvedReference returns a temporary id rec still holds that neither an earlier batch nor an earlier record of
// its own batch creates.
func (u *upPass) unresolvedReference(rec record.Record, queued mapset.Set[string]) string {
	for _, ref := range referencedTempIDs(rec, u.idField) {
		if !queued.Contains(ref) {
			return ref
		}
	}
	return ""
}

func (u *upPass) pushBatch(ctx context.Context, ids []int64) error {
	docs, err := u.m.store.Retrieve(ctx, u.st.SoupName, ids...)
	if err != nil {
		return err
	}

	var pending []record.Record
	// temporary ids of the records of this batch already queued for creation
	queued := mapset.NewThreadUnsafeSet[string]()
	for _, rec := range record.FromDocs(docs) {
		u.rewriteReferences(rec)

		if rec.IsLocallyCreated() && rec.IsLocallyDeleted() {
			// never made it to the server
			if err := u.deleteLocal(ctx, rec); err != nil {
				return err
			}
			continue
		}

		if u.st.Options.MergeMode == target.MergeModeLeaveIfChanged && !rec.IsLocallyCreated() {
			conflict, err := u.conflicted(ctx, rec)
			if err != nil {
				if restapi.IsTransportError(err) {
					return err
				}
				if err := u.recordFailed(ctx, rec, err); err != nil {
					return err
				}
				continue
			}
			if conflict {
				u.st.Conflicts++
				if err := u.save(ctx, rec); err != nil {
					return err
				}
				continue
			}
		}

		if ref := u.unresolvedReference(rec, queued); ref != "" {
			// kept dirty until the record it points at has a server id
			if err := u.recordFailed(ctx, rec, fmt.Errorf("references %s, which is not synced yet", ref)); err != nil {
				return err
			}
			continue
		}
		if rec.IsLocallyCreated() {
			for _, id := range []string{rec.String(u.idField), rec.String(record.LocalID)} {
				if record.IsLocalID(id) {
					queued.Add(id)
				}
			}
		}
		pending = append(pending, rec)
	}

	recreate, err := u.push(ctx, pending)
	if err != nil {
		return err
	}
	if len(recreate) > 0 {
		// the records were deleted remotely, they are created again as new ones
		if _, err := u.push(ctx, recreate); err != nil {
			return err
		}
	}
	return nil
}

// push sends records and applies the results locally. It returns the updates that found their record deleted
// remotely and should be created again.
func (u *upPass) push(ctx context.Context, records []record.Record) ([]record.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ups := make([]target.UpRecord, 0, len(records))
	for _, rec := range records {
		ups = append(ups, target.UpRecord{Record: rec, Fields: u.st.Options.FieldList})
	}
	results, err := u.tgt.PushRecords(ctx, u.m.client, ups)
	if err != nil {
		return nil, err
	}
	if len(results) != len(records) {
		return nil, fmt.Errorf("sync: target returned %d results for %d records", len(results), len(records))
	}

	var recreate []record.Record
	var done []record.Record
	for i, res := range results {
		rec := records[i]
		switch {
		case res.Err != nil:
			if err := u.recordFailed(ctx, rec, res.Err); err != nil {
				return nil, err
			}

		case res.Action == target.UpActionDelete:
			// a record already deleted remotely is as good as deleted
			if err := u.deleteLocal(ctx, rec); err != nil {
				return nil, err
			}

		case res.NotFound && u.st.Options.MergeMode == target.MergeModeOverwrite:
			rec[record.LocallyCreated] = true
			recreate = append(recreate, rec)

		case res.NotFound:
			err := fmt.Errorf("%s %s was deleted remotely", u.tgt.ObjectTypeFor(rec), rec.String(u.idField))
			if err := u.recordFailed(ctx, rec, err); err != nil {
				return nil, err
			}

		case res.Action == target.UpActionCreate:
			oldID := rec.String(u.idField)
			u.resolved[oldID] = res.ServerID
			if localID := rec.String(record.LocalID); localID != "" {
				u.resolved[localID] = res.ServerID
			}
			rec[u.idField] = res.ServerID
			delete(rec, record.LocalID)
			rec.ClearLocalFlags()
			done = append(done, rec)

		default:
			rec.ClearLocalFlags()
			done = append(done, rec)
		}
	}

	// saved last, so that references between records of this batch resolve too
	for _, rec := range done {
		if err := u.save(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recreate, nil
}

// CleanResyncGhosts deletes the clean local records a sync down brought in that its target no longer returns. It
// returns how many were deleted.
func (m *Manager) CleanResyncGhosts(ctx context.Context, syncID int64) (int, error) {
	ctx, span := tracer.Start(ctx, "Manager.CleanResyncGhosts")
	defer span.End()

	st, err := m.load(ctx, syncID)
	if err != nil {
		return 0, err
	}
	if st.Type != SyncTypeDown {
		return 0, invalidStatus(st, "clean ghosts of")
	}
	_, err = m.acquire(ctx, syncID)
	if err != nil {
		return 0, err
	}
	defer m.release(syncID)

	tgt, err := m.registry.DownFromJSON(st.Target)
	if err != nil {
		return 0, err
	}
	idField := tgt.IDFieldName()

	docs, err := m.store.Query(ctx, st.SoupName, smartstore.Exact(record.SyncID, st.ID))
	if err != nil {
		return 0, err
	}
	entries := make(map[string]int64)
	local := mapset.NewThreadUnsafeSet[string]()
	for _, rec := range record.FromDocs(docs) {
		id := rec.String(idField)
		entryID, ok := rec.EntryID()
		if id == "" || !ok || rec.IsDirty() {
			continue
		}
		local.Add(id)
		entries[id] = entryID
	}
	if local.Cardinality() == 0 {
		return 0, nil
	}

	remote, err := tgt.RemoteIDs(ctx, m.client, local)
	if err != nil {
		return 0, err
	}
	var ghosts []int64
	for id := range local.Iter() {
		if !remote.Contains(id) {
			ghosts = append(ghosts, entries[id])
		}
	}
	if len(ghosts) == 0 {
		return 0, nil
	}
	if err := m.store.Delete(ctx, st.SoupName, ghosts...); err != nil {
		return 0, err
	}
	ctxzap.Extract(ctx).Info("deleted ghost records",
		zap.Int64("sync_id", st.ID),
		zap.String("soup", st.SoupName),
		zap.Int("count", len(ghosts)),
	)
	return len(ghosts), nil
}
