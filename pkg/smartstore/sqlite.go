package smartstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("mobilesync/pkg.smartstore")

type pragma struct {
	name  string
	value string
}

// SQLiteStore keeps every soup in one sqlite table, one json document per row. A single connection and a write
// mutex serialize writers, so concurrent syncs against the same soup never interleave inside one upsert.
type SQLiteStore struct {
	rawDb   *sql.DB
	db      *goqu.Database
	path    string
	pragmas []pragma

	mtx   sync.Mutex
	soups map[string]struct{}
}

var _ Store = (*SQLiteStore)(nil)

type StoreOption func(*SQLiteStore)

func WithPragma(name string, value string) StoreOption {
	return func(s *SQLiteStore) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// NewSQLiteStore opens (creating if needed) the store at dbFilePath.
func NewSQLiteStore(ctx context.Context, dbFilePath string, opts ...StoreOption) (*SQLiteStore, error) {
	ctx, span := tracer.Start(ctx, "NewSQLiteStore")
	defer span.End()

	rawDB, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, err
	}
	rawDB.SetMaxOpenConns(1)

	s := &SQLiteStore{
		rawDb: rawDB,
		db:    goqu.New("sqlite3", rawDB),
		path:  dbFilePath,
		soups: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	err = s.init(ctx)
	if err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, p := range s.pragmas {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return err
		}
	}

	for _, t := range allTableDescriptors {
		query, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(query, args...))
		if err != nil {
			return err
		}
		err = t.Migrations(ctx, s.db)
		if err != nil {
			return err
		}
	}

	var names []string
	err := s.db.From(soups.Name()).Select("name").ScanValsContext(ctx, &names)
	if err != nil {
		return err
	}
	for _, n := range names {
		s.soups[n] = struct{}{}
	}

	return nil
}

func (s *SQLiteStore) validateDb() error {
	if s.db == nil {
		return errors.New("smartstore: database has not been opened")
	}
	return nil
}

func (s *SQLiteStore) checkSoup(soup string) error {
	if err := s.validateDb(); err != nil {
		return err
	}
	if _, ok := s.soups[soup]; !ok {
		return fmt.Errorf("%w: %s", ErrSoupNotFound, soup)
	}
	return nil
}

func (s *SQLiteStore) RegisterSoup(ctx context.Context, soup string, indexPaths ...string) error {
	ctx, span := tracer.Start(ctx, "SQLiteStore.RegisterSoup")
	defer span.End()

	if err := validatePath(soup); err != nil {
		return fmt.Errorf("smartstore: invalid soup name: %w", err)
	}
	for _, p := range indexPaths {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.validateDb(); err != nil {
		return err
	}

	q := s.db.Insert(soups.Name()).
		Rows(goqu.Record{"name": soup}).
		OnConflict(goqu.DoNothing()).
		Prepared(true)
	if _, err := q.Executor().ExecContext(ctx); err != nil {
		return err
	}

	for _, p := range indexPaths {
		if _, err := s.db.ExecContext(ctx, entries.pathIndex(p)); err != nil {
			return err
		}
	}

	s.soups[soup] = struct{}{}
	ctxzap.Extract(ctx).Debug("registered soup", zap.String("soup", soup), zap.Strings("index_paths", indexPaths))
	return nil
}

func (s *SQLiteStore) HasSoup(ctx context.Context, soup string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.validateDb(); err != nil {
		return false, err
	}
	_, ok := s.soups[soup]
	return ok, nil
}

func (s *SQLiteStore) DropSoup(ctx context.Context, soup string) error {
	ctx, span := tracer.Start(ctx, "SQLiteStore.DropSoup")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return err
	}

	_, err := s.db.Delete(entries.Name()).Where(goqu.C("soup").Eq(soup)).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.Delete(soups.Name()).Where(goqu.C("name").Eq(soup)).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return err
	}
	delete(s.soups, soup)
	return nil
}

func encodeDoc(doc map[string]any) (string, error) {
	stored := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == SoupEntryID {
			continue
		}
		stored[k] = v
	}
	// map keys are marshalled in sorted order, so identical documents encode identically
	b, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("smartstore: document is not json encodable: %w", err)
	}
	return string(b), nil
}

func decodeDoc(id int64, data string) (map[string]any, error) {
	doc := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("smartstore: corrupt entry %d: %w", id, err)
	}
	doc[SoupEntryID] = id
	return doc, nil
}

func normalizeValue(v any) any {
	switch b := v.(type) {
	case bool:
		if b {
			return 1
		}
		return 0
	default:
		return v
	}
}

func (s *SQLiteStore) insert(ctx context.Context, soup string, data string) (int64, error) {
	res, err := s.db.Insert(entries.Name()).
		Rows(goqu.Record{"soup": soup, "data": data}).
		Prepared(true).
		Executor().ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) update(ctx context.Context, soup string, id int64, data string) (bool, error) {
	res, err := s.db.Update(entries.Name()).
		Set(goqu.Record{"data": data}).
		Where(goqu.C("soup").Eq(soup), goqu.C("id").Eq(id)).
		Prepared(true).
		Executor().ExecContext(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Create(ctx context.Context, soup string, doc map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Create")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return nil, err
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return nil, err
	}
	id, err := s.insert(ctx, soup, data)
	if err != nil {
		return nil, err
	}
	return decodeDoc(id, data)
}

func (s *SQLiteStore) Upsert(ctx context.Context, soup string, doc map[string]any, externalIDPath string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Upsert")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return nil, err
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return nil, err
	}

	id, hasID := EntryID(doc)
	if !hasID && externalIDPath != "" {
		if ext, ok := doc[externalIDPath]; ok && ext != nil {
			if err := validatePath(externalIDPath); err != nil {
				return nil, err
			}
			ids, err := s.ids(ctx, soup, Exact(externalIDPath, ext))
			if err != nil {
				return nil, err
			}
			switch len(ids) {
			case 0:
			case 1:
				id, hasID = ids[0], true
			default:
				return nil, fmt.Errorf("smartstore: %d entries in %s share %s=%v", len(ids), soup, externalIDPath, ext)
			}
		}
	}

	if hasID {
		updated, err := s.update(ctx, soup, id, data)
		if err != nil {
			return nil, err
		}
		if !updated {
			return nil, fmt.Errorf("smartstore: entry %d does not exist in %s", id, soup)
		}
		return decodeDoc(id, data)
	}

	id, err = s.insert(ctx, soup, data)
	if err != nil {
		return nil, err
	}
	return decodeDoc(id, data)
}

func (s *SQLiteStore) Retrieve(ctx context.Context, soup string, ids ...int64) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Retrieve")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []map[string]any{}, nil
	}

	q := s.db.From(entries.Name()).
		Select("id", "data").
		Where(goqu.C("soup").Eq(soup), goqu.C("id").In(ids))
	found, err := s.scanDocs(ctx, q)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]map[string]any, len(found))
	for _, d := range found {
		id, _ := EntryID(d)
		byID[id] = d
	}
	ret := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

func (s *SQLiteStore) LookupByExternalID(ctx context.Context, soup string, path string, value any) (map[string]any, error) {
	docs, err := s.Query(ctx, soup, QuerySpec{Path: path, Value: value, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (s *SQLiteStore) filtered(soup string, spec QuerySpec) (*goqu.SelectDataset, error) {
	q := s.db.From(entries.Name()).Where(goqu.C("soup").Eq(soup))
	if spec.Path != "" {
		if err := validatePath(spec.Path); err != nil {
			return nil, err
		}
		var cond exp.Expression
		if spec.Value == nil {
			cond = goqu.L(pathExpr(spec.Path)).IsNull()
		} else {
			cond = goqu.L(pathExpr(spec.Path)).Eq(normalizeValue(spec.Value))
		}
		q = q.Where(cond)
	}
	return q.Prepared(true), nil
}

func paged(q *goqu.SelectDataset, spec QuerySpec) *goqu.SelectDataset {
	q = q.Order(goqu.C("id").Asc())
	if spec.Limit > 0 {
		q = q.Limit(spec.Limit)
	}
	if spec.Offset > 0 {
		q = q.Offset(spec.Offset)
	}
	return q
}

func (s *SQLiteStore) Query(ctx context.Context, soup string, spec QuerySpec) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Query")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return nil, err
	}
	q, err := s.filtered(soup, spec)
	if err != nil {
		return nil, err
	}
	return s.scanDocs(ctx, paged(q.Select("id", "data"), spec))
}

func (s *SQLiteStore) IDs(ctx context.Context, soup string, spec QuerySpec) ([]int64, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.IDs")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return nil, err
	}
	return s.ids(ctx, soup, spec)
}

func (s *SQLiteStore) ids(ctx context.Context, soup string, spec QuerySpec) ([]int64, error) {
	q, err := s.filtered(soup, spec)
	if err != nil {
		return nil, err
	}
	ret := make([]int64, 0)
	err = paged(q.Select("id"), spec).ScanValsContext(ctx, &ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) Count(ctx context.Context, soup string, spec QuerySpec) (int64, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Count")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return 0, err
	}
	q, err := s.filtered(soup, spec)
	if err != nil {
		return 0, err
	}
	return q.CountContext(ctx)
}

func (s *SQLiteStore) Delete(ctx context.Context, soup string, ids ...int64) error {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Delete")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.checkSoup(soup); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Delete(entries.Name()).
		Where(goqu.C("soup").Eq(soup), goqu.C("id").In(ids)).
		Prepared(true).
		Executor().ExecContext(ctx)
	return err
}

func (s *SQLiteStore) scanDocs(ctx context.Context, q *goqu.SelectDataset) ([]map[string]any, error) {
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(id, data)
		if err != nil {
			return nil, err
		}
		ret = append(ret, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Close releases the database. The store is unusable afterwards.
func (s *SQLiteStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.rawDb == nil {
		return nil
	}
	err := s.rawDb.Close()
	s.rawDb = nil
	s.db = nil
	return err
}
