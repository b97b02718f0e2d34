package smartstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDialectRegistered(t *testing.T) {
	require.Equal(
		t,
		"sqlite3",
		goqu.GetDialect("sqlite3").Dialect(),
	)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "store.db"), WithPragma("journal_mode", "WAL"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SoupLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "accounts", map[string]any{"Id": "1"})
	require.ErrorIs(t, err, ErrSoupNotFound)

	require.NoError(t, s.RegisterSoup(ctx, "accounts", "Id", "attributes.type"))
	require.NoError(t, s.RegisterSoup(ctx, "accounts", "Id"))
	ok, err := s.HasSoup(ctx, "accounts")
	require.NoError(t, err)
	require.True(t, ok)

	require.Error(t, s.RegisterSoup(ctx, "bad soup"))
	require.ErrorIs(t, s.RegisterSoup(ctx, "accounts", "Id') --"), ErrInvalidPath)

	_, err = s.Create(ctx, "accounts", map[string]any{"Id": "1"})
	require.NoError(t, err)

	require.NoError(t, s.DropSoup(ctx, "accounts"))
	ok, err = s.HasSoup(ctx, "accounts")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RegisterSoup(ctx, "accounts"))
	n, err := s.Count(ctx, "accounts", MatchAll())
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestStore_SoupsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterSoup(ctx, "contacts", "Id"))
	_, err = s.Create(ctx, "contacts", map[string]any{"Id": "003A", "Name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.LookupByExternalID(ctx, "contacts", "Id", "003A")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "Ann", doc["Name"])
}

func TestStore_CreateRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterSoup(ctx, "accounts", "Id"))

	a, err := s.Create(ctx, "accounts", map[string]any{"Id": "001A", "Name": "Acme", SoupEntryID: int64(99)})
	require.NoError(t, err)
	aID, ok := EntryID(a)
	require.True(t, ok)
	require.NotEqual(t, int64(99), aID)

	b, err := s.Create(ctx, "accounts", map[string]any{"Id": "001B", "Name": "Beta", "Nested": map[string]any{"x": 1}})
	require.NoError(t, err)
	bID, _ := EntryID(b)

	docs, err := s.Retrieve(ctx, "accounts", bID, aID, 12345)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "Beta", docs[0]["Name"])
	require.Equal(t, map[string]any{"x": float64(1)}, docs[0]["Nested"])
	require.Equal(t, "Acme", docs[1]["Name"])
	require.Equal(t, aID, docs[1][SoupEntryID])

	require.NoError(t, s.Delete(ctx, "accounts", aID))
	docs, err = s.Retrieve(ctx, "accounts", aID)
	require.NoError(t, err)
	require.Empty(t, docs)

	require.NoError(t, s.Delete(ctx, "accounts"))
}

func TestStore_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterSoup(ctx, "accounts", "Id"))

	first, err := s.Upsert(ctx, "accounts", map[string]any{"Id": "001A", "Name": "Acme"}, "Id")
	require.NoError(t, err)
	firstID, _ := EntryID(first)

	second, err := s.Upsert(ctx, "accounts", map[string]any{"Id": "001A", "Name": "Acme Corp"}, "Id")
	require.NoError(t, err)
	secondID, _ := EntryID(second)
	require.Equal(t, firstID, secondID)

	n, err := s.Count(ctx, "accounts", MatchAll())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// entry id wins over the external id
	third, err := s.Upsert(ctx, "accounts", map[string]any{SoupEntryID: firstID, "Id": "001Z", "Name": "Renamed"}, "Id")
	require.NoError(t, err)
	thirdID, _ := EntryID(third)
	require.Equal(t, firstID, thirdID)
	doc, err := s.LookupByExternalID(ctx, "accounts", "Id", "001Z")
	require.NoError(t, err)
	require.Equal(t, "Renamed", doc["Name"])

	_, err = s.Upsert(ctx, "accounts", map[string]any{SoupEntryID: int64(4242), "Id": "x"}, "Id")
	require.Error(t, err)

	// no external id value inserts
	_, err = s.Upsert(ctx, "accounts", map[string]any{"Name": "Anonymous"}, "Id")
	require.NoError(t, err)
	n, err = s.Count(ctx, "accounts", MatchAll())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestStore_UpsertIsDeterministic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterSoup(ctx, "accounts", "Id"))

	doc := map[string]any{"Id": "001A", "b": 2, "a": 1, "c": []any{"x", "y"}}
	_, err := s.Upsert(ctx, "accounts", doc, "Id")
	require.NoError(t, err)

	var before string
	require.NoError(t, s.rawDb.QueryRowContext(ctx, "select data from "+entries.Name()).Scan(&before))

	_, err = s.Upsert(ctx, "accounts", doc, "Id")
	require.NoError(t, err)

	var after string
	require.NoError(t, s.rawDb.QueryRowContext(ctx, "select data from "+entries.Name()).Scan(&after))
	require.Equal(t, before, after)
	require.Equal(t, `{"Id":"001A","a":1,"b":2,"c":["x","y"]}`, after)
}

func TestStore_Query(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterSoup(ctx, "records", "__local__", "attributes.type"))
	require.NoError(t, s.RegisterSoup(ctx, "other"))

	for i, dirty := range []bool{true, false, true, true, false} {
		_, err := s.Create(ctx, "records", map[string]any{
			"n":          i,
			"__local__":  dirty,
			"attributes": map[string]any{"type": "Account"},
		})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "other", map[string]any{"__local__": true})
	require.NoError(t, err)

	dirty, err := s.Query(ctx, "records", Exact("__local__", true))
	require.NoError(t, err)
	require.Len(t, dirty, 3)
	require.Equal(t, []float64{0, 2, 3}, []float64{dirty[0]["n"].(float64), dirty[1]["n"].(float64), dirty[2]["n"].(float64)})

	n, err := s.Count(ctx, "records", Exact("__local__", false))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.Count(ctx, "records", Exact("attributes.type", "Account"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	page, err := s.Query(ctx, "records", QuerySpec{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 1, page[0]["n"])
	require.EqualValues(t, 2, page[1]["n"])

	ids, err := s.IDs(ctx, "records", Exact("__local__", true))
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Less(t, ids[0], ids[1])
	require.Less(t, ids[1], ids[2])

	missing, err := s.LookupByExternalID(ctx, "records", "n", 42)
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = s.Query(ctx, "records", Exact("n; drop table", 1))
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.HasSoup(ctx, "x")
	require.Error(t, err)
}

func TestAsInt64(t *testing.T) {
	for _, v := range []any{int64(7), 7, int32(7), float64(7), "7"} {
		n, ok := AsInt64(v)
		require.True(t, ok)
		require.EqualValues(t, 7, n)
	}
	_, ok := AsInt64("seven")
	require.False(t, ok)
	_, ok = AsInt64(nil)
	require.False(t, ok)
}
