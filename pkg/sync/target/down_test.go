package target_test

import (
	"context"
	"errors"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/mobilesync/pkg/sync/record"
	"github.com/conductorone/mobilesync/pkg/sync/target"
	"github.com/conductorone/mobilesync/pkg/test"
)

func TestMRUTarget(t *testing.T) {
	ctx := context.Background()
	org := test.NewFakeOrg(t)
	ids := seedAccounts(org, 3)
	org.SetRecent("Account", ids[2], ids[0])

	tgt := target.NewMRUTarget("Account", []string{"Name"})
	page, err := tgt.StartFetch(ctx, org.Client, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 2, tgt.TotalSize())
	require.Empty(t, tgt.ContinuationState())
	require.ElementsMatch(t, []string{ids[0], ids[2]}, test.IDs([][]record.Record{page}, "Id"))

	next, err := tgt.ContinueFetch(ctx, org.Client)
	require.NoError(t, err)
	require.Nil(t, next)

	remote, err := tgt.RemoteIDs(ctx, org.Client, mapset.NewSet(ids...))
	require.NoError(t, err)
	require.True(t, remote.Equal(mapset.NewThreadUnsafeSet(ids[0], ids[2])))
}

func TestMRUTarget_NoRecentItems(t *testing.T) {
	org := test.NewFakeOrg(t)
	tgt := target.NewMRUTarget("Account", []string{"Name"})
	page, err := tgt.StartFetch(context.Background(), org.Client, 0)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Empty(t, page)
	require.Equal(t, 0, tgt.TotalSize())
	require.Len(t, org.Calls(), 1)
}

func TestSOSLTarget(t *testing.T) {
	ctx := context.Background()
	org := test.NewFakeOrg(t)
	ids := seedAccounts(org, 2)

	tgt := target.NewSOSLTarget("FIND {acct} RETURNING Account(Id, Name)")
	page, err := tgt.StartFetch(ctx, org.Client, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 2, tgt.TotalSize())
	require.Empty(t, tgt.ContinuationState())

	next, err := tgt.ContinueFetch(ctx, org.Client)
	require.NoError(t, err)
	require.Nil(t, next)

	remote, err := tgt.RemoteIDs(ctx, org.Client, mapset.NewSet(ids[0], "001gone"))
	require.NoError(t, err)
	require.True(t, remote.Equal(mapset.NewThreadUnsafeSet(ids[0])))
}

func TestSOSLTarget_BareArray(t *testing.T) {
	org := test.NewFakeOrg(t)
	org.FailNext("GET", "/services/data/v59.0/search", 200, `[{"attributes":{"type":"Account"},"Id":"001A"}]`)

	page, err := target.NewSOSLTarget("FIND {a}").StartFetch(context.Background(), org.Client, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "001A", page[0]["Id"])
}

func TestRegistry(t *testing.T) {
	r := target.NewRegistry()

	for _, desc := range []map[string]any{
		{"type": "soql", "query": "SELECT Id FROM Account"},
		{"type": "sosl", "query": "FIND {a}"},
		{"type": "content_soql", "query": "SELECT Id FROM ContentVersion", "idFieldName": "Id"},
		{"type": "mru", "objectType": "Account", "fieldlist": []any{"Name"}},
	} {
		tgt, err := r.DownFromJSON(desc)
		require.NoError(t, err)
		require.EqualValues(t, desc["type"], tgt.Kind())
		require.Equal(t, "Id", tgt.IDFieldName())
		require.Equal(t, "LastModifiedDate", tgt.ModificationDateFieldName())
	}

	up, err := r.UpFromJSON(map[string]any{"type": "batch", "maxBatchSize": float64(10), "objectType": "Account"})
	require.NoError(t, err)
	require.Equal(t, 10, up.BatchSize())
	require.Equal(t, 10, up.AsJSON()["maxBatchSize"])

	up, err = r.UpFromJSON(map[string]any{"type": "rest", "createFieldlist": []any{"Name"}})
	require.NoError(t, err)
	require.Equal(t, 1, up.BatchSize())
	require.Equal(t, []string{"Name"}, up.AsJSON()["createFieldlist"])

	_, err = r.DownFromJSON(map[string]any{"type": "rest"})
	require.True(t, errors.Is(err, target.ErrUnknownTargetKind))
	_, err = r.UpFromJSON(map[string]any{"type": "soql", "query": "x"})
	require.ErrorIs(t, err, target.ErrUnknownTargetKind)
	_, err = r.DownFromJSON(map[string]any{"query": "SELECT Id FROM Account"})
	require.Error(t, err)
	_, err = r.DownFromJSON(map[string]any{"type": "soql"})
	require.Error(t, err)
	_, err = r.DownFromJSON(map[string]any{"type": "mru"})
	require.Error(t, err)

	r.RegisterDown("custom", func(desc map[string]any) (target.DownTarget, error) {
		return target.NewSOQLTarget("SELECT Id FROM Custom__c"), nil
	})
	custom, err := r.DownFromJSON(map[string]any{"type": "custom"})
	require.NoError(t, err)
	require.Equal(t, target.KindSOQL, custom.Kind())

	// registering on one registry leaves the default alone
	_, err = target.DefaultRegistry.DownFromJSON(map[string]any{"type": "custom"})
	require.ErrorIs(t, err, target.ErrUnknownTargetKind)
}
