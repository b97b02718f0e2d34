package target

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

// MRUTarget fetches the most recently used records of one object type. It always returns a single page and
// ignores the incremental watermark: the recent items list is short and reordered on every access.
type MRUTarget struct {
	base
	objectType string
	fieldList  []string

	totalSize int
}

var _ DownTarget = (*MRUTarget)(nil)

func NewMRUTarget(objectType string, fieldList []string, opts ...Option) *MRUTarget {
	return &MRUTarget{
		base:       newBase(KindMRU, opts...),
		objectType: objectType,
		fieldList:  fieldList,
		totalSize:  -1,
	}
}

func (t *MRUTarget) AsJSON() map[string]any {
	d := t.descriptor()
	d["objectType"] = t.objectType
	d["fieldlist"] = append([]string(nil), t.fieldList...)
	return d
}

func (t *MRUTarget) ContinuationState() string {
	return ""
}

func (t *MRUTarget) TotalSize() int {
	return t.totalSize
}

type metadataResponse struct {
	RecentItems []map[string]any `json:"recentItems"`
}

func (t *MRUTarget) recentIDs(ctx context.Context, client restapi.Sender) ([]string, error) {
	resp, err := client.Send(ctx, restapi.ForMetadata(client.APIVersion(), t.objectType))
	if err != nil {
		return nil, err
	}
	md := &metadataResponse{}
	if err := resp.AsJSON("object metadata", md); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(md.RecentItems))
	for _, item := range md.RecentItems {
		if id := record.Record(item).String(t.idFieldName); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *MRUTarget) StartFetch(ctx context.Context, client restapi.Sender, maxTimeStamp int64) ([]record.Record, error) {
	ids, err := t.recentIDs(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		t.totalSize = 0
		return []record.Record{}, nil
	}

	fields := t.fieldList
	if len(fields) == 0 {
		fields = []string{t.idFieldName}
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(fields, ", "), t.objectType, t.idFieldName, soqlIDList(ids))
	q, err = PrepareQuery(q, t.idFieldName, t.modificationDateFieldName, 0)
	if err != nil {
		return nil, err
	}

	page, err := fetchQueryPage(ctx, client, restapi.ForQuery(client.APIVersion(), q))
	if err != nil {
		return nil, err
	}
	t.totalSize = len(page.Records)
	return toRecords(page.Records), nil
}

func (t *MRUTarget) ContinueFetch(ctx context.Context, client restapi.Sender) ([]record.Record, error) {
	return nil, nil
}

func (t *MRUTarget) RemoteIDs(ctx context.Context, client restapi.Sender, localIDs mapset.Set[string]) (mapset.Set[string], error) {
	ids, err := t.recentIDs(ctx, client)
	if err != nil {
		return nil, err
	}
	ret := mapset.NewThreadUnsafeSet[string]()
	for _, id := range ids {
		if localIDs.Contains(id) {
			ret.Add(id)
		}
	}
	return ret, nil
}
