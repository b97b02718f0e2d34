package target

import (
	"bytes"
	"context"
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

// SOSLTarget fetches the result of a SOSL search as a single page.
type SOSLTarget struct {
	base
	query string

	totalSize int
}

var _ DownTarget = (*SOSLTarget)(nil)

func NewSOSLTarget(query string, opts ...Option) *SOSLTarget {
	return &SOSLTarget{
		base:      newBase(KindSOSL, opts...),
		query:     query,
		totalSize: -1,
	}
}

func (t *SOSLTarget) AsJSON() map[string]any {
	d := t.descriptor()
	d["query"] = t.query
	return d
}

func (t *SOSLTarget) ContinuationState() string {
	return ""
}

func (t *SOSLTarget) TotalSize() int {
	return t.totalSize
}

// search accepts both the current {"searchRecords":[...]} answer and the bare array older api versions return.
func (t *SOSLTarget) search(ctx context.Context, client restapi.Sender) ([]record.Record, error) {
	resp, err := client.Send(ctx, restapi.ForSearch(client.APIVersion(), t.query))
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("[")) {
		if err := resp.AsJSON("search", &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			SearchRecords []map[string]any `json:"searchRecords"`
		}
		if err := resp.AsJSON("search", &wrapped); err != nil {
			return nil, err
		}
		if wrapped.SearchRecords == nil {
			return nil, restapi.NewMalformedResponseError("search", errors.New("no searchRecords"))
		}
		raw = wrapped.SearchRecords
	}
	return toRecords(raw), nil
}

func (t *SOSLTarget) StartFetch(ctx context.Context, client restapi.Sender, maxTimeStamp int64) ([]record.Record, error) {
	records, err := t.search(ctx, client)
	if err != nil {
		return nil, err
	}
	t.totalSize = len(records)
	return records, nil
}

func (t *SOSLTarget) ContinueFetch(ctx context.Context, client restapi.Sender) ([]record.Record, error) {
	return nil, nil
}

func (t *SOSLTarget) RemoteIDs(ctx context.Context, client restapi.Sender, localIDs mapset.Set[string]) (mapset.Set[string], error) {
	records, err := t.search(ctx, client)
	if err != nil {
		return nil, err
	}
	ret := mapset.NewThreadUnsafeSet[string]()
	for _, r := range records {
		if id := r.String(t.idFieldName); localIDs.Contains(id) {
			ret.Add(id)
		}
	}
	return ret, nil
}
