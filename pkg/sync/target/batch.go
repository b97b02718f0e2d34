package target

import (
	"context"
	"fmt"
	"strconv"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/sync/composite"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

// BatchTarget pushes up to maxBatchSize records per composite request. Records created in the same batch can
// reference each other through their local ids.
type BatchTarget struct {
	RESTTarget
	maxBatchSize int
}

var _ UpTarget = (*BatchTarget)(nil)

func NewBatchTarget(maxBatchSize int, upOpts []UpOption, opts ...Option) *BatchTarget {
	if maxBatchSize <= 0 || maxBatchSize > composite.MaxSubRequests {
		maxBatchSize = composite.MaxSubRequests
	}
	return &BatchTarget{
		RESTTarget:   newRESTTarget(KindBatch, upOpts, opts),
		maxBatchSize: maxBatchSize,
	}
}

func (t *BatchTarget) AsJSON() map[string]any {
	d := t.RESTTarget.AsJSON()
	d["maxBatchSize"] = t.maxBatchSize
	return d
}

func (t *BatchTarget) BatchSize() int {
	return t.maxBatchSize
}

// refIDFor is the record's local id when it has one. Records that never had a temp id fall back to their entry id.
func refIDFor(r record.Record) string {
	if id := r.String(record.LocalID); id != "" {
		return id
	}
	if id, ok := r.EntryID(); ok {
		return "ref" + strconv.FormatInt(id, 10)
	}
	return ""
}

type batchEntry struct {
	index  int
	refID  string
	action UpAction
	req    *restapi.Request
}

func (t *BatchTarget) PushRecords(ctx context.Context, client restapi.Sender, records []UpRecord) ([]UpResult, error) {
	if len(records) > t.maxBatchSize {
		return nil, fmt.Errorf("target: batch of %d records exceeds %d", len(records), t.maxBatchSize)
	}
	results := make([]UpResult, len(records))

	// local ids of records created in this batch can be referenced by the others
	created := make(map[string]string)
	for _, u := range records {
		if ActionFor(u.Record) == UpActionCreate {
			if id := u.Record.String(t.idFieldName); record.IsLocalID(id) {
				created[id] = refIDFor(u.Record)
			}
		}
	}

	var creates, others []batchEntry
	for i, u := range records {
		action, req, err := t.requestFor(client.APIVersion(), u)
		results[i].Action = action
		if err != nil {
			results[i].Err = err
			continue
		}
		if req == nil {
			continue
		}
		ref := refIDFor(u.Record)
		if ref == "" {
			results[i].Err = fmt.Errorf("target: record %v has no reference id", u.Record[t.idFieldName])
			continue
		}

		if fields, ok := req.Body.(map[string]any); ok {
			for k, v := range fields {
				s, ok := v.(string)
				if !ok {
					continue
				}
				if otherRef, ok := created[s]; ok && otherRef != ref {
					fields[k] = composite.Reference(otherRef)
				}
			}
		}

		e := batchEntry{index: i, refID: ref, action: action, req: req}
		if action == UpActionCreate {
			creates = append(creates, e)
		} else {
			others = append(others, e)
		}
	}

	// creates go first so references always point backwards
	entries := append(creates, others...)
	if len(entries) == 0 {
		return results, nil
	}
	reqs := make([]composite.RefIDRequest, 0, len(entries))
	for _, e := range entries {
		reqs = append(reqs, composite.RefIDRequest{ReferenceID: e.refID, Request: e.req})
	}

	responses, err := composite.SendCompositeRequest(ctx, client, false, reqs)
	if err != nil {
		return nil, err
	}
	serverIDs := composite.ParseIDsFromResponses(responses)

	for _, e := range entries {
		res := &results[e.index]
		sub, ok := responses[e.refID]
		if !ok {
			res.Err = restapi.NewMalformedResponseError("composite", fmt.Errorf("no sub-response for %s", e.refID))
			continue
		}
		if err := classify(res, sub.Err(e.req.Method, e.req.Path)); err != nil {
			return nil, err
		}
		if res.Err != nil || res.NotFound || e.action != UpActionCreate {
			continue
		}
		serverID, ok := serverIDs[e.refID]
		if !ok {
			res.Err = restapi.NewMalformedResponseError("composite", fmt.Errorf("create %s answered %d without id", e.refID, sub.HTTPStatusCode))
			continue
		}
		res.ServerID = serverID
	}
	return results, nil
}
