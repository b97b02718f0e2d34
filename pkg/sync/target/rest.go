package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

// RESTTarget pushes one record per REST call.
type RESTTarget struct {
	base
	objectType      string
	createFieldList []string
	updateFieldList []string
}

var _ UpTarget = (*RESTTarget)(nil)

type UpOption func(*RESTTarget)

// WithObjectType is used for records that carry no attributes.type.
func WithObjectType(objectType string) UpOption {
	return func(t *RESTTarget) {
		t.objectType = objectType
	}
}

// WithCreateFieldList overrides the options field list for creates.
func WithCreateFieldList(fields []string) UpOption {
	return func(t *RESTTarget) {
		t.createFieldList = fields
	}
}

// WithUpdateFieldList overrides the options field list for updates.
func WithUpdateFieldList(fields []string) UpOption {
	return func(t *RESTTarget) {
		t.updateFieldList = fields
	}
}

func newRESTTarget(kind Kind, upOpts []UpOption, opts []Option) RESTTarget {
	t := RESTTarget{base: newBase(kind, opts...)}
	for _, o := range upOpts {
		o(&t)
	}
	return t
}

func NewRESTTarget(upOpts []UpOption, opts ...Option) *RESTTarget {
	t := newRESTTarget(KindREST, upOpts, opts)
	return &t
}

func (t *RESTTarget) AsJSON() map[string]any {
	d := t.descriptor()
	if t.objectType != "" {
		d["objectType"] = t.objectType
	}
	if t.createFieldList != nil {
		d["createFieldlist"] = append([]string(nil), t.createFieldList...)
	}
	if t.updateFieldList != nil {
		d["updateFieldlist"] = append([]string(nil), t.updateFieldList...)
	}
	return d
}

func (t *RESTTarget) BatchSize() int {
	return 1
}

func (t *RESTTarget) DirtyRecordIDs(ctx context.Context, store smartstore.Store, soup string) ([]int64, error) {
	return store.IDs(ctx, soup, smartstore.Exact(record.Local, true))
}

func (t *RESTTarget) ObjectTypeFor(r record.Record) string {
	if ot := r.ObjectType(); ot != "" {
		return ot
	}
	return t.objectType
}

func (t *RESTTarget) FetchLastModified(ctx context.Context, client restapi.Sender, r record.Record) (int64, error) {
	objectType, err := t.requireObjectType(r)
	if err != nil {
		return 0, err
	}
	req := restapi.ForRetrieve(client.APIVersion(), objectType, r.String(t.idFieldName), []string{t.modificationDateFieldName})
	resp, err := client.Send(ctx, req)
	if err != nil {
		if restapi.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	body := make(map[string]any)
	if err := resp.AsJSON("retrieve", &body); err != nil {
		return 0, err
	}
	return ParseTimeStamp(record.Record(body).String(t.modificationDateFieldName)), nil
}

func (t *RESTTarget) requireObjectType(r record.Record) (string, error) {
	objectType := t.ObjectTypeFor(r)
	if objectType == "" {
		return "", fmt.Errorf("target: record %v has no object type", r[t.idFieldName])
	}
	return objectType, nil
}

// ActionFor decides what a dirty record needs remotely.
func ActionFor(r record.Record) UpAction {
	switch {
	case r.IsLocallyDeleted():
		return UpActionDelete
	case r.IsLocallyCreated():
		return UpActionCreate
	case r.IsLocallyUpdated():
		return UpActionUpdate
	default:
		return UpActionNone
	}
}

func (t *RESTTarget) fieldListFor(action UpAction, fallback []string) []string {
	switch {
	case action == UpActionCreate && t.createFieldList != nil:
		return t.createFieldList
	case action == UpActionUpdate && t.updateFieldList != nil:
		return t.updateFieldList
	default:
		return fallback
	}
}

func isSyncManaged(field string) bool {
	return strings.HasPrefix(field, "__") || field == record.Attributes || field == smartstore.SoupEntryID
}

// fieldsToSend picks the values to push. Without a field list every field the server accepts is sent.
func (t *RESTTarget) fieldsToSend(r record.Record, fields []string) map[string]any {
	ret := make(map[string]any)
	if len(fields) == 0 {
		for k, v := range r {
			if isSyncManaged(k) || k == t.idFieldName || k == t.modificationDateFieldName {
				continue
			}
			ret[k] = v
		}
		return ret
	}
	for _, f := range fields {
		if f == t.idFieldName || isSyncManaged(f) {
			continue
		}
		if v, ok := r[f]; ok {
			ret[f] = v
		}
	}
	return ret
}

// requestFor builds the REST call for one record, or nil when there is nothing to send.
func (t *RESTTarget) requestFor(apiVersion string, u UpRecord) (UpAction, *restapi.Request, error) {
	action := ActionFor(u.Record)
	if action == UpActionNone {
		return action, nil, nil
	}
	objectType, err := t.requireObjectType(u.Record)
	if err != nil {
		return action, nil, err
	}
	id := u.Record.String(t.idFieldName)
	switch action {
	case UpActionCreate:
		return action, restapi.ForCreate(apiVersion, objectType, t.fieldsToSend(u.Record, t.fieldListFor(action, u.Fields))), nil
	case UpActionUpdate:
		return action, restapi.ForUpdate(apiVersion, objectType, id, t.fieldsToSend(u.Record, t.fieldListFor(action, u.Fields))), nil
	default:
		return action, restapi.ForDelete(apiVersion, objectType, id), nil
	}
}

// classify turns a call's error into a record level result. Only a missing response fails the whole push.
func classify(res *UpResult, err error) error {
	if err == nil {
		return nil
	}
	if restapi.IsTransportError(err) {
		return err
	}
	if restapi.IsNotFound(err) && (res.Action == UpActionUpdate || res.Action == UpActionDelete) {
		res.NotFound = true
		return nil
	}
	res.Err = err
	return nil
}

func (t *RESTTarget) PushRecords(ctx context.Context, client restapi.Sender, records []UpRecord) ([]UpResult, error) {
	results := make([]UpResult, len(records))
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

		resp, err := client.Send(ctx, req)
		if err := classify(&results[i], err); err != nil {
			return nil, err
		}
		if err != nil || action != UpActionCreate {
			continue
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := resp.AsJSON("create", &created); err != nil {
			results[i].Err = err
			continue
		}
		if created.ID == "" {
			results[i].Err = restapi.NewMalformedResponseError("create", fmt.Errorf("status %d without id", resp.StatusCode))
			continue
		}
		results[i].ServerID = created.ID
	}
	return results, nil
}
