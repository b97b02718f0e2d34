// Package record holds the helpers the sync engine uses to read and stamp the reserved fields of local records.
package record

import (
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"

	"github.com/conductorone/mobilesync/pkg/smartstore"
)

// Reserved fields owned by the sync engine. The spelling is part of the on-disk format.
const (
	LocallyCreated = "__locally_created__"
	LocallyUpdated = "__locally_updated__"
	LocallyDeleted = "__locally_deleted__"
	Local          = "__local__"
	LocalID        = "__local_id__"
	SyncID         = "__sync_id__"
	LastError      = "__last_error__"

	Attributes = "attributes"
)

const localIDPrefix = "local_"

// Record is a local or remote object as a field map.
type Record map[string]any

// NewLocalID returns a temporary id for a record that has not been created remotely yet.
func NewLocalID() string {
	return localIDPrefix + ksuid.New().String()
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Clone is shallow: nested maps are shared.
func (r Record) Clone() Record {
	ret := make(Record, len(r))
	for k, v := range r {
		ret[k] = v
	}
	return ret
}

// Bool reads a flag. Stores that keep booleans as numbers are accepted.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) IsLocallyCreated() bool { return r.Bool(LocallyCreated) }
func (r Record) IsLocallyUpdated() bool { return r.Bool(LocallyUpdated) }
func (r Record) IsLocallyDeleted() bool { return r.Bool(LocallyDeleted) }

// IsDirty reports whether the record holds local changes not yet pushed.
func (r Record) IsDirty() bool {
	return r.Bool(Local) || r.IsLocallyCreated() || r.IsLocallyUpdated() || r.IsLocallyDeleted()
}

// EntryID is the soup entry id, if the record has been stored.
func (r Record) EntryID() (int64, bool) {
	return smartstore.EntryID(r)
}

// ObjectType reads attributes.type.
func (r Record) ObjectType() string {
	attrs, ok := r[Attributes].(map[string]any)
	if !ok {
		return ""
	}
	t, _ := attrs["type"].(string)
	return t
}

// MarkClean clears the dirty flags and stamps the record with the sync down that last wrote it.
func (r Record) MarkClean(syncID int64) {
	r.ClearLocalFlags()
	r[SyncID] = syncID
}

// ClearLocalFlags marks the local changes as pushed. The sync id is left as is.
func (r Record) ClearLocalFlags() {
	r[LocallyCreated] = false
	r[LocallyUpdated] = false
	r[LocallyDeleted] = false
	r[Local] = false
	delete(r, LastError)
}

// MarkCreated flags a new local record and assigns it a temporary id in idField when it has none.
func (r Record) MarkCreated(idField string) {
	if r.String(idField) == "" {
		r[idField] = NewLocalID()
	}
	r[LocalID] = r[idField]
	r[LocallyCreated] = true
	r[Local] = true
}

func (r Record) MarkUpdated() {
	r[LocallyUpdated] = true
	r[Local] = true
}

func (r Record) MarkDeleted() {
	r[LocallyDeleted] = true
	r[Local] = true
}

func (r Record) SetLastError(err error) {
	r[LastError] = err.Error()
}

// FromDocs converts store documents to records without copying.
func FromDocs(docs []map[string]any) []Record {
	ret := make([]Record, 0, len(docs))
	for _, d := range docs {
		ret = append(ret, Record(d))
	}
	return ret
}
