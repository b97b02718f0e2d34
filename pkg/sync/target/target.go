// Package target implements the strategies a sync uses to talk to the server: down targets fetch remote records
// page by page, up targets push local changes back.
package target

import (
	"context"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/record"
)

type Kind string

const (
	KindSOQL        Kind = "soql"
	KindMRU         Kind = "mru"
	KindSOSL        Kind = "sosl"
	KindContentSOQL Kind = "content_soql"
	KindREST        Kind = "rest"
	KindBatch       Kind = "batch"
)

type MergeMode string

const (
	MergeModeOverwrite      MergeMode = "OVERWRITE"
	MergeModeLeaveIfChanged MergeMode = "LEAVE_IF_CHANGED"
	// MergeModeSyncDownOnly merges remote records like LEAVE_IF_CHANGED and never pushes local changes.
	MergeModeSyncDownOnly MergeMode = "SYNC_DOWN_ONLY"
)

func (m MergeMode) Valid() bool {
	switch m {
	case MergeModeOverwrite, MergeModeLeaveIfChanged, MergeModeSyncDownOnly:
		return true
	default:
		return false
	}
}

// KeepsLocalChanges reports whether sync down leaves a dirty local record alone.
func (m MergeMode) KeepsLocalChanges() bool {
	return m == MergeModeLeaveIfChanged || m == MergeModeSyncDownOnly
}

const (
	DefaultIDFieldName               = "Id"
	DefaultModificationDateFieldName = "LastModifiedDate"
)

type Target interface {
	Kind() Kind
	IDFieldName() string
	ModificationDateFieldName() string
	// AsJSON returns the declarative descriptor the target was built from. Runtime cursors are not included.
	AsJSON() map[string]any
}

type DownTarget interface {
	Target

	// StartFetch returns the first page. maxTimeStamp is the incremental watermark in epoch millis, 0 for a full
	// fetch.
	StartFetch(ctx context.Context, client restapi.Sender, maxTimeStamp int64) ([]record.Record, error)
	// ContinueFetch returns the next page, or nil when there is nothing left to fetch.
	ContinueFetch(ctx context.Context, client restapi.Sender) ([]record.Record, error)
	ContinuationState() string
	// TotalSize is the server's record count for the current fetch, -1 when unknown.
	TotalSize() int
	LatestModificationTimeStamp(records []record.Record) int64
	// RemoteIDs returns the members of localIDs that the target still yields remotely.
	RemoteIDs(ctx context.Context, client restapi.Sender, localIDs mapset.Set[string]) (mapset.Set[string], error)
}

// UpRecord is one local record to push together with the fields to send.
type UpRecord struct {
	Record record.Record
	Fields []string
}

type UpAction int

const (
	UpActionNone UpAction = iota
	UpActionCreate
	UpActionUpdate
	UpActionDelete
)

func (a UpAction) String() string {
	switch a {
	case UpActionCreate:
		return "create"
	case UpActionUpdate:
		return "update"
	case UpActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// UpResult is the remote outcome for one UpRecord. Err is set for record level failures (the server answered with
// an error for this record). NotFound is set when an update or delete targeted a record that no longer exists.
type UpResult struct {
	Action   UpAction
	ServerID string
	NotFound bool
	Err      error
}

type UpTarget interface {
	Target

	// DirtyRecordIDs returns the soup entry ids of records with local changes, ascending.
	DirtyRecordIDs(ctx context.Context, store smartstore.Store, soup string) ([]int64, error)
	// BatchSize is how many records PushRecords accepts at once.
	BatchSize() int
	ObjectTypeFor(r record.Record) string
	// FetchLastModified returns the remote modification date of r in epoch millis, 0 when the record is gone.
	FetchLastModified(ctx context.Context, client restapi.Sender, r record.Record) (int64, error)
	// PushRecords sends local changes. Results are index aligned with records. A returned error means the batch
	// could not be sent at all.
	PushRecords(ctx context.Context, client restapi.Sender, records []UpRecord) ([]UpResult, error)
}

// ConflictError reports a record left alone because the server copy changed after the local one.
type ConflictError struct {
	ObjectType  string
	ID          string
	LocalModTS  int64
	RemoteModTS int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("target: %s %s changed remotely at %s after local copy from %s",
		e.ObjectType, e.ID, FormatTimeStamp(e.RemoteModTS), FormatTimeStamp(e.LocalModTS))
}

type base struct {
	kind                      Kind
	idFieldName               string
	modificationDateFieldName string
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) IDFieldName() string {
	return b.idFieldName
}

func (b *base) ModificationDateFieldName() string {
	return b.modificationDateFieldName
}

func (b *base) descriptor() map[string]any {
	return map[string]any{
		"type":                      string(b.kind),
		"idFieldName":               b.idFieldName,
		"modificationDateFieldName": b.modificationDateFieldName,
	}
}

// LatestModificationTimeStamp returns the newest modification date found in records, 0 when none parse.
func (b *base) LatestModificationTimeStamp(records []record.Record) int64 {
	var latest int64
	for _, r := range records {
		if ts := ParseTimeStamp(r.String(b.modificationDateFieldName)); ts > latest {
			latest = ts
		}
	}
	return latest
}

var timeStampLayouts = []string{
	"2006-01-02T15:04:05.000Z0700",
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
}

// ParseTimeStamp reads a server date time into epoch millis. Unparseable values yield 0.
func ParseTimeStamp(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range timeStampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// FormatTimeStamp renders epoch millis the way query predicates expect them.
func FormatTimeStamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

func toRecords(raw []map[string]any) []record.Record {
	ret := make([]record.Record, 0, len(raw))
	for _, r := range raw {
		ret = append(ret, record.Record(r))
	}
	return ret
}

// soqlIDList renders ids as a quoted IN list body.
func soqlIDList(ids []string) string {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, "'"+strings.ReplaceAll(id, "'", `\'`)+"'")
	}
	return strings.Join(quoted, ",")
}

type Option func(*base)

func WithIDFieldName(name string) Option {
	return func(b *base) {
		if name != "" {
			b.idFieldName = name
		}
	}
}

func WithModificationDateFieldName(name string) Option {
	return func(b *base) {
		if name != "" {
			b.modificationDateFieldName = name
		}
	}
}

func newBase(kind Kind, opts ...Option) base {
	b := base{
		kind:                      kind,
		idFieldName:               DefaultIDFieldName,
		modificationDateFieldName: DefaultModificationDateFieldName,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}
