package sync

import (
	"encoding/json"
	"fmt"

	"github.com/conductorone/mobilesync/pkg/smartstore"
	"github.com/conductorone/mobilesync/pkg/sync/target"
)

// SyncType tells which way records flow.
type SyncType string

const (
	SyncTypeDown SyncType = "syncDown"
	SyncTypeUp   SyncType = "syncUp"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeDown || t == SyncTypeUp
}

// Status is the lifecycle of a sync: NEW, then RUNNING, then one of DONE, FAILED or STOPPED. A finished sync goes
// back to RUNNING when it is resynced or restarted.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusStopped Status = "STOPPED"
)

// Finished reports whether a run ended, whatever the outcome.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed || s == StatusStopped
}

// Options are fixed when a sync is created.
type Options struct {
	MergeMode target.MergeMode `json:"mergeMode"`
	// FieldList is what sync up sends when the target has no field list of its own.
	FieldList []string `json:"fieldlist,omitempty"`
}

func NewOptions(mergeMode target.MergeMode, fieldList ...string) Options {
	return Options{MergeMode: mergeMode, FieldList: fieldList}
}

func (o Options) withDefaults() Options {
	if o.MergeMode == "" {
		o.MergeMode = target.MergeModeOverwrite
	}
	return o
}

func (o Options) validate() error {
	if !o.MergeMode.Valid() {
		return fmt.Errorf("%w: merge mode %q", ErrInvalidOptions, o.MergeMode)
	}
	return nil
}

// SyncState is the persisted record of one sync: what it syncs and how its last run went.
type SyncState struct {
	ID       int64          `json:"syncId"`
	Name     string         `json:"syncName,omitempty"`
	Type     SyncType       `json:"type"`
	Target   map[string]any `json:"target"`
	Options  Options        `json:"options"`
	SoupName string         `json:"soupName"`
	Status   Status         `json:"status"`
	// Progress is a percentage. It never decreases during a run.
	Progress  int `json:"progress"`
	TotalSize int `json:"totalSize"`
	// MaxTimeStamp is the incremental watermark in epoch millis. It only moves when a run ends DONE.
	MaxTimeStamp int64  `json:"maxTimeStamp"`
	Error        string `json:"error,omitempty"`
	StartTime    int64  `json:"startTime,omitempty"`
	EndTime      int64  `json:"endTime,omitempty"`
	// Conflicts counts the records the last run left alone under LEAVE_IF_CHANGED.
	Conflicts int `json:"conflicts"`
}

// normalizeJSON returns v the way it reads back after a trip through JSON, so states compare equal before and after
// they are stored.
func normalizeJSON(v map[string]any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]any)
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func newSyncState(syncType SyncType, tgt target.Target, opts Options, soupName string, name string) (*SyncState, error) {
	desc, err := normalizeJSON(tgt.AsJSON())
	if err != nil {
		return nil, fmt.Errorf("sync: target is not serializable: %w", err)
	}
	return &SyncState{
		Name:      name,
		Type:      syncType,
		Target:    desc,
		Options:   opts,
		SoupName:  soupName,
		Status:    StatusNew,
		TotalSize: -1,
	}, nil
}

// AsJSON returns the state as a JSON object, numbers decoded as float64.
func (s *SyncState) AsJSON() (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]any)
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// SyncStateFromJSON is the inverse of AsJSON. Documents read from the syncs soup carry the sync id as their entry
// id, which wins over a syncId field.
func SyncStateFromJSON(doc map[string]any) (*SyncState, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	s := &SyncState{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("sync: invalid sync state: %w", err)
	}
	if id, ok := smartstore.EntryID(doc); ok {
		s.ID = id
	}
	if !s.Type.Valid() {
		return nil, fmt.Errorf("sync: invalid sync state: unknown type %q", s.Type)
	}
	s.Options = s.Options.withDefaults()
	return s, nil
}

// Clone copies the state. The target descriptor is shared, it is never mutated after creation.
func (s *SyncState) Clone() *SyncState {
	ret := *s
	if s.Options.FieldList != nil {
		ret.Options.FieldList = append([]string(nil), s.Options.FieldList...)
	}
	return &ret
}

func (s *SyncState) setProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
}
