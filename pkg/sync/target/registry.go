package target

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
)

var ErrUnknownTargetKind = errors.New("target: unknown target kind")

type DownDeserializer func(desc map[string]any) (DownTarget, error)
type UpDeserializer func(desc map[string]any) (UpTarget, error)

// Registry maps the type discriminator of a target descriptor to the function that builds it.
type Registry struct {
	mtx  sync.RWMutex
	down map[Kind]DownDeserializer
	up   map[Kind]UpDeserializer
}

// DefaultRegistry knows every built-in target kind.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		down: make(map[Kind]DownDeserializer),
		up:   make(map[Kind]UpDeserializer),
	}
	r.RegisterDown(KindSOQL, soqlFromJSON)
	r.RegisterDown(KindMRU, mruFromJSON)
	r.RegisterDown(KindSOSL, soslFromJSON)
	r.RegisterDown(KindContentSOQL, contentSOQLFromJSON)
	r.RegisterUp(KindREST, restFromJSON)
	r.RegisterUp(KindBatch, batchFromJSON)
	return r
}

func (r *Registry) RegisterDown(kind Kind, fn DownDeserializer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.down[kind] = fn
}

func (r *Registry) RegisterUp(kind Kind, fn UpDeserializer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.up[kind] = fn
}

func kindOf(desc map[string]any) (Kind, error) {
	if desc == nil {
		return "", errors.New("target: descriptor is empty")
	}
	k, _ := desc["type"].(string)
	if k == "" {
		return "", errors.New("target: descriptor has no type")
	}
	return Kind(k), nil
}

func (r *Registry) DownFromJSON(desc map[string]any) (DownTarget, error) {
	kind, err := kindOf(desc)
	if err != nil {
		return nil, err
	}
	r.mtx.RLock()
	fn, ok := r.down[kind]
	r.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a sync down target", ErrUnknownTargetKind, kind)
	}
	return fn(desc)
}

func (r *Registry) UpFromJSON(desc map[string]any) (UpTarget, error) {
	kind, err := kindOf(desc)
	if err != nil {
		return nil, err
	}
	r.mtx.RLock()
	fn, ok := r.up[kind]
	r.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a sync up target", ErrUnknownTargetKind, kind)
	}
	return fn(desc)
}

type commonDescriptor struct {
	Type                      string `mapstructure:"type"`
	IDFieldName               string `mapstructure:"idFieldName"`
	ModificationDateFieldName string `mapstructure:"modificationDateFieldName"`
}

func (c commonDescriptor) options() []Option {
	return []Option{WithIDFieldName(c.IDFieldName), WithModificationDateFieldName(c.ModificationDateFieldName)}
}

type queryDescriptor struct {
	commonDescriptor `mapstructure:",squash"`
	Query            string `mapstructure:"query"`
}

type mruDescriptor struct {
	commonDescriptor `mapstructure:",squash"`
	ObjectType       string   `mapstructure:"objectType"`
	FieldList        []string `mapstructure:"fieldlist"`
}

type upDescriptor struct {
	commonDescriptor `mapstructure:",squash"`
	ObjectType       string   `mapstructure:"objectType"`
	CreateFieldList  []string `mapstructure:"createFieldlist"`
	UpdateFieldList  []string `mapstructure:"updateFieldlist"`
	MaxBatchSize     int      `mapstructure:"maxBatchSize"`
}

func (d upDescriptor) upOptions() []UpOption {
	opts := []UpOption{WithObjectType(d.ObjectType)}
	if d.CreateFieldList != nil {
		opts = append(opts, WithCreateFieldList(d.CreateFieldList))
	}
	if d.UpdateFieldList != nil {
		opts = append(opts, WithUpdateFieldList(d.UpdateFieldList))
	}
	return opts
}

// decode fills out from desc. Numbers that went through JSON arrive as float64, so input is weakly typed.
func decode(desc map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(desc); err != nil {
		return fmt.Errorf("target: invalid descriptor: %w", err)
	}
	return nil
}

func decodeQuery(desc map[string]any) (*queryDescriptor, error) {
	d := &queryDescriptor{}
	if err := decode(desc, d); err != nil {
		return nil, err
	}
	if d.Query == "" {
		return nil, fmt.Errorf("target: %s descriptor has no query", d.Type)
	}
	return d, nil
}

func soqlFromJSON(desc map[string]any) (DownTarget, error) {
	d, err := decodeQuery(desc)
	if err != nil {
		return nil, err
	}
	return NewSOQLTarget(d.Query, d.options()...), nil
}

func soslFromJSON(desc map[string]any) (DownTarget, error) {
	d, err := decodeQuery(desc)
	if err != nil {
		return nil, err
	}
	return NewSOSLTarget(d.Query, d.options()...), nil
}

func contentSOQLFromJSON(desc map[string]any) (DownTarget, error) {
	d, err := decodeQuery(desc)
	if err != nil {
		return nil, err
	}
	return NewContentSOQLTarget(d.Query, d.options()...), nil
}

func mruFromJSON(desc map[string]any) (DownTarget, error) {
	d := &mruDescriptor{}
	if err := decode(desc, d); err != nil {
		return nil, err
	}
	if d.ObjectType == "" {
		return nil, errors.New("target: mru descriptor has no objectType")
	}
	return NewMRUTarget(d.ObjectType, d.FieldList, d.options()...), nil
}

func restFromJSON(desc map[string]any) (UpTarget, error) {
	d := &upDescriptor{}
	if err := decode(desc, d); err != nil {
		return nil, err
	}
	return NewRESTTarget(d.upOptions(), d.options()...), nil
}

func batchFromJSON(desc map[string]any) (UpTarget, error) {
	d := &upDescriptor{}
	if err := decode(desc, d); err != nil {
		return nil, err
	}
	return NewBatchTarget(d.MaxBatchSize, d.upOptions(), d.options()...), nil
}
