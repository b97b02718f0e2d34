// Package syncconfig reads declarative sync definitions and creates the syncs they describe.
//
// A definitions document looks like:
//
//	{"syncs": [
//	  {"syncType": "syncDown", "syncName": "accounts", "soupName": "accounts",
//	   "target": {"type": "soql", "query": "SELECT Name FROM Account"},
//	   "options": {"mergeMode": "OVERWRITE"}}
//	]}
//
// Files ending in .yaml or .yml hold the same document as YAML.
package syncconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/conductorone/mobilesync/pkg/sync"
	"github.com/conductorone/mobilesync/pkg/sync/target"
)

var ErrInvalidConfig = errors.New("syncconfig: invalid sync definitions")

type Definition struct {
	SyncType sync.SyncType  `json:"syncType"`
	SyncName string         `json:"syncName"`
	SoupName string         `json:"soupName"`
	Target   map[string]any `json:"target"`
	Options  sync.Options   `json:"options"`
}

type Config struct {
	Syncs []Definition `json:"syncs"`
}

// Names returns the sync names in definition order.
func (c *Config) Names() []string {
	ret := make([]string, 0, len(c.Syncs))
	for _, d := range c.Syncs {
		ret = append(ret, d.SyncName)
	}
	return ret
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(b)
	default:
		cfg, err = Parse(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes a definitions document written as YAML. It is validated like its JSON equivalent.
func ParseYAML(b []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return Parse(asJSON)
}

// Parse decodes and validates a definitions document against the built-in target kinds.
func Parse(b []byte) (*Config, error) {
	return ParseWithRegistry(b, target.DefaultRegistry)
}

func ParseWithRegistry(b []byte, reg *target.Registry) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.validate(reg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(reg *target.Registry) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for i := range c.Syncs {
		d := &c.Syncs[i]
		if err := d.validate(reg); err != nil {
			return fmt.Errorf("%w: syncs[%d]: %w", ErrInvalidConfig, i, err)
		}
		if !seen.Add(d.SyncName) {
			return fmt.Errorf("%w: syncs[%d]: duplicate sync name %q", ErrInvalidConfig, i, d.SyncName)
		}
	}
	return nil
}

func (d *Definition) validate(reg *target.Registry) error {
	if d.SyncName == "" {
		return errors.New("syncName is required")
	}
	if d.SoupName == "" {
		return errors.New("soupName is required")
	}
	if d.Options.MergeMode == "" {
		d.Options.MergeMode = target.MergeModeOverwrite
	}
	if !d.Options.MergeMode.Valid() {
		return fmt.Errorf("unknown merge mode %q", d.Options.MergeMode)
	}

	var err error
	switch d.SyncType {
	case sync.SyncTypeDown:
		_, err = reg.DownFromJSON(d.Target)
	case sync.SyncTypeUp:
		_, err = reg.UpFromJSON(d.Target)
	default:
		err = fmt.Errorf("unknown syncType %q", d.SyncType)
	}
	return err
}

// Setup creates every defined sync the manager does not know by name yet. Existing syncs are left as they are, even
// when their definition changed. It returns how many syncs were created.
func Setup(ctx context.Context, m *sync.Manager, cfg *Config) (int, error) {
	l := ctxzap.Extract(ctx)
	reg := m.Registry()

	created := 0
	for _, d := range cfg.Syncs {
		exists, err := m.HasSyncWithName(ctx, d.SyncName)
		if err != nil {
			return created, err
		}
		if exists {
			l.Debug("sync already set up", zap.String("sync_name", d.SyncName))
			continue
		}

		switch d.SyncType {
		case sync.SyncTypeDown:
			tgt, err := reg.DownFromJSON(d.Target)
			if err != nil {
				return created, err
			}
			_, err = m.CreateSyncDown(ctx, tgt, d.Options, d.SoupName, d.SyncName)
			if err != nil {
				return created, err
			}
		case sync.SyncTypeUp:
			tgt, err := reg.UpFromJSON(d.Target)
			if err != nil {
				return created, err
			}
			_, err = m.CreateSyncUp(ctx, tgt, d.Options, d.SoupName, d.SyncName)
			if err != nil {
				return created, err
			}
		default:
			return created, fmt.Errorf("%w: unknown syncType %q", ErrInvalidConfig, d.SyncType)
		}
		created++
		l.Info("sync set up", zap.String("sync_name", d.SyncName), zap.String("type", string(d.SyncType)))
	}
	return created, nil
}
