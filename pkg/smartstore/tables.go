package smartstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
)

type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []any)
	Migrations(ctx context.Context, db *goqu.Database) error
}

var allTableDescriptors = []tableDescriptor{
	soups,
	entries,
}

const soupsTableVersion = "1"
const soupsTableName = "soups"
const soupsTableSchema = `
create table if not exists %s (
    name text primary key,
    created_at datetime not null default current_timestamp
);`

var soups = (*soupsTable)(nil)

type soupsTable struct{}

func (r *soupsTable) Version() string {
	return soupsTableVersion
}

func (r *soupsTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), soupsTableName)
}

func (r *soupsTable) Schema() (string, []any) {
	return soupsTableSchema, []any{r.Name()}
}

func (r *soupsTable) Migrations(ctx context.Context, db *goqu.Database) error {
	return nil
}

const entriesTableVersion = "1"
const entriesTableName = "soup_entries"
const entriesTableSchema = `
create table if not exists %s (
    id integer primary key autoincrement,
    soup text not null,
    data text not null
);
create index if not exists %s on %s (soup, id);`

var entries = (*entriesTable)(nil)

type entriesTable struct{}

func (r *entriesTable) Version() string {
	return entriesTableVersion
}

func (r *entriesTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), entriesTableName)
}

func (r *entriesTable) Schema() (string, []any) {
	return entriesTableSchema, []any{
		r.Name(),
		fmt.Sprintf("idx_soup_entries_soup_id_v%s", r.Version()),
		r.Name(),
	}
}

func (r *entriesTable) Migrations(ctx context.Context, db *goqu.Database) error {
	return nil
}

// pathExpr is the sql expression reading path out of an entry. Index definitions and queries must render it
// identically for sqlite to use the expression index.
func pathExpr(path string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", path)
}

func (r *entriesTable) pathIndex(path string) string {
	name := fmt.Sprintf("idx_soup_entries_%s_v%s", strings.ReplaceAll(path, ".", "_"), r.Version())
	return fmt.Sprintf("create index if not exists %s on %s (soup, %s)", name, r.Name(), pathExpr(path))
}
