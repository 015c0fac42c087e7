package database

import (
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Now is the server-side timestamp for created_at and updated_at columns.
var Now = sqlbuilder.Raw("NOW()")

// Quote double-quotes an identifier. Dotted names are quoted per part.
func Quote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		p = strings.Trim(p, `"`)
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func QuoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Quote(n)
	}
	return out
}

// Insert starts a Postgres INSERT into table.
func Insert(table string) *sqlbuilder.InsertBuilder {
	return sqlbuilder.PostgreSQL.NewInsertBuilder().InsertInto(table)
}

// Update starts a Postgres UPDATE of table.
func Update(table string) *sqlbuilder.UpdateBuilder {
	return sqlbuilder.PostgreSQL.NewUpdateBuilder().Update(table)
}

// Columns maps a db-tagged row struct for Postgres selects.
type Columns struct {
	s *sqlbuilder.Struct
}

func NewColumns(row any) *Columns {
	return &Columns{s: sqlbuilder.NewStruct(row).For(sqlbuilder.PostgreSQL)}
}

func (c *Columns) SelectFrom(table string) *sqlbuilder.SelectBuilder {
	return c.s.SelectFrom(table)
}
