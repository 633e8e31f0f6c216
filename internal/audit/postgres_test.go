package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uapk/gateway/internal/database"
)

// declaredColumns extracts the column names a CREATE TABLE statement in the
// shared schema declares for table.
func declaredColumns(t *testing.T, table string) map[string]bool {
	t.Helper()
	for _, stmt := range database.Schema {
		if !strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			continue
		}
		body := stmt[strings.Index(stmt, "(")+1 : strings.LastIndex(stmt, ")")]
		cols := make(map[string]bool)
		for _, line := range strings.Split(body, "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 || fields[0] == "PRIMARY" {
				continue
			}
			cols[fields[0]] = true
		}
		return cols
	}
	t.Fatalf("no CREATE TABLE statement for %s", table)
	return nil
}

// Every column the store's SQL names must exist in the DDL that creates the
// table, and every declared column must be written by Insert so no field of
// the record silently stays NULL.
func TestPostgresStore_ColumnsMatchSchema(t *testing.T) {
	declared := declaredColumns(t, "interaction_records")

	written := make(map[string]bool)
	for _, col := range strings.Split(recordColumns, ",") {
		col = strings.TrimSpace(col)
		written[col] = true
		assert.True(t, declared[col], "column %q is not declared by the interaction_records DDL", col)
	}
	for col := range declared {
		assert.True(t, written[col], "declared column %q is never written by Insert", col)
	}
}
