package store

import (
	"os"
	"strings"
	"testing"
)

// Reserved words per the PostgreSQL keyword list. A bare column with one
// of these names breaks every statement that touches it.
var pgReservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "asymmetric": true, "both": true,
	"case": true, "cast": true, "check": true, "collate": true, "column": true,
	"constraint": true, "create": true, "current_catalog": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true,
	"deferrable": true, "desc": true, "distinct": true, "do": true,
	"else": true, "end": true, "except": true, "false": true, "fetch": true,
	"for": true, "foreign": true, "from": true, "grant": true, "group": true,
	"having": true, "in": true, "initially": true, "intersect": true,
	"into": true, "lateral": true, "leading": true, "limit": true,
	"localtime": true, "localtimestamp": true, "not": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true,
	"placing": true, "primary": true, "references": true, "returning": true,
	"select": true, "session_user": true, "some": true, "symmetric": true,
	"table": true, "then": true, "to": true, "trailing": true, "true": true,
	"union": true, "unique": true, "user": true, "using": true,
	"values": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true,
}

func TestSchema_columnNamesAvoidReservedWords(t *testing.T) {
	raw, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("read schema.sql: %v", err)
	}

	inTable := false
	for n, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "CREATE TABLE"):
			inTable = true
			continue
		case !inTable || trimmed == "" || strings.HasPrefix(trimmed, "--"):
			continue
		case strings.HasPrefix(trimmed, ")"):
			inTable = false
			continue
		}

		name := strings.ToLower(strings.Fields(trimmed)[0])
		switch name {
		case "unique", "primary", "foreign", "constraint", "check":
			continue
		}
		if pgReservedWords[name] {
			t.Errorf("schema.sql:%d: column %q is a PostgreSQL reserved word", n+1, name)
		}
	}
}

func TestSchema_timelineColumnMatchesQueries(t *testing.T) {
	raw, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("read schema.sql: %v", err)
	}
	if !strings.Contains(string(raw), "event_values") {
		t.Error("schema.sql: case_events has no event_values column")
	}
}
