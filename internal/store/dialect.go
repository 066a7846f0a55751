package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the few differences between the SQLite and PostgreSQL
// schemas. Queries are written with "?" placeholders and rebound.
type dialect struct {
	name     string
	driver   string
	serialPK string
	timeType string
	boolType string
	numbered bool
	pragmas  []string
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType: "DATETIME",
		boolType: "INTEGER",
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		},
	}

	postgresDialect = dialect{
		name:     "pgx",
		driver:   "pgx",
		serialPK: "BIGSERIAL PRIMARY KEY",
		timeType: "TIMESTAMPTZ",
		boolType: "BOOLEAN",
		numbered: true,
	}
)

// rebind rewrites "?" placeholders to "$n" for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS protocols (
    id             %s,
    label          TEXT NOT NULL,
    class          TEXT NOT NULL,
    status         TEXT NOT NULL,
    run_mode       TEXT NOT NULL,
    steps_mode     TEXT NOT NULL,
    params         TEXT,
    threads        INTEGER NOT NULL,
    mpi            INTEGER NOT NULL,
    gpus           TEXT,
    use_queue      %s NOT NULL,
    queue_name     TEXT,
    queue_params   TEXT,
    host           TEXT NOT NULL,
    pid            INTEGER NOT NULL,
    job_ids        TEXT,
    prerequisites  TEXT,
    inputs         TEXT,
    outputs        TEXT,
    working_dir    TEXT NOT NULL,
    streaming      %s NOT NULL,
    parent_id      INTEGER NOT NULL,
    steps_done     INTEGER NOT NULL,
    number_steps   INTEGER NOT NULL,
    layout         TEXT,
    error          TEXT,
    init_time      %s,
    end_time       %s,
    last_update    %s NOT NULL
)`, d.serialPK, d.boolType, d.boolType, d.timeType, d.timeType, d.timeType),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS objects (
    id           %s,
    protocol_id  INTEGER NOT NULL,
    name         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    stream_state TEXT NOT NULL,
    size         INTEGER NOT NULL
)`, d.serialPK),
		`CREATE INDEX IF NOT EXISTS idx_objects_protocol ON objects(protocol_id)`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS steps (
    protocol_id   INTEGER NOT NULL,
    idx           INTEGER NOT NULL,
    func_name     TEXT NOT NULL,
    args          TEXT NOT NULL,
    status        TEXT NOT NULL,
    prerequisites TEXT,
    interactive   %s NOT NULL,
    needs_gpu     %s NOT NULL,
    result_files  TEXT,
    error         TEXT,
    init_time     %s,
    end_time      %s,
    PRIMARY KEY (protocol_id, idx)
)`, d.boolType, d.boolType, d.timeType, d.timeType),
	}
}
