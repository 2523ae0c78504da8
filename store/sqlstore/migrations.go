package sqlstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/getpup/buildcoord"
)

var prefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// TableConfig configures the table names used by the store.
type TableConfig struct {
	// Prefix is prepended to every table name. It may be empty.
	Prefix string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{Prefix: "buildcoord_"}
}

// Validate rejects prefixes that are not safe to splice into SQL.
func (c TableConfig) Validate() error {
	if c.Prefix == "" {
		return nil
	}
	if !prefixRegex.MatchString(c.Prefix) {
		return &buildcoord.ValidationError{
			Field:  "table_prefix",
			Reason: fmt.Sprintf("must start with a letter and contain only letters, numbers, and underscores (got: %s)", c.Prefix),
		}
	}
	return nil
}

type tables struct {
	masters        string
	builders       string
	builderMasters string
	schedulers     string
	changeSources  string
	buildRequests  string
	claims         string
	builds         string
	steps          string
	logs           string
	logChunks      string
}

func (c TableConfig) tables() tables {
	p := c.Prefix
	return tables{
		masters:        p + "masters",
		builders:       p + "builders",
		builderMasters: p + "builder_masters",
		schedulers:     p + "schedulers",
		changeSources:  p + "changesources",
		buildRequests:  p + "buildrequests",
		claims:         p + "buildrequest_claims",
		builds:         p + "builds",
		steps:          p + "steps",
		logs:           p + "logs",
		logChunks:      p + "logchunks",
	}
}

// dropOrder lists tables so that referencing tables are dropped first.
func (t tables) dropOrder() []string {
	return []string{
		t.logChunks, t.logs, t.steps, t.builds, t.claims, t.buildRequests,
		t.changeSources, t.schedulers, t.builderMasters, t.builders, t.masters,
	}
}

// MigrationUp returns the DDL creating every table for the dialect.
// Booleans are stored as integers and timestamps as unix seconds so that the
// same queries run unchanged on all three dialects.
func MigrationUp(d Dialect, config TableConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}

	t := config.tables()
	c := d.columnTypes()
	ifNotExists := " IF NOT EXISTS"
	if d == MySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS.
		ifNotExists = ""
	}

	var b strings.Builder
	table := func(comment, name, body string) {
		fmt.Fprintf(&b, "-- %s\nCREATE TABLE IF NOT EXISTS %s (\n%s\n)%s;\n\n", comment, name, body, c.suffix)
	}
	index := func(unique bool, name, table, columns string) {
		kind := "INDEX"
		if unique {
			kind = "UNIQUE INDEX"
		}
		fmt.Fprintf(&b, "CREATE %s%s idx_%s ON %s (%s);\n\n", kind, ifNotExists, name, table, columns)
	}

	table("Masters track coordinator liveness and the work owed by their last transition", t.masters, fmt.Sprintf(
		"    id %s,\n    name %s NOT NULL,\n    active %s NOT NULL DEFAULT 0,\n    last_active %s NOT NULL,\n"+
			"    started_pending %s NOT NULL DEFAULT 0,\n    deactivation_pending %s NOT NULL DEFAULT 0,\n"+
			"    deactivation_claimed_at %s NULL",
		c.id, c.name, c.integer, c.bigint, c.integer, c.integer, c.bigint))
	index(true, t.masters+"_name", t.masters, "name")
	index(false, t.masters+"_active", t.masters, "active, last_active")
	index(false, t.masters+"_pending", t.masters, "active, deactivation_pending")

	table("Builders", t.builders, fmt.Sprintf(
		"    id %s,\n    name %s NOT NULL",
		c.id, c.name))
	index(true, t.builders+"_name", t.builders, "name")

	table("Builder to master associations", t.builderMasters, fmt.Sprintf(
		"    id %s,\n    builderid %s NOT NULL,\n    masterid %s NOT NULL",
		c.id, c.bigint, c.bigint))
	index(true, t.builderMasters+"_pair", t.builderMasters, "builderid, masterid")
	index(false, t.builderMasters+"_master", t.builderMasters, "masterid")

	table("Schedulers and their owning master", t.schedulers, fmt.Sprintf(
		"    id %s,\n    name %s NOT NULL,\n    masterid %s NULL",
		c.id, c.name, c.bigint))
	index(false, t.schedulers+"_master", t.schedulers, "masterid")

	table("Change sources and their owning master", t.changeSources, fmt.Sprintf(
		"    id %s,\n    name %s NOT NULL,\n    masterid %s NULL",
		c.id, c.name, c.bigint))
	index(false, t.changeSources+"_master", t.changeSources, "masterid")

	table("Build requests", t.buildRequests, fmt.Sprintf(
		"    id %s,\n    builderid %s NOT NULL,\n    complete %s NOT NULL DEFAULT 0",
		c.id, c.bigint, c.integer))

	table("Build request claims; one claim per request", t.claims, fmt.Sprintf(
		"    brid %s NOT NULL PRIMARY KEY,\n    masterid %s NOT NULL,\n    claimed_at %s NOT NULL",
		c.bigint, c.bigint, c.bigint))
	index(false, t.claims+"_master", t.claims, "masterid")

	table("Builds", t.builds, fmt.Sprintf(
		"    id %s,\n    number %s NOT NULL,\n    builderid %s NOT NULL,\n    buildrequestid %s NOT NULL,\n"+
			"    workerid %s NOT NULL,\n    masterid %s NOT NULL,\n    started_at %s NOT NULL,\n"+
			"    complete_at %s NULL,\n    results %s NULL",
		c.id, c.integer, c.bigint, c.bigint, c.bigint, c.bigint, c.bigint, c.bigint, c.integer))
	index(true, t.builds+"_number", t.builds, "builderid, number")
	index(false, t.builds+"_master", t.builds, "masterid, complete_at")

	table("Steps", t.steps, fmt.Sprintf(
		"    id %s,\n    number %s NOT NULL,\n    name %s NOT NULL,\n    buildid %s NOT NULL,\n"+
			"    started_at %s NOT NULL,\n    complete_at %s NULL,\n    results %s NULL,\n    hidden %s NOT NULL DEFAULT 0",
		c.id, c.integer, c.name, c.bigint, c.bigint, c.bigint, c.integer, c.integer))
	index(false, t.steps+"_build", t.steps, "buildid, number")

	table("Logs", t.logs, fmt.Sprintf(
		"    id %s,\n    name %s NOT NULL,\n    stepid %s NOT NULL,\n    num_lines %s NOT NULL DEFAULT 0,\n"+
			"    complete %s NOT NULL DEFAULT 0",
		c.id, c.name, c.bigint, c.integer, c.integer))
	index(false, t.logs+"_step", t.logs, "stepid")

	table("Log chunks hold line ranges of a log", t.logChunks, fmt.Sprintf(
		"    id %s,\n    logid %s NOT NULL,\n    first_line %s NOT NULL,\n    last_line %s NOT NULL,\n    content %s NOT NULL",
		c.id, c.bigint, c.integer, c.integer, c.text))
	index(false, t.logChunks+"_log", t.logChunks, "logid, first_line")

	return b.String(), nil
}

// MigrationDown returns the DDL dropping every table.
func MigrationDown(config TableConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, name := range config.tables().dropOrder() {
		fmt.Fprintf(&b, "DROP TABLE IF EXISTS %s;\n", name)
	}
	return b.String(), nil
}
