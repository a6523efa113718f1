package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gridfeed/cammesa/internal/report"
)

// Column SQL types. They are spelled so that Postgres and DuckDB both accept them.
const (
	TypeText      = "TEXT"
	TypeInt       = "INTEGER"
	TypeBigInt    = "BIGINT"
	TypeDate      = "DATE"
	TypeTimestamp = "TIMESTAMP"
	TypeDouble    = "DOUBLE PRECISION"
	TypeNumeric   = "NUMERIC(18,6)"
)

// Target tables.
const (
	TableTechnologies = "gen_technologies"
	TableAgents       = "agents"
	TableTariffs      = "tariffs"
	TableMachines     = "gen_machines"
	TablePrices       = "monthly_prices"
	TableTrade        = "monthly_import_export"
	TableDemand       = "monthly_demand"
	TableGeneration   = "monthly_gen"
	TableFuels        = "monthly_combustibles"
	TableAvailability = "monthly_availability"

	TableEventLog = "pipeline_event_log"
)

// Provenance columns appended to every target table.
const (
	ColCreateUser = "create_user"
	ColCreateDate = "create_date"
	ColUpdateUser = "update_user"
	ColUpdateDate = "update_date"
)

// Column is one business column of a target table.
type Column struct {
	Name string
	Type string
}

// TableSpec declares a target table once; the schema bootstrap, the upsert
// engine and the parquet snapshots all read it.
type TableSpec struct {
	Name    string
	Columns []Column
	Key     []string
}

// ColumnNames returns the business column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of column name, or -1.
func (t TableSpec) Index(name string) int {
	return slices.IndexFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// IsKey reports whether name belongs to the primary key.
func (t TableSpec) IsKey(name string) bool {
	return slices.Contains(t.Key, name)
}

func (t TableSpec) createSQL(schema string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", quoteIdent(schema), quoteIdent(t.Name))
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "    %s %s", quoteIdent(c.Name), c.Type)
		if t.IsKey(c.Name) {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(ColCreateUser), TypeText)
	fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(ColCreateDate), TypeTimestamp)
	fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(ColUpdateUser), TypeText)
	fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(ColUpdateDate), TypeTimestamp)
	keys := make([]string, len(t.Key))
	for i, k := range t.Key {
		keys[i] = quoteIdent(k)
	}
	fmt.Fprintf(&b, "    PRIMARY KEY (%s)\n)", strings.Join(keys, ", "))
	return b.String()
}

func priceColumns() []Column {
	cols := []Column{{"month", TypeDate}}
	for _, name := range report.PriceComponents {
		cols = append(cols, Column{strings.ToLower(name), TypeNumeric})
	}
	return cols
}

// Tables lists every target table in persist order: dimensions before the
// facts that reference them, and WatermarkTable last.
var Tables = []TableSpec{
	{
		Name: TableTechnologies,
		Columns: []Column{
			{"technology", TypeText},
			{"technology_desc", TypeText},
		},
		Key: []string{"technology"},
	},
	{
		Name: TableAgents,
		Columns: []Column{
			{"agent_id", TypeText},
			{"agent_desc", TypeText},
			{"agent_dem_type", TypeText},
		},
		Key: []string{"agent_id"},
	},
	{
		Name: TableTariffs,
		Columns: []Column{
			{"tariff_id", TypeText},
			{"tariff_desc", TypeText},
			{"tariff_categ", TypeText},
		},
		Key: []string{"tariff_id"},
	},
	{
		Name: TableMachines,
		Columns: []Column{
			{"machine_id", TypeText},
			{"machine_code", TypeText},
			{"machine_type", TypeText},
			{"source_gen", TypeText},
			{"technology", TypeText},
			{"hidraulic_categ", TypeText},
		},
		Key: []string{"machine_id"},
	},
	{
		Name:    TablePrices,
		Columns: priceColumns(),
		Key:     []string{"month"},
	},
	{
		Name: TableTrade,
		Columns: []Column{
			{"year", TypeInt},
			{"month", TypeDate},
			{"pais", TypeText},
			{"import_export_type", TypeText},
			{"monthly_energy_mwh", TypeDouble},
		},
		Key: []string{"month", "pais", "import_export_type"},
	},
	{
		Name: TableGeneration,
		Columns: []Column{
			{"year", TypeInt},
			{"month", TypeDate},
			{"central_id", TypeText},
			{"agent_id", TypeText},
			{"region_desc", TypeText},
			{"prov_desc", TypeText},
			{"region_categ", TypeText},
			{"monthly_gen_mwh", TypeDouble},
			{"machine_id", TypeText},
		},
		Key: []string{"month", "machine_id", "agent_id"},
	},
	{
		Name: TableFuels,
		Columns: []Column{
			{"year", TypeInt},
			{"month", TypeDate},
			{"central_id", TypeText},
			{"agent_id", TypeText},
			{"combustible_type", TypeText},
			{"monthly_consume", TypeDouble},
			{"machine_id", TypeText},
		},
		Key: []string{"month", "machine_id", "agent_id", "combustible_type"},
	},
	{
		Name: TableAvailability,
		Columns: []Column{
			{"year", TypeInt},
			{"month", TypeDate},
			{"central_id", TypeText},
			{"agent_id", TypeText},
			{"technology", TypeText},
			{"monthly_availability_factor", TypeDouble},
		},
		Key: []string{"month", "central_id", "agent_id", "technology"},
	},
	{
		Name: TableDemand,
		Columns: []Column{
			{"year", TypeInt},
			{"month", TypeDate},
			{"agent_id", TypeText},
			{"region_desc", TypeText},
			{"prov_desc", TypeText},
			{"area_categ", TypeText},
			{"demand_categ", TypeText},
			{"monthly_demand_mwh", TypeDouble},
			{"tariff_id", TypeText},
		},
		Key: []string{"month", "agent_id", "region_desc", "tariff_id"},
	},
}

// Batch pairs a table with rows in its column order.
type Batch struct {
	Spec TableSpec
	Rows [][]any
}

// Lookup returns the definition of a target table by name.
func Lookup(name string) (TableSpec, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// MustLookup is Lookup for table names known at compile time.
func MustLookup(name string) TableSpec {
	t, ok := Lookup(name)
	if !ok {
		panic("store: unknown table " + name)
	}
	return t
}

func (s *Store) ledgerSQL() []string {
	// Sequence names inside nextval() are not quoted, so keep both sides unquoted.
	seq := s.schema + "." + TableEventLog + "_seq"
	table := s.qualified(TableEventLog)
	return []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, seq),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('%s'),
    run_id          TEXT NOT NULL,
    period          TEXT,
    stage           TEXT NOT NULL,
    event           TEXT NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    message         TEXT,
    duration_ms     BIGINT
)`, table, seq),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_period ON %s (period, event_timestamp)`, TableEventLog, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (run_id)`, TableEventLog, table),
	}
}

// InitializeSchema creates the schema, the target tables and the run ledger.
// Every statement is idempotent.
func (s *Store) InitializeSchema(ctx context.Context) error {
	stmts := []string{fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(s.schema))}
	for _, t := range Tables {
		stmts = append(stmts, t.createSQL(s.schema))
	}
	stmts = append(stmts, s.ledgerSQL()...)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			return fmt.Errorf("initialize schema %s: %w\n%s", s.schema, err, stmt)
		}
	}
	s.logger.Debug("Schema initialized.", slog.String("schema", s.schema), slog.Int("tables", len(Tables)))
	return nil
}
