// Package config loads pipeline settings from a YAML file and the ENERGY_DB
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gridfeed/cammesa/internal/ident"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned by Validate when the store cannot be reached
// with the configured settings. It is fatal before any I/O happens.
var ErrMissingCredentials = errors.New("missing database credentials")

// Supported store drivers.
const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// Defaults.
const (
	DefaultListingURL   = "https://cammesaweb.cammesa.com/informe-sintesis-mensual/"
	DefaultLinkClass    = "wpdm-download-link"
	DefaultArchiveToken = "base"
	DefaultSchema       = "cammesa_db"
	DefaultDataDir      = "./data"
	DefaultDuckDBPath   = "./cammesa.duckdb"
	DefaultSchedule     = "0 20 * * *"
	DefaultMetricsAddr  = ":9102"
	DefaultHTTPTimeout  = 5 * time.Minute
	DefaultChunkSize    = 1000
	DefaultPostgresPort = 5432
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// DefaultPeriodAliases maps periods whose archive was published under another
// period's label to the token found in the download URL. November 2022 went out
// tagged as a second September 2021 upload.
func DefaultPeriodAliases() map[string]string {
	return map[string]string{"2022-11": "2021-09-2"}
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds application settings.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Source   SourceConfig   `yaml:"source"`

	// DataDir receives downloaded archives and extracted period directories.
	DataDir string `yaml:"data_dir"`
	// SnapshotDir enables parquet snapshots of every reconciled period when set.
	SnapshotDir string `yaml:"snapshot_dir"`
	// Actor overrides the OS user recorded in the provenance columns.
	Actor string `yaml:"actor"`
	// HashLength is the number of hex characters kept for derived identifiers.
	HashLength int `yaml:"hash_length"`
	// UpsertChunkSize caps the rows sent per INSERT statement.
	UpsertChunkSize int    `yaml:"upsert_chunk_size"`
	Schedule        string `yaml:"schedule"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// DatabaseConfig describes the target relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// Path is the DuckDB database file; empty means in-memory.
	Path   string `yaml:"path"`
	Schema string `yaml:"schema"`
}

// SourceConfig describes the publisher's listing page.
type SourceConfig struct {
	ListingURL    string            `yaml:"listing_url"`
	LinkClass     string            `yaml:"link_class"`
	ArchiveToken  string            `yaml:"archive_token"`
	PeriodAliases map[string]string `yaml:"period_aliases"`
	HTTPTimeout   time.Duration     `yaml:"http_timeout"`
	UserAgent     string            `yaml:"user_agent"`
}

// Default returns a Config populated with defaults for every field.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver: DriverPostgres,
			Port:   DefaultPostgresPort,
			Name:   "energy",
			Path:   DefaultDuckDBPath,
			Schema: DefaultSchema,
		},
		Source: SourceConfig{
			ListingURL:    DefaultListingURL,
			LinkClass:     DefaultLinkClass,
			ArchiveToken:  DefaultArchiveToken,
			PeriodAliases: DefaultPeriodAliases(),
			HTTPTimeout:   DefaultHTTPTimeout,
			UserAgent:     DefaultUserAgent,
		},
		DataDir:         DefaultDataDir,
		HashLength:      ident.DefaultLength,
		UpsertChunkSize: DefaultChunkSize,
		Schedule:        DefaultSchedule,
		MetricsAddr:     DefaultMetricsAddr,
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and the
// ENERGY_DB* environment variables, in that order of precedence (last wins).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays the variables the scheduler deployment already exports.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ENERGY_DB"); ok && v != "" {
		c.Database.Name = v
	}
	if v, ok := lookup("ENERGY_DB_HOST"); ok && v != "" {
		c.Database.Host = v
	}
	if v, ok := lookup("ENERGY_DB_USER"); ok && v != "" {
		c.Database.User = v
	}
	if v, ok := lookup("ENERGY_DB_PASS"); ok && v != "" {
		c.Database.Password = v
	}
	if v, ok := lookup("ENERGY_DB_DSN"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("ENERGY_DB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ENERGY_DB_PORT %q: %w", v, err)
		}
		c.Database.Port = port
	}
	return nil
}

// Validate checks the settings needed before any network or disk activity.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			var missing []string
			if c.Database.Host == "" {
				missing = append(missing, "host")
			}
			if c.Database.User == "" {
				missing = append(missing, "user")
			}
			if c.Database.Password == "" {
				missing = append(missing, "password")
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w: set ENERGY_DB_DSN or %s", ErrMissingCredentials, strings.Join(missing, ", "))
			}
		}
	case DriverDuckDB:
	default:
		return fmt.Errorf("unsupported database driver %q (use %s or %s)", c.Database.Driver, DriverPostgres, DriverDuckDB)
	}
	if !identifierRE.MatchString(c.Database.Schema) {
		return fmt.Errorf("invalid schema name %q", c.Database.Schema)
	}
	if c.HashLength < 1 || c.HashLength > 40 {
		return fmt.Errorf("hash_length must be between 1 and 40, got %d", c.HashLength)
	}
	if c.UpsertChunkSize < 1 {
		return fmt.Errorf("upsert_chunk_size must be positive, got %d", c.UpsertChunkSize)
	}
	if c.Source.ListingURL == "" {
		return errors.New("listing_url is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	return nil
}

// ConnString returns the driver-specific data source name.
func (d DatabaseConfig) ConnString() string {
	if d.Driver == DriverDuckDB {
		return d.Path
	}
	if d.DSN != "" {
		return d.DSN
	}
	port := d.Port
	if port == 0 {
		port = DefaultPostgresPort
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	return u.String()
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Database.Password != "" {
		c.Database.Password = "***"
	}
	if c.Database.DSN != "" {
		if u, err := url.Parse(c.Database.DSN); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "***")
			}
			c.Database.DSN = u.String()
		} else {
			c.Database.DSN = "***"
		}
	}
	return c
}
