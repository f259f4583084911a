// Package config builds and validates the driver's run-wide configuration
// from parsed CLI flags plus PG* environment fallbacks, per spec.md §6 and
// §7's configuration-error taxonomy. There is no YAML config file: pgdrill
// is CLI-first, like the driver it is modeled after.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated configuration for one run.
type Config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	Database string `validate:"required"`
	User     string `validate:"required"`
	Password string

	NumClients int `validate:"min=1"`
	NumWorkers int `validate:"min=1"`

	TxnCount int64 `validate:"min=0"`
	Duration time.Duration

	QueryMode string `validate:"oneof=simple extended prepared"`

	ScriptFiles []string `validate:"max=128"`
	Defines     map[string]string

	PerStatementLatency bool
	TargetRate          float64 `validate:"min=0"`
	LatencyLimitMs       float64 `validate:"min=0"`

	RawLog            bool
	SamplingRate      float64 `validate:"min=0,max=1"`
	AggregateInterval int64   `validate:"min=0"`

	ProgressIntervalS int
	PerTxnConn        bool
	SkipTellerBranch  bool
	SelectOnly        bool
	Scale             int `validate:"min=0"`

	Initialize bool
	Unlogged   bool
	NoIndexes  bool
}

// Validate applies struct-tag validation plus the mutual-exclusion and
// cross-field business rules spec.md §7 calls "configuration errors":
// fatal at startup, before any connection is attempted.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if c.TxnCount > 0 && c.Duration > 0 {
		return errors.New("-t and -T are mutually exclusive")
	}
	if !c.Initialize && c.TxnCount == 0 && c.Duration == 0 {
		return errors.New("one of -t or -T is required")
	}
	if c.NumWorkers > c.NumClients {
		return errors.New("-j cannot exceed -c")
	}
	if c.SkipTellerBranch && c.SelectOnly {
		return errors.New("-N and -S are mutually exclusive")
	}

	if c.SamplingRate > 0 && !c.RawLog {
		return errors.New("--sampling-rate requires -l")
	}
	if c.AggregateInterval > 0 && !c.RawLog {
		return errors.New("--aggregate-interval requires -l")
	}
	if c.SamplingRate > 0 && c.AggregateInterval > 0 {
		return errors.New("--sampling-rate and --aggregate-interval are mutually exclusive")
	}
	if c.AggregateInterval > 0 && c.Duration > 0 {
		if int64(c.Duration/time.Second)%c.AggregateInterval != 0 {
			return errors.New("-T duration must be an exact multiple of --aggregate-interval")
		}
	}

	if c.Initialize && (c.TxnCount > 0 || c.Duration > 0 || c.RawLog || c.TargetRate > 0) {
		return errors.New("--initialize cannot be combined with benchmarking-only options")
	}

	return nil
}

// DSN builds the libpq keyword/value connection string the dbconn/schema
// collaborators expect, applying PG*-sourced fields from ApplyEnvDefaults.
func (c *Config) DSN() string {
	var b strings.Builder
	kv := func(key, val string) {
		if val == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(val)
	}
	kv("host", c.Host)
	if c.Port != 0 {
		kv("port", strconv.Itoa(c.Port))
	}
	kv("dbname", c.Database)
	kv("user", c.User)
	kv("password", c.Password)
	return b.String()
}

// ApplyEnvDefaults fills in any of Host/Port/Database/User/Password left
// unset by flags from the standard PGHOST/PGPORT/PGDATABASE/PGUSER/
// PGPASSWORD environment variables, via viper's AutomaticEnv binding —
// matching the environment-driven override pattern the teacher applies to
// its own configuration values, but against libpq's own variable names
// rather than an app-specific prefix.
func ApplyEnvDefaults(c *Config) {
	v := viper.New()
	v.SetEnvPrefix("PG")
	v.AutomaticEnv()
	v.BindEnv("HOST", "PGHOST")
	v.BindEnv("PORT", "PGPORT")
	v.BindEnv("DATABASE", "PGDATABASE")
	v.BindEnv("USER", "PGUSER")
	v.BindEnv("PASSWORD", "PGPASSWORD")

	if c.Host == "" {
		c.Host = v.GetString("HOST")
	}
	if c.Port == 0 {
		c.Port = v.GetInt("PORT")
	}
	if c.Database == "" {
		c.Database = v.GetString("DATABASE")
	}
	if c.User == "" {
		c.User = v.GetString("USER")
	}
	if c.Password == "" {
		c.Password = v.GetString("PASSWORD")
	}
}
