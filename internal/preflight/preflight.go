// Package preflight runs the environment checks reported before the
// agent starts: database reachability and the presence of the tool
// provider binary. Results are diagnostic; the caller decides whether a
// failure stops the run.
package preflight

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql
	_ "github.com/lib/pq"              // postgres
	_ "github.com/mattn/go-sqlite3"    // sqlite3
	_ "github.com/sijms/go-ora/v2"     // oracle
)

// DefaultQuery is run when a database check names no query.
const DefaultQuery = "SELECT CURRENT_TIMESTAMP"

// DefaultOracleQuery replaces DefaultQuery for Oracle, which needs a
// FROM clause.
const DefaultOracleQuery = "SELECT SYSDATE FROM DUAL"

// DefaultProbeTimeout bounds a binary probe when ctx has no deadline.
const DefaultProbeTimeout = 10 * time.Second

// DatabaseConfig names a database to check.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3, postgres, mysql or oracle
	DSN    string `yaml:"dsn"`
	Query  string `yaml:"query"` // scalar query, default DefaultQuery
}

// DatabaseReport is the outcome of a successful database check.
type DatabaseReport struct {
	Driver  string
	Query   string
	Value   string // first column of the first row
	Latency time.Duration
}

// CheckDatabase opens the database, pings it and runs the configured
// scalar query.
func CheckDatabase(ctx context.Context, cfg DatabaseConfig) (DatabaseReport, error) {
	report := DatabaseReport{Driver: driverName(cfg.Driver), Query: cfg.Query}
	if report.Query == "" {
		report.Query = defaultQuery(report.Driver)
	}
	if cfg.DSN == "" {
		return report, errors.New("database DSN is required")
	}

	start := time.Now()
	db, err := sql.Open(report.Driver, cfg.DSN)
	if err != nil {
		return report, fmt.Errorf("open %s database: %w", report.Driver, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return report, fmt.Errorf("ping %s database: %w", report.Driver, err)
	}

	var value sql.NullString
	if err := db.QueryRowContext(ctx, report.Query).Scan(&value); err != nil {
		return report, fmt.Errorf("query %q: %w", report.Query, err)
	}
	report.Value = value.String
	report.Latency = time.Since(start)
	return report, nil
}

// driverName maps friendly names to registered database/sql drivers.
func driverName(name string) string {
	switch strings.ToLower(name) {
	case "", "sqlite":
		return "sqlite3"
	case "postgresql", "pg":
		return "postgres"
	case "oracle", "ora", "go-ora":
		return "oracle"
	}
	return name
}

func defaultQuery(driver string) string {
	if driver == "oracle" {
		return DefaultOracleQuery
	}
	return DefaultQuery
}

// BinaryProbe names a command to run, typically a version query such as
// "sql -V".
type BinaryProbe struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ProbeReport captures the output of a probe.
type ProbeReport struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// ProbeBinary runs the probe to completion. A nonzero exit is returned
// as an error whose text includes the captured stderr; the output is
// never interpreted.
func ProbeBinary(ctx context.Context, probe BinaryProbe) (ProbeReport, error) {
	report := ProbeReport{Command: strings.Join(append([]string{probe.Command}, probe.Args...), " ")}
	if probe.Command == "" {
		return report, errors.New("probe command is required")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, probe.Command, probe.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	report.Elapsed = time.Since(start)
	report.Stdout = strings.TrimSpace(stdout.String())
	report.Stderr = strings.TrimSpace(stderr.String())

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return report, nil
	case errors.As(err, &exitErr):
		report.ExitCode = exitErr.ExitCode()
		if report.Stderr != "" {
			return report, fmt.Errorf("%s exited with code %d: %s", probe.Command, report.ExitCode, report.Stderr)
		}
		return report, fmt.Errorf("%s exited with code %d", probe.Command, report.ExitCode)
	default:
		report.ExitCode = -1
		return report, fmt.Errorf("run %s: %w", probe.Command, err)
	}
}

// Config selects the checks Run performs. Nil sections are skipped.
type Config struct {
	Database *DatabaseConfig
	Probe    *BinaryProbe
}

// Check is one reported pre-flight result.
type Check struct {
	Name   string        `json:"name"`
	OK     bool          `json:"ok"`
	Detail string        `json:"detail,omitempty"`
	Error  string        `json:"error,omitempty"`
	Took   time.Duration `json:"took_ns"`
}

// Run performs every configured check and logs each outcome. It never
// fails; inspect the returned checks.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) []Check {
	if logger == nil {
		logger = slog.Default()
	}
	var checks []Check

	if cfg.Database != nil {
		r, err := CheckDatabase(ctx, *cfg.Database)
		c := Check{Name: "database", OK: err == nil, Took: r.Latency}
		if err != nil {
			c.Error = err.Error()
			logger.Warn("database check failed", "driver", r.Driver, "error", err)
		} else {
			c.Detail = fmt.Sprintf("%s: %s = %s", r.Driver, r.Query, r.Value)
			logger.Info("database check passed", "driver", r.Driver, "value", r.Value, "latency", r.Latency)
		}
		checks = append(checks, c)
	}

	if cfg.Probe != nil {
		r, err := ProbeBinary(ctx, *cfg.Probe)
		c := Check{Name: "probe", OK: err == nil, Detail: r.Stdout, Took: r.Elapsed}
		if err != nil {
			c.Error = err.Error()
			logger.Warn("binary probe failed", "command", r.Command, "exit_code", r.ExitCode, "error", err)
		} else {
			logger.Info("binary probe passed", "command", r.Command, "output", r.Stdout)
		}
		checks = append(checks, c)
	}

	return checks
}

// Failed reports whether any check failed.
func Failed(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return true
		}
	}
	return false
}
