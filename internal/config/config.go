// Package config defines the JSON job file a sync run is driven by.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Job is one sync job: where records come from, which tables they go to and
// how the engine keys and types them.
type Job struct {
	Job         string      `json:"job"`
	Table       string      `json:"table,omitempty"`
	Source      Source      `json:"source"`
	Storage     Storage     `json:"storage"`
	Targets     []Target    `json:"targets,omitempty"`
	Naming      Naming      `json:"naming"`
	Keys        Keys        `json:"keys"`
	ColumnTypes ColumnTypes `json:"column_types"`
	Runtime     Runtime     `json:"runtime"`

	// Schedule is a cron spec (robfig/cron syntax, e.g. "@every 15m").
	// Empty means run once.
	Schedule string `json:"schedule,omitempty"`
}

// Source describes the input payload.
type Source struct {
	// Kind is "file" or "stdin".
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`

	// DataPath is a JSONPath (e.g. "$.data.orders.*") selecting the records
	// from the decoded document. Empty means stream the document.
	DataPath string `json:"data_path,omitempty"`

	// WrapperKey is the envelope field hiding the payload. Empty means "data".
	WrapperKey string `json:"wrapper_key,omitempty"`

	// UnwrapKeyed treats an object whose values are all objects as a dict
	// of records keyed by id.
	UnwrapKeyed bool `json:"unwrap_keyed,omitempty"`
}

// Storage selects the database.
type Storage struct {
	// Kind is "mssql" or "sqlite".
	Kind string `json:"kind"`

	// DSN may reference ${ENV} variables. Empty for mssql means "build from
	// MSSQL_* environment".
	DSN          string `json:"dsn,omitempty"`
	Schema       string `json:"schema,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// Target is one root table fed from the same input.
type Target struct {
	Table string `json:"table"`

	// DataPath overrides Source.DataPath for this target.
	DataPath string `json:"data_path,omitempty"`
}

// Naming overrides the engine's field-to-column naming.
type Naming struct {
	IdentityField    string            `json:"identity_field,omitempty"`
	CorrelationField string            `json:"correlation_field,omitempty"`
	ValueField       string            `json:"value_field,omitempty"`
	Rename           map[string]string `json:"rename,omitempty"`
	SensitiveFields  []string          `json:"sensitive_fields,omitempty"`
}

// Keys controls row matching.
type Keys struct {
	// KeylessChildPolicy is "correlate" (default), "hash" or "insert".
	KeylessChildPolicy string `json:"keyless_child_policy,omitempty"`
}

// ColumnTypes overrides column types.
type ColumnTypes struct {
	// Text is the type of every non-key column; empty means NVARCHAR(MAX).
	Text string `json:"text,omitempty"`
}

// Runtime controls batch execution.
type Runtime struct {
	ChunkSize     int    `json:"chunk_size,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
	PlanSample    string `json:"plan_sample,omitempty"` // "first" | "union"
	Debug         bool   `json:"debug,omitempty"`
}

// Load reads and decodes a job file. Unknown fields are rejected so typos
// surface instead of silently falling back to defaults.
func Load(path string) (Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a job from JSON.
func Parse(b []byte) (Job, error) {
	var j Job
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return Job{}, fmt.Errorf("config: decode job: %w", err)
	}
	return j, nil
}

// Defaults returns j with empty settings filled in. Engine-level defaults
// (chunk size, naming) are left to the engine.
func (j Job) Defaults() Job {
	if j.Source.Kind == "" {
		j.Source.Kind = "file"
		if j.Source.Path == "-" {
			j.Source.Kind = "stdin"
		}
	}
	if j.Storage.Kind == "" {
		j.Storage.Kind = "mssql"
	}
	if len(j.Targets) == 0 && j.Table != "" {
		j.Targets = []Target{{Table: j.Table}}
	}
	if j.Job == "" {
		if len(j.Targets) > 0 {
			j.Job = j.Targets[0].Table
		} else {
			j.Job = "apisync"
		}
	}
	return j
}

// ResolveDSN expands ${VAR} references in the configured DSN. An empty mssql
// DSN is assembled from the MSSQL_* environment.
func (s Storage) ResolveDSN() string {
	dsn := os.ExpandEnv(s.DSN)
	if dsn == "" && s.Kind == "mssql" {
		dsn = BuildMSSQLDSN(
			os.Getenv("MSSQL_HOST"),
			os.Getenv("MSSQL_PORT"),
			os.Getenv("MSSQL_USER"),
			os.Getenv("MSSQL_PASSWORD"),
			os.Getenv("MSSQL_DATABASE"),
			os.Getenv("MSSQL_ENCRYPT"),
			os.Getenv("MSSQL_PARAMS"),
		)
	}
	return dsn
}
