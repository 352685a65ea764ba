package config

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/robfig/cron/v3"
)

// Severity ranks a validation issue.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one validation finding. Path is a JSON-ish pointer into the job
// ("targets[1].table").
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a job after Defaults. It never stops at the first problem.
func Validate(j Job) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch j.Source.Kind {
	case "file":
		if strings.TrimSpace(j.Source.Path) == "" {
			add(SeverityError, "source.path", "required when source.kind=file")
		}
	case "stdin":
	default:
		add(SeverityError, "source.kind", "unsupported kind %q (want file|stdin)", j.Source.Kind)
	}
	if j.Source.DataPath != "" {
		if _, err := jp.ParseString(j.Source.DataPath); err != nil {
			add(SeverityError, "source.data_path", "invalid JSONPath: %v", err)
		}
	}

	switch j.Storage.Kind {
	case "mssql", "sqlite":
	default:
		add(SeverityError, "storage.kind", "unsupported kind %q (want mssql|sqlite)", j.Storage.Kind)
	}
	if j.Storage.Kind == "sqlite" && strings.TrimSpace(j.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "required when storage.kind=sqlite")
	}
	if j.Storage.MaxOpenConns < 0 {
		add(SeverityError, "storage.max_open_conns", "must be >= 0")
	}

	if len(j.Targets) == 0 {
		add(SeverityError, "targets", "at least one target table is required (set table or targets)")
	}
	seen := map[string]int{}
	for i, t := range j.Targets {
		path := fmt.Sprintf("targets[%d]", i)
		name := strings.TrimSpace(t.Table)
		if name == "" {
			add(SeverityError, path+".table", "required")
			continue
		}
		if prev, ok := seen[strings.ToLower(name)]; ok {
			add(SeverityWarn, path+".table", "duplicate of targets[%d]", prev)
		}
		seen[strings.ToLower(name)] = i
		if t.DataPath != "" {
			if _, err := jp.ParseString(t.DataPath); err != nil {
				add(SeverityError, path+".data_path", "invalid JSONPath: %v", err)
			}
		}
	}

	switch strings.ToLower(j.Keys.KeylessChildPolicy) {
	case "", "correlate", "hash", "insert":
	default:
		add(SeverityError, "keys.keyless_child_policy", "unknown policy %q (want correlate|hash|insert)", j.Keys.KeylessChildPolicy)
	}

	switch j.Runtime.PlanSample {
	case "", "first", "union":
	default:
		add(SeverityError, "runtime.plan_sample", "unknown mode %q (want first|union)", j.Runtime.PlanSample)
	}
	if j.Runtime.ChunkSize < 0 {
		add(SeverityError, "runtime.chunk_size", "must be >= 0")
	}
	if j.Runtime.ChunkSize > 1000 {
		add(SeverityWarn, "runtime.chunk_size", "%d records per transaction grows the transaction log", j.Runtime.ChunkSize)
	}
	if j.Runtime.ProgressEvery < 0 {
		add(SeverityError, "runtime.progress_every", "must be >= 0")
	}

	if ct := strings.ToUpper(strings.TrimSpace(j.ColumnTypes.Text)); ct != "" && !strings.Contains(ct, "CHAR") && ct != "TEXT" {
		add(SeverityWarn, "column_types.text", "%q is not a text type; values are always written as text", j.ColumnTypes.Text)
	}

	for from, to := range j.Naming.Rename {
		if strings.TrimSpace(to) == "" {
			add(SeverityError, "naming.rename."+from, "target column must not be empty")
		}
	}

	if j.Schedule != "" {
		if _, err := cron.ParseStandard(j.Schedule); err != nil {
			add(SeverityError, "schedule", "invalid cron spec: %v", err)
		}
	}
	return out
}
