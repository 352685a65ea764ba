package multitable

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"apisync/internal/config"
	jsonparser "apisync/internal/parser/json"
	"apisync/internal/record"
	"apisync/internal/schema"
	"apisync/internal/storage"
)

// TargetResult is the outcome of syncing one target table.
type TargetResult struct {
	Table  string
	Report SyncReport
	Err    error
}

// Runner wires a config.Job to storage, the payload reader and the Engine.
type Runner struct {
	// storage-agnostic factory seam
	OpenRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// OpenInput opens Source.Path for kind=file.
	OpenInput func(path string) (io.ReadCloser, error)

	// Stdin is read for kind=stdin.
	Stdin io.Reader

	Logger Logger
	NewID  func() string
}

// NewDefaultRunner returns a Runner using the registered storage backends and
// the local filesystem.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		OpenRepository: storage.Open,
		OpenInput:      func(path string) (io.ReadCloser, error) { return os.Open(path) },
		Stdin:          os.Stdin,
		Logger:         logger,
	}
}

// Run reads the job's input once and syncs it into every target. A fatal
// error on one target stops the run; row-level failures only show up in the
// reports.
func (r *Runner) Run(ctx context.Context, job config.Job) ([]TargetResult, error) {
	job, opts, err := prepareJob(job)
	if err != nil {
		return nil, err
	}
	logf := orDiscard(r.Logger).Printf
	start := time.Now()

	doc, records, err := r.readInput(ctx, job)
	if err != nil {
		return nil, err
	}

	repo, err := r.OpenRepository(ctx, storage.Config{
		Kind:         job.Storage.Kind,
		DSN:          job.Storage.ResolveDSN(),
		Schema:       job.Storage.Schema,
		MaxOpenConns: job.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: open storage: %w", err)
	}
	defer repo.Close()

	engine := &Engine{Repo: repo, Logger: r.Logger, NewID: r.NewID, Options: opts}

	results := make([]TargetResult, 0, len(job.Targets))
	for _, t := range job.Targets {
		recs := records
		if t.DataPath != "" {
			recs, err = jsonparser.Select(doc, r.sourceOptions(job, t.DataPath))
			if err != nil {
				return results, err
			}
		}

		rep, err := engine.SyncBatch(ctx, recs, t.Table)
		results = append(results, TargetResult{Table: t.Table, Report: rep, Err: err})
		if err != nil {
			logf("stage=run job=%s table=%s status=error err=%v", job.Job, t.Table, err)
			return results, fmt.Errorf("runner: sync %s: %w", t.Table, err)
		}
	}
	logf("stage=run job=%s targets=%d status=ok duration=%s", job.Job, len(results), durMS(start))
	return results, nil
}

// Plan reads the job's input and returns the table layout each target would
// get, without opening storage. Targets with nothing to plan are left out.
func (r *Runner) Plan(ctx context.Context, job config.Job) ([]*schema.TablePlan, error) {
	job, opts, err := prepareJob(job)
	if err != nil {
		return nil, err
	}
	doc, records, err := r.readInput(ctx, job)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	var plans []*schema.TablePlan
	for _, t := range job.Targets {
		recs := records
		if t.DataPath != "" {
			if recs, err = jsonparser.Select(doc, r.sourceOptions(job, t.DataPath)); err != nil {
				return nil, err
			}
		}
		if p := opts.planner().Plan(t.Table, planSample(recs, opts.PlanSample)); p != nil {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// prepareJob fills defaults, validates job and derives the engine options.
func prepareJob(job config.Job) (config.Job, Options, error) {
	job = job.Defaults()
	if issues := config.Validate(job); config.HasErrors(issues) {
		return job, Options{}, fmt.Errorf("runner: invalid job %s: %v", job.Job, issues)
	}
	keyless, err := ParseKeylessPolicy(job.Keys.KeylessChildPolicy)
	if err != nil {
		return job, Options{}, err
	}
	return job, Options{
		ChunkSize:     job.Runtime.ChunkSize,
		ProgressEvery: job.Runtime.ProgressEvery,
		PlanSample:    job.Runtime.PlanSample,
		Keyless:       keyless,
		Debug:         job.Runtime.Debug,
		Naming: schema.Naming{
			IdentityField:    job.Naming.IdentityField,
			CorrelationField: job.Naming.CorrelationField,
			ValueField:       job.Naming.ValueField,
			Rename:           mergeRename(job.Naming.Rename),
		},
		Types: schema.Types{Text: job.ColumnTypes.Text, Sensitive: sensitive(job.Naming.SensitiveFields)},
	}, nil
}

// readInput decodes the source. When any target carries its own data_path
// the whole document is kept so each target can select from it.
func (r *Runner) readInput(ctx context.Context, job config.Job) (any, []record.Record, error) {
	var in io.Reader
	switch job.Source.Kind {
	case "stdin":
		if r.Stdin == nil {
			return nil, nil, fmt.Errorf("runner: stdin source without reader")
		}
		in = r.Stdin
	default:
		f, err := r.OpenInput(job.Source.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("runner: open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	needDoc := job.Source.DataPath != ""
	for _, t := range job.Targets {
		if t.DataPath != "" {
			needDoc = true
		}
	}
	if !needDoc {
		recs, err := jsonparser.ReadRecords(ctx, in, r.sourceOptions(job, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("runner: read input: %w", err)
		}
		return nil, recs, nil
	}

	doc, err := jsonparser.DecodeDocument(in)
	if err != nil {
		return nil, nil, fmt.Errorf("runner: read input: %w", err)
	}
	recs, err := jsonparser.Select(doc, r.sourceOptions(job, job.Source.DataPath))
	if err != nil {
		return nil, nil, err
	}
	return doc, recs, nil
}

func (r *Runner) sourceOptions(job config.Job, dataPath string) jsonparser.Options {
	return jsonparser.Options{DataPath: dataPath, WrapperKey: job.Source.WrapperKey, Keyed: job.Source.UnwrapKeyed}
}

// mergeRename layers configured renames over the defaults so a job that adds
// one rename keeps kill -> kill_flag.
func mergeRename(extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(schema.DefaultRename)+len(extra))
	for k, v := range schema.DefaultRename {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sensitive(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	return append(append([]string(nil), schema.DefaultSensitiveFields...), fields...)
}
