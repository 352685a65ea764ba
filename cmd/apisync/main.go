// Command apisync syncs JSON API payloads into relational tables, creating
// tables and columns as new shapes show up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"apisync/internal/config"
	"apisync/internal/metrics"
	"apisync/internal/metrics/datadog"
	"apisync/internal/multitable"
	"apisync/internal/schema"
	"apisync/internal/storage"

	// register all backends with the storage factory.
	_ "apisync/internal/storage/all"
)

const usage = "usage: apisync -config <job.json>"

// runner is the part of multitable.Runner the CLI drives.
type runner interface {
	Run(ctx context.Context, job config.Job) ([]multitable.TargetResult, error)
	Plan(ctx context.Context, job config.Job) ([]*schema.TablePlan, error)
}

type metricsBackend interface {
	Close() error
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	parseJob    func(b []byte) (config.Job, error)
	newRunner   func(logger *log.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
	openRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	schedule    func(ctx context.Context, spec string, logger *log.Logger, fn func()) error
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		parseJob:    config.Parse,
		newRunner:   func(l *log.Logger) runner { return multitable.NewDefaultRunner(l) },
		initMetrics: initMetrics,
		openRepo:    storage.Open,
		schedule:    runSchedule,
	}
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("apisync", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath      string
		input        string
		table        string
		scheduleSpec string
		backendName  string
		dropPrefix   string
		validate     bool
		planOnly     bool
		yes          bool
		verbose      bool
	)
	fs.StringVar(&cfgPath, "config", "", "job config JSON path")
	fs.StringVar(&input, "input", "", "payload file, overrides source.path (- for stdin)")
	fs.StringVar(&table, "table", "", "root table, overrides table/targets")
	fs.StringVar(&scheduleSpec, "schedule", "", "cron spec; re-sync until interrupted (overrides schedule)")
	fs.StringVar(&backendName, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend (none|datadog)")
	fs.StringVar(&dropPrefix, "drop-prefix", "", "drop <table> and every <table>_* table, then exit")
	fs.BoolVar(&yes, "yes", false, "confirm -drop-prefix")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&planOnly, "plan", false, "print the inferred table layout and exit without touching the database")
	fs.BoolVar(&verbose, "v", false, "enable debug logs")

	if err := fs.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, usage)
		}
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	job, err := deps.parseJob(raw)
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}
	job = applyOverrides(job, input, table, scheduleSpec)
	if verbose {
		job.Runtime.Debug = true
	}
	job = job.Defaults()

	// Validate job config.
	issues := config.Validate(job)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "config is invalid: %s\n", cfgPath)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "config is valid: %s\n", cfgPath)
		return 0
	}

	logger := log.New(stderr, "", log.LstdFlags)

	if dropPrefix != "" {
		if !yes {
			fmt.Fprintf(stderr, "refusing to drop tables matching %q without -yes\n", dropPrefix)
			return 2
		}
		if err := dropTables(ctx, deps.openRepo, job.Storage, dropPrefix, stdout); err != nil {
			fmt.Fprintf(stderr, "drop: %v\n", err)
			return 1
		}
		return 0
	}

	if planOnly {
		plans, err := deps.newRunner(logger).Plan(ctx, job)
		if err != nil {
			fmt.Fprintf(stderr, "plan: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plans); err != nil {
			fmt.Fprintf(stderr, "plan: %v\n", err)
			return 1
		}
		return 0
	}

	cleanup, err := deps.initMetrics(ctx, job.Job, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	r := deps.newRunner(logger)
	runOnce := func() error {
		start := time.Now()
		results, err := r.Run(ctx, job)
		printSummary(stdout, results)
		if verbose {
			logger.Printf("stage=cli job=%s completed in %s", job.Job, time.Since(start).Truncate(time.Millisecond))
		}
		return err
	}

	if job.Schedule == "" {
		if err := runOnce(); err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
		return 0
	}

	// Scheduled mode syncs once up front, then on every tick until ctx ends.
	tick := func() {
		if err := runOnce(); err != nil {
			logger.Printf("stage=schedule job=%s status=error err=%v", job.Job, err)
		}
	}
	tick()
	logger.Printf("stage=schedule job=%s spec=%q status=started", job.Job, job.Schedule)
	if err := deps.schedule(ctx, job.Schedule, logger, tick); err != nil {
		fmt.Fprintf(stderr, "schedule: %v\n", err)
		return 1
	}
	logger.Printf("stage=schedule job=%s status=stopped", job.Job)
	return 0
}

// applyOverrides applies command-line overrides to a parsed job.
func applyOverrides(job config.Job, input, table, scheduleSpec string) config.Job {
	if input != "" {
		job.Source.Path = input
		job.Source.Kind = ""
	}
	if table != "" {
		job.Table = table
		job.Targets = nil
	}
	if scheduleSpec != "" {
		job.Schedule = scheduleSpec
	}
	return job
}

func printSummary(w io.Writer, results []multitable.TargetResult) {
	for _, res := range results {
		rep := res.Report
		status := "ok"
		if res.Err != nil {
			status = "error"
		}
		fmt.Fprintf(w, "table=%s status=%s processed=%d failed=%d skipped=%d child_failed=%d inserted=%d updated=%d tables_created=%d columns_added=%d duration=%s\n",
			res.Table, status, rep.Processed, rep.Failed, rep.Skipped, rep.ChildFailed, rep.Inserted, rep.Updated,
			rep.Reconcile.Created, rep.Reconcile.Added, rep.Duration.Truncate(time.Millisecond))
	}
}

// runSchedule calls fn on every tick of spec until ctx is done. A tick that
// fires while the previous run is still going is skipped.
func runSchedule(ctx context.Context, spec string, logger *log.Logger, fn func()) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))))
	if _, err := c.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid spec %q: %w", spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// dropTables drops prefix and every prefix_* table, children first.
func dropTables(ctx context.Context, open func(context.Context, storage.Config) (storage.Repository, error), st config.Storage, prefix string, stdout io.Writer) error {
	repo, err := open(ctx, storage.Config{Kind: st.Kind, DSN: st.ResolveDSN(), Schema: st.Schema, MaxOpenConns: st.MaxOpenConns})
	if err != nil {
		return err
	}
	defer repo.Close()

	d, ok := repo.(storage.Dropper)
	if !ok {
		return fmt.Errorf("storage kind %s cannot drop tables", st.Kind)
	}
	cat, err := repo.Catalog(ctx)
	if err != nil {
		return err
	}
	targets := matchPrefix(cat.Tables(), prefix)
	for _, t := range targets {
		if err := d.DropTable(ctx, t); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "dropped %s\n", t)
	}
	if len(targets) == 0 {
		fmt.Fprintf(stdout, "no tables match %s\n", prefix)
	}
	return nil
}

// matchPrefix returns tables named prefix or prefix_*, longest name first.
func matchPrefix(tables []string, prefix string) []string {
	p := schema.FoldName(prefix)
	var out []string
	for _, t := range tables {
		f := schema.FoldName(t)
		if f == p || strings.HasPrefix(f, p+"_") {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// ---- metrics ----

var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics wires the named backend into the metrics package. The returned
// cleanup is never nil.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return func() {}, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		// Close stops the flush loop and submits what is still buffered.
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
