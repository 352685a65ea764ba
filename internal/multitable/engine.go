package multitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apisync/internal/metrics"
	"apisync/internal/record"
	"apisync/internal/schema"
	"apisync/internal/storage"
)

// Defaults for Options.
const (
	DefaultChunkSize     = 50
	DefaultProgressEvery = 100

	PlanSampleFirst = "first"
	PlanSampleUnion = "union"
)

// rowSavepoint scopes the rollback of one failed record inside a chunk.
const rowSavepoint = "sync_row"

// Options controls one Engine.
type Options struct {
	// ChunkSize is the number of records committed per transaction.
	ChunkSize int

	// ProgressEvery is the progress log cadence, in records.
	ProgressEvery int

	// PlanSample is "first" (first non-empty record) or "union" (all
	// records merged) and selects the record the schema is planned from.
	PlanSample string

	Keyless KeylessPolicy
	Naming  schema.Naming
	Types   schema.Types

	// Debug logs every row write.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.PlanSample == "" {
		o.PlanSample = PlanSampleFirst
	}
	if o.Keyless == "" {
		o.Keyless = KeylessCorrelate
	}
	o.Naming = o.Naming.WithDefaults()
	return o
}

// SyncReport summarizes one SyncBatch call. Processed and Failed count root
// records; rows written to any table are in Inserted and Updated.
type SyncReport struct {
	Processed   int
	Failed      int
	Skipped     int
	ChildFailed int

	Inserted int
	Updated  int

	// Tables lists the planned tables, parents first.
	Tables    []string
	Reconcile ReconcileReport
	Duration  time.Duration
}

func (o Options) planner() *schema.Planner {
	return &schema.Planner{Naming: o.Naming, Types: o.Types, RowHash: o.Keyless == KeylessHash}
}

func (r *SyncReport) add(o SyncReport) {
	r.Processed += o.Processed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.ChildFailed += o.ChildFailed
	r.Inserted += o.Inserted
	r.Updated += o.Updated
}

// Engine runs the plan -> reconcile -> upsert pipeline for one batch of
// records. One Engine may run many batches; it holds no per-batch state.
type Engine struct {
	Repo    storage.Repository
	Options Options
	Logger  Logger

	// NewID generates surrogate row ids. Nil means uuid.NewString.
	NewID func() string
}

// SyncBatch persists records into table and its child tables.
//
// Records are committed in chunks of Options.ChunkSize. A failing record is
// rolled back to its savepoint and counted as failed; the batch continues.
// A fatal (connection-level) error rolls back the open chunk and returns the
// report of the committed chunks together with the error.
//
// An empty input returns a zero report without touching the database.
func (e *Engine) SyncBatch(ctx context.Context, records []record.Record, table string) (rep SyncReport, err error) {
	if len(records) == 0 {
		return rep, nil
	}
	if e.Repo == nil {
		return rep, fmt.Errorf("engine: Repo is required")
	}
	if table == "" {
		return rep, fmt.Errorf("engine: table is required")
	}

	opts := e.Options.withDefaults()
	logf := orDiscard(e.Logger).Printf
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	stepStart := time.Now()
	plan := opts.planner().Plan(table, planSample(records, opts.PlanSample))
	metrics.RecordStep("plan", stepStart, nil)
	if plan == nil {
		rep.Skipped = len(records)
		metrics.IncCounter(metrics.RowsTotal, float64(rep.Skipped), metrics.Labels{"kind": "skipped"})
		logf("stage=plan table=%s status=empty skipped=%d", table, rep.Skipped)
		return rep, nil
	}
	rep.Tables = plan.Tables()
	logf("stage=plan table=%s tables=%d duration=%s", table, len(rep.Tables), durMS(stepStart))

	stepStart = time.Now()
	rec := &Reconciler{Repo: e.Repo, Logger: e.Logger}
	rr, err := rec.Reconcile(ctx, plan)
	rep.Reconcile = rr
	metrics.RecordStep("reconcile", stepStart, err)
	if err != nil {
		return rep, err
	}
	logf("stage=reconcile table=%s created=%d added=%d failed=%d duration=%s", table, rr.Created, rr.Added, rr.Failed, durMS(stepStart))

	cat, err := e.Repo.Catalog(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine: read catalog: %w", err)
	}

	u := &Upserter{
		Naming:  opts.Naming,
		Keyless: opts.Keyless,
		Catalog: cat,
		NewID:   e.NewID,
		Fatal:   e.Repo.IsFatal,
		Logger:  e.Logger,
		Debug:   opts.Debug,
	}

	stepStart = time.Now()
	done := 0
	for i := 0; i < len(records); i += opts.ChunkSize {
		end := min(i+opts.ChunkSize, len(records))

		cr, err := e.syncChunk(ctx, u, records[i:end], table, logf)
		if err != nil {
			metrics.RecordStep("upsert", stepStart, err)
			logf("stage=upsert table=%s status=aborted committed=%d err=%v", table, rep.Processed+rep.Failed, err)
			return rep, err
		}
		rep.add(cr)
		recordRows(cr)

		before := done
		done = end
		if done/opts.ProgressEvery > before/opts.ProgressEvery || done == len(records) {
			logf("stage=upsert table=%s progress=%d/%d processed=%d failed=%d elapsed=%s", table, done, len(records), rep.Processed, rep.Failed, durMS(stepStart))
		}
	}
	metrics.RecordStep("upsert", stepStart, nil)

	logf("stage=sync table=%s processed=%d failed=%d skipped=%d child_failed=%d inserted=%d updated=%d duration=%s",
		table, rep.Processed, rep.Failed, rep.Skipped, rep.ChildFailed, rep.Inserted, rep.Updated, durMS(start))
	return rep, nil
}

// syncChunk writes records in one transaction. The returned counts only
// describe a committed chunk.
func (e *Engine) syncChunk(ctx context.Context, u *Upserter, records []record.Record, table string, logf func(string, ...any)) (SyncReport, error) {
	var cr SyncReport
	start := time.Now()

	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("engine: begin chunk: %w", err)
	}
	abort := func(err error) (SyncReport, error) {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
			logf("stage=chunk table=%s op=rollback status=error err=%v", table, rbErr)
		}
		return SyncReport{}, err
	}

	for _, r := range records {
		if ctx.Err() != nil {
			return abort(ctx.Err())
		}
		if r.IsEmpty() {
			cr.Skipped++
			continue
		}
		if err := tx.Savepoint(ctx, rowSavepoint); err != nil {
			return abort(fmt.Errorf("engine: savepoint: %w", err))
		}

		var t Tally
		u.Tally = &t
		_, err := u.Upsert(ctx, tx, r, table, "")
		if err != nil {
			if e.Repo.IsFatal(err) {
				return abort(err)
			}
			if rbErr := tx.RollbackTo(ctx, rowSavepoint); rbErr != nil {
				return abort(fmt.Errorf("engine: rollback to savepoint: %w", rbErr))
			}
			if relErr := tx.Release(ctx, rowSavepoint); relErr != nil {
				return abort(fmt.Errorf("engine: release savepoint: %w", relErr))
			}
			cr.Failed++
			logf("stage=upsert table=%s status=failed err=%v", table, err)
			continue
		}
		if err := tx.Release(ctx, rowSavepoint); err != nil {
			return abort(fmt.Errorf("engine: release savepoint: %w", err))
		}
		cr.Processed++
		cr.Inserted += t.Inserted
		cr.Updated += t.Updated
		cr.ChildFailed += t.ChildFailed
	}
	u.Tally = nil

	if err := tx.Commit(); err != nil {
		return SyncReport{}, fmt.Errorf("engine: commit chunk: %w", err)
	}

	metrics.IncCounter(metrics.ChunksTotal, 1, nil)
	metrics.ObserveHistogram(metrics.ChunkDurationSecs, time.Since(start).Seconds(), nil)
	logf("stage=chunk table=%s rows=%d processed=%d failed=%d duration=%s", table, len(records), cr.Processed, cr.Failed, durMS(start))
	return cr, nil
}

func recordRows(r SyncReport) {
	for kind, n := range map[string]int{
		"processed":    r.Processed,
		"failed":       r.Failed,
		"skipped":      r.Skipped,
		"child_failed": r.ChildFailed,
		"inserted":     r.Inserted,
		"updated":      r.Updated,
	} {
		if n > 0 {
			metrics.IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"kind": kind})
		}
	}
}

// planSample picks the record the schema is planned from. "union" merges
// every record so fields first seen late in the batch still get columns.
func planSample(records []record.Record, mode string) record.Record {
	if mode == PlanSampleUnion {
		merged := record.Record{}
		for _, r := range records {
			schema.MergeSample(merged, r)
		}
		return merged
	}
	for _, r := range records {
		if !r.IsEmpty() {
			return r
		}
	}
	return nil
}
