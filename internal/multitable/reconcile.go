package multitable

import (
	"context"
	"fmt"
	"time"

	"apisync/internal/metrics"
	"apisync/internal/schema"
	"apisync/internal/storage"
)

// ReconcileReport counts the DDL a reconciliation issued.
type ReconcileReport struct {
	Created int // tables created
	Added   int // columns added
	Failed  int // DDL statements that failed and were skipped
}

// Reconciler makes the live catalog match a TablePlan, additively.
//
// Every CREATE/ALTER runs on its own and is followed by a fresh read of the
// table's columns. A failing statement (typically a concurrent run that
// created the same table or column first) is logged and skipped; only errors
// the repository reports as fatal stop reconciliation.
type Reconciler struct {
	Repo   storage.Repository
	Logger Logger
}

// Reconcile creates missing tables and adds missing columns for plan and all
// of its children, parents first. Existing columns are never dropped or
// retyped.
func (r *Reconciler) Reconcile(ctx context.Context, plan *schema.TablePlan) (ReconcileReport, error) {
	var rep ReconcileReport
	if plan == nil {
		return rep, nil
	}
	if r.Repo == nil {
		return rep, fmt.Errorf("reconcile: Repo is required")
	}
	err := r.reconcile(ctx, plan, &rep)
	return rep, err
}

func (r *Reconciler) reconcile(ctx context.Context, plan *schema.TablePlan, rep *ReconcileReport) error {
	logf := orDiscard(r.Logger).Printf

	if err := r.reconcileTable(ctx, plan, rep, logf); err != nil {
		return err
	}
	for _, c := range plan.Children {
		if err := r.reconcile(ctx, c.Plan, rep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileTable(ctx context.Context, plan *schema.TablePlan, rep *ReconcileReport, logf func(string, ...any)) error {
	cols, exists, err := r.Repo.TableColumns(ctx, plan.Name)
	if err != nil {
		if r.Repo.IsFatal(err) {
			return fmt.Errorf("reconcile: read columns %s: %w", plan.Name, err)
		}
		rep.Failed++
		logf("stage=reconcile table=%s op=read status=error err=%v", plan.Name, err)
		return nil
	}

	if !exists {
		start := time.Now()
		err := r.Repo.CreateTable(ctx, tableDef(plan))
		r.recordDDL("create_table", err)
		if err != nil {
			if r.Repo.IsFatal(err) {
				return fmt.Errorf("reconcile: create table %s: %w", plan.Name, err)
			}
			rep.Failed++
			logf("stage=reconcile table=%s op=create status=error err=%v", plan.Name, err)
		} else {
			rep.Created++
			logf("stage=reconcile table=%s op=create status=ok columns=%d duration=%s", plan.Name, len(plan.Columns), durMS(start))
		}

		cols, exists, err = r.Repo.TableColumns(ctx, plan.Name)
		if err != nil {
			if r.Repo.IsFatal(err) {
				return fmt.Errorf("reconcile: read columns %s: %w", plan.Name, err)
			}
			rep.Failed++
			return nil
		}
		if !exists {
			logf("stage=reconcile table=%s op=create status=missing", plan.Name)
			return nil
		}
	}

	live := storage.NewCatalog()
	live.SetTable(plan.Name, cols)

	for _, c := range plan.Columns {
		if live.HasColumn(plan.Name, c.Name) {
			continue
		}
		// Only CREATE TABLE declares the primary key.
		def := columnDef(c)
		def.PrimaryKey = false

		start := time.Now()
		err := r.Repo.AddColumn(ctx, plan.Name, def)
		r.recordDDL("add_column", err)
		if err != nil {
			if r.Repo.IsFatal(err) {
				return fmt.Errorf("reconcile: add column %s.%s: %w", plan.Name, c.Name, err)
			}
			rep.Failed++
			logf("stage=reconcile table=%s op=add column=%s status=error err=%v", plan.Name, c.Name, err)
		} else {
			rep.Added++
			logf("stage=reconcile table=%s op=add column=%s status=ok duration=%s", plan.Name, c.Name, durMS(start))
		}

		cols, _, err = r.Repo.TableColumns(ctx, plan.Name)
		if err != nil {
			if r.Repo.IsFatal(err) {
				return fmt.Errorf("reconcile: read columns %s: %w", plan.Name, err)
			}
			continue
		}
		live.SetTable(plan.Name, cols)
	}
	return nil
}

func (r *Reconciler) recordDDL(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncCounter(metrics.DDLTotal, 1, metrics.Labels{"op": op, "status": status})
}

func tableDef(plan *schema.TablePlan) storage.TableDef {
	def := storage.TableDef{Name: plan.Name, Columns: make([]storage.ColumnDef, 0, len(plan.Columns))}
	for _, c := range plan.Columns {
		def.Columns = append(def.Columns, columnDef(c))
	}
	return def
}

func columnDef(c schema.ColumnPlan) storage.ColumnDef {
	return storage.ColumnDef{Name: c.Name, Type: c.WideType, PrimaryKey: c.IsIdentity}
}
