package multitable

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"apisync/internal/metrics"
	jsonparser "apisync/internal/parser/json"
	"apisync/internal/record"
	"apisync/internal/schema"
	"apisync/internal/storage"
)

func mustRecords(t *testing.T, s string) []record.Record {
	t.Helper()
	recs, err := jsonparser.ReadRecords(context.Background(), strings.NewReader(s), jsonparser.Options{})
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	return recs
}

func newEngine(repo storage.Repository, opts Options) *Engine {
	return &Engine{Repo: repo, Options: opts, NewID: seqIDs("g")}
}

func rowByID(rows []map[string]any, id string) map[string]any {
	for _, r := range rows {
		if r["id"] == id {
			return r
		}
	}
	return nil
}

func TestSyncBatch_CustTagsScenario(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})

	rep, err := e.SyncBatch(context.Background(), mustRecords(t, `{"id":"A1","name":"X","tags":[{"id":"T1","label":"vip"}]}`), "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Processed != 1 || rep.Failed != 0 {
		t.Fatalf("report=%+v, want processed=1 failed=0", rep)
	}
	if !reflect.DeepEqual(rep.Tables, []string{"cust", "cust_tags"}) {
		t.Fatalf("tables=%v", rep.Tables)
	}

	cust := repo.rows("cust")
	if len(cust) != 1 || cust[0]["id"] != "A1" || cust[0]["name"] != "X" {
		t.Fatalf("cust rows=%v, want [id=A1 name=X]", cust)
	}
	tags := repo.rows("cust_tags")
	if len(tags) != 1 {
		t.Fatalf("cust_tags rows=%v, want 1", tags)
	}
	if tags[0]["id"] != "T1" || tags[0]["label"] != "vip" || tags[0]["fk_id"] != "A1" {
		t.Fatalf("cust_tags row=%v, want id=T1 label=vip fk_id=A1", tags[0])
	}
}

func TestSyncBatch_ResyncUpdatesInPlace(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})
	ctx := context.Background()

	if _, err := e.SyncBatch(ctx, mustRecords(t, `{"id":"A1","name":"X","tags":[{"id":"T1","label":"vip"}]}`), "cust"); err != nil {
		t.Fatalf("first sync err=%v", err)
	}
	rep, err := e.SyncBatch(ctx, mustRecords(t, `{"id":"A1","name":"Y","tags":[{"id":"T1","label":"vip"}]}`), "cust")
	if err != nil {
		t.Fatalf("second sync err=%v", err)
	}
	if rep.Inserted != 0 || rep.Updated != 2 {
		t.Fatalf("report=%+v, want inserted=0 updated=2", rep)
	}
	if rep.Reconcile != (ReconcileReport{}) {
		t.Fatalf("reconcile=%+v, want no DDL", rep.Reconcile)
	}

	cust := repo.rows("cust")
	if len(cust) != 1 || cust[0]["name"] != "Y" {
		t.Fatalf("cust rows=%v, want one row with name=Y", cust)
	}
	if n := len(repo.rows("cust_tags")); n != 1 {
		t.Fatalf("cust_tags rows=%d, want 1", n)
	}
}

func TestSyncBatch_NewFieldAddsColumn(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})
	ctx := context.Background()

	if _, err := e.SyncBatch(ctx, mustRecords(t, `{"id":"A1","name":"X","tags":[{"id":"T1","label":"vip"}]}`), "cust"); err != nil {
		t.Fatalf("first sync err=%v", err)
	}
	tagCols := repo.columns("cust_tags")

	rep, err := e.SyncBatch(ctx, mustRecords(t, `{"id":"A2","name":"Z","email":"z@example.com","tags":[{"id":"T2","label":"new"}]}`), "cust")
	if err != nil {
		t.Fatalf("second sync err=%v", err)
	}
	if rep.Reconcile.Added != 1 || rep.Reconcile.Created != 0 {
		t.Fatalf("reconcile=%+v, want added=1", rep.Reconcile)
	}
	if got := repo.columns("cust"); !reflect.DeepEqual(got, []string{"id", "name", "email"}) {
		t.Fatalf("cust columns=%v, want [id name email]", got)
	}
	if got := repo.columns("cust_tags"); !reflect.DeepEqual(got, tagCols) {
		t.Fatalf("cust_tags columns=%v, want unchanged %v", got, tagCols)
	}

	old := rowByID(repo.rows("cust"), "A1")
	if old["name"] != "X" || old["email"] != nil {
		t.Fatalf("existing row=%v, want name=X and no email", old)
	}
	if r := rowByID(repo.rows("cust"), "A2"); r["email"] != "z@example.com" {
		t.Fatalf("new row=%v, want email", r)
	}
}

func TestSyncBatch_RoundTrip(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})

	recs := mustRecords(t, `{"id":"P1","qty":3.50,"addr":{"city":"HN"},"lines":[{"sku":"a"},{"sku":"b"}]}`)
	if _, err := e.SyncBatch(context.Background(), recs, "ord"); err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}

	parent := rowByID(repo.rows("ord"), "P1")
	if parent == nil || parent["qty"] != "3.50" {
		t.Fatalf("ord row=%v, want qty=3.50 verbatim", parent)
	}
	addr := repo.rows("ord_addr")
	if len(addr) != 1 || addr[0]["fk_id"] != "P1" || addr[0]["city"] != "HN" {
		t.Fatalf("ord_addr rows=%v", addr)
	}
	lines := repo.rows("ord_lines")
	if len(lines) != 2 {
		t.Fatalf("ord_lines rows=%v, want 2", lines)
	}
	skus := map[any]bool{}
	for _, l := range lines {
		if l["fk_id"] != "P1" {
			t.Fatalf("line %v fk_id=%v, want P1", l, l["fk_id"])
		}
		skus[l["sku"]] = true
	}
	if !skus["a"] || !skus["b"] {
		t.Fatalf("skus=%v, want a and b", skus)
	}
}

func TestSyncBatch_EmptyInputIssuesNoDDL(t *testing.T) {
	t.Parallel()

	for _, in := range [][]record.Record{nil, {}} {
		repo := newMemRepo()
		rep, err := newEngine(repo, Options{}).SyncBatch(context.Background(), in, "cust")
		if err != nil {
			t.Fatalf("SyncBatch() err=%v", err)
		}
		if rep.Processed != 0 || rep.Failed != 0 || rep.Tables != nil {
			t.Fatalf("report=%+v, want zero", rep)
		}
		if len(repo.calls) != 0 {
			t.Fatalf("repo calls=%v, want none", repo.calls)
		}
	}
}

func TestSyncBatch_AllEmptyRecordsSkipped(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	rep, err := newEngine(repo, Options{}).SyncBatch(context.Background(), []record.Record{{}, {}}, "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Skipped != 2 || rep.Processed != 0 {
		t.Fatalf("report=%+v, want skipped=2", rep)
	}
	if repo.hasDDL() {
		t.Fatalf("repo calls=%v, want no DDL", repo.calls)
	}
}

func TestSyncBatch_UpsertIdempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		table string
		want  map[string]int
	}{
		{name: "identity", input: `{"id":"A1","name":"X"}`, table: "cust", want: map[string]int{"cust": 1}},
		{name: "identity_case_insensitive", input: `{"Id":"A1","name":"X"}`, table: "cust", want: map[string]int{"cust": 1}},
		{name: "correlation_field", input: `{"__id":"c-1","name":"X"}`, table: "cust", want: map[string]int{"cust": 1}},
		{name: "object_child_by_fk", input: `{"id":"A1","addr":{"city":"HN"}}`, table: "cust", want: map[string]int{"cust": 1, "cust_addr": 1}},
		{name: "value_child_by_fk_value", input: `{"id":"A1","phones":[{"value":"090"},{"value":"091"}]}`, table: "cust", want: map[string]int{"cust": 1, "cust_phones": 2}},
		{name: "identity_children", input: `[{"id":"A1","tags":[{"id":"T1"},{"id":"T2"}]},{"id":"A2","tags":[{"id":"T3"}]}]`, table: "cust", want: map[string]int{"cust": 2, "cust_tags": 3}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo := newMemRepo()
			e := newEngine(repo, Options{})
			for i := 0; i < 2; i++ {
				if _, err := e.SyncBatch(context.Background(), mustRecords(t, tc.input), tc.table); err != nil {
					t.Fatalf("sync %d err=%v", i, err)
				}
			}
			for table, want := range tc.want {
				if got := len(repo.rows(table)); got != want {
					t.Fatalf("%s rows=%d, want %d (rows=%v)", table, got, want, repo.rows(table))
				}
			}
		})
	}
}

func TestSyncBatch_KeylessChildPolicies(t *testing.T) {
	t.Parallel()

	input := `{"id":"P1","lines":[{"sku":"a","qty":1},{"sku":"b","qty":2}]}`
	tests := []struct {
		policy KeylessPolicy
		want   int
	}{
		{policy: KeylessCorrelate, want: 4},
		{policy: KeylessInsert, want: 4},
		{policy: KeylessHash, want: 2},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.policy), func(t *testing.T) {
			t.Parallel()
			repo := newMemRepo()
			e := newEngine(repo, Options{Keyless: tc.policy})
			for i := 0; i < 2; i++ {
				if _, err := e.SyncBatch(context.Background(), mustRecords(t, input), "ord"); err != nil {
					t.Fatalf("sync %d err=%v", i, err)
				}
			}
			lines := repo.rows("ord_lines")
			if len(lines) != tc.want {
				t.Fatalf("ord_lines rows=%d, want %d", len(lines), tc.want)
			}
			hasHash := false
			for _, c := range repo.columns("ord_lines") {
				if c == schema.RowHashColumn {
					hasHash = true
				}
			}
			if hasHash != (tc.policy == KeylessHash) {
				t.Fatalf("row_hash column present=%v for policy %s", hasHash, tc.policy)
			}
			if hasHash {
				for _, l := range lines {
					if h, _ := l[schema.RowHashColumn].(string); len(h) != 64 {
						t.Fatalf("row_hash=%v, want 64 hex chars", l[schema.RowHashColumn])
					}
				}
			}
		})
	}
}

func TestSyncBatch_LegacyEncoding(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	recs := mustRecords(t, `{"Id":" K1 ","kill":true,"active":false,"tags":["a","<b>"],"note":null,"empty":[]}`)
	if _, err := newEngine(repo, Options{}).SyncBatch(context.Background(), recs, "prod"); err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	rows := repo.rows("prod")
	if len(rows) != 1 {
		t.Fatalf("rows=%v", rows)
	}
	r := rows[0]
	want := map[string]any{"id": "K1", "kill_flag": "1", "active": "0", "tags": `["a","<b>"]`, "note": nil, "empty": nil}
	for k, v := range want {
		if r[k] != v {
			t.Fatalf("%s=%#v, want %#v (row=%v)", k, r[k], v, r)
		}
	}
}

func TestSyncBatch_UnionPlanSample(t *testing.T) {
	t.Parallel()

	input := `[{"id":"1","a":"x"},{"id":"2","b":"y"}]`
	tests := []struct {
		mode  string
		wantB any
	}{
		{mode: PlanSampleFirst, wantB: nil},
		{mode: PlanSampleUnion, wantB: "y"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.mode, func(t *testing.T) {
			t.Parallel()
			repo := newMemRepo()
			log := &fakeLogger{}
			e := newEngine(repo, Options{PlanSample: tc.mode})
			e.Logger = log
			if _, err := e.SyncBatch(context.Background(), mustRecords(t, input), "t"); err != nil {
				t.Fatalf("SyncBatch() err=%v", err)
			}
			if got := rowByID(repo.rows("t"), "2")["b"]; got != tc.wantB {
				t.Fatalf("row 2 b=%v, want %v", got, tc.wantB)
			}
			if tc.wantB == nil && log.count("column=b status=dropped") != 1 {
				t.Fatalf("want one dropped-column log, got %v", log.msgs)
			}
		})
	}
}

func TestSyncBatch_RowFailureIsIsolated(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.insertErr = func(table string, fields []storage.Field) error {
		for _, f := range fields {
			if f.Column == "name" && f.Value == "bad" {
				return errors.New("conversion failed")
			}
		}
		return nil
	}
	log := &fakeLogger{}
	e := newEngine(repo, Options{ChunkSize: 10})
	e.Logger = log

	recs := mustRecords(t, `[{"id":"1","name":"ok"},{"id":"2","name":"bad","tags":[{"id":"x"}]},{"id":"3","name":"ok"}]`)
	rep, err := e.SyncBatch(context.Background(), recs, "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Processed != 2 || rep.Failed != 1 {
		t.Fatalf("report=%+v, want processed=2 failed=1", rep)
	}
	if rows := repo.rows("cust"); len(rows) != 2 || rowByID(rows, "2") != nil {
		t.Fatalf("cust rows=%v, want 1 and 3", rows)
	}
	if n := len(repo.rows("cust_tags")); n != 0 {
		t.Fatalf("cust_tags rows=%d, want 0", n)
	}
	if repo.commits != 1 {
		t.Fatalf("commits=%d, want 1", repo.commits)
	}
	if log.count("status=failed") != 1 || log.count("key=id=2") != 1 {
		t.Fatalf("logs=%v, want one failure for id=2", log.msgs)
	}
}

func TestSyncBatch_ChildFailureDoesNotFailParent(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.insertErr = func(table string, fields []storage.Field) error {
		if table != "cust_tags" {
			return nil
		}
		for _, f := range fields {
			if f.Value == "boom" {
				return errors.New("string or binary data would be truncated")
			}
		}
		return nil
	}
	recs := mustRecords(t, `{"id":"A1","tags":[{"id":"T1","label":"boom"},{"id":"T2","label":"ok"}]}`)
	rep, err := newEngine(repo, Options{}).SyncBatch(context.Background(), recs, "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Processed != 1 || rep.Failed != 0 || rep.ChildFailed != 1 {
		t.Fatalf("report=%+v, want processed=1 child_failed=1", rep)
	}
	tags := repo.rows("cust_tags")
	if len(tags) != 1 || tags[0]["id"] != "T2" {
		t.Fatalf("cust_tags rows=%v, want only T2", tags)
	}
}

func TestSyncBatch_Chunks(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 120; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":"r%d","n":%d}`, i, i)
	}
	b.WriteString("]")

	repo := newMemRepo()
	log := &fakeLogger{}
	e := newEngine(repo, Options{ChunkSize: 50, ProgressEvery: 100})
	e.Logger = log
	rep, err := e.SyncBatch(context.Background(), mustRecords(t, b.String()), "big")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Processed != 120 {
		t.Fatalf("processed=%d, want 120", rep.Processed)
	}
	if repo.commits != 3 {
		t.Fatalf("commits=%d, want 3", repo.commits)
	}
	if got := log.count("stage=chunk"); got != 3 {
		t.Fatalf("chunk logs=%d, want 3", got)
	}
	// 100 crossed once, plus the final line.
	if got := log.count("progress="); got != 2 {
		t.Fatalf("progress logs=%d, want 2 (%v)", got, log.msgs)
	}
}

func TestSyncBatch_FatalErrorKeepsCommittedChunks(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.insertErr = func(table string, fields []storage.Field) error {
		for _, f := range fields {
			if f.Column == "id" && f.Value == "C3" {
				return fmt.Errorf("write tcp: %w", driver.ErrBadConn)
			}
		}
		return nil
	}
	recs := mustRecords(t, `[{"id":"C1"},{"id":"C2"},{"id":"C3"},{"id":"C4"}]`)
	rep, err := newEngine(repo, Options{ChunkSize: 2}).SyncBatch(context.Background(), recs, "cust")
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("err=%v, want ErrBadConn", err)
	}
	if rep.Processed != 2 || rep.Failed != 0 {
		t.Fatalf("report=%+v, want processed=2 from the committed chunk", rep)
	}
	if repo.commits != 1 || repo.rollbacks != 1 {
		t.Fatalf("commits=%d rollbacks=%d, want 1/1", repo.commits, repo.rollbacks)
	}
	if n := len(repo.rows("cust")); n != 2 {
		t.Fatalf("cust rows=%d, want 2", n)
	}
}

func TestSyncBatch_CommitErrorDropsChunk(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.commitErr = errors.New("log full")
	rep, err := newEngine(repo, Options{}).SyncBatch(context.Background(), mustRecords(t, `{"id":"A1"}`), "cust")
	if err == nil || !strings.Contains(err.Error(), "commit chunk") {
		t.Fatalf("err=%v, want commit error", err)
	}
	if rep.Processed != 0 {
		t.Fatalf("processed=%d, want 0", rep.Processed)
	}
	if n := len(repo.rows("cust")); n != 0 {
		t.Fatalf("rows=%d, want 0", n)
	}
}

func TestSyncBatch_ContextCanceled(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})
	if _, err := e.SyncBatch(context.Background(), mustRecords(t, `{"id":"A1"}`), "cust"); err != nil {
		t.Fatalf("warmup err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.SyncBatch(ctx, mustRecords(t, `{"id":"A2"}`), "cust")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if rowByID(repo.rows("cust"), "A2") != nil {
		t.Fatalf("A2 written after cancel")
	}
}

func TestSyncBatch_DDLFailureDropsFieldOnce(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})
	if _, err := e.SyncBatch(context.Background(), mustRecords(t, `{"id":"A1","name":"X"}`), "cust"); err != nil {
		t.Fatalf("first sync err=%v", err)
	}

	repo.addColumnErr = func(table, column string) error {
		if column == "email" {
			return errors.New("permission denied")
		}
		return nil
	}
	log := &fakeLogger{}
	e.Logger = log
	rep, err := e.SyncBatch(context.Background(), mustRecords(t, `[{"id":"A1","name":"Y","email":"a@x"},{"id":"A2","email":"b@x"}]`), "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Reconcile.Failed != 1 || rep.Processed != 2 {
		t.Fatalf("report=%+v, want reconcile.failed=1 processed=2", rep)
	}
	if rowByID(repo.rows("cust"), "A1")["name"] != "Y" {
		t.Fatalf("A1 not updated: %v", repo.rows("cust"))
	}
	if got := log.count("column=email status=dropped"); got != 1 {
		t.Fatalf("dropped logs=%d, want 1", got)
	}
}

func TestSyncBatch_FatalDDLStopsBeforeWrites(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	repo.createErr = func(string) error { return driver.ErrBadConn }
	_, err := newEngine(repo, Options{}).SyncBatch(context.Background(), mustRecords(t, `{"id":"A1"}`), "cust")
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("err=%v, want ErrBadConn", err)
	}
	for _, c := range repo.calls {
		if c == "begin" {
			t.Fatalf("Begin called after fatal DDL: %v", repo.calls)
		}
	}
}

func TestSyncBatch_InsertRaceRetriesAsUpdate(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	e := newEngine(repo, Options{})
	if _, err := e.SyncBatch(context.Background(), mustRecords(t, `{"id":"seed","name":"s"}`), "cust"); err != nil {
		t.Fatalf("seed err=%v", err)
	}

	// Another writer inserts A1 between our lookup and our insert.
	var once sync.Once
	repo.insertErr = func(table string, fields []storage.Field) error {
		var raced error
		once.Do(func() {
			tbl := repo.tables["cust"]
			tbl.rows = append(tbl.rows, map[string]any{"id": "A1", "name": "other"})
			raced = errors.New("Violation of PRIMARY KEY constraint")
		})
		return raced
	}

	rep, err := e.SyncBatch(context.Background(), mustRecords(t, `{"id":"A1","name":"mine"}`), "cust")
	if err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}
	if rep.Processed != 1 || rep.Updated != 1 || rep.Inserted != 0 {
		t.Fatalf("report=%+v, want processed=1 updated=1", rep)
	}
	rows := repo.rows("cust")
	if len(rows) != 2 || rowByID(rows, "A1")["name"] != "mine" {
		t.Fatalf("rows=%v, want A1 updated to mine", rows)
	}
}

func TestSyncBatch_Validation(t *testing.T) {
	t.Parallel()

	recs := []record.Record{{"id": "1"}}
	if _, err := (&Engine{}).SyncBatch(context.Background(), recs, "t"); err == nil {
		t.Fatalf("nil Repo: err=nil")
	}
	if _, err := newEngine(newMemRepo(), Options{}).SyncBatch(context.Background(), recs, ""); err == nil {
		t.Fatalf("empty table: err=nil")
	}
}

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (b *recordingBackend) IncCounter(name string, delta float64, labels metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := name
	for _, l := range []string{"op", "status", "kind", "step"} {
		if v, ok := labels[l]; ok {
			k += "," + l + "=" + v
		}
	}
	b.counters[k] += delta
}

func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *recordingBackend) Flush() error                                    { return nil }

func TestSyncBatch_ReportsMetrics(t *testing.T) {
	b := &recordingBackend{counters: map[string]float64{}}
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	repo := newMemRepo()
	recs := mustRecords(t, `[{"id":"A1","tags":[{"id":"T1"}]},{"id":"A2"}]`)
	if _, err := newEngine(repo, Options{}).SyncBatch(context.Background(), recs, "cust"); err != nil {
		t.Fatalf("SyncBatch() err=%v", err)
	}

	want := map[string]float64{
		metrics.DDLTotal + ",op=create_table,status=ok": 2,
		metrics.ChunksTotal:                             1,
		metrics.RowsTotal + ",kind=processed":           2,
		metrics.RowsTotal + ",kind=inserted":            3,
		metrics.StepTotal + ",status=ok,step=upsert":    1,
	}
	for k, v := range want {
		if got := b.counters[k]; got != v {
			t.Fatalf("%s=%v, want %v (all=%v)", k, got, v, b.counters)
		}
	}
}
