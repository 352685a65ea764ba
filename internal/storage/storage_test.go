package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestCatalog_CaseInsensitive(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	c.Add("Cust", "ID")
	c.Add("cust", "name")
	c.Add("CUST", "Name")
	c.Add("cust_tags", "")

	if !c.HasTable("cust") || !c.HasTable("CUST_TAGS") {
		t.Fatalf("tables=%v, want cust and cust_tags", c.Tables())
	}
	if !c.HasColumn("cust", "id") || !c.HasColumn("CUST", "NAME") {
		t.Fatalf("columns=%v, want id and name", c.Columns("cust"))
	}
	if got, want := c.Columns("cust"), []string{"ID", "name"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Columns=%v, want %v", got, want)
	}
	if c.HasColumn("cust_tags", "id") {
		t.Fatalf("cust_tags must have no columns")
	}
	if c.HasColumn("missing", "id") {
		t.Fatalf("missing table reported a column")
	}
}

func TestCatalog_SetTableReplaces(t *testing.T) {
	t.Parallel()

	var c Catalog
	c.SetTable("t", []string{"id", "a"})
	c.SetTable("T", []string{"id", "b"})

	if c.HasColumn("t", "a") || !c.HasColumn("t", "b") {
		t.Fatalf("columns=%v, want [id b]", c.Columns("t"))
	}
	if got := c.Tables(); len(got) != 1 {
		t.Fatalf("tables=%v, want one entry", got)
	}
}

type stubRepo struct{ Repository }

func TestRegisterAndOpen(t *testing.T) {
	kind := "register_open_test"
	var gotDSN string
	Register(kind, func(ctx context.Context, cfg Config) (Repository, error) {
		gotDSN = cfg.DSN
		return stubRepo{}, nil
	})

	if _, err := Open(context.Background(), Config{Kind: kind, DSN: "dsn://x"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotDSN != "dsn://x" {
		t.Fatalf("factory dsn=%q, want dsn://x", gotDSN)
	}

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("Open(empty kind) err=nil, want error")
	}
	_, err := Open(context.Background(), Config{Kind: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unsupported kind=nope") {
		t.Fatalf("Open(nope) err=%v, want unsupported kind", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register(kind, func(context.Context, Config) (Repository, error) { return nil, nil })
}

func TestIsConnError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bad_conn_wrapped", err: fmt.Errorf("exec: %w", driver.ErrBadConn), want: true},
		{name: "canceled", err: context.Canceled, want: true},
		{name: "plain", err: errors.New("violation of PRIMARY KEY constraint"), want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsConnError(tc.err); got != tc.want {
				t.Fatalf("IsConnError(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
