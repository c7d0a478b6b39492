package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestData(t *testing.T) *SQLiteData {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analytics.sqlite")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE revenue (month TEXT NOT NULL, amount REAL NOT NULL, region TEXT)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		_, err := db.Exec(`INSERT INTO revenue (month, amount, region) VALUES (?, ?, ?)`,
			fmt.Sprintf("2025-%02d", i+1), float64(1000+i*100), "emea")
		if err != nil {
			t.Fatalf("seed rows: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}

	d, err := OpenSQLiteData(path)
	if err != nil {
		t.Fatalf("OpenSQLiteData: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSQLiteData_Schema(t *testing.T) {
	t.Parallel()

	d := openTestData(t)
	schema, err := d.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if !strings.Contains(schema, "TABLE revenue") {
		t.Fatalf("schema missing table: %s", schema)
	}
	if !strings.Contains(schema, "month TEXT") || !strings.Contains(schema, "amount REAL") {
		t.Fatalf("schema missing columns: %s", schema)
	}
	if !strings.Contains(schema, "6 rows") {
		t.Fatalf("schema missing row count: %s", schema)
	}
}

func TestSQLiteData_Query(t *testing.T) {
	t.Parallel()

	d := openTestData(t)
	res, err := d.Query(context.Background(), `SELECT month, amount FROM revenue ORDER BY month`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.RowCount != 6 || len(res.Rows) != 6 {
		t.Fatalf("RowCount=%d len=%d", res.RowCount, len(res.Rows))
	}
	if res.Truncated {
		t.Fatalf("Truncated=true for a small result")
	}
	if res.Rows[0]["month"] != "2025-01" {
		t.Fatalf("first row=%v", res.Rows[0])
	}
	if res.Rows[5]["amount"] != float64(1500) {
		t.Fatalf("last amount=%v", res.Rows[5]["amount"])
	}
}

func TestSQLiteData_QueryErrorsAreTyped(t *testing.T) {
	t.Parallel()

	d := openTestData(t)
	_, err := d.Query(context.Background(), `SELECT * FROM no_such_table`)
	if err == nil {
		t.Fatalf("Query on missing table succeeded")
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("err=%T, want *ToolError", err)
	}
	if te.Code != ErrorCodeInvalidSQL || !te.Retryable {
		t.Fatalf("ToolError=%+v, want retryable INVALID_SQL", te)
	}
}

func TestSQLiteData_EmptyQueryRejected(t *testing.T) {
	t.Parallel()

	d := openTestData(t)
	_, err := d.Query(context.Background(), "   ")
	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrorCodeInvalidSQL {
		t.Fatalf("err=%v, want INVALID_SQL", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	if te := ClassifyError(context.DeadlineExceeded); te.Code != ErrorCodeTimeout || !te.Retryable {
		t.Fatalf("deadline: %+v", te)
	}
	if te := ClassifyError(context.Canceled); te.Code != ErrorCodeCanceled || te.Retryable {
		t.Fatalf("canceled: %+v", te)
	}
	if te := ClassifyError(errors.New("SQL logic error: no such column: amnt")); te.Code != ErrorCodeInvalidSQL {
		t.Fatalf("invalid sql: %+v", te)
	}
	if te := ClassifyError(errors.New("weird failure")); te.Code != ErrorCodeUnknown {
		t.Fatalf("unknown: %+v", te)
	}
	if ClassifyError(nil) != nil {
		t.Fatalf("nil error should classify to nil")
	}
}
