package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// maxQueryRows caps query results so a runaway SELECT cannot blow up memory
// or the prompt budget downstream.
const maxQueryRows = 1000

// SQLiteData is the DataAccess implementation over a local SQLite database.
type SQLiteData struct {
	db *sql.DB
}

func OpenSQLiteData(path string) (*SQLiteData, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing database path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteData{db: db}, nil
}

func (d *SQLiteData) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Schema describes every user table: name, columns with declared types, and
// an approximate row count. The output is meant for a model prompt, not for
// programmatic parsing.
func (d *SQLiteData) Schema(ctx context.Context) (string, error) {
	if d == nil || d.db == nil {
		return "", errors.New("data access not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "(no tables)", nil
	}

	var sb strings.Builder
	for _, table := range tables {
		cols, err := d.tableColumns(ctx, table)
		if err != nil {
			return "", err
		}
		count := int64(-1)
		// Count is best-effort; a huge table may be slow but SQLite keeps
		// this cheap for the analytical datasets this agent targets.
		_ = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&count)

		fmt.Fprintf(&sb, "TABLE %s (%s)", table, strings.Join(cols, ", "))
		if count >= 0 {
			fmt.Fprintf(&sb, " -- %d rows", count)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (d *SQLiteData) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		if strings.TrimSpace(typ) == "" {
			cols = append(cols, name)
			continue
		}
		cols = append(cols, name+" "+typ)
	}
	return cols, rows.Err()
}

// Query executes one statement. Results are capped at maxQueryRows; the cap
// is reported via Truncated so a later stage can summarize honestly.
func (d *SQLiteData) Query(ctx context.Context, query string) (*QueryResult, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("data access not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ToolError{Code: ErrorCodeInvalidSQL, Message: "empty query", Retryable: true}
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ClassifyError(err)
	}

	out := &QueryResult{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if out.RowCount >= maxQueryRows {
			out.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, ClassifyError(err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out.Rows = append(out.Rows, row)
		out.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifyError(err)
	}
	return out, nil
}

// normalizeValue maps driver values to JSON-friendly types.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	default:
		return v
	}
}
