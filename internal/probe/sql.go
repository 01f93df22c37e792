package probe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

const sqlMaxJSONSizeDefault = 1 << 20 // 1 MiB, enforced again at validation time

type sqlExecutor struct {
	spec task.Spec
	deps Deps
}

func newSQLExecutor(spec task.Spec, deps Deps) *sqlExecutor {
	return &sqlExecutor{spec: spec, deps: deps}
}

func (e *sqlExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawSQL{Base: failedBase(e.spec, now, errMsg)}
}

func (e *sqlExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	db, err := sql.Open(e.spec.Driver, e.spec.DSN)
	if err != nil {
		return e.Failed(now, fmt.Sprintf("open: %s", err))
	}
	defer db.Close()

	t0 := time.Now()
	rows, err := db.QueryContext(ctx, e.spec.Query)
	if err != nil {
		return e.Failed(now, fmt.Sprintf("query: %s", err))
	}
	defer rows.Close()

	if e.spec.Mode == "json" {
		return e.executeJSONMode(rows, t0, now)
	}
	return e.executeValueMode(rows, t0, now)
}

func (e *sqlExecutor) executeValueMode(rows *sql.Rows, t0 time.Time, now time.Time) any {
	var value *float64
	if rows.Next() {
		cols, err := rows.Columns()
		if err != nil || len(cols) == 0 {
			return e.Failed(now, "query returned no columns")
		}
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return e.Failed(now, fmt.Sprintf("scan: %s", err))
		}
		if v, ok := asFloat64(raw); ok {
			value = &v
		}
		// non-numeric first column: success with value=null, per the kind's
		// value-mode contract.
	}
	if err := rows.Err(); err != nil {
		return e.Failed(now, fmt.Sprintf("rows: %s", err))
	}
	return &sample.RawSQL{
		Base:    okBase(e.spec, now),
		QueryMS: msSince(t0),
		Value:   value,
	}
}

func (e *sqlExecutor) executeJSONMode(rows *sql.Rows, t0 time.Time, now time.Time) any {
	maxRows := e.spec.MaxRows
	if maxRows <= 0 {
		maxRows = 100
	}
	maxBytes := e.spec.MaxJSONSizeBytes
	if maxBytes <= 0 {
		maxBytes = sqlMaxJSONSizeDefault
	}

	cols, err := rows.Columns()
	if err != nil {
		return e.Failed(now, fmt.Sprintf("columns: %s", err))
	}

	var results []map[string]any
	truncated := false
	for rows.Next() {
		if len(results) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return e.Failed(now, fmt.Sprintf("scan: %s", err))
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return e.Failed(now, fmt.Sprintf("rows: %s", err))
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return e.Failed(now, fmt.Sprintf("marshal: %s", err))
	}
	if len(encoded) > maxBytes {
		encoded = encoded[:maxBytes]
		truncated = true
	}

	return &sample.RawSQL{
		Base:          okBase(e.spec, now),
		QueryMS:       msSince(t0),
		JSONResult:    string(encoded),
		JSONTruncated: truncated,
	}
}

func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
