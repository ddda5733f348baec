package executor

import (
	"context"
)

// Column describes one column of a result set.
type Column struct {
	// Name of the column as reported by the downstream database.
	Name string
	// OID is the PostgreSQL type oid the column's values are encoded as.
	OID uint32
}

// Row is one decoded result row. Values holds Go-native values, nil for
// NULL. Native holds the downstream engine's own text rendering of each
// value, emitted verbatim when the session runs in native text format.
type Row struct {
	Values []any
	Native []string
}

// RowCursor is a lazy, forward-only sequence of result rows. It is not
// restartable. Next returns (nil, nil) once the cursor is exhausted.
// Close releases the underlying stream and is idempotent.
type RowCursor interface {
	Columns() []Column
	Next() (*Row, error)
	Close() error
}

// Result is the outcome of executing a single statement: a row cursor, an
// affected-row count, or neither (statements that only report a tag, such
// as BEGIN); never both.
type Result struct {
	Rows            RowCursor
	RowsAffected    int64
	HasRowsAffected bool
}

// Executor runs SQL text against the downstream database. Implementations
// must be safe for use from concurrent sessions.
type Executor interface {
	Execute(ctx context.Context, sql string, args []any) (*Result, error)
	Close() error
}
