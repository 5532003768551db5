package storage

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Manager owns the relational connection shared by all scraper jobs.
//
// The database is pinned to a single underlying connection so that
// transactions cover every prepared statement, and an internal mutex
// serializes access: callers never lock around Manager operations
// themselves. Transactions are not nested.
type Manager struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the database at path. ":memory:" is accepted for an
// in-memory database.
func Open(path string) (*Manager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// Single connection: prepared statements and BEGIN/COMMIT must agree
	// on the connection they run on.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &Manager{db: db, path: path}, nil
}

// Path returns the database location this manager was opened with.
func (m *Manager) Path() string {
	return m.path
}

// Close releases the connection. Statements prepared from this manager are
// invalidated.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Execute runs fire-and-forget DDL or simple DML.
func (m *Manager) Execute(query string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.db.Exec(query, args...); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Prepare compiles a parameterized statement reusable across many binds.
func (m *Manager) Prepare(query string) (*Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stmt, err := m.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare failed: %w", err)
	}
	return &Statement{manager: m, stmt: stmt}, nil
}

// Transaction runs fn inside a single transaction, committing on success
// and rolling back when fn returns an error.
func (m *Manager) Transaction(fn func(*Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// SQLite transactions are serializable; the driver rejects explicit
	// isolation levels.
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit
	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Statement is a compiled parameterized statement.
type Statement struct {
	manager *Manager
	stmt    *sql.Stmt
}

// Close releases the compiled statement.
func (s *Statement) Close() error {
	return s.stmt.Close()
}

// TakeCursor yields a single-use cursor executing outside any transaction.
func (s *Statement) TakeCursor() *Cursor {
	return &Cursor{stmt: s.stmt, mu: &s.manager.mu}
}

// Tx is a live transaction handle passed to Transaction callbacks.
type Tx struct {
	tx *sql.Tx
}

// Execute runs simple DML on the transaction.
func (t *Tx) Execute(query string, args ...any) error {
	if _, err := t.tx.Exec(query, args...); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Cursor yields a single-use cursor running the statement inside this
// transaction.
func (t *Tx) Cursor(s *Statement) *Cursor {
	return &Cursor{stmt: t.tx.Stmt(s.stmt)}
}

// RowConsumer receives one result row; returning false stops iteration.
type RowConsumer func(RowView) bool

// Cursor binds parameters and runs a statement once.
type Cursor struct {
	stmt *sql.Stmt
	mu   *sync.Mutex
	args []any
}

// Bind appends positional parameter values.
func (c *Cursor) Bind(values ...any) *Cursor {
	c.args = append(c.args, values...)
	return c
}

// BindAt binds a named parameter. The name is given without the @ prefix.
func (c *Cursor) BindAt(name string, value any) *Cursor {
	c.args = append(c.args, sql.Named(name, value))
	return c
}

// Run executes the statement. When a consumer is given it is invoked for
// each result row until it returns false; without one, result rows are
// discarded.
func (c *Cursor) Run(consumer ...RowConsumer) error {
	if c.mu != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	rows, err := c.stmt.Query(c.args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var consume RowConsumer
	if len(consumer) > 0 {
		consume = consumer[0]
	}

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read result columns: %w", err)
	}
	for rows.Next() {
		if consume == nil {
			continue
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if !consume(RowView{columns: columns, values: values}) {
			break
		}
	}
	return rows.Err()
}
