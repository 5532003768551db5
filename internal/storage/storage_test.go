package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestExecuteAndCursorRoundTrip(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Execute("CREATE TABLE kv (k TEXT NOT NULL PRIMARY KEY, v INTEGER)"))
	require.NoError(t, m.Execute("INSERT INTO kv (k, v) VALUES ('a', 1), ('b', NULL)"))

	sel, err := m.Prepare("SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	defer sel.Close()

	type row struct {
		k string
		v *uint64
	}
	var got []row
	err = sel.TakeCursor().Run(func(view RowView) bool {
		var r row
		require.NoError(t, view.Fetch("k", &r.k))
		require.NoError(t, view.Fetch("v", &r.v))
		got = append(got, r)
		return true
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].k)
	require.NotNil(t, got[0].v)
	assert.Equal(t, uint64(1), *got[0].v)
	assert.Equal(t, "b", got[1].k)
	assert.Nil(t, got[1].v)
}

func TestCursorNamedBind(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Execute("CREATE TABLE kv (k TEXT, v INTEGER)"))
	ins, err := m.Prepare("INSERT INTO kv (k, v) VALUES (@k, @v)")
	require.NoError(t, err)
	defer ins.Close()

	cursor := ins.TakeCursor()
	cursor.BindAt("k", "hello")
	cursor.BindAt("v", int64(42))
	require.NoError(t, cursor.Run())

	sel, err := m.Prepare("SELECT v FROM kv WHERE k = ?")
	require.NoError(t, err)
	defer sel.Close()

	var v int64
	err = sel.TakeCursor().Bind("hello").Run(func(view RowView) bool {
		require.NoError(t, view.Fetch("v", &v))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestInsertReturningOnConflict(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Execute(
		"CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT UNIQUE)"))
	ins, err := m.Prepare(
		"INSERT INTO things (id, name) VALUES (@id, @name) ON CONFLICT DO NOTHING RETURNING id")
	require.NoError(t, err)
	defer ins.Close()

	inserted := func(id int64, name string) bool {
		ok := false
		c := ins.TakeCursor()
		c.BindAt("id", id)
		c.BindAt("name", name)
		require.NoError(t, c.Run(func(view RowView) bool {
			ok = true
			return true
		}))
		return ok
	}

	assert.True(t, inserted(1, "first"))
	// Duplicate name: the insert is suppressed and no row comes back.
	assert.False(t, inserted(2, "first"))
}

func TestTransactionCommitAndRollback(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Execute("CREATE TABLE n (v INTEGER)"))

	err := m.Transaction(func(tx *Tx) error {
		return tx.Execute("INSERT INTO n (v) VALUES (1)")
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.Transaction(func(tx *Tx) error {
		if err := tx.Execute("INSERT INTO n (v) VALUES (2)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	sel, err := m.Prepare("SELECT COUNT(*) AS cnt FROM n")
	require.NoError(t, err)
	defer sel.Close()

	var count int
	require.NoError(t, sel.TakeCursor().Run(func(view RowView) bool {
		require.NoError(t, view.Fetch("cnt", &count))
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestTransactionUsesPreparedStatements(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Execute("CREATE TABLE n (v INTEGER)"))
	ins, err := m.Prepare("INSERT INTO n (v) VALUES (?)")
	require.NoError(t, err)
	defer ins.Close()

	err = m.Transaction(func(tx *Tx) error {
		for i := 0; i < 10; i++ {
			if err := tx.Cursor(ins).Bind(i).Run(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	sel, err := m.Prepare("SELECT COUNT(*) AS cnt FROM n")
	require.NoError(t, err)
	defer sel.Close()

	var count int
	require.NoError(t, sel.TakeCursor().Run(func(view RowView) bool {
		require.NoError(t, view.Fetch("cnt", &count))
		return true
	}))
	assert.Equal(t, 10, count)
}

func TestRecordRun(t *testing.T) {
	m := openTestManager(t)

	id, err := m.RecordRun("1.0.0-test")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sel, err := m.Prepare("SELECT id, tool_version FROM scrape_run")
	require.NoError(t, err)
	defer sel.Close()

	rows := 0
	require.NoError(t, sel.TakeCursor().Run(func(view RowView) bool {
		rows++
		var gotID, gotVersion string
		require.NoError(t, view.Fetch("id", &gotID))
		require.NoError(t, view.Fetch("tool_version", &gotVersion))
		assert.Equal(t, id, gotID)
		assert.Equal(t, "1.0.0-test", gotVersion)
		return true
	}))
	assert.Equal(t, 1, rows)
}
