package collector

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/reqlens/reqlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// The interceptor is wrapped around a real sqlite driver: mechanics (row
// counting, params, errors) are backend-independent.

const testDriverName = "profiled-sqlite"

var (
	testDriverOnce sync.Once
	testSinkMu     sync.Mutex
	testSink       eventSink
)

func setTestSink(t *testing.T, sink eventSink) {
	t.Helper()
	testSinkMu.Lock()
	testSink = sink
	testSinkMu.Unlock()
	t.Cleanup(func() {
		testSinkMu.Lock()
		testSink = nil
		testSinkMu.Unlock()
	})
}

func openProfiledSQLite(t *testing.T) *sql.DB {
	t.Helper()
	testDriverOnce.Do(func() {
		probe, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("open probe: %v", err)
		}
		parent := probe.Driver()
		_ = probe.Close()

		registerSQLDriver(testDriverName, parent, &sqlBackend{
			backend:  model.BackendPostgres,
			connName: func(string) string { return "testdb@local" },
			sink: func(ctx context.Context, ev *model.QueryEvent) {
				testSinkMu.Lock()
				sink := testSink
				testSinkMu.Unlock()
				if sink != nil {
					sink(ctx, ev)
				}
			},
		})
	})

	db, err := sql.Open(testDriverName, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func collectEvents(t *testing.T) *[]*model.QueryEvent {
	t.Helper()
	var (
		mu     sync.Mutex
		events []*model.QueryEvent
	)
	setTestSink(t, func(_ context.Context, ev *model.QueryEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return &events
}

func TestProfiledDriver_ExecCaptured(t *testing.T) {
	events := collectEvents(t)
	db := openProfiledSQLite(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO items (id, name) VALUES (?, ?)", 1, "alice")
	require.NoError(t, err)

	require.Len(t, *events, 2)
	ev := (*events)[1]
	assert.Equal(t, "INSERT INTO items (id, name) VALUES (?, ?)", ev.Statement)
	assert.Equal(t, model.BackendPostgres, ev.Backend)
	assert.Equal(t, "testdb@local", ev.Connection)
	assert.Equal(t, []any{int64(1), "alice"}, ev.Params)
	require.NotNil(t, ev.RowCount)
	assert.Equal(t, int64(1), *ev.RowCount)
	assert.Empty(t, ev.Error)
	assert.NotZero(t, ev.StartTime)
}

func TestProfiledDriver_QueryCountsRows(t *testing.T) {
	events := collectEvents(t)
	db := openProfiledSQLite(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = db.ExecContext(ctx, "INSERT INTO items (id, name) VALUES (?, ?)", i, "x")
		require.NoError(t, err)
	}

	rows, err := db.QueryContext(ctx, "SELECT id FROM items")
	require.NoError(t, err)
	var n int
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, 3, n)

	last := (*events)[len(*events)-1]
	assert.Equal(t, "SELECT id FROM items", last.Statement)
	require.NotNil(t, last.RowCount)
	assert.Equal(t, int64(3), *last.RowCount)
}

func TestProfiledDriver_ErrorCaptured(t *testing.T) {
	events := collectEvents(t)
	db := openProfiledSQLite(t)

	_, err := db.ExecContext(context.Background(), "INSERT INTO no_such_table VALUES (1)")
	require.Error(t, err)

	require.NotEmpty(t, *events)
	last := (*events)[len(*events)-1]
	assert.NotEmpty(t, last.Error)
	assert.Nil(t, last.RowCount)
}

func TestRegisterSQLDriver_DuplicateIsNoop(t *testing.T) {
	db := openProfiledSQLite(t)
	_ = db

	// Would panic inside sql.Register without the guard.
	assert.NotPanics(t, func() {
		registerSQLDriver(testDriverName, nil, &sqlBackend{})
	})
}
