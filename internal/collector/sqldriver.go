// Package collector wraps driver call surfaces (database/sql drivers, the
// Mongo collection API, cache stores, slog) so every call is measured,
// normalized into an event and attributed to the active request profile.
package collector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
	"time"

	"github.com/reqlens/reqlens/internal/model"
)

// eventSink receives every normalized query event. Attribution (and the
// drop-without-context rule) lives behind the sink.
type eventSink func(ctx context.Context, ev *model.QueryEvent)

// sqlBackend carries the per-backend extraction rules for the generic
// database/sql interceptor.
type sqlBackend struct {
	backend  model.Backend
	connName func(dsn string) string
	sink     eventSink
}

var (
	driverRegMu sync.Mutex
	driverReg   = map[string]bool{}
)

// registerSQLDriver registers the wrapped driver under name. sql.Register
// panics on duplicates, so re-registration from a second instrumented module
// is a guarded no-op.
func registerSQLDriver(name string, parent driver.Driver, b *sqlBackend) {
	driverRegMu.Lock()
	defer driverRegMu.Unlock()
	if driverReg[name] {
		return
	}
	sql.Register(name, &profiledDriver{parent: parent, backend: b})
	driverReg[name] = true
}

type profiledDriver struct {
	parent  driver.Driver
	backend *sqlBackend
}

func (d *profiledDriver) Open(dsn string) (driver.Conn, error) {
	conn, err := d.parent.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &profiledConn{
		conn:     conn,
		connName: d.backend.connName(dsn),
		backend:  d.backend,
	}, nil
}

type profiledConn struct {
	conn     driver.Conn
	connName string
	backend  *sqlBackend
}

func (c *profiledConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &profiledStmt{stmt: stmt, query: query, conn: c}, nil
}

func (c *profiledConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.conn.(driver.ConnPrepareContext); ok {
		stmt, err := pc.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &profiledStmt{stmt: stmt, query: query, conn: c}, nil
	}
	return c.Prepare(query)
}

func (c *profiledConn) Close() error {
	return c.conn.Close()
}

func (c *profiledConn) Begin() (driver.Tx, error) {
	return c.conn.Begin() //nolint:staticcheck // driver.Conn fallback path
}

func (c *profiledConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.conn.Begin() //nolint:staticcheck // driver.Conn fallback path
}

func (c *profiledConn) Ping(ctx context.Context) error {
	if p, ok := c.conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *profiledConn) ResetSession(ctx context.Context) error {
	if r, ok := c.conn.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *profiledConn) IsValid() bool {
	if v, ok := c.conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

// CheckNamedValue defers to the parent driver's converter when it has one.
func (c *profiledConn) CheckNamedValue(nv *driver.NamedValue) error {
	if checker, ok := c.conn.(driver.NamedValueChecker); ok {
		return checker.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// QueryContext measures the call and defers the event until the returned
// rows are materialized: the row count is only known once enumeration ends.
func (c *profiledConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.conn.(driver.QueryerContext)
	if !ok {
		// database/sql falls back to the prepared-statement path; no
		// event is recorded here to avoid double-counting.
		return nil, driver.ErrSkip
	}
	start := time.Now()
	rows, err := qc.QueryContext(ctx, query, args)
	if err != nil {
		if err == driver.ErrSkip {
			return nil, err
		}
		c.emit(ctx, query, namedValues(args), start, nil, err)
		return nil, err
	}
	return &profiledRows{
		rows:   rows,
		ctx:    ctx,
		conn:   c,
		query:  query,
		params: namedValues(args),
		start:  start,
	}, nil
}

func (c *profiledConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	res, err := ec.ExecContext(ctx, query, args)
	if err != nil {
		if err == driver.ErrSkip {
			return nil, err
		}
		c.emit(ctx, query, namedValues(args), start, nil, err)
		return nil, err
	}
	c.emit(ctx, query, namedValues(args), start, affectedRows(res), nil)
	return res, nil
}

// emit builds the event and hands it to the sink. Extraction or attribution
// failures must never reach the caller.
func (c *profiledConn) emit(ctx context.Context, query string, params []any, start time.Time, rowCount *int64, callErr error) {
	defer func() {
		_ = recover()
	}()

	durationMs := time.Since(start).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	ev := &model.QueryEvent{
		Statement:  query,
		Backend:    c.backend.backend,
		Params:     params,
		DurationMs: durationMs,
		StartTime:  start.UnixMilli(),
		RowCount:   rowCount,
		Connection: c.connName,
	}
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	c.backend.sink(ctx, ev)
}

// profiledRows counts rows as they are enumerated and emits the query event
// exactly once, when the cursor is exhausted or closed.
type profiledRows struct {
	rows    driver.Rows
	ctx     context.Context
	conn    *profiledConn
	query   string
	params  []any
	start   time.Time
	count   int64
	emitted bool
}

func (r *profiledRows) Columns() []string {
	return r.rows.Columns()
}

func (r *profiledRows) Next(dest []driver.Value) error {
	err := r.rows.Next(dest)
	if err == nil {
		r.count++
		return nil
	}
	if err == io.EOF {
		r.finish(nil)
	} else {
		r.finish(err)
	}
	return err
}

func (r *profiledRows) Close() error {
	err := r.rows.Close()
	r.finish(nil)
	return err
}

func (r *profiledRows) finish(rowErr error) {
	if r.emitted {
		return
	}
	r.emitted = true
	count := r.count
	r.conn.emit(r.ctx, r.query, r.params, r.start, &count, rowErr)
}

type profiledStmt struct {
	stmt  driver.Stmt
	query string
	conn  *profiledConn
}

func (s *profiledStmt) Close() error {
	return s.stmt.Close()
}

func (s *profiledStmt) NumInput() int {
	return s.stmt.NumInput()
}

func (s *profiledStmt) Exec(args []driver.Value) (driver.Result, error) {
	start := time.Now()
	res, err := s.stmt.Exec(args) //nolint:staticcheck // driver.Stmt fallback path
	if err != nil {
		s.conn.emit(context.Background(), s.query, values(args), start, nil, err)
		return nil, err
	}
	s.conn.emit(context.Background(), s.query, values(args), start, affectedRows(res), nil)
	return res, nil
}

func (s *profiledStmt) Query(args []driver.Value) (driver.Rows, error) {
	start := time.Now()
	rows, err := s.stmt.Query(args) //nolint:staticcheck // driver.Stmt fallback path
	if err != nil {
		s.conn.emit(context.Background(), s.query, values(args), start, nil, err)
		return nil, err
	}
	return &profiledRows{rows: rows, ctx: context.Background(), conn: s.conn, query: s.query, params: values(args), start: start}, nil
}

func (s *profiledStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	se, ok := s.stmt.(driver.StmtExecContext)
	if !ok {
		return s.Exec(namedToValues(args))
	}
	start := time.Now()
	res, err := se.ExecContext(ctx, args)
	if err != nil {
		s.conn.emit(ctx, s.query, namedValues(args), start, nil, err)
		return nil, err
	}
	s.conn.emit(ctx, s.query, namedValues(args), start, affectedRows(res), nil)
	return res, nil
}

func (s *profiledStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	sq, ok := s.stmt.(driver.StmtQueryContext)
	if !ok {
		return s.Query(namedToValues(args))
	}
	start := time.Now()
	rows, err := sq.QueryContext(ctx, args)
	if err != nil {
		s.conn.emit(ctx, s.query, namedValues(args), start, nil, err)
		return nil, err
	}
	return &profiledRows{rows: rows, ctx: ctx, conn: s.conn, query: s.query, params: namedValues(args), start: start}, nil
}

func (s *profiledStmt) CheckNamedValue(nv *driver.NamedValue) error {
	if checker, ok := s.stmt.(driver.NamedValueChecker); ok {
		return checker.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

func namedValues(args []driver.NamedValue) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func values(args []driver.Value) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func namedToValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func affectedRows(res driver.Result) *int64 {
	if res == nil {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	return &n
}
