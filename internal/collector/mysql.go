package collector

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/profiler"
)

// MySQLDriverName is the database/sql driver name the instrumented mysql
// driver registers under.
const MySQLDriverName = "reqlens-mysql"

// MySQL instruments the go-sql-driver and feeds captured queries to the
// profiler. Mutations report affected rows; selects report the enumerated
// row count.
type MySQL struct {
	svc *profiler.Service
}

func NewMySQL(svc *profiler.Service) *MySQL {
	m := &MySQL{svc: svc}
	registerSQLDriver(MySQLDriverName, mysql.MySQLDriver{}, &sqlBackend{
		backend:  model.BackendMySQL,
		connName: mysqlConnName,
		sink:     m.record,
	})
	sqlx.BindDriver(MySQLDriverName, sqlx.QUESTION)
	return m
}

func (m *MySQL) Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(MySQLDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)
	return db, nil
}

func (m *MySQL) record(ctx context.Context, ev *model.QueryEvent) {
	m.svc.AddQuery(ctx, ev)
}

// mysqlConnName derives "{database}@{host}:{port}" from a mysql DSN.
// ParseDSN normalizes the address, defaulting the port to 3306.
func mysqlConnName(dsn string) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "unknown@localhost:3306"
	}
	database := cfg.DBName
	if database == "" {
		database = "unknown"
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:3306"
	}
	return database + "@" + addr
}
