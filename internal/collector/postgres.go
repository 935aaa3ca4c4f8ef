package collector

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/reqlens/reqlens/internal/analyzer"
	"github.com/reqlens/reqlens/internal/config"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
)

// PostgresDriverName is the database/sql driver name the instrumented pgx
// driver registers under.
const PostgresDriverName = "reqlens-pg"

// Postgres instruments the pgx stdlib driver and feeds captured queries to
// the profiler, optionally scheduling EXPLAIN analysis for slow ones.
type Postgres struct {
	svc        *profiler.Service
	explain    *analyzer.Explain
	explainCfg config.ExplainConfig
	db         atomic.Pointer[sql.DB]
}

func NewPostgres(svc *profiler.Service, explain *analyzer.Explain, explainCfg config.ExplainConfig) *Postgres {
	p := &Postgres{svc: svc, explain: explain, explainCfg: explainCfg}
	registerSQLDriver(PostgresDriverName, stdlib.GetDefaultDriver(), &sqlBackend{
		backend:  model.BackendPostgres,
		connName: postgresConnName,
		sink:     p.record,
	})
	sqlx.BindDriver(PostgresDriverName, sqlx.DOLLAR)
	return p
}

// Open connects through the instrumented driver. The returned handle is used
// by the application as usual; it is also kept for EXPLAIN runs so plans come
// from the same pool that executed the original query.
func (p *Postgres) Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(PostgresDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)
	p.db.Store(db.DB)
	return db, nil
}

func (p *Postgres) record(ctx context.Context, ev *model.QueryEvent) {
	p.svc.AddQuery(ctx, ev)

	if p.explain == nil || !p.explainCfg.Enabled || ev.Error != "" {
		return
	}
	if !p.explain.Eligible(ev.Statement, ev.DurationMs) {
		return
	}
	db := p.db.Load()
	if db == nil {
		return
	}
	// Asynchronous relative to the original query: the response must never
	// wait for plan analysis. The event stays mutable until its profile is
	// finalized, so attaching the plan after the fact is safe.
	go func() {
		explainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		plan := p.explain.Analyze(explainCtx, db, ev.Statement, ev.Params)
		analyzer.Annotate(ev, plan)
	}()
}

// postgresConnName derives "{database}@{host}" from a postgres DSN, which may
// be a URL or a key=value string.
func postgresConnName(dsn string) string {
	database, host := "unknown", "localhost"

	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			logger.Debug("unparseable postgres dsn", "error", err)
			return database + "@" + host
		}
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			database = name
		}
		if h := u.Hostname(); h != "" {
			host = h
		}
		return database + "@" + host
	}

	for _, field := range strings.Fields(dsn) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "dbname":
			database = v
		case "host":
			host = v
		}
	}
	return database + "@" + host
}
