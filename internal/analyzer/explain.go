// Package analyzer annotates slow relational queries with their execution
// plan, obtained by re-running them under EXPLAIN on the same pool.
package analyzer

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/reqlens/reqlens/internal/config"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// Querier is the minimal query surface the analyzer needs. *sql.DB,
// *sql.Conn and *sql.Tx all satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	dmlPattern     = regexp.MustCompile(`(?i)^\s*(SELECT|INSERT|UPDATE|DELETE|WITH)`)
	explainPattern = regexp.MustCompile(`(?i)^\s*EXPLAIN`)
)

type Explain struct {
	useAnalyze  bool
	thresholdMs int64
	limiter     *rate.Limiter
}

func New(cfg config.ExplainConfig) *Explain {
	maxPerSecond := cfg.MaxPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = 5
	}
	return &Explain{
		useAnalyze:  cfg.Analyze,
		thresholdMs: cfg.ThresholdMs,
		// EXPLAIN issues real queries against the application database;
		// the limiter keeps a hot endpoint from doubling its own load.
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1),
	}
}

// Eligible reports whether a statement qualifies for plan analysis: DML that
// is not already an EXPLAIN, and at least as slow as the threshold.
func (e *Explain) Eligible(statement string, durationMs int64) bool {
	if statement == "" || durationMs < e.thresholdMs {
		return false
	}
	return dmlPattern.MatchString(statement) && !explainPattern.MatchString(statement)
}

// Analyze runs EXPLAIN (FORMAT JSON) with the original bound parameters and
// returns the structured plan, or nil. It never returns an error: a closed
// or terminated connection means "no plan available", anything else is
// logged at debug level only.
func (e *Explain) Analyze(ctx context.Context, q Querier, statement string, params []any) any {
	if q == nil || !e.limiter.Allow() {
		return nil
	}

	cmd := "EXPLAIN (FORMAT JSON)"
	if e.useAnalyze {
		cmd = "EXPLAIN (ANALYZE, FORMAT JSON)"
	}

	rows, err := q.QueryContext(ctx, cmd+" "+statement, params...)
	if err != nil {
		e.reportFailure(statement, err)
		return nil
	}
	defer rows.Close()

	if !rows.Next() {
		metrics.ExplainRuns.WithLabelValues("empty").Inc()
		return nil
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		e.reportFailure(statement, err)
		return nil
	}
	var plan any
	if err := json.Unmarshal(raw, &plan); err != nil {
		e.reportFailure(statement, err)
		return nil
	}
	metrics.ExplainRuns.WithLabelValues("ok").Inc()
	return plan
}

// Annotate attaches the plan to the event and classifies it. Safe to call
// after the event is already stored: profiles stay mutable until the request
// is finalized and the UI reads them lazily.
func Annotate(ev *model.QueryEvent, plan any) {
	if plan == nil {
		return
	}
	ev.ExplainPlan = plan

	serialized, err := json.Marshal(plan)
	if err != nil {
		return
	}
	planString := strings.ToLower(string(serialized))
	switch {
	case strings.Contains(planString, "seq scan"):
		ev.AddTag(model.TagSeqScan)
		ev.PlanType = "Seq Scan"
	case strings.Contains(planString, "index scan"), strings.Contains(planString, "index only scan"):
		ev.PlanType = "Index Scan"
	}
}

func (e *Explain) reportFailure(statement string, err error) {
	metrics.ExplainRuns.WithLabelValues("error").Inc()
	msg := err.Error()
	if strings.Contains(msg, "closed") || strings.Contains(msg, "terminated") {
		// Connection went away between the query and the explain. Expected.
		return
	}
	logger.Debug("explain failed", "statement", statement, "error", msg)
}
