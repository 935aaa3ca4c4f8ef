package model

import (
	"runtime"
	"sync"
)

// Backend identifies which driver produced a QueryEvent.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
	BackendMongo    Backend = "mongodb"
)

// Query tags attached by post-request analysis.
const (
	TagSlow    = "slow"
	TagNPlus1  = "n+1"
	TagSeqScan = "seq-scan"
)

// QueryEvent records a single driver call (SQL statement or document-store
// operation) attributed to a request.
type QueryEvent struct {
	Statement  string  `json:"sql"`                  // statement text, or JSON description for mongodb
	Query      string  `json:"query,omitempty"`      // alias of Statement kept for document-store payloads
	Backend    Backend `json:"database"`             // postgres | mysql | mongodb
	Operation  string  `json:"operation,omitempty"`  // mongodb operation name: find, insertOne, ...
	Collection string  `json:"collection,omitempty"` // mongodb collection name
	Params     []any   `json:"params,omitempty"`
	Filter     any     `json:"filter,omitempty"` // mongodb filter / document / pipeline
	DurationMs int64   `json:"duration"`
	StartTime  int64   `json:"startTime"` // epoch ms
	RowCount   *int64  `json:"rowCount,omitempty"`
	Error      string  `json:"error,omitempty"`
	Connection string  `json:"connection,omitempty"` // e.g. "mydb@localhost" or "mydb@localhost:3306"

	// Filled in after the fact by the explain analyzer and request analysis.
	ExplainPlan     any      `json:"explainPlan,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	DuplicatedCount int      `json:"duplicatedCount,omitempty"`
	PlanType        string   `json:"planType,omitempty"`
}

// AddTag appends tag if not already present. Tags behave as a set.
func (q *QueryEvent) AddTag(tag string) {
	for _, t := range q.Tags {
		if t == tag {
			return
		}
	}
	q.Tags = append(q.Tags, tag)
}

// Fingerprint is the grouping key for duplicate-query detection: the exact
// statement text, with no further normalization.
func (q *QueryEvent) Fingerprint() string {
	if q.Statement != "" {
		return q.Statement
	}
	if q.Query != "" {
		return q.Query
	}
	return "unknown"
}

// LogEvent is one captured log line.
type LogEvent struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

// Cache operation and result labels.
const (
	CacheOpGet     = "get"
	CacheOpSet     = "set"
	CacheOpDel     = "del"
	CacheOpReset   = "reset"
	CacheOpUnknown = "unknown"

	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheSuccess = "success"
	CacheFail    = "fail"
)

// CacheEvent records a single cache call.
type CacheEvent struct {
	Key        string `json:"key"`
	Store      string `json:"store"` // backing store name, best effort
	Operation  string `json:"operation"`
	Result     string `json:"result"`
	TTLMs      *int64 `json:"ttl,omitempty"`
	DurationMs int64  `json:"duration"`
	StartTime  int64  `json:"startTime"` // epoch ms
}

// MemorySnapshot captures process memory counters at request completion.
type MemorySnapshot struct {
	Sys        uint64 `json:"sys"`
	HeapSys    uint64 `json:"heapSys"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	StackSys   uint64 `json:"stackSys"`
	Goroutines int    `json:"goroutines"`
}

// TakeMemorySnapshot reads the current runtime memory counters.
func TakeMemorySnapshot() *MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &MemorySnapshot{
		Sys:        ms.Sys,
		HeapSys:    ms.HeapSys,
		HeapAlloc:  ms.HeapAlloc,
		StackSys:   ms.StackSys,
		Goroutines: runtime.NumGoroutine(),
	}
}

// Exception records an error thrown during request handling.
type Exception struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Timings is the per-request phase breakdown. Total == Middleware + Handler;
// components are clamped to zero on clock anomalies.
type Timings struct {
	TotalMs      int64 `json:"total"`
	MiddlewareMs int64 `json:"middleware"`
	HandlerMs    int64 `json:"handler"`
}

// RequestProfile aggregates everything captured for one inbound request.
// Event slices are append-only while the request is in flight and frozen
// once the profile is finalized.
type RequestProfile struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Route      string `json:"route,omitempty"`
	Controller string `json:"controller,omitempty"`
	Handler    string `json:"handler,omitempty"`

	StartTime  int64 `json:"startTime"` // epoch ms
	EndTime    int64 `json:"endTime,omitempty"`
	DurationMs int64 `json:"duration,omitempty"`
	StatusCode int   `json:"statusCode,omitempty"`

	Memory  *MemorySnapshot `json:"memory,omitempty"`
	Queries []*QueryEvent   `json:"queries"`
	Logs    []*LogEvent     `json:"logs"`
	Cache   []*CacheEvent   `json:"cache"`

	Timestamp      int64             `json:"timestamp"` // creation time, epoch ms
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	RequestBody    string            `json:"requestBody,omitempty"`
	Exception      *Exception        `json:"exception,omitempty"`
	Timings        *Timings          `json:"timings,omitempty"`

	// Guards the event slices: collectors may append from concurrent
	// goroutines belonging to the same request.
	mu sync.Mutex
}

// AppendQuery adds q to the profile in completion order.
func (p *RequestProfile) AppendQuery(q *QueryEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries = append(p.Queries, q)
}

// AppendLog adds l to the profile in completion order.
func (p *RequestProfile) AppendLog(l *LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Logs = append(p.Logs, l)
}

// AppendCache adds c to the profile in completion order.
func (p *RequestProfile) AppendCache(c *CacheEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cache = append(p.Cache, c)
}

// FlatQuery is a QueryEvent joined with its owning request, used by the
// flattened query list view.
type FlatQuery struct {
	*QueryEvent
	RequestID     string `json:"requestId"`
	RequestURL    string `json:"requestUrl"`
	RequestMethod string `json:"requestMethod"`
}

// FlatLog is a LogEvent joined with its owning request.
type FlatLog struct {
	*LogEvent
	RequestID     string `json:"requestId"`
	RequestURL    string `json:"requestUrl"`
	RequestMethod string `json:"requestMethod"`
}

// FlatCache is a CacheEvent joined with its owning request.
type FlatCache struct {
	*CacheEvent
	RequestID     string `json:"requestId"`
	RequestURL    string `json:"requestUrl"`
	RequestMethod string `json:"requestMethod"`
}
