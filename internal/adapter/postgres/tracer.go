package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
)

// QueryTracer records per-statement latency and errors. Statements are
// labelled by their leading keyword to keep label cardinality fixed.
type QueryTracer struct {
	metrics *metrics.DBMetrics
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

func NewQueryTracer(m *metrics.DBMetrics) *QueryTracer {
	return &QueryTracer{metrics: m}
}

type traceKey struct{}

type traceStart struct {
	at        time.Time
	statement string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: time.Now(), statement: statementKind(data.SQL)})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	t.metrics.QueryDuration.WithLabelValues(start.statement).Observe(time.Since(start.at).Seconds())
	if data.Err != nil && data.Err != pgx.ErrNoRows {
		t.metrics.QueryErrors.WithLabelValues(start.statement).Inc()
	}
}

func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	switch kind := strings.ToLower(fields[0]); kind {
	case "select", "insert", "update", "delete", "with":
		return kind
	default:
		return "other"
	}
}
