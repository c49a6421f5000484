package observability

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// DatabaseMetrics holds database-related metrics
type DatabaseMetrics struct {
	queryDuration metric.Float64Histogram
	queryCount    metric.Int64Counter
	errorCount    metric.Int64Counter
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)

	queryDuration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queryCount, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.error.count",
		metric.WithDescription("Total number of database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		queryDuration: queryDuration,
		queryCount:    queryCount,
		errorCount:    errorCount,
	}, nil
}

// RecordQuery records database query metrics
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
	}

	m.queryCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queryDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TraceDB wraps sql.DB with tracing and query metrics
type TraceDB struct {
	db      *sql.DB
	system  string
	metrics *DatabaseMetrics
}

// NewTraceDB creates a traced database wrapper. The system name
// ("sqlite3", "postgres") tags every span and metric.
func NewTraceDB(db *sql.DB, system string) (*TraceDB, error) {
	metrics, err := NewDatabaseMetrics()
	if err != nil {
		return nil, err
	}

	return &TraceDB{
		db:      db,
		system:  system,
		metrics: metrics,
	}, nil
}

// QueryContext executes a query with tracing
func (t *TraceDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, span := t.startSpan(ctx, "DB Query", query)
	defer span.End()

	start := time.Now()
	rows, err := t.db.QueryContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))
	t.metrics.RecordQuery(ctx, "query", duration, err)

	return rows, err
}

// ExecContext executes a statement with tracing
func (t *TraceDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, span := t.startSpan(ctx, "DB Exec", query)
	defer span.End()

	start := time.Now()
	result, err := t.db.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
		if rowsAffected, raErr := result.RowsAffected(); raErr == nil {
			span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
		}
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))
	t.metrics.RecordQuery(ctx, "exec", duration, err)

	return result, err
}

// QueryRowContext executes a query that returns a single row with tracing
func (t *TraceDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, span := t.startSpan(ctx, "DB QueryRow", query)
	// Note: the span cannot cover the Scan; sql.Row defers execution

	start := time.Now()
	row := t.db.QueryRowContext(ctx, query, args...)
	t.metrics.RecordQuery(ctx, "query_row", time.Since(start), nil)
	span.End()
	return row
}

func (t *TraceDB) startSpan(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
}

func truncateQuery(query string) string {
	if len(query) > 500 {
		return query[:500] + "..."
	}
	return query
}

// BusinessMetrics holds custom business metrics
type BusinessMetrics struct {
	mutations     metric.Int64Counter
	selects       metric.Int64Counter
	changeEvents  metric.Int64Counter
	signals       metric.Int64Counter
	wsConnections metric.Int64UpDownCounter
}

// NewBusinessMetrics creates business metrics instruments
func NewBusinessMetrics() (*BusinessMetrics, error) {
	meter := otel.Meter(instrumentationName)

	mutations, err := meter.Int64Counter(
		"feedsync.mutations",
		metric.WithDescription("Total number of mutation requests"),
		metric.WithUnit("{mutations}"),
	)
	if err != nil {
		return nil, err
	}

	selects, err := meter.Int64Counter(
		"feedsync.selects",
		metric.WithDescription("Total number of select requests"),
		metric.WithUnit("{selects}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"feedsync.change_events",
		metric.WithDescription("Total number of change events fanned out"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	signals, err := meter.Int64Counter(
		"feedsync.signals",
		metric.WithDescription("Total number of ephemeral signals relayed"),
		metric.WithUnit("{signals}"),
	)
	if err != nil {
		return nil, err
	}

	wsConnections, err := meter.Int64UpDownCounter(
		"feedsync.ws.connections",
		metric.WithDescription("Number of active websocket connections"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		return nil, err
	}

	return &BusinessMetrics{
		mutations:     mutations,
		selects:       selects,
		changeEvents:  changeEvents,
		signals:       signals,
		wsConnections: wsConnections,
	}, nil
}

// RecordMutation records a mutation request
func (m *BusinessMetrics) RecordMutation(ctx context.Context, op, table string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("table", table),
		attribute.Bool("success", success),
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSelect records a select request
func (m *BusinessMetrics) RecordSelect(ctx context.Context, table string, rows int) {
	attrs := []attribute.KeyValue{
		attribute.String("table", table),
		attribute.Int("row_count", rows),
	}
	m.selects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChangeEvent records a change event fan-out
func (m *BusinessMetrics) RecordChangeEvent(ctx context.Context, table string, subscribers int) {
	attrs := []attribute.KeyValue{
		attribute.String("table", table),
		attribute.Int("subscriber_count", subscribers),
	}
	m.changeEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignal records an ephemeral signal relay
func (m *BusinessMetrics) RecordSignal(ctx context.Context, event string) {
	attrs := []attribute.KeyValue{
		attribute.String("event", event),
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWSConnection tracks websocket connection lifecycle
func (m *BusinessMetrics) RecordWSConnection(ctx context.Context, delta int64) {
	m.wsConnections.Add(ctx, delta)
}
