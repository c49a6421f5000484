package observability

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelWarn)
	logger.SetOutput(&buf)

	logger.Info("below threshold")
	assert.Empty(t, buf.String())

	logger.Warnf("disk %d%% full", 93)
	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "disk 93% full")

	t.Run("fields are rendered", func(t *testing.T) {
		buf.Reset()
		logger.WithField("actor", "alice").Error("rejected")
		out := buf.String()
		assert.Contains(t, out, "[ERROR]")
		assert.Contains(t, out, "actor=alice")
	})

	t.Run("derived loggers share output", func(t *testing.T) {
		buf.Reset()
		derived := logger.WithFields(map[string]interface{}{"conv": "c1", "n": 2})
		derived.Warn("slow")
		out := buf.String()
		assert.Contains(t, out, "conv=c1")
		assert.Contains(t, out, "n=2")
	})
}

func TestLoggerWithContextNoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelDebug)
	logger.SetOutput(&buf)

	// No recording span in the context; no trace fields appear.
	logger.WithContext(context.Background()).Debug("plain")
	out := buf.String()
	assert.Contains(t, out, "[DEBUG]")
	assert.NotContains(t, out, "trace_id")
}

func TestTracingMiddlewarePassthrough(t *testing.T) {
	handler := TracingMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/select", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestMetricsMiddlewarePassthrough(t *testing.T) {
	metrics, err := NewHTTPMetrics()
	require.NoError(t, err)

	handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewBufferString("{}")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestBusinessMetricsRecord(t *testing.T) {
	metrics, err := NewBusinessMetrics()
	require.NoError(t, err)

	// Instruments run against the global meter; recording must not panic
	// whether or not a provider is installed.
	ctx := context.Background()
	metrics.RecordMutation(ctx, "insert", "posts", true)
	metrics.RecordSelect(ctx, "posts", 10)
	metrics.RecordChangeEvent(ctx, "posts", 2)
	metrics.RecordSignal(ctx, "typing")
	metrics.RecordWSConnection(ctx, 1)
	metrics.RecordWSConnection(ctx, -1)
}

func TestTraceDBQueries(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	traced, err := NewTraceDB(db, "sqlite3")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = traced.ExecContext(ctx, "CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)")
	require.NoError(t, err)

	res, err := traced.ExecContext(ctx, "INSERT INTO notes (id, body) VALUES (?, ?)", "n1", "hello")
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var body string
	require.NoError(t, traced.QueryRowContext(ctx, "SELECT body FROM notes WHERE id = ?", "n1").Scan(&body))
	assert.Equal(t, "hello", body)

	rows, err := traced.QueryContext(ctx, "SELECT id FROM notes ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"n1"}, ids)

	t.Run("errors surface unchanged", func(t *testing.T) {
		_, err := traced.QueryContext(ctx, "SELECT nope FROM missing")
		assert.Error(t, err)
	})
}
