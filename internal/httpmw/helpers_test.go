package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/proxyfix/internal/log"
)

type capturedLog struct {
	level  string
	msg    string
	err    error
	fields []any
}

// flatLogger records every call. With returns the same logger with the
// fields remembered, so assertions can look at the merged set.
type flatLogger struct {
	mu      sync.Mutex
	records []capturedLog
	withs   []any
}

func newFlatLogger() *flatLogger { return &flatLogger{} }

func (l *flatLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv...)
	return l
}

func (l *flatLogger) add(level, msg string, err error, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, capturedLog{level: level, msg: msg, err: err, fields: kv})
}

func (l *flatLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, nil, kv) }
func (l *flatLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, nil, kv) }
func (l *flatLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, nil, kv) }
func (l *flatLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", msg, err, kv)
}
func (l *flatLogger) Sync() error { return nil }

func (l *flatLogger) last() (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return capturedLog{}, false
	}
	return l.records[len(l.records)-1], true
}

func (l *flatLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// allFields is every With field followed by every record field.
func (l *flatLogger) allFields() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]any(nil), l.withs...)
	for _, r := range l.records {
		out = append(out, r.fields...)
	}
	return out
}

func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

// serve runs req through mw and returns the request the inner handler saw
// along with how many times it was called.
func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (*http.Request, int, *httptest.ResponseRecorder) {
	t.Helper()
	var seen *http.Request
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		seen = r
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return seen, calls, rec
}
