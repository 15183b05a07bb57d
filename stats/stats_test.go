package stats

import (
	"context"
	"encoding/json"
	"expvar"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport(t *testing.T) {
	var reported string
	s := New("test-report", time.Hour, func(m *expvar.Map) { reported = m.String() })
	s.Add("workers", 2)
	s.Add("failures", 1)
	s.Add("workers", -1)
	s.Report()

	var m map[string]int
	require.NoError(t, json.Unmarshal([]byte(reported), &m))
	assert.Equal(t, map[string]int{"workers": 1, "failures": 1}, m)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `downloader_stat{component="test-report",name="workers"} 1`), string(body))
}

func TestSetMax(t *testing.T) {
	s := New("test-max", time.Hour, nil)
	s.SetMax("maxWorkers", 3)
	s.SetMax("maxWorkers", 2)
	assert.Equal(t, int64(3), s.Value("maxWorkers"))
	assert.Equal(t, int64(0), s.Value("missing"))
}

func TestDuplicateIDs(t *testing.T) {
	assert.NotPanics(t, func() {
		New("same", time.Hour, nil)
		New("same", time.Hour, nil)
	})
}

func TestRun(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s := New("test-run", time.Millisecond, func(*expvar.Map) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, calls > 0)
}
