// Package stats keeps per component counters and gauges. They are
// periodically handed to a report function, which stores them for the
// /stats endpoint, and mirrored to Prometheus.
package stats

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	values = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "downloader",
		Name:      "stat",
		Help:      "Last reported value of a component statistic.",
	}, []string{"component", "name"})
)

func init() {
	registry.MustRegister(values)
	registry.MustRegister(collectors.NewGoCollector())
}

// Handler serves the mirrored statistics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Stats is the statistics map of one component.
type Stats struct {
	*expvar.Map
	id         string
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// New returns the Stats of component id. The map is not published to the
// global expvar registry, so several instances may share an id.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	return &Stats{new(expvar.Map).Init(), id, interval, report}
}

// Run reports s every interval until ctx is cancelled.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Report()
		}
	}
}

// Report mirrors s to Prometheus and calls the report function.
func (s *Stats) Report() {
	s.Do(func(kv expvar.KeyValue) {
		switch v := kv.Value.(type) {
		case *expvar.Int:
			values.WithLabelValues(s.id, kv.Key).Set(float64(v.Value()))
		case *expvar.Float:
			values.WithLabelValues(s.id, kv.Key).Set(v.Value())
		}
	})
	if s.reportfunc != nil {
		s.reportfunc(s.Map)
	}
}

// SetMax stores v under key if it is larger than the current value.
func (s *Stats) SetMax(key string, v int64) {
	cur, ok := s.Get(key).(*expvar.Int)
	if ok && cur.Value() >= v {
		return
	}
	max := new(expvar.Int)
	max.Set(v)
	s.Set(key, max)
}

// Value returns the integer stored under key, or 0.
func (s *Stats) Value(key string) int64 {
	if v, ok := s.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
