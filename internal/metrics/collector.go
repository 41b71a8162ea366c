// Package metrics keeps process-wide counters, gauges and histograms for the
// engagement pipeline and renders them in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the registry the rest of chimein records into.
var Collector = NewMetricsCollector()

type metricKind string

const (
	kindCounter   metricKind = "counter"
	kindGauge     metricKind = "gauge"
	kindHistogram metricKind = "histogram"
)

// family groups every labelled series that shares one metric name.
type family struct {
	name   string
	help   string
	kind   metricKind
	series map[string]series // by label string
}

type series interface {
	write(w io.Writer, name, labels string)
}

// MetricsCollector is a registry of metric families.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), startTime: time.Now()}
}

// lookup returns the series for (name, labels), creating it with mk on first
// use. Registering one name under two kinds is a programming error.
func (c *MetricsCollector) lookup(name, help, labels string, kind metricKind, mk func() series) series {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: kind, series: make(map[string]series)}
		c.families[name] = f
	}
	if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", name, f.kind, kind))
	}
	if f.help == "" {
		f.help = help
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter is a monotonically increasing count.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braced(labels), c.Value())
}

// Gauge is a value that can go up and down, such as queue depth.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s%s %d\n", name, braced(labels), g.Value())
}

// Histogram counts observations into cumulative buckets. The last bound is
// always +Inf.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	b = slices.Compact(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	return &Histogram{bounds: b, counts: make([]int64, len(b))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := "+Inf"
		if !math.IsInf(le, 1) {
			bound = strconv.FormatFloat(le, 'g', -1, 64)
		}
		fmt.Fprintf(w, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	fmt.Fprintf(w, "%s_sum%s %s\n", name, braced(labels), strconv.FormatFloat(h.sum, 'g', -1, 64))
	fmt.Fprintf(w, "%s_count%s %d\n", name, braced(labels), h.count)
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Counter returns the counter series for name and labels (`k="v",...`).
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, labels, kindCounter, func() series { return &Counter{} }).(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, labels, kindGauge, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram series for name and labels. Buckets are
// fixed by the first registration of the series.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, labels, kindHistogram, func() series { return newHistogram(buckets) }).(*Histogram)
}

// WriteText renders every family, sorted by name, with each family's series
// contiguous and sorted by label string.
func (c *MetricsCollector) WriteText(w io.Writer) {
	fmt.Fprintf(w, "# HELP chimein_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE chimein_uptime_seconds gauge\n")
	fmt.Fprintf(w, "chimein_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

	c.mu.Lock()
	fams := make([]*family, 0, len(c.families))
	for _, f := range c.families {
		fams = append(fams, f)
	}
	c.mu.Unlock()
	slices.SortFunc(fams, func(a, b *family) int { return strings.Compare(a.name, b.name) })

	for _, f := range fams {
		c.mu.Lock()
		labelSets := make([]string, 0, len(f.series))
		for l := range f.series {
			labelSets = append(labelSets, l)
		}
		c.mu.Unlock()
		slices.Sort(labelSets)

		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.kind)
		for _, l := range labelSets {
			c.mu.Lock()
			s := f.series[l]
			c.mu.Unlock()
			s.write(w, f.name, l)
		}
	}
}

func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		c.WriteText(&sb)
		io.WriteString(w, sb.String())
	}
}

// Serve exposes the collector on addr at /metrics until ctx is cancelled.
func (c *MetricsCollector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

var (
	MessagesTotal    = Collector.Counter("chimein_messages_total", "Inbound messages handled", "")
	OracleCallsTotal = Collector.Counter("chimein_oracle_calls_total", "Total oracle generation calls", "")
	QueueDepth       = Collector.Gauge("chimein_queue_depth", "Dispatch jobs waiting to be processed", "")

	OracleLatency = Collector.Histogram("chimein_oracle_latency_seconds", "Oracle call latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ToolLatency = Collector.Histogram("chimein_tool_latency_seconds", "Tool execution latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)

// DecisionRecorded counts a decision by verdict (respond, silent, failed).
func DecisionRecorded(verdict string) {
	Collector.Counter("chimein_decisions_total", "Decision oracle evaluations", label("verdict", verdict)).Inc()
}

// ThrottleSkipped counts an evaluation skipped by the dominance throttle.
func ThrottleSkipped(reason string) {
	Collector.Counter("chimein_throttle_skips_total", "Evaluations skipped by the dominance throttle", label("reason", reason)).Inc()
}

func JobFinished(kind, outcome string) {
	Collector.Counter("chimein_jobs_total", "Dispatch jobs processed",
		label("kind", kind)+","+label("outcome", outcome)).Inc()
}

func ToolExecuted(tool, outcome string) {
	Collector.Counter("chimein_tool_executions_total", "Tool executions",
		label("tool", tool)+","+label("outcome", outcome)).Inc()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func label(k, v string) string {
	return k + `="` + labelEscaper.Replace(v) + `"`
}
