package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"
)

// benchMetrics aggregates results across every waiter goroutine.
type benchMetrics struct {
	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
	timeouts atomic.Int64

	mu sync.Mutex
	// latency histogram in microseconds, 1us to 60s
	histogram *hdrhistogram.Histogram
	errs      map[string]int64
	targets   map[string]*targetCount

	startTime time.Time
	endTime   time.Time
}

type targetCount struct {
	total  int64
	failed int64
}

func newBenchMetrics() *benchMetrics {
	return &benchMetrics{
		histogram: hdrhistogram.New(1, 60_000_000, 3),
		errs:      make(map[string]int64),
		targets:   make(map[string]*targetCount),
	}
}

func (m *benchMetrics) start() { m.startTime = time.Now() }
func (m *benchMetrics) stop()  { m.endTime = time.Now() }

func (m *benchMetrics) record(name string, d time.Duration, err error) {
	m.total.Add(1)
	if err == nil {
		m.success.Add(1)
	} else {
		m.failed.Add(1)
		if strings.Contains(err.Error(), "timed out") {
			m.timeouts.Add(1)
		}
	}

	latencyUs := d.Microseconds()
	if latencyUs < 1 {
		latencyUs = 1
	}
	if latencyUs > 60_000_000 {
		latencyUs = 60_000_000
	}

	m.mu.Lock()
	_ = m.histogram.RecordValue(latencyUs)
	tc := m.targets[name]
	if tc == nil {
		tc = &targetCount{}
		m.targets[name] = tc
	}
	tc.total++
	if err != nil {
		tc.failed++
		m.errs[err.Error()]++
	}
	m.mu.Unlock()
}

type progressStats struct {
	Elapsed time.Duration
	Total   int64
	Failed  int64
	RPS     float64
	P50     time.Duration
	P95     time.Duration
}

func (m *benchMetrics) snapshot() progressStats {
	elapsed := time.Since(m.startTime)
	total := m.total.Load()

	rps := float64(0)
	if elapsed.Seconds() > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	m.mu.Lock()
	p50 := time.Duration(m.histogram.ValueAtQuantile(50)) * time.Microsecond
	p95 := time.Duration(m.histogram.ValueAtQuantile(95)) * time.Microsecond
	m.mu.Unlock()

	return progressStats{
		Elapsed: elapsed,
		Total:   total,
		Failed:  m.failed.Load(),
		RPS:     rps,
		P50:     p50,
		P95:     p95,
	}
}

type benchSummary struct {
	Duration time.Duration
	Total    int64
	Success  int64
	Failed   int64
	Timeouts int64
	RPS      float64

	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration

	Targets map[string]targetCount
	Errors  map[string]int64
}

func (m *benchMetrics) summary() *benchSummary {
	duration := m.endTime.Sub(m.startTime)
	if m.endTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	total := m.total.Load()
	rps := float64(0)
	if duration.Seconds() > 0 {
		rps = float64(total) / duration.Seconds()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &benchSummary{
		Duration: duration,
		Total:    total,
		Success:  m.success.Load(),
		Failed:   m.failed.Load(),
		Timeouts: m.timeouts.Load(),
		RPS:      rps,
		P50:      time.Duration(m.histogram.ValueAtQuantile(50)) * time.Microsecond,
		P95:      time.Duration(m.histogram.ValueAtQuantile(95)) * time.Microsecond,
		P99:      time.Duration(m.histogram.ValueAtQuantile(99)) * time.Microsecond,
		Min:      time.Duration(m.histogram.Min()) * time.Microsecond,
		Max:      time.Duration(m.histogram.Max()) * time.Microsecond,
		Mean:     time.Duration(m.histogram.Mean()) * time.Microsecond,
		StdDev:   time.Duration(m.histogram.StdDev()) * time.Microsecond,
		Targets:  make(map[string]targetCount, len(m.targets)),
		Errors:   make(map[string]int64, len(m.errs)),
	}
	for name, tc := range m.targets {
		s.Targets[name] = *tc
	}
	for msg, n := range m.errs {
		s.Errors[msg] = n
	}
	return s
}

// reporter renders run output.
type reporter struct {
	w io.Writer

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
}

func newReporter(w io.Writer, noColor bool) *reporter {
	if noColor {
		color.NoColor = true
	}
	return &reporter{
		w:      w,
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		bold:   color.New(color.Bold),
	}
}

func (r *reporter) header(cfg *benchConfig) {
	fmt.Fprintln(r.w)
	r.bold.Fprintln(r.w, "piperbench")
	r.cyan.Fprintf(r.w, "Target: %s:%d\n", cfg.host, cfg.port)

	pacing := "unlimited"
	if cfg.rate > 0 {
		pacing = fmt.Sprintf("%.0f req/s", cfg.rate)
	}
	fmt.Fprintf(r.w, "Connections: %d | Pipeline: %d | Duration: %s | Rate: %s\n",
		cfg.conns, cfg.pipeline, formatDuration(cfg.duration), pacing)
	if len(cfg.scenario.Targets) > 1 {
		fmt.Fprintf(r.w, "Scenario: %d targets\n", len(cfg.scenario.Targets))
	}
	fmt.Fprintln(r.w)
}

func (r *reporter) progress(stats progressStats, duration time.Duration) {
	fmt.Fprint(r.w, "\r\033[K")
	fmt.Fprintf(r.w, "%s / %s | %s req | %.1f req/s | p50 %s | p95 %s",
		formatDuration(stats.Elapsed), formatDuration(duration),
		formatNumber(stats.Total), stats.RPS,
		formatLatency(stats.P50), formatLatency(stats.P95))
	if stats.Failed > 0 {
		fmt.Fprint(r.w, " | ")
		r.red.Fprintf(r.w, "%s failed", formatNumber(stats.Failed))
	}
}

func (r *reporter) clearProgress() {
	fmt.Fprint(r.w, "\r\033[K")
}

func (r *reporter) summary(s *benchSummary) {
	fmt.Fprintln(r.w)
	r.bold.Fprintln(r.w, "SUMMARY")
	fmt.Fprintln(r.w, strings.Repeat("─", 40))

	fmt.Fprintf(r.w, "Duration:  %s\n", formatDuration(s.Duration))
	fmt.Fprintf(r.w, "Total:     ")
	r.bold.Fprintf(r.w, "%s", formatNumber(s.Total))
	fmt.Fprintf(r.w, " requests (%.1f req/s)\n", s.RPS)

	fmt.Fprintf(r.w, "Success:   ")
	r.green.Fprintf(r.w, "%s\n", formatNumber(s.Success))

	fmt.Fprintf(r.w, "Failed:    ")
	if s.Failed > 0 {
		r.red.Fprintf(r.w, "%s\n", formatNumber(s.Failed))
	} else {
		fmt.Fprintf(r.w, "%s\n", formatNumber(s.Failed))
	}
	if s.Timeouts > 0 {
		fmt.Fprintf(r.w, "Timeouts:  ")
		r.yellow.Fprintf(r.w, "%s\n", formatNumber(s.Timeouts))
	}

	if s.Total > 0 {
		fmt.Fprintln(r.w)
		r.bold.Fprintln(r.w, "LATENCY")
		fmt.Fprintf(r.w, "  p50: %-7s | p95: %-7s | p99: %-7s | max: %s\n",
			formatLatency(s.P50), formatLatency(s.P95), formatLatency(s.P99), formatLatency(s.Max))
		fmt.Fprintf(r.w, "  min: %-7s | mean: %-6s | stddev: %s\n",
			formatLatency(s.Min), formatLatency(s.Mean), formatLatency(s.StdDev))
	}

	if len(s.Targets) > 1 {
		fmt.Fprintln(r.w)
		r.bold.Fprintln(r.w, "TARGETS")
		names := make([]string, 0, len(s.Targets))
		for name := range s.Targets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tc := s.Targets[name]
			fmt.Fprintf(r.w, "  %-24s %s req", name, formatNumber(tc.total))
			if tc.failed > 0 {
				fmt.Fprint(r.w, ", ")
				r.red.Fprintf(r.w, "%s failed", formatNumber(tc.failed))
			}
			fmt.Fprintln(r.w)
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(r.w)
		r.bold.Fprintln(r.w, "ERRORS")
		for _, line := range topErrors(s.Errors, 5) {
			r.red.Fprintf(r.w, "  %s\n", line)
		}
	}

	fmt.Fprintln(r.w)
}

// topErrors returns the n most frequent error lines, most common first.
func topErrors(errs map[string]int64, n int) []string {
	type entry struct {
		msg string
		n   int64
	}
	entries := make([]entry, 0, len(errs))
	for msg, count := range errs {
		entries = append(entries, entry{msg, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].n != entries[j].n {
			return entries[i].n > entries[j].n
		}
		return entries[i].msg < entries[j].msg
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%d× %s", e.n, e.msg)
	}
	return lines
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

func formatLatency(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	s := fmt.Sprintf("%d", n)
	out := make([]byte, 0, len(s)+(len(s)-1)/3)
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	out = append(out, s[:lead]...)
	for i := lead; i < len(s); i += 3 {
		out = append(out, ',')
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
