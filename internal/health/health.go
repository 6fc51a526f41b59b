// Package health aggregates component checks of a running engine into one
// status served over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/models"
	"options-mm/internal/performance"
	"options-mm/internal/stream"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 3
}

// Component is the result of one check.
type Component struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check inspects one component.
type Check func(ctx context.Context) Component

// Report is the aggregated health.
type Report struct {
	Status     Status        `json:"status"`
	Uptime     time.Duration `json:"uptime"`
	Components []Component   `json:"components"`
	Checks     int64         `json:"checks"`
	Failed     int64         `json:"failed"`
}

// Monitor runs registered checks and keeps the latest report.
type Monitor struct {
	mu      sync.RWMutex
	checks  map[string]Check
	last    map[string]Component
	status  Status
	started time.Time
	total   int64
	failed  int64
	logger  zerolog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		checks:  make(map[string]Check),
		last:    make(map[string]Component),
		status:  StatusUnknown,
		started: time.Now(),
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named check.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check concurrently and returns the new report. A check
// that panics is reported unhealthy.
func (m *Monitor) CheckNow(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan Component, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					results <- Component{Name: name, Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r), LastCheck: time.Now()}
				}
			}()
			c := check(ctx)
			c.Name = name
			c.LastCheck = time.Now()
			c.Latency = time.Since(start)
			results <- c
		}(name, check)
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	m.total++
	overall := StatusHealthy
	for c := range results {
		prev, seen := m.last[c.Name]
		m.last[c.Name] = c
		if c.Status == StatusUnhealthy {
			m.failed++
		}
		if c.Status.rank() > overall.rank() {
			overall = c.Status
		}
		if !seen || prev.Status != c.Status {
			m.logger.Info().Str("check", c.Name).Str("status", string(c.Status)).Str("message", c.Message).Msg("Health changed")
		}
	}
	m.status = overall
	m.mu.Unlock()

	return m.Report()
}

// Report returns the latest aggregated health.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]Component, 0, len(m.last))
	for _, c := range m.last {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return Report{
		Status:     m.status,
		Uptime:     time.Since(m.started),
		Components: components,
		Checks:     m.total,
		Failed:     m.failed,
	}
}

// Handler serves the latest report. Degraded is still 200.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := m.Report()
		w.Header().Set("Content-Type", "application/json")
		switch report.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// EngineCheck reports unhealthy while market data is disconnected and
// degraded until the initial delay has passed.
func EngineCheck(connected func() bool, calculating func(time.Time) bool) Check {
	return func(ctx context.Context) Component {
		c := Component{Details: map[string]interface{}{"connected": connected()}}
		switch {
		case !connected():
			c.Status, c.Message = StatusUnhealthy, "market data disconnected"
		case !calculating(time.Now()):
			c.Status, c.Message = StatusDegraded, "warming up"
		default:
			c.Status, c.Message = StatusHealthy, "calculating"
		}
		return c
	}
}

// CurveCheck is degraded when any curve is not usable for valuation.
func CurveCheck(curves func() []models.CurveSnapshot) Check {
	return func(ctx context.Context) Component {
		counts := make(map[string]interface{})
		valuation := 0
		snaps := curves()
		for _, s := range snaps {
			n, _ := counts[string(s.Status)].(int)
			counts[string(s.Status)] = n + 1
			if s.Status == models.CurveValuation {
				valuation++
			}
		}
		c := Component{Details: counts, Status: StatusHealthy}
		c.Message = fmt.Sprintf("%d of %d curves valuating", valuation, len(snaps))
		if valuation < len(snaps) {
			c.Status = StatusDegraded
		}
		return c
	}
}

// BreakerCheck is degraded while the breaker is not closed.
func BreakerCheck(state func() string) Check {
	return func(ctx context.Context) Component {
		s := state()
		c := Component{Status: StatusHealthy, Message: "breaker " + s, Details: map[string]interface{}{"state": s}}
		if s != "closed" {
			c.Status = StatusDegraded
		}
		return c
	}
}

// PoolCheck is degraded once the pool has dropped work and unhealthy when it
// is not running.
func PoolCheck(stats func() performance.PoolStats) Check {
	return func(ctx context.Context) Component {
		s := stats()
		c := Component{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d queued", s.QueueLen),
			Details: map[string]interface{}{
				"done":    s.TasksDone,
				"dropped": s.TasksDropped,
				"panics":  s.Panics,
			},
		}
		switch {
		case !s.Running:
			c.Status, c.Message = StatusUnhealthy, "not running"
		case s.TasksDropped > 0 || s.Panics > 0:
			c.Status = StatusDegraded
		}
		return c
	}
}

// MemoryCheck is degraded above thresholdMB of heap.
func MemoryCheck(thresholdMB uint64) Check {
	return func(ctx context.Context) Component {
		s := performance.MemoryStats()
		heapMB := s.HeapAlloc / (1 << 20)
		c := Component{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d MB heap", heapMB),
			Details: map[string]interface{}{"goroutines": s.Goroutines, "num_gc": s.NumGC},
		}
		if heapMB > thresholdMB {
			c.Status = StatusDegraded
		}
		return c
	}
}

// StreamCheck is unhealthy while the update hub is stopped and degraded once it
// has dropped updates for slow subscribers.
func StreamCheck(started func() bool, metrics func() stream.HubMetrics) Check {
	return func(ctx context.Context) Component {
		m := metrics()
		c := Component{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d subscribers", m.Subscribers),
			Details: map[string]interface{}{"received": m.Received, "broadcast": m.Broadcast, "dropped": m.Dropped},
		}
		switch {
		case !started():
			c.Status, c.Message = StatusUnhealthy, "stopped"
		case m.Dropped > 0:
			c.Status = StatusDegraded
		}
		return c
	}
}
