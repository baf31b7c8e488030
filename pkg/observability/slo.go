package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operations tracked against service level objectives.
const (
	OpUpload   = "upload"
	OpDownload = "download"
	OpLatest   = "latest"
)

// maxObservations bounds the per-operation history kept in memory.
const maxObservations = 4096

// SLOTarget defines a service level objective.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	Window      time.Duration `json:"window"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps recent observations per operation and evaluates them
// against targets.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with no targets.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// DefaultSLOTracker creates a tracker with targets for uploads, downloads and
// latest-version lookups.
func DefaultSLOTracker() *SLOTracker {
	t := NewSLOTracker()
	t.SetTarget(&SLOTarget{SLOID: "depot-upload", Operation: OpUpload, LatencyP99: 30 * time.Second, SuccessRate: 0.99, Window: 24 * time.Hour})
	t.SetTarget(&SLOTarget{SLOID: "depot-download", Operation: OpDownload, LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, Window: 24 * time.Hour})
	t.SetTarget(&SLOTarget{SLOID: "depot-latest", Operation: OpLatest, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, Window: 24 * time.Hour})
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets an SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation, dropping the oldest once the history is full.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.Operation], obs)
	if len(list) > maxObservations {
		list = list[len(list)-maxObservations:]
	}
	t.observations[obs.Operation] = list
}

// Observe is a shorthand for Record with the current time.
func (t *SLOTracker) Observe(operation string, latency time.Duration, success bool) {
	t.Record(SLOObservation{Operation: operation, Latency: latency, Success: success})
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(operation)
}

// Statuses returns the status of every targeted operation, sorted by operation.
func (t *SLOTracker) Statuses() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		if st, err := t.statusLocked(op); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (t *SLOTracker) statusLocked(operation string) (*SLOStatus, error) {
	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowStart := t.clock().Add(-target.Window)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
