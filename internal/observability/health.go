package observability

import (
	"context"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness is the aggregated result of the readiness checks.
type Readiness struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Ready reports whether every check passed.
func (r Readiness) Ready() bool {
	return r.Status == "ready"
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks holds the dependencies verified before the engine runs.
type ReadinessChecks struct {
	// Required.
	DefinitionsLoaded func() bool

	// Optional, only run if non-nil.
	SnapshotStore HealthChecker
}

const checkTimeout = 2 * time.Second

// CheckReadiness runs every configured check concurrently.
func CheckReadiness(ctx context.Context, checks ReadinessChecks) Readiness {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(name string, result CheckResult) {
		mu.Lock()
		results[name] = result
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		if checks.DefinitionsLoaded != nil && checks.DefinitionsLoaded() {
			record("definitions", CheckResult{
				Status:    "ok",
				LatencyMs: time.Since(start).Milliseconds(),
			})
		} else {
			record("definitions", CheckResult{
				Status:    "error",
				LatencyMs: time.Since(start).Milliseconds(),
				Error:     "no definitions loaded",
			})
		}
	}()

	if checks.SnapshotStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record("snapshot_store", runCheck(ctx, checks.SnapshotStore))
		}()
	}

	wg.Wait()

	status := "ready"
	for _, result := range results {
		if result.Status != "ok" {
			status = "not_ready"
			break
		}
	}
	return Readiness{Status: status, Checks: results}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{
			Status:    "error",
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}
	return CheckResult{
		Status:    "ok",
		LatencyMs: latency,
	}
}
