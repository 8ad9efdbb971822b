package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"telemetry-engine/internal/faults"
	"telemetry-engine/internal/reliability"
	"telemetry-engine/internal/storage"
)

// StorageCheck probes the provider with a stats call. Critical: the engine
// cannot ingest without its store.
func StorageCheck(p storage.Provider) Check {
	return Check{
		Name:     "storage",
		Critical: true,
		Run: func(ctx context.Context) CheckResult {
			stats, err := p.Stats(ctx)
			if err != nil {
				return Unhealthy(fmt.Sprintf("stats query failed: %v", err))
			}
			return CheckResult{
				Status: StatusHealthy,
				Details: map[string]any{
					"totalEvents":    stats.TotalEvents,
					"diskUsageBytes": stats.DiskUsageBytes,
				},
			}
		},
	}
}

// BreakerCheck reports the state of a circuit breaker: open is unhealthy,
// half-open degraded.
func BreakerCheck(name string, cb *reliability.CircuitBreaker) Check {
	return Check{
		Name: "breaker:" + name,
		Run: func(context.Context) CheckResult {
			switch state := cb.State(); state {
			case reliability.StateOpen:
				return Unhealthy("circuit open")
			case reliability.StateHalfOpen:
				return Degraded("circuit half-open, probing recovery")
			default:
				return Healthy()
			}
		},
	}
}

// RateLimiterCheck degrades when the bucket is exhausted.
func RateLimiterCheck(name string, rl *reliability.RateLimiter) Check {
	return Check{
		Name: "ratelimit:" + name,
		Run: func(context.Context) CheckResult {
			tokens := rl.Tokens()
			res := CheckResult{
				Status:  StatusHealthy,
				Details: map[string]any{"tokens": tokens},
			}
			if tokens == 0 {
				res.Status = StatusDegraded
				res.Message = "token bucket exhausted"
			}
			return res
		},
	}
}

// ErrorRateCheck inspects the fault handler's retained errors: any critical
// is unhealthy, more than maxHigh high-severity is degraded.
func ErrorRateCheck(h *faults.Handler, maxHigh int) Check {
	if maxHigh <= 0 {
		maxHigh = 5
	}
	return Check{
		Name: "error-rate",
		Run: func(context.Context) CheckResult {
			stats := h.Stats()
			details := map[string]any{
				"total":    stats.Total,
				"retained": stats.Retained,
				"high":     stats.BySeverity[faults.SeverityHigh],
				"critical": stats.BySeverity[faults.SeverityCritical],
			}
			if stats.BySeverity[faults.SeverityCritical] > 0 {
				return CheckResult{Status: StatusUnhealthy, Message: "critical errors retained", Details: details}
			}
			if stats.BySeverity[faults.SeverityHigh] > maxHigh {
				return CheckResult{Status: StatusDegraded, Message: "elevated high-severity error rate", Details: details}
			}
			return CheckResult{Status: StatusHealthy, Details: details}
		},
	}
}

// MemoryCheck degrades past softLimit heap bytes and fails past hardLimit.
func MemoryCheck(softLimit, hardLimit uint64) Check {
	return Check{
		Name:    "memory",
		Timeout: time.Second,
		Run: func(context.Context) CheckResult {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			details := map[string]any{"heapAllocBytes": ms.HeapAlloc}
			switch {
			case hardLimit > 0 && ms.HeapAlloc >= hardLimit:
				return CheckResult{Status: StatusUnhealthy, Message: "heap above hard limit", Details: details}
			case softLimit > 0 && ms.HeapAlloc >= softLimit:
				return CheckResult{Status: StatusDegraded, Message: "heap above soft limit", Details: details}
			default:
				return CheckResult{Status: StatusHealthy, Details: details}
			}
		},
	}
}
