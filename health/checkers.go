package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionState is implemented by the broker transport
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker reports the broker connection
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a broker health checker
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
	}
	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by stores that can verify their backing database
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker pings a store
type StoreChecker struct {
	name  string
	store Pinger
}

// NewStoreChecker creates a store health checker
func NewStoreChecker(name string, store Pinger) *StoreChecker {
	return &StoreChecker{name: name, store: store}
}

func (c *StoreChecker) Name() string {
	return "store_" + c.name
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "store unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "store reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags goroutine buildup, which for the bridge usually means
// methods that never complete
type RuntimeChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewRuntimeChecker creates a checker with goroutine count thresholds
func NewRuntimeChecker(warningThreshold, criticalThreshold int) *RuntimeChecker {
	return &RuntimeChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
