package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rpcbridge/contracts"
)

// MetricsCollector collects bridge metrics
type MetricsCollector interface {
	// RecordRequest records a dispatched call and the status it replied with (0 on success)
	RecordRequest(model, method string, duration time.Duration, statusCode int)

	// RecordReply records a reply publish
	RecordReply(success bool)

	// RecordBroadcast records a change event publish
	RecordBroadcast(model string, changeType contracts.ChangeType, success bool)

	// RecordError records an error metric
	RecordError(component string, errorType string, message string)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains bridge statistics
type MetricsStats struct {
	RequestsProcessed  int64
	RequestsFailed     int64
	RepliesPublished   int64
	RepliesFailed      int64
	BroadcastsSent     int64
	BroadcastsFailed   int64
	AverageProcessTime time.Duration
	ErrorCount         int64
	StatusCodes        map[int]int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(model, method string, duration time.Duration, statusCode int) {
}

// RecordReply does nothing
func (n *NoOpMetricsCollector) RecordReply(success bool) {}

// RecordBroadcast does nothing
func (n *NoOpMetricsCollector) RecordBroadcast(model string, changeType contracts.ChangeType, success bool) {
}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, errorType string, message string) {}

// GetStats returns empty stats
func (n *NoOpMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{}
}

// SimpleMetricsCollector keeps in-memory counters
type SimpleMetricsCollector struct {
	requests         atomic.Int64
	requestsFailed   atomic.Int64
	replies          atomic.Int64
	repliesFailed    atomic.Int64
	broadcasts       atomic.Int64
	broadcastsFailed atomic.Int64
	errors           atomic.Int64
	totalNanos       atomic.Int64

	mu          sync.Mutex
	statusCodes map[int]int64
}

// NewSimpleMetricsCollector creates an in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		statusCodes: make(map[int]int64),
	}
}

// RecordRequest implements MetricsCollector
func (c *SimpleMetricsCollector) RecordRequest(model, method string, duration time.Duration, statusCode int) {
	c.requests.Add(1)
	c.totalNanos.Add(int64(duration))
	if statusCode != 0 {
		c.requestsFailed.Add(1)
		c.mu.Lock()
		c.statusCodes[statusCode]++
		c.mu.Unlock()
	}
}

// RecordReply implements MetricsCollector
func (c *SimpleMetricsCollector) RecordReply(success bool) {
	if success {
		c.replies.Add(1)
		return
	}
	c.repliesFailed.Add(1)
}

// RecordBroadcast implements MetricsCollector
func (c *SimpleMetricsCollector) RecordBroadcast(model string, changeType contracts.ChangeType, success bool) {
	if success {
		c.broadcasts.Add(1)
		return
	}
	c.broadcastsFailed.Add(1)
}

// RecordError implements MetricsCollector
func (c *SimpleMetricsCollector) RecordError(component string, errorType string, message string) {
	c.errors.Add(1)
}

// GetStats implements MetricsCollector
func (c *SimpleMetricsCollector) GetStats() MetricsStats {
	stats := MetricsStats{
		RequestsProcessed: c.requests.Load(),
		RequestsFailed:    c.requestsFailed.Load(),
		RepliesPublished:  c.replies.Load(),
		RepliesFailed:     c.repliesFailed.Load(),
		BroadcastsSent:    c.broadcasts.Load(),
		BroadcastsFailed:  c.broadcastsFailed.Load(),
		ErrorCount:        c.errors.Load(),
		StatusCodes:       make(map[int]int64),
	}
	if stats.RequestsProcessed > 0 {
		stats.AverageProcessTime = time.Duration(c.totalNanos.Load() / stats.RequestsProcessed)
	}

	c.mu.Lock()
	for code, n := range c.statusCodes {
		stats.StatusCodes[code] = n
	}
	c.mu.Unlock()

	return stats
}
