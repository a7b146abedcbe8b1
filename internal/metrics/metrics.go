package metrics

import (
	"sync"
	"time"
)

// Collector tracks gatekeeper counters and renders them in Prometheus text
// format without pulling in a client library.
type Collector struct {
	mu sync.RWMutex

	// Decision metrics
	decisions        map[string]int64 // by verdict
	denyReasons      map[string]int64 // by reason
	decisionDuration int64            // total in microseconds

	// RPC metrics
	rpcRequests map[string]int64 // by method
	rpcErrors   map[string]int64 // by method

	// Payment metrics
	payments       map[string]int64 // by outcome
	creditedAmount int64
	debitedAmount  int64

	// Notification metrics
	notifications map[string]int64 // by kind/outcome
	queueDrops    int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		decisions:     make(map[string]int64),
		denyReasons:   make(map[string]int64),
		rpcRequests:   make(map[string]int64),
		rpcErrors:     make(map[string]int64),
		payments:      make(map[string]int64),
		notifications: make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordDecision records one admission verdict.
func (c *Collector) RecordDecision(verdict, reason string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decisions[verdict]++
	if reason != "" {
		c.denyReasons[reason]++
	}
	c.decisionDuration += duration.Microseconds()
}

// RecordRPC records one inbound call and whether it failed at the transport level.
func (c *Collector) RecordRPC(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rpcRequests[method]++
	if err != nil {
		c.rpcErrors[method]++
	}
}

// RecordPayment records a processed payment event. outcome is one of
// credited, duplicate or failed.
func (c *Collector) RecordPayment(outcome string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.payments[outcome]++
	if outcome == "credited" {
		c.creditedAmount += amount
	}
}

// RecordDebit records an admitted event charge.
func (c *Collector) RecordDebit(amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debitedAmount += amount
}

// RecordNotification records a notification delivery attempt.
func (c *Collector) RecordNotification(kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := kind + "/sent"
	if err != nil {
		key = kind + "/failed"
	}
	c.notifications[key]++
}

// RecordQueueDrop records a notification dropped because the queue was full.
func (c *Collector) RecordQueueDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queueDrops++
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime              int64
	Decisions           map[string]int64
	DenyReasons         map[string]int64
	DecisionDurationUs  int64
	RPCRequests         map[string]int64
	RPCErrors           map[string]int64
	Payments            map[string]int64
	CreditedAmount      int64
	DebitedAmount       int64
	Notifications       map[string]int64
	NotificationDropped int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:              int64(time.Since(c.startTime).Seconds()),
		Decisions:           copyMap(c.decisions),
		DenyReasons:         copyMap(c.denyReasons),
		DecisionDurationUs:  c.decisionDuration,
		RPCRequests:         copyMap(c.rpcRequests),
		RPCErrors:           copyMap(c.rpcErrors),
		Payments:            copyMap(c.payments),
		CreditedAmount:      c.creditedAmount,
		DebitedAmount:       c.debitedAmount,
		Notifications:       copyMap(c.notifications),
		NotificationDropped: c.queueDrops,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
