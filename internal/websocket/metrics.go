package websocket

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyAlpha is the smoothing factor for the exponential moving average
// of command round-trip latency.
const latencyAlpha = 0.1

// Metrics is process-wide broadcast server state, reset only on restart.
// Counters are monotonic; connections and rooms track current cardinality.
type Metrics struct {
	startTime time.Time

	connections   atomic.Int64
	rooms         atomic.Int64
	totalMessages atomic.Uint64
	errors        atomic.Uint64

	mu           sync.Mutex
	avgLatencyMs float64
}

// Snapshot is the externally visible metrics view.
type Snapshot struct {
	Connections       int64   `json:"connections"`
	Rooms             int64   `json:"rooms"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	AverageLatency    float64 `json:"averageLatency"`
	TotalMessages     uint64  `json:"totalMessages"`
	Errors            uint64  `json:"errors"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) ConnectionOpened() {
	m.connections.Add(1)
}

func (m *Metrics) ConnectionClosed() {
	m.connections.Add(-1)
}

func (m *Metrics) SetRooms(n int) {
	m.rooms.Store(int64(n))
}

func (m *Metrics) MessageHandled() {
	m.totalMessages.Add(1)
}

func (m *Metrics) RecordError() {
	m.errors.Add(1)
}

// RecordLatency folds one observed round-trip into the moving average.
func (m *Metrics) RecordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.avgLatencyMs == 0 {
		m.avgLatencyMs = ms
		return
	}
	m.avgLatencyMs = (1-latencyAlpha)*m.avgLatencyMs + latencyAlpha*ms
}

func (m *Metrics) GetSnapshot() Snapshot {
	uptime := time.Since(m.startTime).Seconds()
	total := m.totalMessages.Load()

	var perSecond float64
	if uptime > 0 {
		perSecond = float64(total) / uptime
	}

	m.mu.Lock()
	avg := m.avgLatencyMs
	m.mu.Unlock()

	return Snapshot{
		Connections:       m.connections.Load(),
		Rooms:             m.rooms.Load(),
		MessagesPerSecond: perSecond,
		AverageLatency:    avg,
		TotalMessages:     total,
		Errors:            m.errors.Load(),
		UptimeSeconds:     uptime,
	}
}
