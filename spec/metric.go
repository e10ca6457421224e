package spec

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// SendCount indicates the number of messages sent.
	SendCount atomic.Uint64
	// RecvCount indicates the number of messages received.
	RecvCount atomic.Uint64
	// SendByteCount indicates the number of bytes sent.
	SendByteCount atomic.Uint64
	// RecvByteCount indicates the number of bytes received.
	RecvByteCount atomic.Uint64
	// ErrCount indicates the number of send, receive and decode errors.
	ErrCount atomic.Uint64

	// ReplyRecvCount indicates the number of replies matched to a pending request.
	ReplyRecvCount atomic.Uint64
	// OrphanReplyCount indicates the number of replies that arrived after
	// their request had already timed out or been cancelled.
	OrphanReplyCount atomic.Uint64
	// EventRecvCount indicates the number of property change events received.
	EventRecvCount atomic.Uint64

	// InflightCount indicates the number of requests awaiting a reply.
	InflightCount atomic.Int64
}

func (m *ConnectionMetrics) incSendCount() {
	m.SendCount.Add(1)
}

func (m *ConnectionMetrics) incRecvCount() {
	m.RecvCount.Add(1)
}

func (m *ConnectionMetrics) addSendByteCount(n uint64) {
	m.SendByteCount.Add(n)
}

func (m *ConnectionMetrics) addRecvByteCount(n uint64) {
	m.RecvByteCount.Add(n)
}

func (m *ConnectionMetrics) incErrCount() {
	m.ErrCount.Add(1)
}

func (m *ConnectionMetrics) incReplyRecvCount() {
	m.ReplyRecvCount.Add(1)
}

func (m *ConnectionMetrics) incOrphanReplyCount() {
	m.OrphanReplyCount.Add(1)
}

func (m *ConnectionMetrics) incEventRecvCount() {
	m.EventRecvCount.Add(1)
}

func (m *ConnectionMetrics) incInflightCount() {
	m.InflightCount.Add(1)
}

func (m *ConnectionMetrics) decInflightCount() {
	m.InflightCount.Add(-1)
}
