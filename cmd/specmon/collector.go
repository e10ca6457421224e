package main

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SEBv15/go-certifspec/spec"
	"github.com/SEBv15/go-certifspec/sv"
)

const namespace = "spec"

// newPropertyGauge returns the gauge family watched property values are
// exported through, labeled by property name.
func newPropertyGauge() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "property_value",
		Help:      "Current value of a watched server property.",
	}, []string{"property"})
}

// propertyUpdater returns an event callback that mirrors numeric property
// values into gauge. A deleted property drops its series; values that are
// not numbers leave the last exported value in place.
func propertyUpdater(gauge *prometheus.GaugeVec) spec.EventCallback {
	return func(msg *sv.Message) {
		if msg.Deleted() {
			gauge.DeleteLabelValues(msg.Name)
			return
		}

		value, err := msg.ToFloat()
		if err != nil {
			return
		}
		gauge.WithLabelValues(msg.Name).Set(value)
	}
}

// connectionCollectors exposes the session's traffic counters. The counters
// are sampled on scrape, there is nothing to update between scrapes.
func connectionCollectors(m *spec.ConnectionMetrics) []prometheus.Collector {
	counter := func(name string, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	return []prometheus.Collector{
		counter("messages_sent_total", "Messages sent to the server.", &m.SendCount),
		counter("messages_received_total", "Messages received from the server.", &m.RecvCount),
		counter("bytes_sent_total", "Bytes sent to the server.", &m.SendByteCount),
		counter("bytes_received_total", "Bytes received from the server.", &m.RecvByteCount),
		counter("errors_total", "Send, receive and decode errors.", &m.ErrCount),
		counter("replies_total", "Replies matched to a pending request.", &m.ReplyRecvCount),
		counter("orphan_replies_total", "Replies that arrived after their request gave up.", &m.OrphanReplyCount),
		counter("events_total", "Property change events received.", &m.EventRecvCount),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "inflight_requests",
			Help:      "Requests awaiting a reply.",
		}, func() float64 { return float64(m.InflightCount.Load()) }),
	}
}

// upGauge reports 1 while the session is established.
func upGauge(client *spec.Client) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "up",
		Help:      "Whether the session to the server is established.",
	}, func() float64 {
		if client.State().IsConnected() {
			return 1
		}
		return 0
	})
}
