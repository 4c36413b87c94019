package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/telephony"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentline_events_total",
		Help: "Total number of client events by name",
	}, []string{"event"})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentline_calls_total",
		Help: "Finished calls by direction and outcome",
	}, []string{"direction", "outcome"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentline_call_duration_seconds",
		Help:    "Talk time of answered calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	Registered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentline_registered",
		Help: "1 while the agent is registered",
	})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentline_connected",
		Help: "1 while the signaling transport is connected",
	})

	MediaPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentline_media_packets_total",
		Help: "RTP packets of closed media sessions by kind (sent, received, lost)",
	}, []string{"kind"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentline_api_requests_total",
		Help: "Control API requests by route pattern and status code",
	}, []string{"route", "code"})
)

// Publisher turns client events into metrics.
type Publisher struct{}

var _ events.Publisher = Publisher{}

func (Publisher) Publish(_ context.Context, rec events.Record) error {
	ObserveEvent(rec)
	return nil
}

func (Publisher) Close() error { return nil }

// ObserveEvent updates the counters and gauges for one record.
func ObserveEvent(rec events.Record) {
	EventsTotal.WithLabelValues(string(rec.Name)).Inc()

	switch rec.Name {
	case telephony.EventConnected:
		Connected.Set(1)
	case telephony.EventDisconnected, telephony.EventTransportError:
		Connected.Set(0)
		Registered.Set(0)
	case telephony.EventRegistered:
		Registered.Set(1)
	case telephony.EventUnregistered, telephony.EventRegistrationFailed:
		Registered.Set(0)
	case telephony.EventCallEnded, telephony.EventCallFailed, telephony.EventCallRejected:
		if rec.Call == nil {
			return
		}
		CallsTotal.WithLabelValues(rec.Call.Direction.String(), outcome(rec)).Inc()
		if rec.Call.Duration > 0 {
			CallDuration.Observe(rec.Call.Duration.Seconds())
		}
	case telephony.EventCallTransferred:
		if rec.Call != nil && rec.Completed != nil && *rec.Completed {
			CallsTotal.WithLabelValues(rec.Call.Direction.String(), outcome(rec)).Inc()
			if rec.Call.Duration > 0 {
				CallDuration.Observe(rec.Call.Duration.Seconds())
			}
		}
	}
}

func outcome(rec events.Record) string {
	switch rec.Name {
	case telephony.EventCallFailed:
		return "failed"
	case telephony.EventCallRejected:
		return "rejected"
	}
	if rec.Call.EndReason == telephony.EndNone {
		return "ended"
	}
	// blind transfers end redirected, attended ones transferred
	return rec.Call.EndReason.String()
}

// ObserveMedia adds a closed media session's packet counters.
func ObserveMedia(sent, received, lost uint64) {
	MediaPacketsTotal.WithLabelValues("sent").Add(float64(sent))
	MediaPacketsTotal.WithLabelValues("received").Add(float64(received))
	MediaPacketsTotal.WithLabelValues("lost").Add(float64(lost))
}

// ObserveRequest counts one API request.
func ObserveRequest(route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
