package watcher

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/remotewatch/agent/internal/resource"
)

// Metrics holds the scheduler's counters and gauges. All fields are updated
// atomically and may be read concurrently from an HTTP handler. The zero
// value is ready to use.
//
//	watcher_rounds_started_total        counter: poll rounds dispatched
//	watcher_rounds_completed_total      counter: poll rounds closed
//	watcher_probes_total                counter: registration probes issued
//	watcher_fetches_total               counter: content fetches issued (registration and polling)
//	watcher_stale_responses_total       counter: responses dropped for a mismatched round
//	watcher_transport_failures_total    counter: polls that ended in a transport failure
//	watcher_observer_panics_total       counter: observer panics recovered during delivery
//	watcher_events_total{kind=...}      counter: lifecycle events emitted, per kind
//	watcher_watched_resources           gauge:   entries in the watch set
//	watcher_last_round_duration_ms      gauge:   wall time of the most recent round
//	watcher_poll_interval_ms            gauge:   configured poll interval
type Metrics struct {
	RoundsStarted     atomic.Int64
	RoundsCompleted   atomic.Int64
	Probes            atomic.Int64
	Fetches           atomic.Int64
	StaleResponses    atomic.Int64
	TransportFailures atomic.Int64
	ObserverPanics    atomic.Int64

	EventsAdded    atomic.Int64
	EventsModified atomic.Int64
	EventsRemoved  atomic.Int64
	EventsInvalid  atomic.Int64

	Watched         atomic.Int64
	LastRoundMillis atomic.Int64
	IntervalMillis  atomic.Int64
}

// NewMetrics allocates a Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) countEvent(kind resource.EventKind) {
	switch kind {
	case resource.EventAdded:
		m.EventsAdded.Add(1)
	case resource.EventModified:
		m.EventsModified.Add(1)
	case resource.EventRemoved:
		m.EventsRemoved.Add(1)
	case resource.EventInvalid:
		m.EventsInvalid.Add(1)
	}
}

// metricLine is a single metric family descriptor plus its current value.
type metricLine struct {
	help   string
	kind   string // "counter" or "gauge"
	name   string
	labels string
	value  int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{help: "Total number of poll rounds dispatched.", kind: "counter", name: "watcher_rounds_started_total", value: m.RoundsStarted.Load()},
		{help: "Total number of poll rounds closed.", kind: "counter", name: "watcher_rounds_completed_total", value: m.RoundsCompleted.Load()},
		{help: "Total number of registration probes issued.", kind: "counter", name: "watcher_probes_total", value: m.Probes.Load()},
		{help: "Total number of content fetches issued.", kind: "counter", name: "watcher_fetches_total", value: m.Fetches.Load()},
		{help: "Total number of responses ignored because their round had closed.", kind: "counter", name: "watcher_stale_responses_total", value: m.StaleResponses.Load()},
		{help: "Total number of polls that ended in a transport failure.", kind: "counter", name: "watcher_transport_failures_total", value: m.TransportFailures.Load()},
		{help: "Total number of observer panics recovered.", kind: "counter", name: "watcher_observer_panics_total", value: m.ObserverPanics.Load()},
		{help: "Total number of lifecycle events emitted.", kind: "counter", name: "watcher_events_total", labels: `kind="added"`, value: m.EventsAdded.Load()},
		{kind: "counter", name: "watcher_events_total", labels: `kind="modified"`, value: m.EventsModified.Load()},
		{kind: "counter", name: "watcher_events_total", labels: `kind="removed"`, value: m.EventsRemoved.Load()},
		{kind: "counter", name: "watcher_events_total", labels: `kind="invalid"`, value: m.EventsInvalid.Load()},
		{help: "Number of resources in the watch set.", kind: "gauge", name: "watcher_watched_resources", value: m.Watched.Load()},
		{help: "Wall time of the most recent poll round in milliseconds.", kind: "gauge", name: "watcher_last_round_duration_ms", value: m.LastRoundMillis.Load()},
		{help: "Configured poll interval in milliseconds.", kind: "gauge", name: "watcher_poll_interval_ms", value: m.IntervalMillis.Load()},
	}
}

// Handler returns an http.Handler that writes all scheduler metrics in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format. Lines
// without help text continue the preceding family.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		if l.help != "" {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		}
		if l.labels != "" {
			fmt.Fprintf(w, "%s{%s} %d\n", l.name, l.labels, l.value)
			continue
		}
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
