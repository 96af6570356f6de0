// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/voicebridge/voicebridge/pkg/config"
)

const namespace = "voicebridge"

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for relatively short operations like a transfer attempt.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 3 * 60,
	}
	// durBucketsLong lists histogram buckets for long operations like stream sessions.
	durBucketsLong = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600, 12 * 3600, 24 * 3600,
	}
	// sizeBuckets lists histogram buckets for dropped playback bytes.
	sizeBuckets = []float64{
		320, 640, 1600, 3200, 8000, 16000, 32000,
	}
)

// Monitor exports bridge metrics. A nil Monitor and a Monitor that was not started
// accept all calls and record nothing.
type Monitor struct {
	nodeID string

	sessionsActive   *prometheus.GaugeVec
	sessionsEnded    *prometheus.CounterVec
	durSession       prometheus.Histogram
	sessionEvents    *prometheus.CounterVec
	frames           *prometheus.CounterVec
	queueDrops       prometheus.Counter
	playbackOverrun  prometheus.Histogram
	relayCommands    *prometheus.CounterVec
	relayEvents      *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	transferAttempts prometheus.Histogram
	durTransfer      prometheus.Histogram
	transferStates   *prometheus.CounterVec

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) *Monitor {
	return &Monitor{nodeID: conf.NodeID}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	labels := prometheus.Labels{"node_id": m.nodeID}

	m.sessionsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "sessions_active",
		Help:        "Number of attached stream sessions",
		ConstLabels: labels,
	}, []string{"mode", "format"}))

	m.sessionsEnded = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "sessions_ended",
		Help:        "Number of stream sessions ended, by reason",
		ConstLabels: labels,
	}, []string{"reason"}))

	m.durSession = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "dur_session_sec",
		Help:        "Stream session duration (from start to closed)",
		ConstLabels: labels,
		Buckets:     durBucketsLong,
	}))

	m.sessionEvents = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "events",
		Help:        "Number of session events emitted",
		ConstLabels: labels,
	}, []string{"type"}))

	m.frames = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "frames",
		Help:        "Number of audio frames captured from or injected into call legs",
		ConstLabels: labels,
	}, []string{"op"}))

	m.queueDrops = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "send_queue_drops",
		Help:        "Number of audio frames dropped from full send queues",
		ConstLabels: labels,
	}))

	m.playbackOverrun = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "playback_overrun_bytes",
		Help:        "Bytes of buffered playback audio dropped on overflow",
		ConstLabels: labels,
		Buckets:     sizeBuckets,
	}))

	m.relayCommands = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "relay",
		Name:        "commands",
		Help:        "Number of switch commands issued, by channel and result",
		ConstLabels: labels,
	}, []string{"channel", "kind", "result"}))

	m.relayEvents = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "relay",
		Name:        "events",
		Help:        "Number of switch events received",
		ConstLabels: labels,
	}, []string{"name"}))

	m.transfers = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "transfer",
		Name:        "results",
		Help:        "Number of finished transfers, by final status",
		ConstLabels: labels,
	}, []string{"status"}))

	m.transferAttempts = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "transfer",
		Name:        "attempts",
		Help:        "Dial attempts per finished transfer",
		ConstLabels: labels,
		Buckets:     []float64{1, 2, 3, 5, 10},
	}))

	m.durTransfer = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "transfer",
		Name:        "dur_sec",
		Help:        "Transfer duration (from start to bridged or aborted)",
		ConstLabels: labels,
		Buckets:     durBucketsOp,
	}))

	m.transferStates = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "transfer",
		Name:        "states",
		Help:        "Number of transfer attempt state changes, by entered state",
		ConstLabels: labels,
	}, []string{"status"}))

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

// CanAccept reports whether new sessions and transfers should be accepted.
func (m *Monitor) CanAccept() bool {
	if m == nil {
		return true
	}
	return !m.shutdown.IsBroken()
}

func (m *Monitor) enabled() bool {
	return m != nil && m.started.IsBroken()
}

func (m *Monitor) SessionStarted(mode, format string) {
	if !m.enabled() {
		return
	}
	m.sessionsActive.WithLabelValues(mode, format).Inc()
}

func (m *Monitor) SessionEnded(mode, format, reason string, dur time.Duration) {
	if !m.enabled() {
		return
	}
	m.sessionsActive.WithLabelValues(mode, format).Dec()
	m.sessionsEnded.WithLabelValues(reason).Inc()
	m.durSession.Observe(dur.Seconds())
}

func (m *Monitor) SessionEvent(typ string) {
	if !m.enabled() {
		return
	}
	m.sessionEvents.WithLabelValues(typ).Inc()
}

func (m *Monitor) FrameCaptured() {
	if !m.enabled() {
		return
	}
	m.frames.WithLabelValues("capture").Inc()
}

func (m *Monitor) FrameInjected() {
	if !m.enabled() {
		return
	}
	m.frames.WithLabelValues("inject").Inc()
}

func (m *Monitor) QueueDrop() {
	if !m.enabled() {
		return
	}
	m.queueDrops.Inc()
}

func (m *Monitor) PlaybackOverrun(bytes int) {
	if !m.enabled() {
		return
	}
	m.playbackOverrun.Observe(float64(bytes))
}

func (m *Monitor) RelayCommand(channel, kind, result string) {
	if !m.enabled() {
		return
	}
	m.relayCommands.WithLabelValues(channel, kind, result).Inc()
}

func (m *Monitor) RelayEvent(name string) {
	if !m.enabled() {
		return
	}
	m.relayEvents.WithLabelValues(name).Inc()
}

func (m *Monitor) TransferState(status string) {
	if !m.enabled() {
		return
	}
	m.transferStates.WithLabelValues(status).Inc()
}

func (m *Monitor) TransferResult(status string, attempts int, dur time.Duration) {
	if !m.enabled() {
		return
	}
	m.transfers.WithLabelValues(status).Inc()
	m.transferAttempts.Observe(float64(attempts))
	m.durTransfer.Observe(dur.Seconds())
}
