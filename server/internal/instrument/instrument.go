// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument provides the relay's prometheus metrics.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticketmix"

// Drop reasons used as the "reason" label of the dropped packets counter.
const (
	DropDecode     = "decode"
	DropReplay     = "replay"
	DropTicket     = "ticket"
	DropQueueFull  = "queue_full"
	DropMixer      = "mixer"
	DropTransport  = "transport"
	DropAckInvalid = "ack_invalid"
)

// Recorder holds the metrics of a single server instance, registered on
// its own registry.
type Recorder struct {
	registry *prometheus.Registry

	packetsReceived     prometheus.Counter
	packetsSent         prometheus.Counter
	packetsForwarded    prometheus.Counter
	packetsDropped      *prometheus.CounterVec
	packetsReplayed     prometheus.Counter
	ticketsIssued       prometheus.Counter
	ticketsRejected     prometheus.Counter
	ticketsAcknowledged prometheus.Counter
	ticketsWinning      prometheus.Counter
	fatalErrors         prometheus.Counter
	mixQueueSize        prometheus.Gauge
	mixDelay            prometheus.Gauge
	processingTime      prometheus.Histogram
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry:         prometheus.NewRegistry(),
		packetsReceived:  newCounter("packets_received_total", "Number of packets delivered to this node"),
		packetsSent:      newCounter("packets_sent_total", "Number of packets originated by this node"),
		packetsForwarded: newCounter("packets_forwarded_total", "Number of packets relayed by this node"),
		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Number of dropped packets",
			},
			[]string{"reason"},
		),
		packetsReplayed:     newCounter("packets_replayed_total", "Number of replayed packets"),
		ticketsIssued:       newCounter("tickets_issued_total", "Number of tickets issued to the next hop"),
		ticketsRejected:     newCounter("tickets_rejected_total", "Number of incoming tickets rejected"),
		ticketsAcknowledged: newCounter("tickets_acknowledged_total", "Number of incoming tickets acknowledged"),
		ticketsWinning:      newCounter("tickets_winning_total", "Number of acknowledged tickets that won"),
		fatalErrors:         newCounter("fatal_errors_total", "Number of fatal ticket accounting errors"),
		mixQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mix_queue_size",
			Help:      "Size of the mix queue",
		}),
		mixDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mix_delay_average_seconds",
			Help:      "Average mixing delay over the recent window",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_processing_seconds",
			Help:      "Time spent processing a relayed packet",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.packetsReceived,
		r.packetsSent,
		r.packetsForwarded,
		r.packetsDropped,
		r.packetsReplayed,
		r.ticketsIssued,
		r.ticketsRejected,
		r.ticketsAcknowledged,
		r.ticketsWinning,
		r.fatalErrors,
		r.mixQueueSize,
		r.mixDelay,
		r.processingTime,
	)
	return r
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the HTTP handler exposing the metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// PacketReceived increments the counter for delivered packets.
func (r *Recorder) PacketReceived() { r.packetsReceived.Inc() }

// PacketSent increments the counter for originated packets.
func (r *Recorder) PacketSent() { r.packetsSent.Inc() }

// PacketForwarded increments the counter for relayed packets.
func (r *Recorder) PacketForwarded() { r.packetsForwarded.Inc() }

// PacketDropped increments the dropped packets counter for reason.
func (r *Recorder) PacketDropped(reason string) {
	r.packetsDropped.WithLabelValues(reason).Inc()
}

// PacketReplayed increments the counter for replayed packets.
func (r *Recorder) PacketReplayed() {
	r.packetsReplayed.Inc()
	r.PacketDropped(DropReplay)
}

// TicketIssued increments the counter for issued tickets.
func (r *Recorder) TicketIssued() { r.ticketsIssued.Inc() }

// TicketRejected increments the counter for rejected tickets.
func (r *Recorder) TicketRejected() { r.ticketsRejected.Inc() }

// TicketAcknowledged increments the counter for acknowledged tickets.
func (r *Recorder) TicketAcknowledged() { r.ticketsAcknowledged.Inc() }

// TicketWinning increments the counter for winning tickets.
func (r *Recorder) TicketWinning() { r.ticketsWinning.Inc() }

// FatalError increments the counter for fatal errors.
func (r *Recorder) FatalError() { r.fatalErrors.Inc() }

// MixQueueSize sets the mix queue size gauge.
func (r *Recorder) MixQueueSize(n int) { r.mixQueueSize.Set(float64(n)) }

// MixDelay sets the average mixing delay gauge.
func (r *Recorder) MixDelay(d time.Duration) { r.mixDelay.Set(d.Seconds()) }

// RelayProcessingTime observes the time it took to process a relayed packet.
func (r *Recorder) RelayProcessingTime(d time.Duration) {
	r.processingTime.Observe(d.Seconds())
}
