// Zaparoo Braille
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Braille.
//
// Zaparoo Braille is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Braille is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Braille.  If not, see <http://www.gnu.org/licenses/>.

// Package metrics exports the service's statistics in the Prometheus
// format. Counters are fed from the event stream; fleet gauges are read
// on scrape.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-braille/pkg/api/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "braille"

// DeviceStatuses are the status labels exported for the devices gauge.
var DeviceStatuses = []string{"disconnected", "connecting", "ready", "error"}

// Fleet reads live state for the gauges.
type Fleet interface {
	DeviceCounts() map[string]int
	ActiveModule() bool
	QueuedJobs() int
}

type Metrics struct {
	registry       *prometheus.Registry
	commandsSent   *prometheus.CounterVec
	responses      *prometheus.CounterVec
	commandErrors  *prometheus.CounterVec
	characters     prometheus.Counter
	skips          *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	deviceFailures *prometheus.CounterVec
}

func New(fleet Fleet) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		commandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Command lines written to controllers",
		}, []string{"device", "verb"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_received_total",
			Help:      "Response lines read from controllers",
		}, []string{"device"}),
		commandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "ERROR responses received from controllers",
		}, []string{"device"}),
		characters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "characters_rendered_total",
			Help:      "Characters held on a module for a full dwell",
		}),
		skips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "characters_skipped_total",
			Help:      "Input characters dropped before rendering",
		}, []string{"reason"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Write jobs finished, by final status",
		}, []string{"status"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to finish",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		deviceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Times a device was moved to the error state",
		}, []string{"device"}),
	}

	if fleet != nil {
		for _, status := range DeviceStatuses {
			factory.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "devices",
				Help:        "Known devices by status",
				ConstLabels: prometheus.Labels{"status": status},
			}, func() float64 {
				return float64(fleet.DeviceCounts()[status])
			})
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_module",
			Help:      "1 while a module holds the active token",
		}, func() float64 {
			if fleet.ActiveModule() {
				return 1
			}
			return 0
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Write jobs waiting to start",
		}, func() float64 {
			return float64(fleet.QueuedJobs())
		})
	}

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Consume updates counters from events until ctx is done or events is
// closed.
func (m *Metrics) Consume(ctx context.Context, events <-chan models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if err := m.Observe(n); err != nil {
				log.Debug().Err(err).Str("method", n.Method).Msg("failed to decode event for metrics")
			}
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(n models.Notification) error {
	switch n.Method {
	case models.NotificationCommandsSent, models.NotificationCommandsReceived:
		var entry models.CommandLogResponse
		if err := json.Unmarshal(n.Params, &entry); err != nil {
			return err
		}
		if n.Method == models.NotificationCommandsSent {
			m.commandsSent.WithLabelValues(entry.DeviceID, verb(entry.Line)).Inc()
			return nil
		}
		m.responses.WithLabelValues(entry.DeviceID).Inc()
		if strings.HasPrefix(entry.Line, "ERROR") {
			m.commandErrors.WithLabelValues(entry.DeviceID).Inc()
		}
	case models.NotificationJobsProgress:
		m.characters.Inc()
	case models.NotificationJobsSkipped:
		var skipped models.JobSkippedResponse
		if err := json.Unmarshal(n.Params, &skipped); err != nil {
			return err
		}
		m.skips.WithLabelValues(skipped.Skip.Reason).Inc()
	case models.NotificationJobsCompleted:
		var job models.JobResponse
		if err := json.Unmarshal(n.Params, &job); err != nil {
			return err
		}
		m.jobs.WithLabelValues(job.Status).Inc()
		if job.StartedAt != nil {
			m.jobDuration.Observe((time.Duration(job.Elapsed) * time.Millisecond).Seconds())
		}
	case models.NotificationDevicesError:
		var devErr models.DeviceErrorResponse
		if err := json.Unmarshal(n.Params, &devErr); err != nil {
			return err
		}
		m.deviceFailures.WithLabelValues(devErr.Device.ID).Inc()
	}
	return nil
}

// verb is the command name without arguments, to keep label cardinality
// bounded.
func verb(line string) string {
	v, _, _ := strings.Cut(line, ":")
	switch v {
	case "WRITE_MODULE", "WRITE", "TEST", "STATUS", "RESET", "PATTERN":
		return v
	default:
		return "OTHER"
	}
}
