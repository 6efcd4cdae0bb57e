// Copyright 2025 Poiesic Systems
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


package ingestion

import (
	"github.com/poiesic/stockpile/core"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "stockpile"

	MetricTicketsIssued     = "tickets_issued_total"
	MetricRecordsParsed     = "records_parsed_total"
	MetricRecordsMalformed  = "records_malformed_total"
	MetricRecordsEnqueued   = "records_enqueued_total"
	MetricEnqueueFailures   = "enqueue_failures_total"
	MetricUnitsPersisted    = "units_persisted_total"
	MetricUnitsRejected     = "units_rejected_total"
	MetricBatches           = "batches_total"
	MetricNotifyFailures    = "notify_failures_total"
	MetricObjectsAbandoned  = "objects_abandoned_total"
)

// Metrics holds the pipeline's prometheus counters. A nil *Metrics records
// nothing.
type Metrics struct {
	ticketsIssued    prometheus.Counter
	recordsParsed    prometheus.Counter
	recordsMalformed prometheus.Counter
	recordsEnqueued  prometheus.Counter
	enqueueFailures  prometheus.Counter
	unitsPersisted   prometheus.Counter
	unitsRejected    prometheus.Counter
	batches          *prometheus.CounterVec
	notifyFailures   prometheus.Counter
	objectsAbandoned prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticketsIssued:    newCounter(MetricTicketsIssued, "Upload tickets issued."),
		recordsParsed:    newCounter(MetricRecordsParsed, "Data rows parsed from uploads."),
		recordsMalformed: newCounter(MetricRecordsMalformed, "Data rows skipped as malformed."),
		recordsEnqueued:  newCounter(MetricRecordsEnqueued, "Records sent to the work queue."),
		enqueueFailures:  newCounter(MetricEnqueueFailures, "Records that could not be enqueued after retries."),
		unitsPersisted:   newCounter(MetricUnitsPersisted, "Queued units written to the catalog."),
		unitsRejected:    newCounter(MetricUnitsRejected, "Queued units rejected by validation or persistence."),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      MetricBatches,
			Help:      "Drained batches by outcome.",
		}, []string{"outcome"}),
		notifyFailures:   newCounter(MetricNotifyFailures, "Completion notifications that could not be published."),
		objectsAbandoned: newCounter(MetricObjectsAbandoned, "Uploads abandoned on unreadable header or ticket expiry."),
	}

	for _, c := range []prometheus.Collector{
		m.ticketsIssued, m.recordsParsed, m.recordsMalformed, m.recordsEnqueued,
		m.enqueueFailures, m.unitsPersisted, m.unitsRejected, m.batches,
		m.notifyFailures, m.objectsAbandoned,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ticketIssued() {
	if m != nil {
		m.ticketsIssued.Inc()
	}
}

func (m *Metrics) recordParsed() {
	if m != nil {
		m.recordsParsed.Inc()
	}
}

func (m *Metrics) recordMalformed() {
	if m != nil {
		m.recordsMalformed.Inc()
	}
}

func (m *Metrics) recordEnqueued() {
	if m != nil {
		m.recordsEnqueued.Inc()
	}
}

func (m *Metrics) enqueueFailed() {
	if m != nil {
		m.enqueueFailures.Inc()
	}
}

func (m *Metrics) batchDrained(persisted, rejected int, outcome core.Outcome) {
	if m == nil {
		return
	}
	m.unitsPersisted.Add(float64(persisted))
	m.unitsRejected.Add(float64(rejected))
	m.batches.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) notifyFailed() {
	if m != nil {
		m.notifyFailures.Inc()
	}
}

func (m *Metrics) objectAbandoned() {
	if m != nil {
		m.objectsAbandoned.Inc()
	}
}
