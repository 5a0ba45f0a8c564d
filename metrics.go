// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpconn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewMetricsListener returns a [Listener] that exports connection and
// call counters to the given Prometheus registerer. If registerer is
// nil, the default registerer is used.
func NewMetricsListener(registerer prometheus.Registerer) Listener {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &metricsListener{
		connectionsAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpconn",
			Name:      "connections_acquired_total",
			Help:      "Connections bound to a call, by negotiated protocol.",
		}, []string{"protocol"}),
		connectionsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "httpconn",
			Name:      "connections_released_total",
			Help:      "Connection bindings ended.",
		}),
		callsFinished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "httpconn",
			Name:      "calls_finished_total",
			Help:      "Calls that ran to completion.",
		}),
		callsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "httpconn",
			Name:      "calls_failed_total",
			Help:      "Stream attempts that reported a failure.",
		}),
		streamBytesRead: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "httpconn",
			Name:      "stream_bytes_read",
			Help:      "Response body bytes read per finished stream.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}
}

type metricsListener struct {
	connectionsAcquired *prometheus.CounterVec
	connectionsReleased prometheus.Counter
	callsFinished       prometheus.Counter
	callsFailed         prometheus.Counter
	streamBytesRead     prometheus.Histogram
}

func (m *metricsListener) ConnectionAcquired(_ any, conn *Conn) {
	m.connectionsAcquired.WithLabelValues(string(conn.Protocol())).Inc()
}

func (m *metricsListener) ConnectionReleased(any, *Conn) {
	m.connectionsReleased.Inc()
}

func (m *metricsListener) CallEnd(any) {
	m.callsFinished.Inc()
}

func (m *metricsListener) CallFailed(any, error) {
	m.callsFailed.Inc()
}

func (m *metricsListener) StreamEnd(_ any, bytesRead int64, _ error) {
	m.streamBytesRead.Observe(float64(bytesRead))
}
