// Copyright 2025 Blink Labs Software
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

package shell

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	height       prometheus.Gauge
	epoch        prometheus.Gauge
	txApplied    prometheus.Counter
	txRejected   prometheus.Counter
	oracleEvents prometheus.Counter
	requests     *prometheus.CounterVec
}

// newMetrics registers the shell metrics. With a nil registry the metrics
// are still usable but never exported
func newMetrics(promRegistry prometheus.Registerer) *metrics {
	factory := promauto.With(promRegistry)
	return &metrics{
		height: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerd_shell_block_height",
			Help: "height of the last committed block",
		}),
		epoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerd_shell_epoch",
			Help: "epoch of the last committed block",
		}),
		txApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_shell_tx_applied_total",
			Help: "number of block transactions applied",
		}),
		txRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_shell_tx_rejected_total",
			Help: "number of block transactions rejected",
		}),
		oracleEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_shell_oracle_events_total",
			Help: "number of ethereum events received from the oracle",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_shell_requests_total",
			Help: "number of handled requests by kind",
		}, []string{"kind"}),
	}
}
