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

package abci

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	depth   *prometheus.GaugeVec
	shed    *prometheus.CounterVec
	handled *prometheus.CounterVec
}

func (m *serverMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.depth = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerd_abci_queue_depth",
			Help: "requests waiting in each lane",
		},
		[]string{"lane"},
	)
	m.shed = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_abci_shed_total",
			Help: "requests rejected by load shedding in each lane",
		},
		[]string{"lane"},
	)
	m.handled = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_abci_handled_total",
			Help: "requests handled in each lane",
		},
		[]string{"lane"},
	)
}
