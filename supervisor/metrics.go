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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	running prometheus.Gauge
	aborts  *prometheus.CounterVec
}

func (m *metrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.running = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerd_supervisor_running_tasks",
		Help: "number of supervised tasks still running",
	})
	m.aborts = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_supervisor_aborts_total",
			Help: "number of supervisor shutdowns by cause",
		},
		[]string{"reason"},
	)
}
