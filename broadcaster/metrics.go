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

package broadcaster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submitted prometheus.Counter
	failed    prometheus.Counter
	retried   prometheus.Counter
}

func (m *metrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.submitted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_broadcaster_submitted_total",
		Help: "protocol transactions accepted by the consensus engine",
	})
	m.failed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_broadcaster_failed_total",
		Help: "protocol transactions dropped after exhausting retries",
	})
	m.retried = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_broadcaster_retries_total",
		Help: "protocol transaction submission retries",
	})
}
