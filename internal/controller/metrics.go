// Copyright 2025 Tom Barlow
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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnet_jobs_total",
			Help: "Jobs driven to a terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "magnet_job_duration_seconds",
		Help:    "Wall-clock duration from processing to terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnet_steps_total",
			Help: "Workflow steps executed",
		},
		[]string{"step_type", "status"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnet_deliveries_total",
			Help: "Delivery attempts by method and outcome",
		},
		[]string{"method", "status"},
	)

	jobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magnet_job_errors_total",
			Help: "Failed jobs by classified error kind",
		},
		[]string{"error_type"},
	)
)

func recordStepMetric(stepType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	stepsExecuted.WithLabelValues(stepType, status).Inc()
}

func recordDeliveryMetric(method string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	deliveries.WithLabelValues(method, status).Inc()
}
