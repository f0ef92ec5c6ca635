// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package metrics exports the progress of a certification run to prometheus
// and keeps local latency distributions for the final report.
package metrics

import (
	"net/http"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ops tracks external operations by "op": probe, inject, restore,
	// write, failover and restoration.
	Ops = NewOpMetric("mpathcert_ops", "op")

	// ActivePaths is the active path count of the last probe.
	ActivePaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mpathcert_active_paths",
		Help: "active paths of the device under test at the last probe",
	})

	// Iterations counts finished iterations by "result" (pass or fail).
	Iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpathcert_iterations",
		Help: "finished failover iterations by result",
	}, []string{"result"})

	// Checkpoints exposes the ledgers by "section" and "kind" (earned or
	// total).
	Checkpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mpathcert_checkpoints",
		Help: "checkpoints of the current run",
	}, []string{"section", "kind"})
)

// SetCheckpoints updates the Checkpoints gauges of 'section'.
func SetCheckpoints(section string, earned, total int) {
	Checkpoints.WithLabelValues(section, "earned").Set(float64(earned))
	Checkpoints.WithLabelValues(section, "total").Set(float64(total))
}

// Serve exports the default registry at /metrics on 'addr' in the
// background, along with whatever else is mounted on 'mux'. A nil 'mux'
// serves only the metrics. An empty address disables it.
func Serve(addr string, mux *http.ServeMux) {
	if addr == "" {
		return
	}
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("serving metrics on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server on %s stopped: %s", addr, err)
		}
	}()
}
