package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubagent_cycles_total",
		Help: "Reconciliation cycles executed",
	})
	metricPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubagent_pushes_total",
		Help: "Display pushes by channel and result",
	}, []string{"channel", "result"})
	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubagent_probes_total",
		Help: "Bootloader probes by result",
	}, []string{"result"})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubagent_reconnects_total",
		Help: "Successful hub reconnections",
	})
	metricConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hubagent_connected",
		Help: "1 while the hub serial link is open and healthy",
	})
	metricOccupied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hubagent_channel_occupied",
		Help: "1 while a registered device occupies the channel",
	}, []string{"channel"})
)

func pushResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// countingProber wraps a Prober with probe metrics.
func countingProber(p Prober) Prober {
	return func(path string, timeout time.Duration) bool {
		inBootloader := p(path, timeout)
		if inBootloader {
			metricProbes.WithLabelValues("bootloader").Inc()
		} else {
			metricProbes.WithLabelValues("not_bootloader").Inc()
		}
		return inBootloader
	}
}
