package metrics

import (
	"context"
	"time"

	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	hostMemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcifer_host_memory_used_bytes",
		Help: "Memory in use on the host, as reported by go-osstat",
	})

	hostLoadAverage1 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calcifer_host_load_average_1m",
		Help: "1-minute host load average, as reported by go-osstat",
	})
)

// RunResourceCollector samples host memory and load average on a fixed
// interval and records them as gauges, until ctx is done. Intended to run
// alongside HealthMonitor in cmd/calcifer-periodic: infrastructure health
// answers "can we reach Postgres/Redis", this answers "is the host itself
// under memory or load pressure" in the same dashboard.
func RunResourceCollector(ctx context.Context, log logrus.FieldLogger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := func() {
		if mem, err := memory.Get(); err != nil {
			log.WithError(err).Warn("metrics: reading host memory stats failed")
		} else {
			hostMemoryUsedBytes.Set(float64(mem.Used))
		}
		if load, err := loadavg.Get(); err != nil {
			log.WithError(err).Warn("metrics: reading host load average failed")
		} else {
			hostLoadAverage1.Set(load.Loadavg1)
		}
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
