package cache

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors Controller's usage counters into Prometheus. Registration
// uses a private registry rather than prometheus.DefaultRegisterer so a
// process can run more than one Controller without a metric-name collision.
type metrics struct {
	registry  *prometheus.Registry
	ramUsed   prometheus.Gauge
	videoUsed prometheus.Gauge
	evictions prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		ramUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgcache_ram_bytes_used",
			Help: "Sum of GetBytesRam across live Images.",
		}),
		videoUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgcache_video_bytes_used",
			Help: "Sum of BytesVideo across rendered RenderRequests.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgcache_evictions_total",
			Help: "Number of Images removed from the cache, by eviction or by clearing their last request.",
		}),
	}
	reg.MustRegister(m.ramUsed, m.videoUsed, m.evictions)
	return m
}

func (m *metrics) setUsage(ram, video int64) {
	m.ramUsed.Set(float64(ram))
	m.videoUsed.Set(float64(video))
}

// Registry exposes the private Prometheus registry so callers can serve
// it over their own /metrics endpoint. Returns nil if Config.Metrics was
// false when the Controller was constructed.
func (c *Controller) Registry() *prometheus.Registry {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.registry
}
