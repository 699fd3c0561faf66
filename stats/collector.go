package stats

import "github.com/prometheus/client_golang/prometheus"

var timerNames = [numTimers]string{
	TimerFlush:        "flush",
	TimerL0Compaction:  "l0_compaction",
	TimerLnCompaction:  "ln_compaction",
	TimerFileLearn:     "file_learn",
	TimerLevelLearn:    "level_learn",
	TimerPutWait:       "put_wait",
	TimerGetBaseline:   "get_baseline",
	TimerGetModel:      "get_model",
}

// Collector exports the registry's accumulated timer values as a
// Prometheus gauge vector, keyed by timer name.
type Collector struct {
	registry *Registry
	desc     *prometheus.Desc
}

// NewCollector wraps a Registry for scraping.
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		desc: prometheus.NewDesc(
			"hyperbourbon_timer_microseconds_total",
			"Accumulated microseconds spent in an instrumented engine phase.",
			[]string{"timer"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for id, name := range timerNames {
		if name == "" {
			continue
		}
		micros := float64(c.registry.Timer(id).Micros())
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, micros, name)
	}
}
