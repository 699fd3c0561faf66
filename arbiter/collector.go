package arbiter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports each level's score and file count for scraping.
type Collector struct {
	arb        *Arbiter
	scoreDesc  *prometheus.Desc
	filesDesc  *prometheus.Desc
}

// NewCollector wraps an Arbiter for Prometheus registration.
func NewCollector(arb *Arbiter) *Collector {
	return &Collector{
		arb: arb,
		scoreDesc: prometheus.NewDesc(
			"hyperbourbon_arbiter_score",
			"Cost-benefit score for the most recent sufficient-data evaluation of a level.",
			[]string{"level"}, nil,
		),
		filesDesc: prometheus.NewDesc(
			"hyperbourbon_arbiter_file_count",
			"Number of files currently aggregated at a level.",
			[]string{"level"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scoreDesc
	ch <- c.filesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for level := 0; level < c.arb.NumLevels(); level++ {
		label := strconv.Itoa(level)
		if score, ok := c.arb.Score(level); ok {
			ch <- prometheus.MustNewConstMetric(c.scoreDesc, prometheus.GaugeValue, score, label)
		}

		c.arb.mu.Lock()
		fileCount := float64(c.arb.levels[level].fileCount)
		c.arb.mu.Unlock()
		ch <- prometheus.MustNewConstMetric(c.filesDesc, prometheus.GaugeValue, fileCount, label)
	}
}
