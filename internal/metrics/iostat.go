// Package metrics holds process-level prometheus collectors.
package metrics

import (
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	namespace = "chronostore"
	subsystem = "process"
)

// IOStatsCollector collects I/O statistics of the indexer process. Index
// commits are write-batch heavy, so io-wait is the first thing to look at
// when consume latency climbs.
type IOStatsCollector struct {
	proc *process.Process
	mu   sync.Mutex

	readBytesDesc  *prometheus.Desc
	writeBytesDesc *prometheus.Desc
	cpuIowaitDesc  *prometheus.Desc
}

// NewIOStatsCollector creates a new I/O stats collector.
func NewIOStatsCollector() (*IOStatsCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &IOStatsCollector{
		proc: proc,
		readBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "io_read_bytes_total"),
			"Total number of bytes read by the process",
			nil, nil,
		),
		writeBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "io_write_bytes_total"),
			"Total number of bytes written by the process",
			nil, nil,
		),
		cpuIowaitDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "system", "cpu_iowait_percent"),
			"Percentage of CPU time spent waiting for I/O",
			nil, nil,
		),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *IOStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readBytesDesc
	ch <- c.writeBytesDesc
	ch <- c.cpuIowaitDesc
}

// Collect implements prometheus.Collector.
func (c *IOStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ioCounters, err := c.proc.IOCounters()
	if err != nil {
		slog.Debug("failed to get process I/O counters", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.readBytesDesc, prometheus.CounterValue, float64(ioCounters.ReadBytes))
		ch <- prometheus.MustNewConstMetric(c.writeBytesDesc, prometheus.CounterValue, float64(ioCounters.WriteBytes))
	}

	cpuTimes, err := cpu.Times(false)
	if err != nil {
		slog.Debug("failed to get CPU times", "error", err)
		return
	}
	if len(cpuTimes) == 0 {
		return
	}

	times := cpuTimes[0]
	total := times.User + times.System + times.Idle + times.Nice +
		times.Iowait + times.Irq + times.Softirq + times.Steal

	var iowaitPercent float64
	if total > 0 {
		iowaitPercent = (times.Iowait / total) * 100.0
	}
	ch <- prometheus.MustNewConstMetric(c.cpuIowaitDesc, prometheus.GaugeValue, iowaitPercent)
}
