package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	processCPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_percent",
		Help:      "CPU usage of a supervised engine process.",
	}, []string{"engine", "id"})

	processRSS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_rss_bytes",
		Help:      "Resident memory of a supervised engine process.",
	}, []string{"engine", "id"})
)

// Target names one live engine process to sample.
type Target struct {
	ID     string
	Engine string
	PID    int
}

// Sampler periodically reads per-process CPU and memory for every live
// engine process and exposes them as gauges. Gauges for processes that
// have gone away are removed on the next tick.
type Sampler struct {
	source   func() []Target
	interval time.Duration
	log      *slog.Logger
}

func NewSampler(source func() []Target, interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{source: source, interval: interval, log: log}
}

// Run samples until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	seen := make(map[Target]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			seen = s.sample(seen)
		}
	}
}

func (s *Sampler) sample(prev map[Target]bool) map[Target]bool {
	cur := make(map[Target]bool)
	for _, tg := range s.source() {
		key := Target{ID: tg.ID, Engine: tg.Engine}
		cur[key] = true
		p, err := gopsproc.NewProcess(int32(tg.PID))
		if err != nil {
			continue
		}
		if cpu, err := p.CPUPercent(); err == nil {
			processCPU.WithLabelValues(tg.Engine, tg.ID).Set(cpu)
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			processRSS.WithLabelValues(tg.Engine, tg.ID).Set(float64(mem.RSS))
		}
	}
	for key := range prev {
		if !cur[key] {
			processCPU.DeleteLabelValues(key.Engine, key.ID)
			processRSS.DeleteLabelValues(key.Engine, key.ID)
		}
	}
	return cur
}
