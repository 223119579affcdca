package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbnest"

var (
	startsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "starts_total",
		Help:      "Engine process starts, by engine.",
	}, []string{"engine"})

	stopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stops_total",
		Help:      "Requested engine process stops, by engine.",
	}, []string{"engine"})

	crashesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crashes_total",
		Help:      "Engine processes that exited without a stop request, by engine.",
	}, []string{"engine"})

	initRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "init_runs_total",
		Help:      "Data directory initialization attempts, by engine.",
	}, []string{"engine"})

	reapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_total",
		Help:      "Orphaned engine processes terminated during reconciliation.",
	}, []string{"engine"})

	runningGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running",
		Help:      "Currently supervised engine processes, by engine.",
	}, []string{"engine"})

	readinessSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "readiness_duration_seconds",
		Help:      "Time from spawn to the engine's ready signal.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"engine"})
)

// Register attaches all collectors to reg (nil for the default
// registry). Safe to call once; lifecycle helpers work whether or not
// the collectors are registered anywhere.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		startsTotal, stopsTotal, crashesTotal, initRunsTotal,
		reapedTotal, runningGauge, readinessSeconds,
		processCPU, processRSS,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler builds a fresh registry with Go runtime collectors plus the
// lifecycle collectors and returns its scrape handler.
func Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := Register(reg); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func IncStart(engine string)  { startsTotal.WithLabelValues(engine).Inc() }
func IncStop(engine string)   { stopsTotal.WithLabelValues(engine).Inc() }
func IncCrash(engine string)  { crashesTotal.WithLabelValues(engine).Inc() }
func IncInit(engine string)   { initRunsTotal.WithLabelValues(engine).Inc() }
func IncReaped(engine string) { reapedTotal.WithLabelValues(engine).Inc() }

func SetRunning(engine string, n int) { runningGauge.WithLabelValues(engine).Set(float64(n)) }

func ObserveReadiness(engine string, seconds float64) {
	readinessSeconds.WithLabelValues(engine).Observe(seconds)
}
