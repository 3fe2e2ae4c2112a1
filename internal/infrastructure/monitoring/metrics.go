package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all kernel Prometheus metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Trap dispatcher
	SyscallsTotal *prometheus.CounterVec
	PageFaults    *prometheus.CounterVec
	TimerTicks    prometheus.Counter
	FatalTraps    prometheus.Counter

	// Scheduler
	ContextSwitches prometheus.Counter
	CPUsHalted      prometheus.Gauge

	// Memory
	FramesTotal prometheus.Gauge
	FramesFree  prometheus.Gauge

	// Environments
	EnvsByStatus *prometheus.GaugeVec

	// IPC
	IPCSends *prometheus.CounterVec
}

// NewMetrics creates a kernel metrics collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_total",
				Help: "Total syscalls dispatched, by name and result",
			},
			[]string{"name", "result"},
		),
		PageFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_page_faults_total",
				Help: "Total user page faults, by kind",
			},
			[]string{"kind"},
		),
		TimerTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_timer_ticks_total",
				Help: "Total timer interrupts delivered",
			},
		),
		FatalTraps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_fatal_traps_total",
				Help: "Fatal conditions that transferred to the monitor",
			},
		),

		ContextSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_context_switches_total",
				Help: "Environment-to-environment dispatches",
			},
		),
		CPUsHalted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_cpus_halted",
				Help: "Processors currently halted waiting for the timer",
			},
		),

		FramesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_frames_total",
				Help: "Physical frames in the arena",
			},
		),
		FramesFree: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_frames_free",
				Help: "Physical frames on the free list",
			},
		),

		EnvsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_environments",
				Help: "Environment table occupancy by status",
			},
			[]string{"status"},
		),

		IPCSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_sends_total",
				Help: "IPC send attempts, by result",
			},
			[]string{"result"},
		),
	}
}
