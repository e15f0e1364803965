// Package telemetry exports coordinator activity as Prometheus metrics and
// fans device events out over NATS.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"capsync/coordinator"
	"capsync/events"
	"capsync/protocol"
)

// Metrics holds the coordinator collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	commands    *prometheus.CounterVec
	retries     prometheus.Counter
	transitions *prometheus.CounterVec
	probes      *prometheus.CounterVec
	roundTrip   prometheus.Histogram
	deviceErrs  *prometheus.CounterVec

	devices  *prometheus.GaugeVec
	offset   *prometheus.GaugeVec
	degraded *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a fresh
// registry, which Handler then serves.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsync_commands_total",
			Help: "Commands resolved, by command and outcome.",
		}, []string{"command", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capsync_command_retries_total",
			Help: "Command transmissions beyond the first attempt.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsync_state_transitions_total",
			Help: "Device state transitions, by target state.",
		}, []string{"to"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsync_sync_probes_total",
			Help: "Clock probes, by outcome.",
		}, []string{"outcome"}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capsync_sync_round_trip_seconds",
			Help:    "Round-trip delay of accepted clock probes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		deviceErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsync_device_errors_total",
			Help: "Device reported errors and malformed messages, by kind.",
		}, []string{"kind"}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsync_devices",
			Help: "Registered devices, by state.",
		}, []string{"state"}),
		offset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsync_device_offset_seconds",
			Help: "Current clock offset estimate of each device.",
		}, []string{"device_id"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsync_device_sync_degraded",
			Help: "1 when clock sync of a device is degraded.",
		}, []string{"device_id"}),
	}

	for _, c := range []prometheus.Collector{
		m.commands, m.retries, m.transitions, m.probes, m.roundTrip, m.deviceErrs,
		m.devices, m.offset, m.degraded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe folds one event into the counters.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.CommandSent:
		if e.Attempt > 1 {
			m.retries.Inc()
		}
	case events.CommandAcked:
		m.commands.WithLabelValues(string(e.Command), "success").Inc()
	case events.DispatchFailed:
		m.commands.WithLabelValues(string(e.Command), "exhausted").Inc()
	case events.CommandFailed:
		m.commands.WithLabelValues(string(e.Command), string(e.Code)).Inc()
	case events.StateChanged:
		m.transitions.WithLabelValues(string(e.State)).Inc()
	case events.SampleAccepted:
		m.probes.WithLabelValues("accepted").Inc()
		m.roundTrip.Observe(e.Delay.Seconds())
	case events.SampleRejected:
		m.probes.WithLabelValues("rejected").Inc()
	case events.ProbeLost:
		m.probes.WithLabelValues("lost").Inc()
	case events.DeviceError:
		m.deviceErrs.WithLabelValues("device").Inc()
	case events.MalformedMessage:
		m.deviceErrs.WithLabelValues("malformed").Inc()
	case events.DeviceRemoved:
		m.offset.DeleteLabelValues(e.DeviceID)
		m.degraded.DeleteLabelValues(e.DeviceID)
	}
}

// Sample sets the fleet gauges from a snapshot.
func (m *Metrics) Sample(records []coordinator.DeviceRecord) {
	counts := make(map[protocol.State]int, len(protocol.AllStates))
	for _, r := range records {
		counts[r.State]++
		if r.Offset.Valid {
			m.offset.WithLabelValues(r.DeviceID).Set(r.Offset.Offset.Seconds())
		}
		degraded := 0.0
		if r.SyncDegraded {
			degraded = 1
		}
		m.degraded.WithLabelValues(r.DeviceID).Set(degraded)
	}
	for _, s := range protocol.AllStates {
		m.devices.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Run observes bus events and samples the fleet every interval until ctx is
// done.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus, fleet func() []coordinator.DeviceRecord, interval time.Duration) {
	sub := bus.Subscribe(nil)
	defer sub.Close()

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			m.Observe(e)
		case <-ticker.C:
			if fleet != nil {
				m.Sample(fleet())
			}
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
