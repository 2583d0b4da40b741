package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/prompt-collector/internal/progress"
)

// PrometheusSink exports per-target progress gauges.
type PrometheusSink struct {
	offset      *prometheus.GaugeVec
	ratio       *prometheus.GaugeVec
	total       *prometheus.GaugeVec
	running     *prometheus.GaugeVec
	runDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{}
	var err error
	if s.offset, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_target_offset",
		Help: "Last committed offset per target.",
	}, []string{"target"})); err != nil {
		return nil, err
	}
	if s.ratio, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_target_progress_ratio",
		Help: "Fraction of the known bound collected per target, 0 to 1.",
	}, []string{"target"})); err != nil {
		return nil, err
	}
	if s.total, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_target_provider_total",
		Help: "Provider-reported item total per target.",
	}, []string{"target"})); err != nil {
		return nil, err
	}
	if s.running, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_target_running",
		Help: "1 while a run is in progress for the target.",
	}, []string{"target"})); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collector_run_duration_seconds",
		Help:    "Wall time per finished run partitioned by final status.",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"status"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the gauges from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.offset.WithLabelValues(evt.Target).Set(float64(evt.Offset))
		if evt.Total > 0 {
			s.total.WithLabelValues(evt.Target).Set(float64(evt.Total))
		}
		if ratio, ok := evt.Ratio(); ok {
			s.ratio.WithLabelValues(evt.Target).Set(ratio)
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.running.WithLabelValues(evt.Target).Set(1)
		case progress.StageRunDone:
			s.running.WithLabelValues(evt.Target).Set(0)
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
