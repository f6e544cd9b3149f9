package tracking

import (
	"context"
	"errors"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

// PromTracker exposes the latest value of every logged scalar as a gauge.
type PromTracker struct {
	values  *prometheus.GaugeVec
	records prometheus.Counter
	run     *Run
}

// NewPromTracker registers its collectors with reg, reusing collectors that
// are already registered. A nil reg uses the default registerer.
func NewPromTracker(reg prometheus.Registerer) (*PromTracker, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	values := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "segforge",
			Subsystem: "run",
			Name:      "metric",
			Help:      "Latest logged value of a run scalar",
		},
		[]string{"run", "key"},
	)
	records := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "segforge",
		Subsystem: "run",
		Name:      "records_total",
		Help:      "Total number of logged records",
	})
	if err := reg.Register(values); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		values = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	if err := reg.Register(records); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		records = are.ExistingCollector.(prometheus.Counter)
	}
	return &PromTracker{values: values, records: records}, nil
}

func (t *PromTracker) Start(_ context.Context, run Run) error {
	t.run = &run
	return nil
}

// Log sets one gauge per scalar; NaN values are skipped.
func (t *PromTracker) Log(_ context.Context, rec Record) error {
	if t.run == nil {
		return ErrNoRun
	}
	for k, v := range rec.Scalars {
		if math.IsNaN(v) {
			continue
		}
		t.values.WithLabelValues(t.run.Name, k).Set(v)
	}
	t.records.Inc()
	return nil
}

func (t *PromTracker) Finish(_ context.Context) error {
	if t.run == nil {
		return ErrNoRun
	}
	t.run = nil
	return nil
}
