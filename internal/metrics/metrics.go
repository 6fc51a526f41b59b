// Package metrics exports engine metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"options-mm/internal/models"
)

var curveStatuses = []models.CurveStatus{models.CurveReset, models.CurveIlliquid, models.CurveBadStats, models.CurveValuation}

// Recorder records engine metrics.
type Recorder struct {
	recalcs      *prometheus.CounterVec
	recalcTime   *prometheus.HistogramVec
	actions      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	curveFits    *prometheus.CounterVec
	curveStatus  *prometheus.GaugeVec
	correlation  *prometheus.GaugeVec
	workerCrash  *prometheus.CounterVec
	lastSecTrans prometheus.Gauge
}

// NewRecorder registers the engine metrics with reg. A nil reg uses the
// default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		recalcs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mm_recalculations_total",
				Help: "Recalculations by trigger and outcome",
			},
			[]string{"reason", "outcome"},
		),
		recalcTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mm_recalculation_duration_seconds",
				Help:    "Duration of one option recalculation",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"regime"},
		),
		actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mm_actions_dispatched_total",
				Help: "Dispatched order actions",
			},
			[]string{"role", "type"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mm_actions_rejected_total",
				Help: "Order actions rejected by the arbiter",
			},
			[]string{"role", "reason"},
		),
		curveFits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mm_curve_fits_total",
				Help: "Published curve fits per series",
			},
			[]string{"series"},
		),
		curveStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mm_curve_status",
				Help: "1 for the current curve status of a series",
			},
			[]string{"series", "status"},
		),
		correlation: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mm_curve_fit_correlation",
				Help: "Correlation of the latest curve fit",
			},
			[]string{"series", "side"},
		),
		workerCrash: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mm_worker_crashes_total",
				Help: "Recovered worker panics",
			},
			[]string{"worker"},
		),
		lastSecTrans: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mm_transactions_last_second",
				Help: "Transactions sent during the last second",
			},
		),
	}
}

// Recalculated records one finished recalculation.
func (r *Recorder) Recalculated(reason models.RecalcReason, snap *models.ModelSnapshot, d time.Duration) {
	outcome, regime := "failed", "none"
	if snap != nil && snap.Success {
		outcome, regime = "ok", string(snap.Regime)
	}
	r.recalcs.WithLabelValues(string(reason), outcome).Inc()
	r.recalcTime.WithLabelValues(regime).Observe(d.Seconds())
}

// Dispatched records actions sent to the execution sink.
func (r *Recorder) Dispatched(actions []models.OrderAction) {
	for _, a := range actions {
		r.actions.WithLabelValues(string(a.Role), string(a.Type)).Inc()
	}
}

// Rejected records actions dropped by the arbiter.
func (r *Recorder) Rejected(actions []models.OrderAction) {
	for _, a := range actions {
		r.rejections.WithLabelValues(string(a.Role), string(a.Reason)).Inc()
	}
}

// Transactions records the last-second transaction count.
func (r *Recorder) Transactions(lastSecond int) {
	r.lastSecTrans.Set(float64(lastSecond))
}

// CurveStatus sets the status gauge of a series.
func (r *Recorder) CurveStatus(series string, status models.CurveStatus) {
	for _, s := range curveStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.curveStatus.WithLabelValues(series, string(s)).Set(v)
	}
}

// CurveFit records a published fit.
func (r *Recorder) CurveFit(series string, bid, offer models.CurveQuality) {
	r.curveFits.WithLabelValues(series).Inc()
	r.correlation.WithLabelValues(series, "bid").Set(bid.Correlation)
	r.correlation.WithLabelValues(series, "offer").Set(offer.Correlation)
}

// WorkerCrash records a recovered worker panic.
func (r *Recorder) WorkerCrash(worker string) {
	r.workerCrash.WithLabelValues(worker).Inc()
}

// Handler returns the HTTP handler serving the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
