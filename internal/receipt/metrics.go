package receipt

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

// Metrics holds the Prometheus collectors of the analyzer
type Metrics struct {
	uploads          *prometheus.CounterVec
	analyses         *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	inFlight         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_analyzer_uploads_total",
			Help: "Total number of receipt uploads by outcome",
		}, []string{"outcome"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_analyzer_analyses_total",
			Help: "Total number of analyze actions by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_analyzer_analysis_duration_seconds",
			Help:    "Time taken by the scanner to analyze a receipt",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		}, []string{"strategy"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receipt_analyzer_analyses_in_flight",
			Help: "Number of analyses currently running",
		}),
	}

	reg.MustRegister(m.uploads)
	reg.MustRegister(m.analyses)
	reg.MustRegister(m.analysisDuration)
	reg.MustRegister(m.inFlight)

	return m
}

func (m *Metrics) observeUpload(err error) {
	outcome := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrUploadTooLarge):
		outcome = "too_large"
	case errors.Is(err, ErrUnsupportedType):
		outcome = "unsupported"
	case errors.Is(err, ErrEmptyUpload):
		outcome = "empty"
	default:
		outcome = "error"
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeAnalysis(strategy string, err error) {
	m.analyses.WithLabelValues(strategy, analysisOutcome(err)).Inc()
}

func analysisOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNoUpload), errors.Is(err, ErrSessionNotFound):
		return "no_upload"
	case errors.Is(err, ErrAnalysisInProgress):
		return "in_progress"
	case errors.Is(err, ErrAnalysisTimeout):
		return "timeout"
	case errors.Is(err, scanning.ErrMissingAPIKey):
		return "missing_key"
	case errors.Is(err, scanning.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}
