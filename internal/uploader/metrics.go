package uploader

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports uploader activity. A nil *Metrics records nothing.
type Metrics struct {
	tasksActive prometheus.Gauge
	cycles      *prometheus.CounterVec
	items       *prometheus.CounterVec
	documents   *prometheus.CounterVec
	videos      *prometheus.CounterVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "lecturebot"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "uploader",
			Name: "tasks_active",
			Help: "Batch polling tasks currently running.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploader",
			Name: "cycles_total",
			Help: "Polling cycles by outcome.",
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploader",
			Name: "items_total",
			Help: "Schedule items run through the pipeline by outcome.",
		}, []string{"result"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploader",
			Name: "documents_total",
			Help: "Document deliveries by outcome.",
		}, []string{"result"}),
		videos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "uploader",
			Name: "videos_total",
			Help: "Video deliveries by outcome.",
		}, []string{"result"}),
	}
	collectors := []prometheus.Collector{m.tasksActive, m.cycles, m.items, m.documents, m.videos}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, fmt.Errorf("register uploader metric: %w", err)
			}
			collectors[i] = are.ExistingCollector
		}
	}
	m.tasksActive = collectors[0].(prometheus.Gauge)
	m.cycles = collectors[1].(*prometheus.CounterVec)
	m.items = collectors[2].(*prometheus.CounterVec)
	m.documents = collectors[3].(*prometheus.CounterVec)
	m.videos = collectors[4].(*prometheus.CounterVec)
	return m, nil
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.tasksActive.Inc()
	}
}

func (m *Metrics) taskStopped() {
	if m != nil {
		m.tasksActive.Dec()
	}
}

func (m *Metrics) cycle(result string) {
	if m != nil {
		m.cycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) item(result string) {
	if m != nil {
		m.items.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) document(result string) {
	if m != nil {
		m.documents.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) video(result string) {
	if m != nil {
		m.videos.WithLabelValues(result).Inc()
	}
}
