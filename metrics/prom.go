package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PromMetrics struct {
	created        prometheus.Counter
	publishFailed  prometheus.Counter
	completed      prometheus.Counter
	failed         prometheus.Counter
	swept          prometheus.Counter
	processLatency prometheus.Histogram
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {

	m := &PromMetrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskq_tasks_created_total",
			Help: "Number of created tasks",
		}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskq_tasks_publish_failed_total",
			Help: "Number of tasks whose queue publish failed",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskq_tasks_completed_total",
			Help: "Number of completed tasks",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskq_tasks_failed_total",
			Help: "Number of failed tasks",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskq_tasks_swept_total",
			Help: "Number of stalled tasks republished by the sweeper",
		}),
		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskq_process_latency_seconds",
			Help:    "Latency of task processing",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.created, m.publishFailed, m.completed, m.failed, m.swept, m.processLatency)
	return m
}

func (m *PromMetrics) TaskCreated() {
	m.created.Inc()
}
func (m *PromMetrics) TaskPublishFailed() {
	m.publishFailed.Inc()
}
func (m *PromMetrics) TaskCompleted() {
	m.completed.Inc()
}
func (m *PromMetrics) TaskFailed() {
	m.failed.Inc()
}
func (m *PromMetrics) TasksSwept(n int) {
	m.swept.Add(float64(n))
}
func (m *PromMetrics) ProcessLatency(d time.Duration) {
	m.processLatency.Observe(d.Seconds())
}
