// Package metrics содержит метрики Prometheus биллинга.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Причины неудачного запуска периодической задачи.
const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonLockTimeout          = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

// Metrics набор счётчиков и гистограмм сервиса.
type Metrics struct {
	registry *prometheus.Registry

	callbacks        *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobErrors        *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New регистрирует метрики в собственном реестре вместе с метриками процесса и Go.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "callbacks_total",
			Help:      "Payment callbacks by outcome.",
		}, []string{"outcome"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "callback_duration_seconds",
			Help:      "Payment callback processing latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "scheduler_job_errors_total",
			Help:      "Scheduler job errors by reason.",
		}, []string{"job", "reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "notifications_total",
			Help:      "Notifications handled by the sender by event and result.",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.callbacks,
		m.callbackDuration,
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.notifications,
	)
	return m
}

// Handler отдаёт метрики для /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve отдаёт /metrics на addr до отмены ctx. Нужен процессам без HTTP API.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	const op = "metrics.Serve"

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ObserveCallback учитывает обработанный колбэк.
func (m *Metrics) ObserveCallback(outcome string, d time.Duration) {
	m.callbacks.WithLabelValues(outcome).Inc()
	m.callbackDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveJob учитывает запуск периодической задачи.
func (m *Metrics) ObserveJob(job string, d time.Duration, err error) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.jobRuns.WithLabelValues(job, "error").Inc()
		m.jobErrors.WithLabelValues(job, ClassifyJobError(err)).Inc()
		return
	}
	m.jobRuns.WithLabelValues(job, "ok").Inc()
}

// ObserveNotification учитывает отправку уведомления.
func (m *Metrics) ObserveNotification(event string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(event, result).Inc()
}

// ClassifyJobError сводит ошибку задачи к метке причины.
func ClassifyJobError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return JobReasonDeadlineExceeded
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.LockNotAvailable:
			return JobReasonLockTimeout
		case pgerrcode.SerializationFailure:
			return JobReasonSerializationFailure
		}
		return JobReasonDB
	}
	return JobReasonUnknown
}
