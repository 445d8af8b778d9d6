package authkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Auth events counted by MetricsRecorder.
const (
	metricSignupSuccess      = "auth.signup.success"
	metricLoginSuccess       = "auth.login.success"
	metricLoginFailure       = "auth.login.failure"
	metricRefreshSuccess     = "auth.refresh.success"
	metricRefreshFailure     = "auth.refresh.failure"
	metricLogoutSuccess      = "auth.logout.success"
	metricPasswordReset      = "auth.password.reset"
	metricSocialLoginRefused = "auth.social_login.refused"
)

var knownMetricEvents = []string{
	metricSignupSuccess,
	metricLoginSuccess,
	metricLoginFailure,
	metricRefreshSuccess,
	metricRefreshFailure,
	metricLogoutSuccess,
	metricPasswordReset,
	metricSocialLoginRefused,
}

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// MetricsSnapshot is the point-in-time counter view served by HandleMetrics.
// Every known auth event is present, zero when it never fired.
type MetricsSnapshot struct {
	StartedAt     time.Time        `json:"started_at"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters"`
}

// CounterMetrics counts auth events in memory since the process started.
type CounterMetrics struct {
	mutex     sync.Mutex
	counts    map[string]int64
	startedAt time.Time
	now       func() time.Time
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	now := func() time.Time { return time.Now().UTC() }
	return &CounterMetrics{counts: make(map[string]int64), startedAt: now(), now: now}
}

// Increment increases the counter for event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies the counters.
func (recorder *CounterMetrics) Snapshot() MetricsSnapshot {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	counters := make(map[string]int64, len(knownMetricEvents)+len(recorder.counts))
	for _, event := range knownMetricEvents {
		counters[event] = 0
	}
	for event, count := range recorder.counts {
		counters[event] = count
	}
	return MetricsSnapshot{
		StartedAt:     recorder.startedAt,
		UptimeSeconds: int64(recorder.now().Sub(recorder.startedAt) / time.Second),
		Counters:      counters,
	}
}

// HandleMetrics responds with the current snapshot.
func (recorder *CounterMetrics) HandleMetrics(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, recorder.Snapshot())
}
