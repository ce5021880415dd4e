package api

import (
	"strconv"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRejectionSpike   AlertType = "rejection_spike"
	AlertRateLimitedSpike AlertType = "rate_limited_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	rejections         []time.Time
	rejectionWindow    time.Duration
	rejectionThreshold int

	limited          []time.Time
	limitedWindow    time.Duration
	limitedThreshold int

	alertFn AlertFunc
}

const (
	defaultRejectionWindow    = 1 * time.Minute
	defaultRejectionThreshold = 50
	defaultLimitedWindow      = 5 * time.Minute
	defaultLimitedThreshold   = 100
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		rejectionWindow:    defaultRejectionWindow,
		rejectionThreshold: defaultRejectionThreshold,
		limitedWindow:      defaultLimitedWindow,
		limitedThreshold:   defaultLimitedThreshold,
		alertFn:            alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditCMPRejected:
		m.record(&m.rejections, m.rejectionWindow, m.rejectionThreshold,
			AlertRejectionSpike, "CMP rejection rate exceeds threshold")
	case AuditCMPRateLimited:
		m.record(&m.limited, m.limitedWindow, m.limitedThreshold,
			AlertRateLimitedSpike, "rate-limited CMP requests exceed threshold")
	}
}

func (m *metricsCollector) record(times *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*times = append(*times, now)
	*times = trimWindow(*times, now, window)

	if len(*times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*times = (*times)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

func alertWebhookEvent(e AlertEvent) webhookEvent {
	return webhookEvent{
		Event:     "alert",
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Attrs: map[string]string{
			"type":      string(e.Type),
			"message":   e.Message,
			"count":     strconv.Itoa(e.Count),
			"threshold": strconv.Itoa(e.Threshold),
		},
	}
}
