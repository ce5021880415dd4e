package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	webhookQueueSize   = 1024
	webhookMaxAttempts = 2
	webhookTimeout     = 10 * time.Second
)

// Delivery label values of cmpauth_webhook_events_total.
const (
	deliveryDelivered = "delivered"
	deliveryFailed    = "failed"
	deliveryDropped   = "dropped"
)

// webhookEvent is the JSON document POSTed for each audit event or alert.
type webhookEvent struct {
	Event      string            `json:"event"`
	RequestID  string            `json:"request_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards events to an HTTP endpoint from a single background
// goroutine. enqueue never blocks the CMP request path; events that do not
// fit the queue are dropped and counted.
type auditWebhook struct {
	sink       string
	url        string
	authHeader string // "Header: Value"
	client     *http.Client
	events     chan webhookEvent
	retryDelay time.Duration
	logger     *slog.Logger
	deliveries *prometheus.CounterVec

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newAuditWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		sink:       "audit",
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: webhookTimeout},
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

func (w *auditWebhook) count(result string) {
	if w.deliveries != nil {
		w.deliveries.WithLabelValues(w.sink, result).Inc()
	}
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.count(deliveryDropped)
		w.log().Warn("webhook queue full, dropping event", "sink", w.sink, "event", evt.Event)
	}
}

// close waits for queued events to be sent. It is safe to call twice.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		if w.send(evt) {
			w.count(deliveryDelivered)
		} else {
			w.count(deliveryFailed)
		}
	}
}

// send POSTs evt, retrying transport failures and 5xx/429 responses.
func (w *auditWebhook) send(evt webhookEvent) bool {
	body, err := json.Marshal(evt)
	if err != nil {
		w.log().Warn("webhook marshal failed", "sink", w.sink, "error", err)
		return false
	}

	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(body)
		switch {
		case err != nil:
			w.log().Warn("webhook request failed", "sink", w.sink, "error", err, "attempt", attempt)
		case status >= 200 && status < 300:
			return true
		case status >= 500 || status == http.StatusTooManyRequests:
			w.log().Warn("webhook endpoint unavailable", "sink", w.sink, "status", status, "attempt", attempt)
		default:
			w.log().Warn("webhook event refused", "sink", w.sink, "status", status, "event", evt.Event)
			return false
		}
	}
	return false
}

func (w *auditWebhook) post(body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cmpauth-audit-webhook/1.0")
	if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
