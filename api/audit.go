package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCMPAuthenticated AuditEvent = "cmp_authenticated"
	AuditCMPRejected      AuditEvent = "cmp_rejected"
	AuditCMPRateLimited   AuditEvent = "cmp_rate_limited"
	AuditCMPMalformed     AuditEvent = "cmp_malformed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and forwards it to the spike
// collector and webhook, if configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, remoteIP string, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("request_id", requestIDFromContext(r.Context())),
		slog.String("remote_addr", remoteIP),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RequestID:  requestIDFromContext(r.Context()),
			RemoteAddr: remoteIP,
			Timestamp:  now.Format(time.RFC3339),
			Attrs:      make(map[string]string, len(attrs)),
		}
		for _, a := range attrs {
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

func slogAlias(alias string) slog.Attr { return slog.String("alias", alias) }

// logAuthenticated records a request that was bound to an end entity.
func (al *auditLogger) logAuthenticated(r *http.Request, remoteIP, alias, mode, username string) {
	al.log(AuditCMPAuthenticated, r, remoteIP,
		slog.String("alias", alias),
		slog.String("mode", mode),
		slog.String("username", username),
	)
}

// logRejected records a rejection. detail is operator-only context that is
// never returned to the peer.
func (al *auditLogger) logRejected(r *http.Request, remoteIP, alias, mode, reason, detail string) {
	attrs := []slog.Attr{
		slog.String("alias", alias),
		slog.String("mode", mode),
		slog.String("reason", reason),
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	al.log(AuditCMPRejected, r, remoteIP, attrs...)
}
