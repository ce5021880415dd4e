package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/cmp"
)

// unknownAliasLabel replaces unconfigured alias names in metric labels.
const unknownAliasLabel = "_unknown"

// WithAliasSource lets the API label metrics with configured alias names
// only, so arbitrary path values cannot grow label cardinality.
func WithAliasSource(src auth.AliasSource) Option {
	return func(a *API) {
		a.aliases = src
	}
}

// Authenticate evaluates one JSON-encoded CMP message against the alias in
// the path.
func (a *API) Authenticate(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	label := a.aliasLabel(alias)
	ip := a.clientIP(r)

	if a.requests != nil {
		if ok, wait := a.requests.reserve(ip); !ok {
			a.rateLimited(w, r, ip, alias, label, wait, "request rate exceeded; try again later")
			return
		}
	}
	if blocked, wait := a.rejections.check(ip); blocked {
		a.rateLimited(w, r, ip, alias, label, wait, "too many rejected requests; try again later")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	var msg cmp.Message
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		a.metrics.observe(label, resultMalformed, "")
		a.audit.log(AuditCMPMalformed, r, ip)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid CMP message: "+err.Error())
		return
	}

	start := time.Now()
	out := a.engine.Evaluate(r.Context(), auth.Request{
		Message: &msg,
		Admin:   a.operator,
		Alias:   alias,
	})
	a.metrics.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	reqID := requestIDFromContext(r.Context())

	if rej := out.Rejection(); rej != nil {
		a.rejections.recordFailure(ip)
		a.metrics.observe(label, resultRejected, string(rej.Reason))
		a.audit.logRejected(r, ip, alias, out.Mode().String(), string(rej.Reason), rejectionDetail(rej))
		writeJSON(w, rejectionStatus(rej.Reason), AuthenticateResponse{
			Status:    StatusRejected,
			Reason:    string(rej.Reason),
			Message:   rej.Error(),
			RequestID: reqID,
		})
		return
	}

	a.rejections.recordSuccess(ip)
	a.metrics.observe(label, resultAuthenticated, "")
	a.audit.logAuthenticated(r, ip, alias, out.Mode().String(), out.Username())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, AuthenticateResponse{
		Status:    StatusAuthenticated,
		Secret:    out.Secret(),
		RequestID: reqID,
	})
}

func (a *API) rateLimited(w http.ResponseWriter, r *http.Request, ip, alias, label string, wait time.Duration, msg string) {
	a.metrics.observe(label, resultRateLimited, "")
	a.audit.log(AuditCMPRateLimited, r, ip, slogAlias(alias))
	writeRateLimited(w, r, wait, msg)
}

func (a *API) aliasLabel(alias string) string {
	if a.aliases == nil {
		return alias
	}
	if _, ok := a.aliases.Alias(alias); ok {
		return alias
	}
	return unknownAliasLabel
}

// rejectionDetail joins the operator-only parts of a rejection.
func rejectionDetail(rej *auth.Rejection) string {
	switch {
	case rej.Detail != "" && rej.Cause != nil:
		return rej.Detail + ": " + rej.Cause.Error()
	case rej.Cause != nil:
		return rej.Cause.Error()
	default:
		return rej.Detail
	}
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// RunMaintenance sweeps expired rate-limit state every interval until ctx is
// done.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.rejections.sweep()
			if a.requests != nil {
				a.requests.sweep()
			}
		}
	}
}
