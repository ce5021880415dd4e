// Package auth decides whether a CMP request was sent by a provable,
// authorized end entity or registration authority and, if so, binds the
// one-time secret that issuance will trust.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/jmcleod/cmpauth/cmp"
)

// ErrMissingCollaborator is returned by New when a required collaborator is
// nil.
var ErrMissingCollaborator = errors.New("missing collaborator")

// Collaborators are the services the engine consults. All are required
// except Secrets, which defaults to RandomSecrets.
type Collaborators struct {
	Aliases      AliasSource
	CAs          CALookup
	Certificates CertificateStore
	EndEntities  EndEntityDirectory
	Access       AccessControl
	Identities   IdentityProvider
	Profiles     ProfileDirectory
	Secrets      SecretGenerator
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Rejections are logged at info, decisions and
// details at debug.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now for certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine evaluates requests. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	aliases     AliasSource
	cas         CALookup
	certs       CertificateStore
	endEntities EndEntityDirectory
	access      AccessControl
	identities  IdentityProvider
	profiles    ProfileDirectory
	secrets     SecretGenerator

	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(c Collaborators, opts ...Option) (*Engine, error) {
	required := map[string]any{
		"aliases":      c.Aliases,
		"CA lookup":    c.CAs,
		"certificates": c.Certificates,
		"end entities": c.EndEntities,
		"access":       c.Access,
		"identities":   c.Identities,
		"profiles":     c.Profiles,
	}
	for name, v := range required {
		if isNil(v) {
			return nil, fmt.Errorf("%w: %s", ErrMissingCollaborator, name)
		}
	}

	e := &Engine{
		aliases:     c.Aliases,
		cas:         c.CAs,
		certs:       c.Certificates,
		endEntities: c.EndEntities,
		access:      c.Access,
		identities:  c.Identities,
		profiles:    c.Profiles,
		secrets:     c.Secrets,
		logger:      slog.Default(),
		now:         time.Now,
	}
	if e.secrets == nil {
		e.secrets = RandomSecrets{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "cmp-auth")
	return e, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Request is one message to authenticate.
type Request struct {
	Message *cmp.Message
	// Admin is the operator identity the request is processed under.
	Admin Principal
	Alias string
	// PreAuthenticated is set when an enclosing layer already authenticated
	// the message, e.g. an outer nested message.
	PreAuthenticated bool
}

// Evaluate authenticates one request. The returned Outcome carries either
// the bound secret or the rejection.
func (e *Engine) Evaluate(ctx context.Context, req Request) Outcome {
	out := e.evaluate(ctx, req)
	log := e.logger.With("alias", req.Alias, "mode", out.mode.String())
	if rej := out.rejection; rej != nil {
		log.InfoContext(ctx, "cmp request rejected", "reason", rej.Reason, "message", rej.Message)
		if rej.Detail != "" || rej.Cause != nil {
			log.DebugContext(ctx, "rejection detail", "reason", rej.Reason, "detail", rej.Detail, "cause", rej.Cause)
		}
		return out
	}
	log.DebugContext(ctx, "cmp request authenticated", "username", out.username)
	return out
}

func (e *Engine) evaluate(ctx context.Context, req Request) Outcome {
	msg := req.Message
	if rej := checkProtection(msg); rej != nil {
		return Outcome{rejection: rej}
	}

	cfg, ok := e.aliases.Alias(req.Alias)
	if !ok {
		return Outcome{rejection: reject(ReasonConfigurationConflict, "unknown configuration alias").
			withDetail("alias %q", req.Alias)}
	}
	mode, rej := ResolveMode(cfg, msg.BodyType, req.PreAuthenticated)
	if rej != nil {
		return Outcome{rejection: rej}
	}
	e.logger.DebugContext(ctx, "resolved operating mode",
		"alias", req.Alias, "mode", mode.String(), "body_type", msg.BodyType.String(),
		"preauthenticated", req.PreAuthenticated)

	claimed, rej := extractCertificate(msg)
	if rej != nil {
		return Outcome{mode: mode, rejection: rej}
	}

	var username, secret string
	switch mode {
	case ModeRAOperatedPreAuthenticated:
		e.logger.DebugContext(ctx, "skipping certificate verifications for pre-authenticated RA request")
	case ModeRAOperated:
		rej = e.evaluateRA(ctx, req, cfg, claimed)
	case ModeClientVendorIssued:
		username, secret, rej = e.evaluateVendor(ctx, req, cfg, claimed)
	default:
		username, secret, rej = e.evaluateClient(ctx, req, claimed)
	}
	if rej != nil {
		return Outcome{mode: mode, rejection: rej}
	}

	secret, rej = e.verifySignature(ctx, msg, claimed, secret)
	if rej != nil {
		return Outcome{mode: mode, rejection: rej}
	}
	return Outcome{mode: mode, username: username, secret: secret}
}

func (e *Engine) evaluateRA(ctx context.Context, req Request, cfg AliasConfig, claimed claimedCert) *Rejection {
	ca, rej := e.resolveCA(ctx, req.Admin, cfg.RACAName, false)
	if rej != nil {
		return rej
	}
	rec, rej := e.lookupRecord(ctx, claimed.fingerprint)
	if rej != nil {
		return rej
	}
	if rej := verifyIssuedBy(claimed.cert, ca); rej != nil {
		return rej
	}
	if rej := checkTemporalValidity(claimed.cert, e.now()); rej != nil {
		return rej
	}
	if rej := checkActive(rec); rej != nil {
		return rej
	}
	return e.authorize(ctx, req.Admin, req.Message, cfg, claimed.cert, ca.ID)
}

func (e *Engine) evaluateVendor(ctx context.Context, req Request, cfg AliasConfig, claimed claimedCert) (string, string, *Rejection) {
	if _, rej := e.matchVendorCA(ctx, req.Admin, cfg.VendorCAs, claimed.cert); rej != nil {
		return "", "", rej
	}
	if rej := checkTemporalValidity(claimed.cert, e.now()); rej != nil {
		return "", "", rej
	}
	username, rej := usernameFromSubject(claimed.cert, cfg.ExtractUsernameComponent)
	if rej != nil {
		return "", "", rej
	}
	e.logger.DebugContext(ctx, "username extracted from certificate subject",
		"component", cfg.ExtractUsernameComponent, "username", username)
	secret, rej := e.bindSecret(ctx, req.Admin, req.Message.Username, username)
	return username, secret, rej
}

func (e *Engine) evaluateClient(ctx context.Context, req Request, claimed claimedCert) (string, string, *Rejection) {
	ca, rej := e.resolveCA(ctx, req.Admin, claimed.cert.Issuer.String(), true)
	if rej != nil {
		return "", "", rej
	}
	rec, rej := e.lookupRecord(ctx, claimed.fingerprint)
	if rej != nil {
		return "", "", rej
	}
	if rej := verifyIssuedBy(claimed.cert, ca); rej != nil {
		return "", "", rej
	}
	if rej := checkTemporalValidity(claimed.cert, e.now()); rej != nil {
		return "", "", rej
	}
	if rej := checkActive(rec); rej != nil {
		return "", "", rej
	}
	secret, rej := e.bindSecret(ctx, req.Admin, req.Message.Username, rec.Username)
	return rec.Username, secret, rej
}
