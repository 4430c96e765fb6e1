package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"api-gateway/internal/audit"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// Decision reasons. They double as metric label values, so the set is fixed.
const (
	ReasonAuthorized          = "authorized"
	ReasonMissingCredentials  = "missing credentials"
	ReasonMalformed           = "malformed credentials"
	ReasonUnsupportedScheme   = "unsupported scheme"
	ReasonInvalidToken        = "invalid token"
	ReasonVerifierUnavailable = "verifier unavailable"
	ReasonVerifierError       = "verifier error"
)

const bearerScheme = "Bearer"

// Authenticator turns request credentials into an authorization decision.
// It fails closed and emits an audit event for every decision.
type Authenticator struct {
	verifier Verifier
	auditor  audit.Auditor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewAuthenticator creates an Authenticator.
// The metrics parameter is optional; pass nil to disable decision metrics.
func NewAuthenticator(v Verifier, a audit.Auditor, logger *slog.Logger, m *metrics.Metrics) *Authenticator {
	return &Authenticator{
		verifier: v,
		auditor:  a,
		logger:   logger.With("component", "authenticator"),
		metrics:  m,
	}
}

// ExtractCredentials reads the Authorization header. Origin is left for the caller.
func ExtractCredentials(header http.Header) model.Credentials {
	values := header.Values("Authorization")
	if len(values) == 0 {
		return model.Credentials{}
	}
	creds := model.Credentials{Present: true}
	if len(values) > 1 {
		// Ambiguous; Authenticate rejects credentials without a scheme.
		return creds
	}

	scheme, token, _ := strings.Cut(strings.TrimSpace(values[0]), " ")
	creds.Scheme = scheme
	creds.Token = strings.TrimSpace(token)
	return creds
}

// Authenticate evaluates creds. It never returns an authorized decision
// unless the verifier positively accepted the token.
func (a *Authenticator) Authenticate(ctx context.Context, creds model.Credentials) (decision model.AuthDecision) {
	decision = deny(ReasonVerifierError)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("verifier panicked", "panic", r, "verifier", a.verifier.Name())
			decision = deny(ReasonVerifierError)
		}
		a.record(ctx, creds, decision)
	}()

	switch {
	case !creds.Present:
		return deny(ReasonMissingCredentials)
	case creds.Scheme == "":
		return deny(ReasonMalformed)
	case !strings.EqualFold(creds.Scheme, bearerScheme):
		return deny(ReasonUnsupportedScheme)
	case creds.Token == "":
		return deny(ReasonMalformed)
	}

	id, err := a.verifier.Verify(ctx, creds.Token)
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) || ctx.Err() != nil {
			a.logger.Warn("credential verification incomplete", "err", err, "verifier", a.verifier.Name())
			return deny(ReasonVerifierUnavailable)
		}
		a.logger.Debug("credential rejected", "err", err, "verifier", a.verifier.Name())
		return deny(ReasonInvalidToken)
	}

	return model.AuthDecision{Authorized: true, Reason: ReasonAuthorized, Subject: id.Subject}
}

func (a *Authenticator) record(ctx context.Context, creds model.Credentials, d model.AuthDecision) {
	outcome := audit.OutcomeDenied
	if d.Authorized {
		outcome = audit.OutcomeSuccess
	}

	if a.metrics != nil {
		a.metrics.AuthDecisions.WithLabelValues(a.verifier.Name(), string(outcome), d.Reason).Inc()
	}
	if a.auditor == nil {
		return
	}

	ev := audit.NewEvent("authenticate", outcome)
	ev.Reason = d.Reason
	ev.Subject = d.Subject
	ev.Verifier = a.verifier.Name()
	ev.Method = creds.Origin.Method
	ev.Path = creds.Origin.Path
	ev.RemoteIP = creds.Origin.RemoteIP
	ev.RequestID = creds.Origin.RequestID
	a.auditor.Record(ctx, ev)
}

func deny(reason string) model.AuthDecision {
	return model.AuthDecision{Authorized: false, Reason: reason}
}
