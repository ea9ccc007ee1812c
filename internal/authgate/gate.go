// Package authgate runs the two-phase out-of-band approval handshake: phase 1
// asks an identity provider to push an approval request to the user's phone,
// phase 2 exchanges a completed approval for a portal session. The gate never
// loops on the provider; retrying phase 2 is the caller's decision.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"submission-orchestrator/internal/models"
)

// Providers the gate can push approvals through.
const (
	ProviderKakao = "kakao"
	ProviderNaver = "naver"
	ProviderPass  = "pass"
	ProviderToss  = "toss"
)

// Providers lists every supported provider name.
var Providers = []string{ProviderKakao, ProviderNaver, ProviderPass, ProviderToss}

// ValidProvider reports whether name is supported.
func ValidProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// Errors a Provider returns from ExchangeApproval.
var (
	ErrApprovalPending = errors.New("approval not completed on device")
	ErrApprovalExpired = errors.New("approval request expired")
	ErrApprovalDenied  = errors.New("approval denied by user")
)

// ApprovalRequest is what phase 1 sends to the provider
type ApprovalRequest struct {
	Provider     string
	SubmissionID string
	Identity     models.IdentityFields
}

// Approval identifies a pushed request
type Approval struct {
	TxID      string
	ExpiresAt time.Time
}

// Session is the portal session handed over after approval
type Session struct {
	Token string
}

// Provider is the identity-provider adapter.
type Provider interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Approval, error)
	ExchangeApproval(ctx context.Context, provider, txID string) (Session, error)
}

// Gate applies the approval window on top of a Provider
type Gate struct {
	provider Provider
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a gate. window caps how long an approval stays usable.
func New(provider Provider, window time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{provider: provider, window: window, now: time.Now, logger: logger}
}

// Trigger is phase 1.
func (g *Gate) Trigger(ctx context.Context, req ApprovalRequest) (Approval, error) {
	if !ValidProvider(req.Provider) {
		return Approval{}, fmt.Errorf("unsupported auth provider %q", req.Provider)
	}
	a, err := g.provider.RequestApproval(ctx, req)
	if err != nil {
		g.logger.Error("auth trigger failed", "submission_id", req.SubmissionID, "provider", req.Provider, "error", err)
		return Approval{}, fmt.Errorf("request approval: %w", err)
	}
	limit := g.now().Add(g.window)
	if a.ExpiresAt.IsZero() || a.ExpiresAt.After(limit) {
		a.ExpiresAt = limit
	}
	g.logger.Info("auth approval requested", "submission_id", req.SubmissionID, "provider", req.Provider, "expires_at", a.ExpiresAt)
	return a, nil
}

// Confirm is phase 2. It returns a retryable *models.AuthError while the human
// has not approved, and models.ErrSessionExpired once the window has passed.
func (g *Gate) Confirm(ctx context.Context, provider, txID string, expiresAt time.Time) (Session, error) {
	if !expiresAt.IsZero() && g.now().After(expiresAt) {
		return Session{}, models.ErrSessionExpired
	}
	s, err := g.provider.ExchangeApproval(ctx, provider, txID)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, ErrApprovalPending):
		return Session{}, &models.AuthError{Retryable: true, Reason: "approve the request on your device, then confirm again"}
	case errors.Is(err, ErrApprovalExpired):
		return Session{}, models.ErrSessionExpired
	case errors.Is(err, ErrApprovalDenied):
		return Session{}, &models.AuthError{Retryable: false, Reason: "approval was denied on the device"}
	default:
		g.logger.Warn("auth exchange failed", "provider", provider, "error", err)
		return Session{}, &models.AuthError{Retryable: true, Reason: "identity provider unavailable: " + err.Error()}
	}
}
