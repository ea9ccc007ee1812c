package authgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxProvider approves every request once delay has elapsed. It stands in
// for a real identity broker on local and staging deployments.
type SandboxProvider struct {
	delay time.Duration
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewSandboxProvider approves after delay; requests expire after ttl.
func NewSandboxProvider(delay, ttl time.Duration) *SandboxProvider {
	return &SandboxProvider{
		delay:   delay,
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

func (p *SandboxProvider) RequestApproval(_ context.Context, _ ApprovalRequest) (Approval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txID := "sbx-" + uuid.New().String()
	created := p.now()
	p.pending[txID] = created
	return Approval{TxID: txID, ExpiresAt: created.Add(p.ttl)}, nil
}

func (p *SandboxProvider) ExchangeApproval(_ context.Context, _ string, txID string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	created, ok := p.pending[txID]
	if !ok {
		return Session{}, ErrApprovalExpired
	}
	elapsed := p.now().Sub(created)
	if elapsed > p.ttl {
		delete(p.pending, txID)
		return Session{}, ErrApprovalExpired
	}
	if elapsed < p.delay {
		return Session{}, ErrApprovalPending
	}
	delete(p.pending, txID)
	return Session{Token: "sandbox-session-" + txID}, nil
}
