package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"submission-orchestrator/internal/models"
)

type stubProvider struct {
	approval    Approval
	exchangeErr error
	exchanges   atomic.Int32
}

func (s *stubProvider) RequestApproval(context.Context, ApprovalRequest) (Approval, error) {
	return s.approval, nil
}

func (s *stubProvider) ExchangeApproval(context.Context, string, string) (Session, error) {
	s.exchanges.Add(1)
	if s.exchangeErr != nil {
		return Session{}, s.exchangeErr
	}
	return Session{Token: "tok"}, nil
}

func TestTriggerCapsExpiryToWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := &stubProvider{approval: Approval{TxID: "tx", ExpiresAt: now.Add(time.Hour)}}
	g := New(p, 5*time.Minute, nil)
	g.now = func() time.Time { return now }

	a, err := g.Trigger(context.Background(), ApprovalRequest{Provider: ProviderKakao, SubmissionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expiry not capped: %v", a.ExpiresAt)
	}

	if _, err := g.Trigger(context.Background(), ApprovalRequest{Provider: "email"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestConfirmBeforeApprovalIsRetryable(t *testing.T) {
	g := New(&stubProvider{exchangeErr: ErrApprovalPending}, time.Minute, nil)

	_, err := g.Confirm(context.Background(), ProviderNaver, "tx", time.Now().Add(time.Minute))
	var ae *models.AuthError
	if !errors.As(err, &ae) || !ae.Retryable {
		t.Fatalf("expected retryable AuthError, got %v", err)
	}
}

func TestConfirmAfterWindowIsExpiredWithoutCallingProvider(t *testing.T) {
	p := &stubProvider{}
	g := New(p, time.Minute, nil)

	_, err := g.Confirm(context.Background(), ProviderNaver, "tx", time.Now().Add(-time.Second))
	if !errors.Is(err, models.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if p.exchanges.Load() != 0 {
		t.Fatalf("provider should not be called past the window")
	}
}

func TestConfirmMapsProviderErrors(t *testing.T) {
	cases := []struct {
		err       error
		expired   bool
		retryable bool
	}{
		{ErrApprovalExpired, true, false},
		{ErrApprovalDenied, false, false},
		{errors.New("connection reset"), false, true},
	}
	for _, tc := range cases {
		g := New(&stubProvider{exchangeErr: tc.err}, time.Minute, nil)
		_, err := g.Confirm(context.Background(), ProviderPass, "tx", time.Time{})
		if tc.expired {
			if !errors.Is(err, models.ErrSessionExpired) {
				t.Fatalf("%v: expected ErrSessionExpired, got %v", tc.err, err)
			}
			continue
		}
		var ae *models.AuthError
		if !errors.As(err, &ae) || ae.Retryable != tc.retryable {
			t.Fatalf("%v: expected AuthError retryable=%v, got %v", tc.err, tc.retryable, err)
		}
	}
}

func TestSandboxProviderApprovesAfterDelay(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := NewSandboxProvider(10*time.Second, time.Minute)
	p.now = func() time.Time { return now }

	a, err := p.RequestApproval(context.Background(), ApprovalRequest{Provider: ProviderToss})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.ExchangeApproval(context.Background(), ProviderToss, a.TxID); !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("expected pending, got %v", err)
	}

	now = now.Add(11 * time.Second)
	s, err := p.ExchangeApproval(context.Background(), ProviderToss, a.TxID)
	if err != nil || s.Token == "" {
		t.Fatalf("expected session, got %v %v", s, err)
	}
	if _, err := p.ExchangeApproval(context.Background(), ProviderToss, a.TxID); !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("a used transaction should not exchange twice, got %v", err)
	}
}

func TestHTTPProviderContract(t *testing.T) {
	var exchangeCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/approvals":
			var body approvalBody
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Provider != ProviderKakao || body.BirthDate != "900101" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(approvalReply{TxID: "tx-42", ExpiresAt: time.Now().Add(time.Minute)})
		case strings.HasSuffix(r.URL.Path, "/exchange"):
			if exchangeCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_ = json.NewEncoder(w).Encode(exchangeReply{SessionToken: "sess"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", "key", srv.Client(), nil)
	a, err := p.RequestApproval(context.Background(), ApprovalRequest{
		Provider: ProviderKakao,
		Identity: models.IdentityFields{ResidentIDFront: "900101"},
	})
	if err != nil || a.TxID != "tx-42" {
		t.Fatalf("request approval: %+v %v", a, err)
	}
	if _, err := p.ExchangeApproval(context.Background(), ProviderKakao, a.TxID); !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("expected pending on first exchange, got %v", err)
	}
	s, err := p.ExchangeApproval(context.Background(), ProviderKakao, a.TxID)
	if err != nil || s.Token != "sess" {
		t.Fatalf("expected session, got %+v %v", s, err)
	}
}

func TestHTTPProviderReportsTruncatedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more than is sent so the client hits an early EOF.
		w.Header().Set("Content-Length", "200")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"txId":"tx-`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client(), nil)
	_, err := p.RequestApproval(context.Background(), ApprovalRequest{Provider: ProviderKakao})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected the read error, got %v", err)
	}
	if strings.Contains(err.Error(), "decode") {
		t.Fatalf("a short body must not be reported as a decode error: %v", err)
	}
}
