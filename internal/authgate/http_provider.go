package authgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPProvider talks JSON to an identity broker that fronts the mobile-approval providers.
//
//	POST {base}/approvals                 -> {txId, expiresAt}
//	POST {base}/approvals/{txId}/exchange -> 200 {sessionToken} | 202 pending | 410 expired | 403 denied
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPProvider builds an HTTPProvider. A nil client gets a timeout-bound default.
func NewHTTPProvider(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

type approvalBody struct {
	Provider     string `json:"provider"`
	Reference    string `json:"reference"`
	Name         string `json:"name"`
	BirthDate    string `json:"birthDate"`
	Phone        string `json:"phone"`
	ResidentBack string `json:"residentBack"`
}

type approvalReply struct {
	TxID      string    `json:"txId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type exchangeBody struct {
	Provider string `json:"provider"`
}

type exchangeReply struct {
	SessionToken string `json:"sessionToken"`
}

func (p *HTTPProvider) RequestApproval(ctx context.Context, req ApprovalRequest) (Approval, error) {
	body := approvalBody{
		Provider:     req.Provider,
		Reference:    req.SubmissionID,
		Name:         req.Identity.Name,
		BirthDate:    req.Identity.ResidentIDFront,
		Phone:        req.Identity.Phone,
		ResidentBack: req.Identity.ResidentIDBack,
	}
	raw, status, err := p.post(ctx, p.baseURL+"/approvals", body)
	if err != nil {
		return Approval{}, err
	}
	if status/100 != 2 {
		return Approval{}, fmt.Errorf("identity broker returned %d: %s", status, truncate(raw, 200))
	}
	var reply approvalReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Approval{}, fmt.Errorf("decode approval reply: %w", err)
	}
	if reply.TxID == "" {
		return Approval{}, fmt.Errorf("identity broker returned no transaction id")
	}
	return Approval{TxID: reply.TxID, ExpiresAt: reply.ExpiresAt}, nil
}

func (p *HTTPProvider) ExchangeApproval(ctx context.Context, provider, txID string) (Session, error) {
	raw, status, err := p.post(ctx, p.baseURL+"/approvals/"+url.PathEscape(txID)+"/exchange", exchangeBody{Provider: provider})
	if err != nil {
		return Session{}, err
	}
	switch {
	case status == http.StatusAccepted:
		return Session{}, ErrApprovalPending
	case status == http.StatusGone:
		return Session{}, ErrApprovalExpired
	case status == http.StatusForbidden:
		return Session{}, ErrApprovalDenied
	case status/100 != 2:
		return Session{}, fmt.Errorf("identity broker returned %d: %s", status, truncate(raw, 200))
	}
	var reply exchangeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Session{}, fmt.Errorf("decode exchange reply: %w", err)
	}
	if reply.SessionToken == "" {
		return Session{}, fmt.Errorf("identity broker returned an empty session")
	}
	return Session{Token: reply.SessionToken}, nil
}

func (p *HTTPProvider) post(ctx context.Context, target string, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(bs))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("idp.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		p.logger.Error("idp.http.read_error", "req_id", reqID, "status", resp.StatusCode, "error", err)
		return nil, resp.StatusCode, fmt.Errorf("read identity broker response: %w", err)
	}
	p.logger.Debug("idp.http.response", "req_id", reqID, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return raw, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
