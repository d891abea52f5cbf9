// Package hyperliquid submits signed actions to the exchange and reads the
// metadata the signing tools need.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra"
	"github.com/infinitefield/hypersdk/internal/nonce"
	"github.com/infinitefield/hypersdk/internal/signing"
)

const maxNonceRetries = 3

// Client is the Hyperliquid REST API client (boundary layer). It submits
// signed actions to /exchange and reads metadata from /info.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *infra.Metrics
	logger     *slog.Logger
}

// NewClient creates a client for the configured exchange URL.
func NewClient(cfg *infra.Config, metrics *infra.Metrics) *Client {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Client{
		baseURL: cfg.Exchange.URL,
		httpClient: &http.Client{
			Timeout: cfg.ExchangeTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		metrics: metrics,
		logger:  slog.Default().With("module", "hyperliquid_client"),
	}
}

type exchangeRequest struct {
	Action       any              `json:"action"`
	Nonce        uint64           `json:"nonce"`
	Signature    domain.Signature `json:"signature"`
	VaultAddress *string          `json:"vaultAddress"`
	ExpiresAfter *uint64          `json:"expiresAfter,omitempty"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Response is the payload of an accepted action.
type Response struct {
	Type     string        `json:"type"`
	Statuses []OrderStatus `json:"statuses,omitempty"`
}

// OrderStatus is the per-order result of order and modify actions.
type OrderStatus struct {
	Resting *struct {
		Oid uint64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     uint64 `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
	// Success is set for cancel results, which the exchange reports as the
	// bare string "success".
	Success bool `json:"-"`
}

// UnmarshalJSON accepts both the object form and the bare "success" string.
func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	var str string
	if json.Unmarshal(b, &str) == nil {
		if str != "success" {
			return fmt.Errorf("unknown status %q", str)
		}
		*s = OrderStatus{Success: true}
		return nil
	}
	type plain OrderStatus
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = OrderStatus(p)
	return nil
}

// Submit posts a signed action.
func (c *Client) Submit(ctx context.Context, s signing.Signed) (*Response, error) {
	wire, err := action.ToWire(s.Action, s.Context.Chain, s.Context.SignatureChainID)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, exchangeBody(wire, s.Nonce, s.Signature, s.Context))
}

// SubmitMultiSig posts a finalized envelope together with the lead signer's
// outer signature. lead must be the envelope's outer signer.
func (c *Client) SubmitMultiSig(ctx context.Context, lead signing.Signer, env *action.MultiSig, n uint64, sc signing.Context) (*Response, error) {
	wire, err := action.ToWire(env, sc.Chain, sc.SignatureChainID)
	if err != nil {
		return nil, err
	}
	sig, err := signing.SignEnvelope(ctx, lead, env, n, sc)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, exchangeBody(wire, n, sig, sc))
}

// Resubmit builds, signs and submits an action, retrying with a fresh nonce
// from src only when the exchange reports a stale nonce. Any other failure
// is returned at once.
func (c *Client) Resubmit(ctx context.Context, src *nonce.Source, build func(ctx context.Context, n uint64) (signing.Signed, error)) (*Response, error) {
	var resp *Response
	err := retry.Do(func() error {
		signed, err := build(ctx, src.Next())
		if err != nil {
			return err
		}
		resp, err = c.Submit(ctx, signed)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(maxNonceRetries),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isStaleNonce),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Stale nonce, resubmitting", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isStaleNonce(err error) bool {
	var se *domain.SubmissionError
	return errors.As(err, &se) && se.Kind == domain.RejectionStaleNonce
}

func exchangeBody(wire any, n uint64, sig domain.Signature, sc signing.Context) exchangeRequest {
	req := exchangeRequest{Action: wire, Nonce: n, Signature: sig}
	if sc.Vault != nil {
		v := action.Address(*sc.Vault)
		req.VaultAddress = &v
	}
	if sc.ExpiresAfter != nil {
		e := *sc.ExpiresAfter
		req.ExpiresAfter = &e
	}
	return req
}

func (c *Client) post(ctx context.Context, body exchangeRequest) (*Response, error) {
	c.metrics.RecordSubmission()

	raw, err := c.doRequest(ctx, "/exchange", body)
	if err != nil {
		c.metrics.RecordError()
		return nil, err
	}

	var apiResp exchangeResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		c.metrics.RecordError()
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Status != "ok" {
		var reason string
		if json.Unmarshal(apiResp.Response, &reason) != nil {
			reason = string(apiResp.Response)
		}
		c.metrics.RecordError()
		return nil, &domain.SubmissionError{Kind: domain.ClassifyRejection(reason), Reason: reason}
	}

	var payload struct {
		Type string `json:"type"`
		Data struct {
			Statuses []OrderStatus `json:"statuses"`
		} `json:"data"`
	}
	if len(apiResp.Response) > 0 {
		if err := json.Unmarshal(apiResp.Response, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse response payload: %w", err)
		}
	}
	resp := &Response{Type: payload.Type, Statuses: payload.Data.Statuses}

	// A batch is accepted as a whole but single orders may still fail.
	for _, st := range resp.Statuses {
		if st.Error != "" {
			c.metrics.RecordError()
			return resp, &domain.SubmissionError{Kind: domain.ClassifyRejection(st.Error), Reason: st.Error}
		}
	}
	c.logger.Info("Action accepted", "type", resp.Type, "statuses", len(resp.Statuses))
	return resp, nil
}

// doRequest posts a JSON body and returns the raw response body.
func (c *Client) doRequest(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("post "+path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("read "+path, err)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewNetworkError("post "+path, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(bodyBytes)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewFatalNetworkError("post "+path, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(bodyBytes)))
	}
	return bodyBytes, nil
}
