package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/usdc"
)

// DefaultValidFor is the authorization lifetime when the merchant's 402
// response does not specify one.
const DefaultValidFor = time.Hour

// Client wraps http.Client with automatic deferred-payment handling:
// a 402 response turns into a signed authorization submitted to the
// facilitator, and the original request is retried with the
// authorization attached.
type Client struct {
	httpClient *http.Client

	// AgentAddress identifies the paying agent on all authorizations.
	AgentAddress string

	// FacilitatorURL is the base URL of the deferred payment facilitator.
	FacilitatorURL string

	// MaxRetries caps payment retries per request (default: 1).
	MaxRetries int

	// AutoAuthorize controls whether 402s are handled automatically
	// (default: true).
	AutoAuthorize bool

	// MaxAmount rejects requirements above this decimal amount ("" = unlimited).
	MaxAmount string

	// OnAuthorization is called after each authorization is created.
	OnAuthorization func(req *PaymentRequirement, auth *Authorization)
}

// NewClient creates a deferred-payment HTTP client for an agent.
func NewClient(agentAddress, facilitatorURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		AgentAddress:   agentAddress,
		FacilitatorURL: facilitatorURL,
		MaxRetries:     1,
		AutoAuthorize:  true,
	}
}

// NewAuthorization builds and signs an authorization for a payment
// requirement.
func (c *Client) NewAuthorization(req *PaymentRequirement) *Authorization {
	now := time.Now()

	validFor := DefaultValidFor
	if req.ValidFor > 0 {
		validFor = time.Duration(req.ValidFor) * time.Second
	}

	nonce := req.Nonce
	if nonce == "" {
		nonce = idgen.Hex(16)
	}

	currency := req.Currency
	if currency == "" {
		currency = "USDC"
	}

	auth := &Authorization{
		ID:              idgen.WithPrefix("auth_"),
		AgentAddress:    c.AgentAddress,
		MerchantAddress: req.Recipient,
		ToolName:        req.ToolName,
		Amount:          req.Price,
		Currency:        currency,
		Timestamp:       now.UnixMilli(),
		ExpiresAt:       now.Add(validFor).UnixMilli(),
		Nonce:           nonce,
	}
	auth.Sign()
	return auth
}

// Do performs an HTTP request with automatic 402 handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request, creating and registering a
// deferred authorization when the server answers 402.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired || !c.AutoAuthorize {
			return resp, nil
		}

		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
		}

		if c.MaxAmount != "" {
			if err := c.checkAmountLimit(payReq.Price); err != nil {
				return nil, err
			}
		}

		auth := c.NewAuthorization(payReq)
		if err := c.Register(ctx, auth); err != nil {
			return nil, fmt.Errorf("failed to register authorization: %w", err)
		}

		if c.OnAuthorization != nil {
			c.OnAuthorization(payReq, auth)
		}

		if err := auth.AddToRequest(req); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("server kept requiring payment after %d attempts", c.MaxRetries+1)
}

// Register submits the authorization to the facilitator's /verify
// endpoint followed by /queue, so it is eligible for batching.
func (c *Client) Register(ctx context.Context, auth *Authorization) error {
	if err := c.post(ctx, "/v1/verify", auth); err != nil {
		return err
	}
	return c.post(ctx, "/v1/queue", map[string]string{"authorizationId": auth.ID})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.FacilitatorURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("facilitator %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) checkAmountLimit(price string) error {
	priceUnits, ok := usdc.Parse(price)
	if !ok {
		return fmt.Errorf("invalid price in payment requirement: %q", price)
	}
	maxUnits, ok := usdc.Parse(c.MaxAmount)
	if !ok {
		return fmt.Errorf("invalid MaxAmount configured: %q", c.MaxAmount)
	}
	if priceUnits.Cmp(maxUnits) > 0 {
		return fmt.Errorf("payment of %s exceeds limit of %s", price, c.MaxAmount)
	}
	return nil
}
