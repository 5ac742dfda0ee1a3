// Package x402 implements the deferred-payment flavor of the x402
// protocol: instead of paying on-chain per request, agents answer a 402
// with a signed authorization that the facilitator batches and settles
// later.
package x402

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PaymentRequirement is returned by merchants in 402 responses.
type PaymentRequirement struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Recipient   string `json:"recipient"` // merchant settlement address
	Mint        string `json:"mint,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	Description string `json:"description,omitempty"`
	ValidFor    int64  `json:"validFor,omitempty"` // seconds until the authorization expires
	Nonce       string `json:"nonce,omitempty"`
}

// Authorization is a signed promise to pay for one API call. All fields
// are immutable once signed; the facilitator tracks lifecycle state
// separately.
type Authorization struct {
	ID              string `json:"id"`
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
	ToolName        string `json:"toolName"`
	Amount          string `json:"amount"`   // decimal string, e.g. "0.001"
	Currency        string `json:"currency"` // e.g. "USDC"
	Timestamp       int64  `json:"timestamp"` // creation, ms epoch
	ExpiresAt       int64  `json:"expiresAt"` // ms epoch
	Nonce           string `json:"nonce"`
	Signature       string `json:"signature"`
}

// SignaturePayload renders the canonical byte string the signature
// covers: the immutable fields joined with a literal pipe, integers in
// base-10.
func (a *Authorization) SignaturePayload() string {
	return strings.Join([]string{
		a.ID,
		a.AgentAddress,
		a.MerchantAddress,
		a.Amount,
		a.Currency,
		strconv.FormatInt(a.Timestamp, 10),
		strconv.FormatInt(a.ExpiresAt, 10),
		a.Nonce,
	}, "|")
}

// Digest computes the canonical signature: hex(SHA-256(payload)).
func (a *Authorization) Digest() string {
	sum := sha256.Sum256([]byte(a.SignaturePayload()))
	return hex.EncodeToString(sum[:])
}

// Sign sets the Signature field to the canonical digest.
func (a *Authorization) Sign() {
	a.Signature = a.Digest()
}

// VerifySignature recomputes the digest and compares it to the stored
// signature.
func (a *Authorization) VerifySignature() bool {
	return a.Signature != "" && a.Signature == a.Digest()
}

// Expired reports whether the authorization's deadline has passed.
func (a *Authorization) Expired(now time.Time) bool {
	return a.ExpiresAt < now.UnixMilli()
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts payment requirements from a 402 response.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}

	return &req, nil
}

// AuthorizationHeader is the request header carrying a serialized
// authorization on retried calls.
const AuthorizationHeader = "X-Payment-Authorization"

// ToHeader serializes the authorization for the payment header.
func (a *Authorization) ToHeader() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization: %w", err)
	}
	return string(data), nil
}

// AddToRequest attaches the authorization header to an HTTP request.
func (a *Authorization) AddToRequest(req *http.Request) error {
	header, err := a.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set(AuthorizationHeader, header)
	return nil
}
