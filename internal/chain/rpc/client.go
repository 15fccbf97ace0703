// Package rpc is a JSON-RPC client for the ledger node.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

const (
	// maxAccountsPerCall is the node's getMultipleAccounts ceiling.
	maxAccountsPerCall = 100
	rateLimitKey       = "ratelimit:ledger-rpc"
)

// Client talks to one ledger RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	commitment string
	nextID     atomic.Uint64

	limiter   domain.RateLimiter
	perSecond int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCommitment sets the commitment level for reads and preflight.
func WithCommitment(level string) Option {
	return func(c *Client) { c.commitment = level }
}

// WithRateLimiter throttles outgoing calls to perSecond across processes
// sharing the limiter.
func WithRateLimiter(l domain.RateLimiter, perSecond int) Option {
	return func(c *Client) {
		c.limiter = l
		c.perSecond = perSecond
	}
}

// New creates a Client for endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		commitment: "confirmed",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Logs returns program logs attached to a failed preflight simulation.
func (e *Error) Logs() []string {
	if len(e.Data) == 0 {
		return nil
	}
	var d struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil
	}
	return d.Logs
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.waitTurn(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpc: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w: %w", method, domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc: %s: read response: %w: %w", method, domain.ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rpc: %s: %w: %w", method, domain.ErrRateLimited, domain.ErrTransient)
	case resp.StatusCode >= 500:
		return fmt.Errorf("rpc: %s: HTTP %d: %w", method, resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode >= 300:
		return fmt.Errorf("rpc: %s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("rpc: %s: %w", method, r.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("rpc: %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) waitTurn(ctx context.Context) error {
	if c.limiter == nil || c.perSecond <= 0 {
		return nil
	}
	for {
		ok, err := c.limiter.Allow(ctx, rateLimitKey, c.perSecond, time.Second)
		if err != nil || ok {
			// Limiter errors fail open.
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type contextValue[T any] struct {
	Value T `json:"value"`
}

// GetLatestBlockhash returns a recent blockhash and its last valid height.
func (c *Client) GetLatestBlockhash(ctx context.Context) (chain.Hash, uint64, error) {
	var out contextValue[struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}]
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": c.commitment}}, &out); err != nil {
		return chain.Hash{}, 0, err
	}
	h, err := chain.ParseHash(out.Value.Blockhash)
	if err != nil {
		return chain.Hash{}, 0, err
	}
	return h, out.Value.LastValidBlockHeight, nil
}

// SendTransaction submits a serialized transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, raw []byte, skipPreflight bool) (string, error) {
	var sig string
	opts := map[string]any{
		"encoding":            "base64",
		"skipPreflight":       skipPreflight,
		"preflightCommitment": c.commitment,
	}
	err := c.call(ctx, "sendTransaction", []any{base64.StdEncoding.EncodeToString(raw), opts}, &sig)
	return sig, err
}

// SignatureStatus is the node's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with a program error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Confirmed reports whether the status reached at least confirmed.
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// GetSignatureStatuses returns one entry per signature; unknown
// signatures yield nil.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var out contextValue[[]*SignatureStatus]
	err := c.call(ctx, "getSignatureStatuses", []any{sigs, map[string]any{"searchTransactionHistory": false}}, &out)
	return out.Value, err
}

// GetTransactionLogs returns the program logs of a landed transaction.
func (c *Client) GetTransactionLogs(ctx context.Context, sig string) ([]string, error) {
	var out *struct {
		Meta struct {
			LogMessages []string `json:"logMessages"`
		} `json:"meta"`
	}
	opts := map[string]any{"encoding": "json", "commitment": c.commitment, "maxSupportedTransactionVersion": 0}
	if err := c.call(ctx, "getTransaction", []any{sig, opts}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Meta.LogMessages, nil
}

// AccountInfo is a decoded account.
type AccountInfo struct {
	Lamports uint64
	Owner    string
	Data     []byte
}

type rawAccount struct {
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
	Data     []string `json:"data"`
}

func (r *rawAccount) decode() (*AccountInfo, error) {
	if r == nil {
		return nil, nil
	}
	info := &AccountInfo{Lamports: r.Lamports, Owner: r.Owner}
	if len(r.Data) > 0 && r.Data[0] != "" {
		b, err := base64.StdEncoding.DecodeString(r.Data[0])
		if err != nil {
			return nil, fmt.Errorf("rpc: decode account data: %w", err)
		}
		info.Data = b
	}
	return info, nil
}

// GetAccountInfo returns nil, nil when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, addr chain.PublicKey) (*AccountInfo, error) {
	var out contextValue[*rawAccount]
	opts := map[string]any{"encoding": "base64", "commitment": c.commitment}
	if err := c.call(ctx, "getAccountInfo", []any{addr.String(), opts}, &out); err != nil {
		return nil, err
	}
	return out.Value.decode()
}

// GetMultipleAccounts returns accounts in input order; missing ones are nil.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []chain.PublicKey) ([]*AccountInfo, error) {
	result := make([]*AccountInfo, 0, len(addrs))
	for _, r := range chain.Chunk(len(addrs), maxAccountsPerCall) {
		keys := make([]string, 0, r[1]-r[0])
		for _, a := range addrs[r[0]:r[1]] {
			keys = append(keys, a.String())
		}
		var out contextValue[[]*rawAccount]
		opts := map[string]any{"encoding": "base64", "commitment": c.commitment}
		if err := c.call(ctx, "getMultipleAccounts", []any{keys, opts}, &out); err != nil {
			return nil, err
		}
		if len(out.Value) != len(keys) {
			return nil, fmt.Errorf("rpc: getMultipleAccounts returned %d entries for %d keys", len(out.Value), len(keys))
		}
		for _, ra := range out.Value {
			info, err := ra.decode()
			if err != nil {
				return nil, err
			}
			result = append(result, info)
		}
	}
	return result, nil
}
