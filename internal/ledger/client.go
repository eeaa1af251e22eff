package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrorKind classifies a failed ledger call so the dispatcher can decide
// whether retrying makes sense.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts and node unavailability.
	KindTransient ErrorKind = iota
	// KindInvalidAddress means the node rejected the destination address.
	KindInvalidAddress
	// KindInsufficientBalance means the faucet wallet cannot fund the
	// transfer. Fatal for the whole queue, not just this request.
	KindInsufficientBalance
	// KindPermanent covers all other non-retryable rejections.
	KindPermanent
)

// Error is a classified failure from the wallet daemon.
type Error struct {
	Kind   ErrorKind
	Status int
	Reason string
	// Ambiguous marks failures where the request may have reached the node
	// (timeouts): the transaction could have been broadcast even though we
	// never saw a response.
	Ambiguous bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: %s", e.Reason)
}

// TxStatus is the node's view of a broadcast transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Client talks to the wallet daemon over its HTTP JSON API. The daemon owns
// key custody, note selection and transaction building; this client only
// submits and polls.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Per-call deadlines come from the caller's context; this is a
			// hard ceiling against a wedged connection.
			Timeout: 2 * time.Minute,
		},
	}
}

type submitRequest struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

type statusResponse struct {
	Status TxStatus `json:"status"`
	Reason string   `json:"reason,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit asks the daemon to build and broadcast a transfer of amount base
// units to destination. On success it returns the transaction hash.
func (c *Client) Submit(ctx context.Context, destination string, amount uint64) (string, error) {
	body, err := json.Marshal(submitRequest{Destination: destination, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyHTTPError(resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: KindTransient, Reason: fmt.Sprintf("malformed submit response: %v", err)}
	}
	if out.TxHash == "" {
		return "", &Error{Kind: KindTransient, Reason: "submit response missing tx_hash"}
	}
	return out.TxHash, nil
}

// QueryStatus returns the node's current view of a broadcast transaction.
func (c *Client) QueryStatus(ctx context.Context, txRef string) (TxStatus, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transactions/"+url.PathEscape(txRef), nil)
	if err != nil {
		return "", "", fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", classifyHTTPError(resp)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", &Error{Kind: KindTransient, Reason: fmt.Sprintf("malformed status response: %v", err)}
	}
	switch out.Status {
	case TxPending, TxConfirmed, TxFailed:
		return out.Status, out.Reason, nil
	default:
		return "", "", &Error{Kind: KindTransient, Reason: fmt.Sprintf("unknown tx status %q", out.Status)}
	}
}

// All transport-level failures are transient: the request never reached the
// daemon, or timed out with no response, and will be retried or reconciled by
// the caller.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTransient, Reason: "request timed out", Ambiguous: true}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransient, Reason: "request canceled"}
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return &Error{Kind: KindTransient, Reason: "request timed out", Ambiguous: true}
		}
		return &Error{Kind: KindTransient, Reason: fmt.Sprintf("request failed: %v", err)}
	}
}

func classifyHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		er.Code = "unknown"
		er.Message = strings.TrimSpace(string(body))
	}
	if er.Message == "" {
		er.Message = http.StatusText(resp.StatusCode)
	}
	reason := fmt.Sprintf("%s: %s", er.Code, er.Message)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Reason: reason}
	case er.Code == "invalid_address":
		return &Error{Kind: KindInvalidAddress, Status: resp.StatusCode, Reason: reason}
	case er.Code == "insufficient_funds":
		return &Error{Kind: KindInsufficientBalance, Status: resp.StatusCode, Reason: reason}
	default:
		return &Error{Kind: KindPermanent, Status: resp.StatusCode, Reason: reason}
	}
}
