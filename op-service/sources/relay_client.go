package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

const PathSubmitTransaction = "/submit-transaction"

const StatusSubmitted = "Transaction submitted successfully"

// RelayRequest is the body of a submit call. The relay treats it as untrusted.
type RelayRequest struct {
	SignedTx string `json:"signedTx"`
	From     string `json:"from"`
	Estimate string `json:"estimate"`
}

type SubmitResponse struct {
	TxHash string          `json:"txHash"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// RelayError is a non-200 answer from the relay.
type RelayError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay returned %d: %s: %s", e.StatusCode, e.Response.Error, e.Response.Details)
}

type RelayClient struct {
	log        log.Logger
	endpoint   string
	httpClient *http.Client
}

func NewRelayClient(log log.Logger, endpoint string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		log:        log,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit posts req once. It never retries: a signed payload must not be
// resent blindly.
func (c *RelayClient) Submit(ctx context.Context, req *RelayRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode relay request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+PathSubmitTransaction, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build relay request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "post relay request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read relay response")
	}
	c.log.Debug("Relay response", "status", resp.Status, "body", string(respBody))

	if resp.StatusCode != http.StatusOK {
		relayErr := &RelayError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, &relayErr.Response); err != nil {
			relayErr.Response.Error = http.StatusText(resp.StatusCode)
			relayErr.Response.Details = strings.TrimSpace(string(respBody))
		}
		return nil, relayErr
	}

	var out SubmitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "decode relay response")
	}
	return &out, nil
}
