package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/types"
)

const (
	registerPath = "/api/v1/nodes/register"
	ingestPath   = "/api/v1/telemetry/ingest"

	maxResponseBodyBytes = 64 * 1024
)

// Header names shared with the collector server.
const (
	HeaderNodeKey   = "X-Node-API-Key"
	HeaderEncrypted = "X-Encrypted"
)

// RegisterResponse is the server's answer to a registration.
type RegisterResponse struct {
	NodeID     string `json:"node_id"`
	ServerTime int64  `json:"server_time"`
}

// IngestResponse is the server's answer to an accepted batch.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

// EncryptedBody wraps a sealed token for transport.
type EncryptedBody struct {
	Data string `json:"data"`
}

// serverError mirrors the collector's error envelope.
type serverError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

// Client talks to the collector server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracer     *otel.Tracer
}

// NewClient creates a client. A nil httpClient uses one with the given timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// SetTracer propagates trace context on outgoing requests.
func (c *Client) SetTracer(t *otel.Tracer) {
	c.tracer = t
}

// Register announces the host to the server. Any failure is a *RegistrationError.
func (c *Client) Register(ctx context.Context, facts *types.HostFacts) (*RegisterResponse, error) {
	body, err := json.Marshal(facts)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	resp, err := c.post(ctx, registerPath, body, nil)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	data, err := readResponseBody(resp)
	if err != nil {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Err: decodeServerError(data)}
	}

	var out RegisterResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.NodeID == "" {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("response carries no node_id")}
	}
	return &out, nil
}

// Send posts one batch. payload is either a plaintext snapshot or an
// EncryptedBody, as signalled by encrypted. Any failure is a *TransmitError.
func (c *Client) Send(ctx context.Context, payload []byte, encrypted bool) (*IngestResponse, error) {
	headers := map[string]string{HeaderEncrypted: "false"}
	if encrypted {
		headers[HeaderEncrypted] = "true"
	}
	resp, err := c.post(ctx, ingestPath, payload, headers)
	if err != nil {
		return nil, &TransmitError{Err: err}
	}
	data, err := readResponseBody(resp)
	if err != nil {
		return nil, &TransmitError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransmitError{StatusCode: resp.StatusCode, Err: decodeServerError(data)}
	}

	var out IngestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransmitError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNodeKey, c.apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.InjectHeaders(req, c.tracer)
	return c.httpClient.Do(req)
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBodyBytes {
		body = body[:maxResponseBodyBytes]
	}
	return body, nil
}

func decodeServerError(data []byte) error {
	var se serverError
	if err := json.Unmarshal(data, &se); err != nil || se.ErrorType == "" {
		return fmt.Errorf("unexpected response: %s", bytes.TrimSpace(data))
	}
	return fmt.Errorf("%s: %s", se.ErrorType, se.ErrorMessage)
}
