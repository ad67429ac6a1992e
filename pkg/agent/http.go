package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/flowbench/pkg/httpclient"
)

// DefaultEndpoint is where the bundled reference agent listens.
const DefaultEndpoint = "http://127.0.0.1:9090/gen/tx"

// generationPrompt is the fixed instruction block sent ahead of every
// step prompt.
const generationPrompt = "Generate the raw Solana instruction(s) that satisfy the user's " +
	"request, using the provided on-chain context. Respond with JSON only: a single object " +
	"or an array of objects, each with program_id, accounts (pubkey, is_signer, is_writable), " +
	"and base58-encoded data."

// HTTPAgent drives an agent served over HTTP. One POST per step carries
// the prompt and a trimmed on-chain context; the response body carries
// the instruction set.
type HTTPAgent struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures an HTTPAgent.
type HTTPOption func(*HTTPAgent) error

// WithHTTPClient sets a custom HTTP client. Use this to route requests
// through a signing transport (SigV4, OAuth2).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAgent) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		a.httpClient = client
		return nil
	}
}

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) HTTPOption {
	return func(a *HTTPAgent) error {
		a.apiKey = key
		return nil
	}
}

// WithModel sets the default model name sent to the agent service.
func WithModel(model string) HTTPOption {
	return func(a *HTTPAgent) error {
		a.model = model
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(a *HTTPAgent) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		a.logger = logger
		return nil
	}
}

// NewHTTP creates an HTTP agent client for the given endpoint. An empty
// endpoint targets the bundled reference agent.
func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTPAgent, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	a := &HTTPAgent{
		endpoint:   endpoint,
		httpClient: defaultGenerationClient(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// defaultGenerationClient leaves POST retries off: replaying a
// generation request would bill a second model call for the same step.
// The timeout allows for slow local inference.
func defaultGenerationClient() *http.Client {
	client, err := httpclient.New(httpclient.Config{
		Timeout:       120 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  250 * time.Millisecond,
		MaxBackoff:    2 * time.Second,
		UserAgent:     "flowbench-agent/1.0",
	})
	if err != nil {
		return &http.Client{Timeout: 120 * time.Second}
	}
	return client
}

// httpActionRequest is the wire form of one generation request.
type httpActionRequest struct {
	ID               string `json:"id"`
	Prompt           string `json:"prompt"`
	ContextPrompt    string `json:"context_prompt"`
	GenerationPrompt string `json:"generation_prompt"`
	ModelName        string `json:"model_name,omitempty"`
}

// httpActionResponse is the wire form of the agent's reply. The
// instruction payload arrives under result.text in whatever JSON shape
// the backing model produced.
type httpActionResponse struct {
	Result *struct {
		Text json.RawMessage `json:"text"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

// GetAction implements Agent.
func (a *HTTPAgent) GetAction(ctx context.Context, req Request) ([]RawInstruction, error) {
	contextPrompt, err := BuildContext(req.Prompt, req.Observation)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	id := req.BenchmarkID
	if id == "" {
		id = req.RunID
	}
	payload := httpActionRequest{
		ID:               id,
		Prompt:           req.Prompt,
		ContextPrompt:    contextPrompt,
		GenerationPrompt: generationPrompt,
		ModelName:        model,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	a.logger.Debug("requesting agent action", "endpoint", a.endpoint, "run_id", req.RunID, "model", model)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var envelope httpActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("agent reported an error: %s", envelope.Error)
	}
	if envelope.Result == nil || len(envelope.Result.Text) == 0 {
		return nil, fmt.Errorf("agent response carries no result")
	}
	return ParseInstructions(envelope.Result.Text)
}

// Name implements Agent.
func (a *HTTPAgent) Name() string {
	return "http"
}
