package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1/models/gemini-2.5-flash:generateContent"

const maxResponseBytes = 4 << 20

var (
	ErrQuotaExceeded = errors.New("generation quota exceeded")
	ErrNoEndpoint    = errors.New("no generation endpoint configured")
)

// Client turns a prompt into model text.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GeminiClient calls the Gemini generateContent API. With an APIKey it calls
// Endpoint directly; without one it posts the same body to ProxyURL, which is
// expected to hold the key and forward the request.
type GeminiClient struct {
	Endpoint string
	APIKey   string
	ProxyURL string
	HTTP     *http.Client
}

func NewGeminiClient(apiKey, proxyURL string) *GeminiClient {
	return &GeminiClient{
		Endpoint: DefaultGeminiEndpoint,
		APIKey:   apiKey,
		ProxyURL: proxyURL,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
	}
}

type part struct {
	Text string `json:"text"`
}

type contentBlock struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []contentBlock `json:"contents"`
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	target, err := c.target()
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(generateRequest{Contents: []contentBlock{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", err
	}

	status, resp, err := c.post(ctx, target, body)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return "", ErrQuotaExceeded
	case status != http.StatusOK:
		return "", fmt.Errorf("generation api status %d", status)
	}

	text := gjson.GetBytes(resp, "candidates.0.content.parts.0.text")
	if !text.Exists() || text.String() == "" {
		return "", fmt.Errorf("%w: no candidate text", ErrMalformed)
	}
	return text.String(), nil
}

// Forward relays a raw generateContent body to the direct endpoint using the
// configured key, returning the upstream status and body unchanged.
func (c *GeminiClient) Forward(ctx context.Context, body []byte) (int, []byte, error) {
	if c.APIKey == "" {
		return 0, nil, ErrNoEndpoint
	}
	target, err := c.direct()
	if err != nil {
		return 0, nil, err
	}
	return c.post(ctx, target, body)
}

func (c *GeminiClient) target() (string, error) {
	if c.APIKey != "" {
		return c.direct()
	}
	if c.ProxyURL != "" {
		return c.ProxyURL, nil
	}
	return "", ErrNoEndpoint
}

func (c *GeminiClient) direct() (string, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultGeminiEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", c.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *GeminiClient) post(ctx context.Context, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
