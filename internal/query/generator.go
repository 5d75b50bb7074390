package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors returned by the generator client.
var (
	ErrGeneratorDisabled    = errors.New("query: sql generator not configured")
	ErrGeneratorUnavailable = errors.New("query: sql generator unreachable")
	ErrGeneratorFailed      = errors.New("query: sql generator error")
)

// Generation is the generator's answer to a question.
type Generation struct {
	SQL     string `json:"sql"`
	Explain string `json:"explain"`
}

// Generator turns a natural language question into SQL.
type Generator interface {
	Generate(ctx context.Context, question, schema string) (Generation, error)
}

// HTTPGenerator calls the external generator service.
type HTTPGenerator struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPGenerator returns a client for baseURL. An empty baseURL yields nil.
func NewHTTPGenerator(baseURL, apiKey string, timeout time.Duration) *HTTPGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGenerator{
		Endpoint: baseURL,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Question string `json:"question"`
	Schema   string `json:"schema,omitempty"`
}

type generatorError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Generate posts the question to {Endpoint}/generate-sql.
func (g *HTTPGenerator) Generate(ctx context.Context, question, schema string) (Generation, error) {
	if g == nil || g.Endpoint == "" {
		return Generation{}, ErrGeneratorDisabled
	}
	body, err := json.Marshal(generateRequest{Question: question, Schema: schema})
	if err != nil {
		return Generation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint+"/generate-sql", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("query: build generator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Generation{}, ctx.Err()
		}
		return Generation{}, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Generation{}, fmt.Errorf("%w: read response: %v", ErrGeneratorUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		var ge generatorError
		_ = json.Unmarshal(payload, &ge)
		msg := ge.Error
		if msg == "" {
			msg = ge.Detail
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Generation{}, fmt.Errorf("%w: status %d: %s", ErrGeneratorFailed, resp.StatusCode, msg)
	}

	var gen Generation
	if err := json.Unmarshal(payload, &gen); err != nil {
		return Generation{}, fmt.Errorf("%w: decode response: %v", ErrGeneratorFailed, err)
	}
	if strings.TrimSpace(gen.SQL) == "" {
		return Generation{}, fmt.Errorf("%w: empty sql", ErrGeneratorFailed)
	}
	return gen, nil
}
