// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package vector indexes code chunks through an external embedding
// provider and serves cosine-similarity search over them.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mech/internal/metrics"
)

// ErrBadDimension is returned when the provider yields vectors whose
// dimension does not match the configured index.
var ErrBadDimension = errors.New("embedding dimension mismatch")

// Provider turns text into fixed-dimension float vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// HTTPProviderOptions configure the embedding API client.
type HTTPProviderOptions struct {
	// BaseURL is the provider endpoint, e.g. "https://api.openai.com/v1".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Model names the embedding model.
	Model string
	// Dimensions is the expected vector dimension.
	Dimensions int
	// Timeout caps one embedding call, default 30s.
	Timeout time.Duration
}

// HTTPProvider calls an OpenAI-compatible embeddings endpoint. Transient
// failures are retried with exponential backoff inside the call budget.
type HTTPProvider struct {
	opts   HTTPProviderOptions
	client *http.Client
}

// NewHTTPProvider constructs the client. A nil httpClient gets a default
// with the configured timeout.
func NewHTTPProvider(opts HTTPProviderOptions, httpClient *http.Client) *HTTPProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPProvider{opts: opts, client: httpClient}
}

// Dimensions returns the configured vector dimension.
func (p *HTTPProvider) Dimensions() int { return p.opts.Dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	op := func() error {
		vecs, err := p.call(ctx, texts)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(perm.err)
			}
			return err
		}
		out = vecs
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(p.opts.Timeout)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	return out, nil
}

// permanentError marks provider responses not worth retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (p *HTTPProvider) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.opts.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &permanentError{fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, msg)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("embedding provider returned %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, &permanentError{fmt.Errorf("provider returned %d vectors for %d inputs", len(parsed.Data), len(texts))}
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &permanentError{fmt.Errorf("provider returned out-of-range index %d", d.Index)}
		}
		if p.opts.Dimensions > 0 && len(d.Embedding) != p.opts.Dimensions {
			return nil, &permanentError{fmt.Errorf("%w: got %d, want %d", ErrBadDimension, len(d.Embedding), p.opts.Dimensions)}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
