package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chatsync/models"
)

const maxResolverResponseSize = 4 * 1024 * 1024

// HTTPResolver requests signed URLs from a backend endpoint.
//
// Request:  POST {"keys": ["..."]}
// Response: {"files": [{"originalName", "uniqueFileName", "url"}]}
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

type resolveRequest struct {
	Keys []string `json:"keys"`
}

type resolveResponse struct {
	Files []models.ResolvedURL `json:"files"`
}

// NewHTTPResolver returns a resolver posting to endpoint. A nil client uses http.DefaultClient.
func NewHTTPResolver(endpoint string, client *http.Client) (*HTTPResolver, error) {
	if endpoint == "" {
		return nil, errors.New("resolver endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{endpoint: endpoint, client: client}, nil
}

// ResolveURLs implements Resolver.
func (r *HTTPResolver) ResolveURLs(ctx context.Context, keys []string) ([]models.ResolvedURL, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(resolveRequest{Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send resolve request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResolverResponseSize))
		return nil, fmt.Errorf("resolve request: unexpected status %d", resp.StatusCode)
	}

	var decoded resolveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResolverResponseSize)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}
	return decoded.Files, nil
}
