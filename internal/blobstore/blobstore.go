package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Resolver turns an opaque blob reference into a retrievable URL. The
// core never inspects blob content; upload happens outside it.
type Resolver interface {
	SignedURL(ctx context.Context, ref string) (string, error)
}

// HTTPResolver asks an external blob service for a time-limited signed
// URL for a stored reference.
type HTTPResolver struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPResolver(endpoint string) *HTTPResolver {
	return &HTTPResolver{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (r *HTTPResolver) SignedURL(ctx context.Context, ref string) (string, error) {
	u := fmt.Sprintf("%s/v1/blobs/%s/url", r.Endpoint, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blob service status %d for ref %s", resp.StatusCode, ref)
	}
	var out struct {
		URL       string `json:"url"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("blob service returned no url for ref %s", ref)
	}
	return out.URL, nil
}

// StaticResolver returns refs unchanged; useful for local runs and tests.
type StaticResolver struct{}

func (StaticResolver) SignedURL(ctx context.Context, ref string) (string, error) {
	return ref, nil
}
