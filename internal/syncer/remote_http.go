package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPRemote talks to the backend document store over its REST API.
//
// Server responses map onto the retry policy: 2xx succeeds, 4xx is a
// permanent rejection, and everything else (5xx, transport errors) is
// transient and retried by the coordinator.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPRemote creates a remote client for the given base URL. An empty
// token disables the Authorization header.
func NewHTTPRemote(baseURL, token string) *HTTPRemote {
	return &HTTPRemote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		token:   token,
	}
}

// FetchAreaSnapshot returns the authoritative item list for an area.
func (r *HTTPRemote) FetchAreaSnapshot(ctx context.Context, companyID, siteID, areaID string) ([]RemoteItem, error) {
	u := fmt.Sprintf("%s/companies/%s/sites/%s/areas/%s/items",
		r.baseURL, url.PathEscape(companyID), url.PathEscape(siteID), url.PathEscape(areaID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request returned %s", resp.Status)
	}

	var items []RemoteItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return items, nil
}

// WriteVerification pushes one mutation. The mutation id is the idempotency
// key: PUT to the same id is applied at most once server-side.
func (r *HTTPRemote) WriteVerification(ctx context.Context, companyID, areaID, itemID, mutationID string, payload []byte) error {
	u := fmt.Sprintf("%s/companies/%s/areas/%s/items/%s/verifications/%s",
		r.baseURL, url.PathEscape(companyID), url.PathEscape(areaID),
		url.PathEscape(itemID), url.PathEscape(mutationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server refused mutation %s (%s): %s: %w",
			mutationID, resp.Status, bytes.TrimSpace(body), ErrRemoteRejected)
	default:
		return fmt.Errorf("verification request returned %s", resp.Status)
	}
}

func (r *HTTPRemote) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
