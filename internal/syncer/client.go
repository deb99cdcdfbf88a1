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

	lwerrors "github.com/Michaelrobins938/lightwell-sync/internal/errors"
	"github.com/Michaelrobins938/lightwell-sync/internal/models"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// apiError is the error body the backend returns for rejected requests.
type apiError struct {
	Error string `json:"error"`
}

// pushResponse is the backend's answer to any domain push. Conflicts
// detected during the push and the newly acknowledged domain version
// ride back on the same response.
type pushResponse struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Version   int64             `json:"version,omitempty"`
	Conflicts []models.Conflict `json:"conflicts,omitempty"`
}

// PushAck is the acknowledged outcome of one domain push.
type PushAck struct {
	// Version is the domain version the backend assigned to this push,
	// or 0 when the backend did not report one.
	Version int64

	// Conflicts are divergences the backend detected against the
	// submitted version.
	Conflicts []models.Conflict
}

// Client talks to the Lightwell sync REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a client with a 30-second timeout is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, result)
}

// get sends a GET request with query parameters and decodes the
// response into result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, endpoint, result)
}

func (c *Client) do(req *http.Request, endpoint string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", lwerrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s (%d): %s", lwerrors.ErrAPIResponse, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: %s returned status %d", lwerrors.ErrAPIResponse, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// domainEndpoints maps each sync domain to its push endpoint.
var domainEndpoints = map[string]string{
	DomainWaivers:     "/api/waivers",
	DomainChat:        "/api/chat/sync",
	DomainMemories:    "/api/memory/sync",
	DomainOnboarding:  "/api/onboarding/progress",
	DomainAssessment:  "/api/assessment/progress",
	DomainPreferences: "/api/preferences",
	DomainUIState:     "/api/ui-state",
}

// PushDomain sends one domain's data to the backend. The submitted
// version is the last one the backend acknowledged for this domain; the
// backend compares it against its own to detect conflicting writes from
// sibling devices.
func (c *Client) PushDomain(ctx context.Context, userID, domain string, version int64, data any) (PushAck, error) {
	endpoint, ok := domainEndpoints[domain]
	if !ok {
		return PushAck{}, fmt.Errorf("unknown sync domain %q", domain)
	}

	body := map[string]any{
		"userId":  userID,
		"version": version,
		"data":    data,
	}

	var resp pushResponse
	if err := c.post(ctx, endpoint, body, &resp); err != nil {
		return PushAck{}, fmt.Errorf("pushing %s: %w", domain, err)
	}

	ack := PushAck{Version: resp.Version, Conflicts: resp.Conflicts}

	if !resp.Success {
		if resp.Error != "" {
			return ack, fmt.Errorf("%w: pushing %s: %s", lwerrors.ErrAPIResponse, domain, resp.Error)
		}

		return ack, fmt.Errorf("%w: pushing %s: backend rejected push", lwerrors.ErrAPIResponse, domain)
	}

	return ack, nil
}

// ChatHistory pulls the user's conversations.
func (c *Client) ChatHistory(ctx context.Context, userID string) ([]ChatConversation, error) {
	var resp struct {
		Conversations []ChatConversation `json:"conversations"`
	}

	if err := c.get(ctx, "/api/chat/history", url.Values{"userId": {userID}}, &resp); err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}

	return resp.Conversations, nil
}

// Memories pulls the user's memory entries.
func (c *Client) Memories(ctx context.Context, userID string) ([]MemoryEntry, error) {
	var resp struct {
		Memories []MemoryEntry `json:"memories"`
	}

	if err := c.get(ctx, "/api/memory", url.Values{"userId": {userID}}, &resp); err != nil {
		return nil, fmt.Errorf("loading memories: %w", err)
	}

	return resp.Memories, nil
}

// Preferences pulls the user's preferences blob.
func (c *Client) Preferences(ctx context.Context, userID string) (json.RawMessage, error) {
	var resp struct {
		Preferences json.RawMessage `json:"preferences"`
	}

	if err := c.get(ctx, "/api/preferences", url.Values{"userId": {userID}}, &resp); err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	return resp.Preferences, nil
}

// ResolveConflict submits an explicit resolution for one conflict. The
// backend rejects resolutions for conflicts it no longer tracks.
func (c *Client) ResolveConflict(ctx context.Context, userID, conflictID string, resolution Resolution) error {
	body := map[string]any{
		"userId":     userID,
		"resolution": resolution,
	}

	var resp pushResponse
	if err := c.post(ctx, "/api/sync/conflicts/"+url.PathEscape(conflictID)+"/resolve", body, &resp); err != nil {
		return fmt.Errorf("resolving conflict %s: %w", conflictID, err)
	}

	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("%w: resolving conflict %s: %s", lwerrors.ErrAPIResponse, conflictID, resp.Error)
		}

		return fmt.Errorf("%w: resolving conflict %s: backend rejected resolution", lwerrors.ErrAPIResponse, conflictID)
	}

	return nil
}
